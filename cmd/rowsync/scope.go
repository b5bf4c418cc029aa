package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/rowsync/internal/store"
	"github.com/hyperengineering/rowsync/internal/sync"
)

var scopeCmd = &cobra.Command{
	Use:   "scope",
	Short: "Show the configured scope and its synchronization history",
	Long: "Print the scope metadata of the local database. On a server the history\n" +
		"lists every client that has completed a session.",
	Args: cobra.NoArgs,
	RunE: runScope,
}

func runScope(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if err := requireScope(cfg); err != nil {
		return err
	}
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	scope, err := db.ReadScope(ctx, cfg.Scope.Name)
	if errors.Is(err, sync.ErrScopeNotFound) {
		return fmt.Errorf("scope %s is not provisioned in %s", cfg.Scope.Name, cfg.Database.Path)
	}
	if err != nil {
		return err
	}
	history, err := db.ReadHistory(ctx, cfg.Scope.Name)
	if err != nil {
		return err
	}
	watermark, err := db.CurrentWatermark(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"scope":     scope,
			"watermark": watermark,
			"history":   history,
		})
	}

	fmt.Fprintf(out, "Scope:         %s\n", scope.Name)
	fmt.Fprintf(out, "ID:            %s\n", scope.ID)
	if scope.RemoteScopeID != "" {
		fmt.Fprintf(out, "Remote ID:     %s\n", scope.RemoteScopeID)
	}
	fmt.Fprintf(out, "Watermark:     %d\n", watermark)
	fmt.Fprintf(out, "Last Local:    %d\n", scope.LastSyncTimestamp)
	fmt.Fprintf(out, "Last Server:   %d\n", scope.LastServerSyncTimestamp)
	fmt.Fprintf(out, "Last Sync:     %s\n", formatTime(scope.LastSync))

	if len(history) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	w := newTabWriter(out)
	fmt.Fprintln(w, "CLIENT\tWATERMARK\tLAST SYNC\tDURATION")
	for _, h := range history {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", h.ScopeID, h.LastSyncTimestamp,
			formatTime(h.LastSync), h.LastSyncDuration.Round(time.Millisecond))
	}
	return w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format("2006-01-02 15:04:05 MST")
}
