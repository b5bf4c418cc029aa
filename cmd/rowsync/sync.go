package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/rowsync/internal/sync"
	"github.com/hyperengineering/rowsync/internal/tracing"
	"github.com/hyperengineering/rowsync/internal/validation"
)

var (
	syncType   string
	syncParams []string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the local database with the server",
	Long: "Run one synchronization of the configured scope against sync.remote_url.\n" +
		"The first run provisions the local database from the server schema.",
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncType, "type", string(sync.SyncTypeNormal),
		"Sync type: normal, reinitialize or reinitialize_with_upload")
	syncCmd.Flags().StringArrayVar(&syncParams, "param", nil,
		"Filter parameter as name=value (repeatable, overrides scope.parameters)")
}

func runSync(cmd *cobra.Command, args []string) error {
	if verr := validation.ValidateEnum("type", syncType, []string{
		string(sync.SyncTypeNormal),
		string(sync.SyncTypeReinitialize),
		string(sync.SyncTypeReinitializeWithUpload),
	}); verr != nil {
		return verr
	}
	params, err := parseParams(cfg.Scope.Parameters, syncParams)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	tp, err := tracing.Setup(ctx, cfg.Tracing, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())

	agent, db, err := openAgent(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	agent.SetParameters(params)
	agent.OnProgress(sync.ProgressFunc(logProgress))

	result, err := agent.Synchronize(ctx, sync.SyncType(syncType))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, result)
	}

	fmt.Fprintf(out, "Session:     %s\n", result.SessionID)
	fmt.Fprintf(out, "Scope:       %s\n", result.ScopeName)
	fmt.Fprintf(out, "Type:        %s\n", result.SyncType)
	fmt.Fprintf(out, "Uploaded:    %d\n", result.TotalChangesUploaded)
	fmt.Fprintf(out, "Downloaded:  %d\n", result.TotalChangesDownloaded)
	fmt.Fprintf(out, "Conflicts:   %d\n", result.TotalResolvedConflicts)
	fmt.Fprintf(out, "Errors:      %d\n", result.TotalSyncErrors)
	fmt.Fprintf(out, "Duration:    %s\n", result.CompleteTime.Sub(result.StartTime).Round(time.Millisecond))
	return nil
}
