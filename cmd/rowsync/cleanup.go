package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge tombstones every client has already received",
	Args:  cobra.NoArgs,
	RunE:  runCleanup,
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	remote, db, err := openRemote(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	deleted, err := remote.CleanTombstones(ctx, cfg.Scope.Name)
	if err != nil {
		return fmt.Errorf("clean tombstones: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"scope": cfg.Scope.Name, "deleted": deleted})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d tombstones from scope %s\n", deleted, cfg.Scope.Name)
	return nil
}
