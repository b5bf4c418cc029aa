package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var provisionServer bool

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Install tracking tables and triggers for the configured scope",
	Long: "On a client, fetch the scope schema from the server and create the local tables.\n" +
		"With --server, provision the scope over the existing tables of the server database.",
	Args: cobra.NoArgs,
	RunE: runProvision,
}

var deprovisionCmd = &cobra.Command{
	Use:   "deprovision",
	Short: "Remove tracking tables, triggers and scope metadata",
	Long:  "Drop the tracking tables and triggers of the configured scope. Base tables and their rows are kept.",
	Args:  cobra.NoArgs,
	RunE:  runDeprovision,
}

func init() {
	provisionCmd.Flags().BoolVar(&provisionServer, "server", false,
		"Provision the server database instead of a client")
	deprovisionCmd.Flags().BoolVar(&provisionServer, "server", false,
		"Deprovision the server database instead of a client")
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if provisionServer {
		remote, db, err := openRemote(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		scope, err := remote.Provision(ctx, cfg.Scope.Name)
		if err != nil {
			return fmt.Errorf("provision %s: %w", cfg.Scope.Name, err)
		}
		return printProvisioned(cmd, scope.ID, scope.Name)
	}

	agent, db, err := openAgent(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	scope, err := agent.Provision(ctx)
	if err != nil {
		return err
	}
	return printProvisioned(cmd, scope.ID, scope.Name)
}

func printProvisioned(cmd *cobra.Command, id, name string) error {
	slog.Info("scope provisioned", "scope", name, "scope_id", id, "server", provisionServer)
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"scope_id": id, "scope": name})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Provisioned scope %s (%s)\n", name, id)
	return nil
}

func runDeprovision(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if provisionServer {
		remote, db, err := openRemote(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := remote.Deprovision(ctx, cfg.Scope.Name); err != nil {
			return fmt.Errorf("deprovision %s: %w", cfg.Scope.Name, err)
		}
	} else {
		agent, db, err := openAgent(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := agent.Deprovision(ctx); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deprovisioned scope %s\n", cfg.Scope.Name)
	return nil
}
