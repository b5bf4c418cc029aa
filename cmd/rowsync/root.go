package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/rowsync/internal/config"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	configPath string
	jsonOutput bool

	// cfg is loaded once per invocation before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "rowsync",
	Short: "rowsync - bidirectional row synchronization for SQLite",
	Long: "rowsync keeps a scope of SQLite tables in sync between a server and any number of clients.\n" +
		"Without a subcommand it runs the server.",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	RunE:              runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (overrides ROWSYNC_CONFIG_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(deprovisionCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(scopeCmd)
}

// setup loads configuration and installs the default logger.
func setup(cmd *cobra.Command, args []string) error {
	var (
		loaded *config.Config
		err    error
	)
	if configPath != "" {
		loaded, err = config.LoadFromFile(configPath)
	} else {
		loaded, err = config.Load()
	}
	if err != nil {
		return err
	}
	cfg = loaded

	slog.SetDefault(newLogger(cfg.Log, cmd.ErrOrStderr()))
	slog.Debug("configuration loaded", "level", cfg.Log.Level, "format", cfg.Log.Format)
	return nil
}

func newLogger(lc config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(lc.Level)}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// requireScope fails when no scope is configured.
func requireScope(cfg *config.Config) error {
	if cfg.Scope.Name == "" {
		return fmt.Errorf("scope.name is required (set it in the config file or ROWSYNC_SCOPE)")
	}
	return nil
}

// parseParams turns key=value flags into filter parameters layered over base.
// Integer values become int64, everything else stays a string.
func parseParams(base map[string]any, flags []string) (map[string]any, error) {
	params := make(map[string]any, len(base)+len(flags))
	for k, v := range base {
		params[k] = v
	}
	for _, f := range flags {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: want name=value", f)
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			params[key] = n
		} else {
			params[key] = value
		}
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
