package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hyperengineering/rowsync/internal/batch"
	"github.com/hyperengineering/rowsync/internal/config"
	"github.com/hyperengineering/rowsync/internal/orchestrator"
	"github.com/hyperengineering/rowsync/internal/schema"
	"github.com/hyperengineering/rowsync/internal/snapshot"
	"github.com/hyperengineering/rowsync/internal/store"
	"github.com/hyperengineering/rowsync/internal/sync"
	"github.com/hyperengineering/rowsync/internal/tracing"
	"github.com/hyperengineering/rowsync/internal/transport"
)

func batchLimits(cfg *config.Config) batch.Config {
	return batch.Config{MaxRows: cfg.Sync.BatchMaxRows, MaxBytes: cfg.Sync.BatchMaxBytes}
}

// batchDir places a batch manager under the configured batch root.
func batchDir(limits batch.Config, root, name string) batch.Config {
	if root != "" {
		limits.Dir = filepath.Join(root, name)
	}
	return limits
}

// openRemote opens the server database and builds the orchestrator serving the
// configured scope.
func openRemote(cfg *config.Config) (*orchestrator.RemoteOrchestrator, *store.SQLiteStore, error) {
	if err := requireScope(cfg); err != nil {
		return nil, nil, err
	}
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	uploader, err := snapshot.NewUploader(cfg.SnapshotStorage)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	limits := batchLimits(cfg)
	remote := orchestrator.NewRemoteOrchestrator(db, orchestrator.ServerConfig{
		Setups:       map[string]schema.Setup{cfg.Scope.Name: cfg.Scope.Setup()},
		Batches:      batch.NewManager(batchDir(limits, cfg.Sync.BatchDir, "download")),
		Snapshots:    snapshot.New(cfg.Sync.SnapshotsDir, limits, uploader),
		MaxRowErrors: cfg.Sync.MaxRowErrors,
	})
	return remote, db, nil
}

// openAgent opens the client database and builds an agent talking to the
// configured remote server.
func openAgent(cfg *config.Config) (*orchestrator.Agent, *store.SQLiteStore, error) {
	if err := requireScope(cfg); err != nil {
		return nil, nil, err
	}
	if cfg.Sync.RemoteURL == "" {
		return nil, nil, fmt.Errorf("sync.remote_url is required (set it in the config file or ROWSYNC_REMOTE_URL)")
	}

	client, err := transport.New(transport.Config{
		BaseURL:    cfg.Sync.RemoteURL,
		APIKey:     cfg.Auth.APIKey,
		Timeout:    time.Duration(cfg.Sync.RequestTimeout),
		MaxRetries: cfg.Sync.MaxRetries,
	})
	if err != nil {
		return nil, nil, err
	}

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	local := orchestrator.NewLocalOrchestrator(db, batch.NewManager(batchDir(batchLimits(cfg), cfg.Sync.BatchDir, "client")))
	agent := orchestrator.NewAgent(local, client, cfg.Scope.Name,
		orchestrator.WithPolicy(cfg.Sync.Policy()),
		orchestrator.WithMaxRowErrors(cfg.Sync.MaxRowErrors),
		orchestrator.WithTracer(tracing.Tracer()),
	)
	return agent, db, nil
}

// logProgress reports run progress through the default logger.
func logProgress(r sync.ProgressRecord) {
	slog.Info("sync progress",
		"session_id", r.SessionID,
		"scope", r.Scope,
		"stage", string(r.Stage),
		"message", r.Message,
		"uploaded", r.Uploaded,
		"downloaded", r.Downloaded,
		"errors", r.Errors,
	)
}
