package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/rowsync/internal/api"
	"github.com/hyperengineering/rowsync/internal/batch"
	"github.com/hyperengineering/rowsync/internal/config"
	"github.com/hyperengineering/rowsync/internal/orchestrator"
	"github.com/hyperengineering/rowsync/internal/store"
	"github.com/hyperengineering/rowsync/internal/tracing"
	"github.com/hyperengineering/rowsync/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	srv, err := newServer(ctx, cfg)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		srv.close(ctx)
		return fmt.Errorf("listen: %w", err)
	}
	return srv.run(ctx, ln)
}

// server wires the store, orchestrator, HTTP API and background workers of one node.
type server struct {
	cfg     *config.Config
	store   *store.SQLiteStore
	remote  *orchestrator.RemoteOrchestrator
	handler *api.Handler
	tracing *tracing.Provider
	http    *http.Server
}

// newServer opens the store, provisions the configured scope and builds the router.
func newServer(ctx context.Context, cfg *config.Config) (*server, error) {
	tp, err := tracing.Setup(ctx, cfg.Tracing, nil)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	slog.Info("tracing initialized", "enabled", cfg.Tracing.Enabled, "exporter", cfg.Tracing.Exporter)

	remote, db, err := openRemote(cfg)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	if _, err := remote.Schema(ctx, cfg.Scope.Name); err != nil {
		db.Close()
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("prepare scope %s: %w", cfg.Scope.Name, err)
	}
	slog.Info("scope ready", "scope", cfg.Scope.Name, "tables", len(cfg.Scope.Tables))

	uploads := batch.NewManager(batchDir(batchLimits(cfg), cfg.Sync.BatchDir, "upload"))
	handler := api.NewHandler(remote, uploads, cfg.Auth.APIKey, Version)

	return &server{
		cfg:     cfg,
		store:   db,
		remote:  remote,
		handler: handler,
		tracing: tp,
		http: &http.Server{
			Handler:      api.NewRouter(handler),
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
			WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
		},
	}, nil
}

// run serves on ln and starts the workers, then blocks until ctx is cancelled
// and shuts everything down in order.
func (s *server) run(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	// A zero interval disables a worker.
	if interval := time.Duration(s.cfg.Worker.SnapshotInterval); interval > 0 {
		startWorker(ctx, &wg, "snapshot", worker.NewSnapshotCoordinator(s.remote, []worker.SnapshotTarget{
			{Scope: s.cfg.Scope.Name, Params: s.cfg.Scope.Parameters},
		}, interval).Run)
	}
	if interval := time.Duration(s.cfg.Worker.CleanupInterval); interval > 0 {
		startWorker(ctx, &wg, "compaction", worker.NewCompactionCoordinator(s.remote, interval,
			worker.WithSessionExpiry(s.handler, time.Duration(s.cfg.Worker.SessionTTL)),
		).Run)
	}

	var serveErr error
	go func() {
		slog.Info("server starting", "address", ln.Addr().String())
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			serveErr = err
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(s.cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	wg.Wait()
	s.close(shutdownCtx)

	slog.Info("shutdown complete")
	return serveErr
}

// close releases the store and flushes pending spans.
func (s *server) close(ctx context.Context) {
	if err := s.store.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}
	if err := s.tracing.Shutdown(ctx); err != nil {
		slog.Error("tracing shutdown error", "error", err)
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
