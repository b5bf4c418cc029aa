// Package worker runs the server's periodic maintenance: snapshot regeneration and
// tombstone cleanup.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/rowsync/internal/snapshot"
)

// Snapshotter creates snapshots. Implemented by orchestrator.RemoteOrchestrator.
type Snapshotter interface {
	CreateSnapshot(ctx context.Context, scopeName string, params map[string]any) (*snapshot.Manifest, error)
}

// SnapshotTarget is one scope and parameter set to keep a snapshot of.
type SnapshotTarget struct {
	Scope  string
	Params map[string]any
}

// SnapshotCoordinator regenerates the snapshots of a fixed set of targets.
type SnapshotCoordinator struct {
	snapshotter Snapshotter
	targets     []SnapshotTarget
	interval    time.Duration
}

// NewSnapshotCoordinator creates a coordinator that regenerates every target once
// on start and then on each interval.
func NewSnapshotCoordinator(snapshotter Snapshotter, targets []SnapshotTarget, interval time.Duration) *SnapshotCoordinator {
	return &SnapshotCoordinator{
		snapshotter: snapshotter,
		targets:     targets,
		interval:    interval,
	}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
		"targets", len(c.targets),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.generateAll(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.generateAll(ctx)
		}
	}
}

// generateAll regenerates each target, continuing on individual failures.
func (c *SnapshotCoordinator) generateAll(ctx context.Context) {
	var succeeded, failed int
	for _, target := range c.targets {
		if ctx.Err() != nil {
			return
		}
		if c.generate(ctx, target) {
			succeeded++
		} else {
			failed++
		}
	}

	if succeeded > 0 || failed > 0 {
		slog.Info("snapshot generation cycle completed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "cycle_complete",
			"total", len(c.targets),
			"succeeded", succeeded,
			"failed", failed,
		)
	}
}

func (c *SnapshotCoordinator) generate(ctx context.Context, target SnapshotTarget) bool {
	start := time.Now()
	m, err := c.snapshotter.CreateSnapshot(ctx, target.Scope, target.Params)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_failed",
			"scope", target.Scope,
			"error", err,
		)
		return false
	}

	slog.Info("snapshot generated",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_generated",
		"scope", target.Scope,
		"params_key", m.ParamsKey,
		"rows", m.Batch.RowCount(),
		"watermark", m.Watermark(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}
