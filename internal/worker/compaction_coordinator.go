package worker

import (
	"context"
	"log/slog"
	"time"
)

// TombstoneCleaner purges tombstones every peer has received. Implemented by
// orchestrator.RemoteOrchestrator.
type TombstoneCleaner interface {
	Scopes() []string
	CleanTombstones(ctx context.Context, scopeName string) (int64, error)
}

// SessionExpirer drops sync sessions abandoned before cutoff. Implemented by
// api.Handler and orchestrator.RemoteOrchestrator.
type SessionExpirer interface {
	ExpireSessions(cutoff time.Time) int
}

// CompactionCoordinator runs tombstone cleanup across all scopes and, when
// configured, expires abandoned sessions.
type CompactionCoordinator struct {
	cleaner  TombstoneCleaner
	interval time.Duration

	sessions   SessionExpirer
	sessionTTL time.Duration
}

// CompactionOption configures a CompactionCoordinator.
type CompactionOption func(*CompactionCoordinator)

// WithSessionExpiry expires sessions idle for longer than ttl on every cycle.
func WithSessionExpiry(expirer SessionExpirer, ttl time.Duration) CompactionOption {
	return func(c *CompactionCoordinator) {
		c.sessions = expirer
		c.sessionTTL = ttl
	}
}

// NewCompactionCoordinator creates a compaction coordinator.
func NewCompactionCoordinator(cleaner TombstoneCleaner, interval time.Duration, opts ...CompactionOption) *CompactionCoordinator {
	c := &CompactionCoordinator{cleaner: cleaner, interval: interval}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run starts the coordinator loop. Blocks until ctx is cancelled.
//
// The first cleanup waits one interval so server startup stays light.
func (c *CompactionCoordinator) Run(ctx context.Context) {
	slog.Info("compaction coordinator started",
		"component", "worker",
		"worker", "compaction-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("compaction coordinator stopped",
				"component", "worker",
				"worker", "compaction-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.compactAll(ctx)
		}
	}
}

// compactAll expires idle sessions, then cleans each scope, continuing on
// individual failures.
func (c *CompactionCoordinator) compactAll(ctx context.Context) {
	c.expireSessions()
	scopes := c.cleaner.Scopes()

	var succeeded, failed, skipped int
	var totalDeleted int64
	for _, scope := range scopes {
		if ctx.Err() != nil {
			return
		}
		deleted, ok := c.compactScope(ctx, scope)
		switch {
		case !ok:
			failed++
		case deleted == 0:
			skipped++
		default:
			succeeded++
			totalDeleted += deleted
		}
	}

	if succeeded > 0 || failed > 0 {
		slog.Info("compaction cycle completed",
			"component", "worker",
			"worker", "compaction-coordinator",
			"scopes_total", len(scopes),
			"scopes_succeeded", succeeded,
			"scopes_failed", failed,
			"scopes_skipped", skipped,
			"tombstones_deleted", totalDeleted,
		)
	}
}

// compactScope returns the number of purged tombstones and whether cleanup succeeded.
func (c *CompactionCoordinator) compactScope(ctx context.Context, scope string) (int64, bool) {
	start := time.Now()
	deleted, err := c.cleaner.CleanTombstones(ctx, scope)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false
		}
		slog.Error("tombstone cleanup failed",
			"component", "worker",
			"worker", "compaction-coordinator",
			"scope", scope,
			"error", err,
		)
		return 0, false
	}

	if deleted == 0 {
		slog.Debug("no tombstones to clean",
			"component", "worker",
			"worker", "compaction-coordinator",
			"scope", scope,
		)
		return 0, true
	}

	slog.Info("tombstones cleaned",
		"component", "worker",
		"worker", "compaction-coordinator",
		"scope", scope,
		"tombstones_deleted", deleted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return deleted, true
}

func (c *CompactionCoordinator) expireSessions() {
	if c.sessions == nil || c.sessionTTL <= 0 {
		return
	}
	if n := c.sessions.ExpireSessions(time.Now().Add(-c.sessionTTL)); n > 0 {
		slog.Info("idle sessions expired",
			"component", "worker",
			"worker", "compaction-coordinator",
			"sessions_expired", n,
			"ttl", c.sessionTTL.String(),
		)
	}
}
