// Package changes enumerates tracked rows in the order they must be applied.
package changes

import (
	"context"
	"iter"
	"log/slog"

	"github.com/hyperengineering/rowsync/internal/provider"
	"github.com/hyperengineering/rowsync/internal/schema"
	"github.com/hyperengineering/rowsync/internal/sync"
)

// Request selects the changes of one scope.
type Request struct {
	Set   *schema.SyncSet
	Since int64

	// Parameters bind the scope's filter parameters.
	Parameters map[string]any

	// ExcludeScopeID suppresses rows last written by the requesting peer.
	ExcludeScopeID string

	// LiveOnly skips tombstones, for extracts applied to an empty store.
	LiveOnly bool
}

// Enumerator reads changes from a change-tracking provider.
type Enumerator struct {
	provider provider.ChangeTrackingProvider
}

// New returns an Enumerator over p.
func New(p provider.ChangeTrackingProvider) *Enumerator {
	return &Enumerator{provider: p}
}

// Enumerate lazily yields the changes of req grouped by table: deletes of every
// table children first, then inserts and updates parents first. This is the
// order the applier replays them in, so foreign keys hold at every step.
// A zero Since degenerates to a full scan.
func (e *Enumerator) Enumerate(ctx context.Context, req Request) iter.Seq2[sync.ChangeRow, error] {
	return func(yield func(sync.ChangeRow, error) bool) {
		var deletes, upserts int

		passes := []struct {
			tombstones bool
			tables     []string
			count      *int
		}{
			{true, req.Set.ReverseOrder(), &deletes},
			{false, req.Set.Order(), &upserts},
		}

		if req.LiveOnly {
			passes = passes[1:]
		}

		for _, pass := range passes {
			for _, table := range pass.tables {
				if err := ctx.Err(); err != nil {
					yield(sync.ChangeRow{}, err)
					return
				}
				q := provider.ChangeQuery{
					Since:          req.Since,
					Tombstones:     pass.tombstones,
					ExcludeScopeID: req.ExcludeScopeID,
					Parameters:     req.Parameters,
				}
				for row, err := range e.provider.ChangesSince(ctx, req.Set, table, q) {
					if err != nil {
						yield(sync.ChangeRow{}, err)
						return
					}
					*pass.count++
					if !yield(row, nil) {
						return
					}
				}
			}
		}

		slog.Debug("changes enumerated",
			"component", "changes",
			"action", "enumerate",
			"scope", req.Set.ScopeName,
			"since", req.Since,
			"deletes", deletes,
			"upserts", upserts,
		)
	}
}
