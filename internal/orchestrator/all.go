package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/rowsync/internal/sync"
)

// SynchronizeAll runs every agent concurrently. Results are indexed like agents;
// the first error is returned once all runs finished. Runs do not cancel each other.
func SynchronizeAll(ctx context.Context, agents []*Agent, syncType sync.SyncType) ([]*sync.SyncContext, error) {
	results := make([]*sync.SyncContext, len(agents))
	var g errgroup.Group
	for i, a := range agents {
		g.Go(func() error {
			sc, err := a.Synchronize(ctx, syncType)
			results[i] = sc
			return err
		})
	}
	return results, g.Wait()
}
