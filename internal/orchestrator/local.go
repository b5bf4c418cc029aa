package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/rowsync/internal/apply"
	"github.com/hyperengineering/rowsync/internal/batch"
	"github.com/hyperengineering/rowsync/internal/changes"
	"github.com/hyperengineering/rowsync/internal/provider"
	"github.com/hyperengineering/rowsync/internal/schema"
	"github.com/hyperengineering/rowsync/internal/sync"
)

// LocalOrchestrator performs the client-side steps of a run against the local store.
type LocalOrchestrator struct {
	store   provider.Store
	batches *batch.Manager
}

// NewLocalOrchestrator returns a LocalOrchestrator. A nil batches keeps upload
// batches in memory.
func NewLocalOrchestrator(store provider.Store, batches *batch.Manager) *LocalOrchestrator {
	if batches == nil {
		batches = batch.NewManager(batch.Config{})
	}
	return &LocalOrchestrator{store: store, batches: batches}
}

// Store returns the local store.
func (l *LocalOrchestrator) Store() provider.Store {
	return l.store
}

// EnsureScope reads the scope, creating it with a fresh id when it does not exist.
func (l *LocalOrchestrator) EnsureScope(ctx context.Context, name string) (*sync.ScopeInfo, error) {
	scope, err := l.store.ReadScope(ctx, name)
	if errors.Is(err, sync.ErrScopeNotFound) {
		return l.store.WriteScope(ctx, &sync.ScopeInfo{Name: name})
	}
	return scope, err
}

// Provision creates missing base tables, tracking tables and triggers for set.
func (l *LocalOrchestrator) Provision(ctx context.Context, set *schema.SyncSet) error {
	return l.store.Provision(ctx, set, provider.ProvisionAll)
}

// Deprovision drops triggers and tracking tables of set and deletes the scope row.
func (l *LocalOrchestrator) Deprovision(ctx context.Context, set *schema.SyncSet) error {
	if err := l.store.Deprovision(ctx, set, provider.ProvisionTrackingTable|provider.ProvisionTriggers); err != nil {
		return err
	}
	return l.store.DeleteScope(ctx, set.ScopeName)
}

// GetChanges batches the local rows written since the scope's last run, leaving out
// rows the peer wrote.
func (l *LocalOrchestrator) GetChanges(ctx context.Context, set *schema.SyncSet, scope *sync.ScopeInfo, params map[string]any) (*batch.Info, error) {
	since := scope.LastSyncTimestamp
	seq := changes.New(l.store).Enumerate(ctx, changes.Request{
		Set:            set,
		Since:          since,
		Parameters:     params,
		ExcludeScopeID: scope.RemoteScopeID,
	})
	bi, err := l.batches.Create(ctx, batch.DirectionUpload, since, seq)
	if err != nil {
		return nil, fmt.Errorf("enumerate local changes: %w", err)
	}
	return bi, nil
}

// ApplyChanges applies a batch received from the peer.
func (l *LocalOrchestrator) ApplyChanges(ctx context.Context, set *schema.SyncSet, b *Batch, opts apply.Options) (sync.ApplyResult, error) {
	if !b.HasData() {
		return sync.ApplyResult{}, nil
	}
	return apply.New(l.store).Apply(ctx, set, b.Info, b.Parts, opts)
}

// Upload wraps a local batch for the remote.
func (l *LocalOrchestrator) Upload(bi *batch.Info) *Batch {
	if bi == nil {
		return nil
	}
	return &Batch{Info: bi, Parts: l.batches}
}

// Clean removes the files of a local batch.
func (l *LocalOrchestrator) Clean(bi *batch.Info) {
	if bi != nil {
		l.batches.Clean(bi)
	}
}
