// Package provider declares the storage capabilities the synchronization core consumes.
// Each backend implements them once; the core never branches on backend identity.
package provider

import (
	"context"
	"iter"

	"github.com/hyperengineering/rowsync/internal/schema"
	"github.com/hyperengineering/rowsync/internal/sync"
)

// ProvisionFlags selects which per-table artifacts Provision and Deprovision touch.
type ProvisionFlags uint8

const (
	// ProvisionTable creates the base table when it does not exist yet.
	ProvisionTable ProvisionFlags = 1 << iota
	// ProvisionTrackingTable creates the side table holding per-row sync metadata.
	ProvisionTrackingTable
	// ProvisionTriggers creates the triggers that keep the tracking table current.
	ProvisionTriggers

	ProvisionAll = ProvisionTable | ProvisionTrackingTable | ProvisionTriggers
)

// Has reports whether every flag in other is set.
func (f ProvisionFlags) Has(other ProvisionFlags) bool {
	return f&other == other
}

// ProvisioningProvider creates and drops the change-tracking artifacts of a SyncSet.
// The core calls it only during explicit provisioning, never during a run.
type ProvisioningProvider interface {
	// ReadSchema introspects the declared tables and returns a prepared SyncSet.
	ReadSchema(ctx context.Context, setup schema.Setup) (*schema.SyncSet, error)

	// Provision creates the selected artifacts for every table of set in one transaction.
	Provision(ctx context.Context, set *schema.SyncSet, flags ProvisionFlags) error

	// Deprovision drops the selected artifacts. Base tables are never dropped.
	Deprovision(ctx context.Context, set *schema.SyncSet, flags ProvisionFlags) error

	// IsProvisioned reports whether every table of set has its tracking table.
	IsProvisioned(ctx context.Context, set *schema.SyncSet) (bool, error)
}

// ChangeQuery selects tracked rows of one table.
type ChangeQuery struct {
	// Since excludes rows last written at or before this watermark.
	Since int64

	// Tombstones selects deleted rows when true and live rows otherwise.
	Tombstones bool

	// ExcludeScopeID omits rows last written by that scope (anti-echo).
	ExcludeScopeID string

	// Parameters binds values to the filter parameters of the table.
	Parameters map[string]any
}

// Guard describes when an incoming write must not overwrite the target row:
// its tracking entry is newer than Base and was written by someone other than SenderScopeID.
type Guard struct {
	Base          int64
	SenderScopeID string
}

// TrackingInfo is the sync metadata of one row.
type TrackingInfo struct {
	Tracked   bool
	Tombstone bool
	Timestamp int64
	ScopeID   string
}

// NewerThan reports whether the tracked write is outside what g allows to be overwritten.
func (t TrackingInfo) NewerThan(g Guard) bool {
	return t.Tracked && t.Timestamp > g.Base && (t.ScopeID == "" || t.ScopeID != g.SenderScopeID)
}

// ApplyTx is one transaction on the target store during apply.
type ApplyTx interface {
	// GetRow returns the live row, or nil when absent.
	GetRow(ctx context.Context, table *schema.Table, key []any) (map[string]any, error)

	// TrackingInfo returns the sync metadata of the row, live or deleted.
	TrackingInfo(ctx context.Context, table *schema.Table, key []any) (TrackingInfo, error)

	// Upsert writes the row unconditionally.
	Upsert(ctx context.Context, table *schema.Table, values map[string]any) error

	// GuardedUpdate updates the row unless g forbids it. It reports whether a row changed.
	GuardedUpdate(ctx context.Context, table *schema.Table, values map[string]any, g Guard) (bool, error)

	// GuardedDelete deletes the row unless g forbids it. It reports whether a row was deleted.
	GuardedDelete(ctx context.Context, table *schema.Table, key []any, g Guard) (bool, error)

	// Delete removes the row unconditionally.
	Delete(ctx context.Context, table *schema.Table, key []any) error

	// TagRow records scopeID as the last writer of the row without advancing the clock.
	TagRow(ctx context.Context, table *schema.Table, key []any, scopeID string) error

	Commit() error
	Rollback() error
}

// ChangeTrackingProvider exposes tracked changes and transactional apply.
// Every committed write to a tracked table must be visible to a later ChangesSince
// whose Since was captured before that write committed.
type ChangeTrackingProvider interface {
	// CurrentWatermark returns the store's logical clock.
	CurrentWatermark(ctx context.Context) (int64, error)

	// ChangesSince streams changed rows of table matching q, in key order.
	ChangesSince(ctx context.Context, set *schema.SyncSet, table string, q ChangeQuery) iter.Seq2[sync.ChangeRow, error]

	// BeginApply opens an apply transaction.
	BeginApply(ctx context.Context) (ApplyTx, error)

	// ResetTables removes every row of set and its tracking entries without leaving
	// tombstones, and rewinds the scope of set to a new scope in the same transaction.
	ResetTables(ctx context.Context, set *schema.SyncSet) error

	// CleanTombstones purges tombstones written at or before watermark. It returns the count removed.
	CleanTombstones(ctx context.Context, set *schema.SyncSet, watermark int64) (int64, error)
}

// ScopeStore persists ScopeInfo records.
type ScopeStore interface {
	ReadScope(ctx context.Context, name string) (*sync.ScopeInfo, error)
	WriteScope(ctx context.Context, scope *sync.ScopeInfo) (*sync.ScopeInfo, error)
	DeleteScope(ctx context.Context, name string) error
	LocalWatermark(ctx context.Context) (int64, error)
}

// Store is a full backend: scope state, change tracking and provisioning.
type Store interface {
	ScopeStore
	ChangeTrackingProvider
	ProvisioningProvider
}
