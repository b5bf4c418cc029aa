package sync

import "time"

// Operation is the kind of mutation a ChangeRow carries.
type Operation string

// Operation constants
const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// SyncType selects how a run treats existing data.
type SyncType string

const (
	// SyncTypeNormal exchanges incremental changes in both directions.
	SyncTypeNormal SyncType = "normal"
	// SyncTypeReinitialize discards local changes and rebuilds local data from the remote.
	SyncTypeReinitialize SyncType = "reinitialize"
	// SyncTypeReinitializeWithUpload uploads local changes first, then rebuilds from the remote.
	SyncTypeReinitializeWithUpload SyncType = "reinitialize_with_upload"
)

// FromScratch reports whether the run rebuilds local data from the remote.
func (t SyncType) FromScratch() bool {
	return t == SyncTypeReinitialize || t == SyncTypeReinitializeWithUpload
}

// Stage names a phase of a synchronization run.
type Stage string

// Stage constants
const (
	StageNone                      Stage = "none"
	StageEnsureScope               Stage = "ensure_scope"
	StageEnsureSchema              Stage = "ensure_schema"
	StageEnumerateLocalChanges     Stage = "enumerate_local_changes"
	StageBootstrapSnapshot         Stage = "bootstrap_snapshot"
	StageTransmitAndApplyUpload    Stage = "transmit_and_apply_upload"
	StageEnumerateAndApplyDownload Stage = "enumerate_and_apply_download"
	StageCommitWatermarks          Stage = "commit_watermarks"
	StageProvisioning              Stage = "provisioning"
	StageDeprovisioning            Stage = "deprovisioning"
	StageSnapshotCreating          Stage = "snapshot_creating"
)

// ScopeInfo is the synchronization state of one scope on one store.
type ScopeInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Schema is the serialized SyncSet, cached after the first exchange.
	Schema string `json:"schema,omitempty"`

	// RemoteScopeID identifies the peer; rows it wrote are tagged with it.
	RemoteScopeID string `json:"remote_scope_id,omitempty"`

	LastSyncTimestamp       int64         `json:"last_sync_timestamp"`
	LastServerSyncTimestamp int64         `json:"last_server_sync_timestamp"`
	LastSync                *time.Time    `json:"last_sync,omitempty"`
	LastSyncDuration        time.Duration `json:"last_sync_duration"`
}

// IsNewScope reports whether the scope has never completed a run.
func (s *ScopeInfo) IsNewScope() bool {
	return s.LastSync == nil
}

// ScopeHistory is what a server remembers about one peer of a scope.
type ScopeHistory struct {
	ScopeID   string `json:"scope_id"`
	ScopeName string `json:"scope_name"`

	// LastSyncTimestamp is the server watermark the peer received in its last run.
	LastSyncTimestamp int64         `json:"last_sync_timestamp"`
	LastSync          *time.Time    `json:"last_sync,omitempty"`
	LastSyncDuration  time.Duration `json:"last_sync_duration"`
}

// ChangeRow is one tracked mutation.
type ChangeRow struct {
	Table      string         `json:"table"`
	Operation  Operation      `json:"operation"`
	PrimaryKey []any          `json:"primary_key"`
	Values     map[string]any `json:"values"`
	Timestamp  int64          `json:"timestamp"`

	// SourceScopeID is the scope that last wrote the row; empty for local writes.
	SourceScopeID string `json:"source_scope_id,omitempty"`
}

// ConflictType classifies a conflict as <incoming operation><local state>.
type ConflictType string

const (
	ConflictUpdateUpdate ConflictType = "update_update"
	ConflictUpdateDelete ConflictType = "update_delete"
	ConflictDeleteUpdate ConflictType = "delete_update"
	ConflictInsertInsert ConflictType = "insert_insert"
	ConflictDeleteDelete ConflictType = "delete_delete"
)

// Resolution is the disposition chosen for a conflict. ServerWins keeps the row of
// the side applying the batch; ClientWins applies the incoming row.
type Resolution string

const (
	ResolutionServerWins Resolution = "server_wins"
	ResolutionClientWins Resolution = "client_wins"
	ResolutionMergeRow   Resolution = "merge_row"
	ResolutionRollback   Resolution = "rollback"
)

// ConflictPolicy is the configured default resolution.
type ConflictPolicy = Resolution

// Inverse returns the policy the peer applies so both sides converge on one row.
func Inverse(p ConflictPolicy) ConflictPolicy {
	switch p {
	case ResolutionServerWins:
		return ResolutionClientWins
	case ResolutionClientWins:
		return ResolutionServerWins
	default:
		return p
	}
}

// Side identifies the role of the store applying a batch.
type Side string

const (
	SideServer Side = "server"
	SideClient Side = "client"
)

// Conflict is raised by the applier when the target row moved past the base watermark.
type Conflict struct {
	Table        string         `json:"table"`
	Type         ConflictType   `json:"type"`
	ApplyingSide Side           `json:"applying_side"`
	LocalRow     map[string]any `json:"local_row,omitempty"`
	RemoteRow    map[string]any `json:"remote_row,omitempty"`
	Resolution   Resolution     `json:"resolution,omitempty"`
	FinalRow     map[string]any `json:"final_row,omitempty"`
}

// SyncContext is the state of one run, threaded through every phase.
type SyncContext struct {
	SessionID    string         `json:"session_id"`
	ScopeName    string         `json:"scope_name"`
	StartTime    time.Time      `json:"start_time"`
	CompleteTime time.Time      `json:"complete_time,omitempty"`
	SyncType     SyncType       `json:"sync_type"`
	Stage        Stage          `json:"stage"`
	Parameters   map[string]any `json:"parameters,omitempty"`

	TotalChangesUploaded   int `json:"total_changes_uploaded"`
	TotalChangesDownloaded int `json:"total_changes_downloaded"`
	TotalSyncErrors        int `json:"total_sync_errors"`
	TotalResolvedConflicts int `json:"total_resolved_conflicts"`
}

// ApplyResult summarizes applying one batch.
type ApplyResult struct {
	AppliedCount int        `json:"applied_count"`
	FailedCount  int        `json:"failed_count"`
	Conflicts    []Conflict `json:"conflicts,omitempty"`
}

// Add folds another result into r.
func (r *ApplyResult) Add(other ApplyResult) {
	r.AppliedCount += other.AppliedCount
	r.FailedCount += other.FailedCount
	r.Conflicts = append(r.Conflicts, other.Conflicts...)
}
