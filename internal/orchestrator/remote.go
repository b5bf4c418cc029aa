// Package orchestrator drives synchronization runs. The Agent owns the client side of
// a scope and talks to the data-owning side through Remote, which is either an
// in-process RemoteOrchestrator or an HTTP client.
package orchestrator

import (
	"context"
	"time"

	"github.com/hyperengineering/rowsync/internal/batch"
	"github.com/hyperengineering/rowsync/internal/conflict"
	"github.com/hyperengineering/rowsync/internal/sync"
)

// Remote is the data-owning half of a run.
type Remote interface {
	// EnsureSchema returns the server scope id and serialized schema, provisioning
	// the scope on first use.
	EnsureSchema(ctx context.Context, req SchemaRequest) (*SchemaResponse, error)

	// GetSnapshot returns the current snapshot for the scope and parameters, or
	// sync.ErrSnapshotNotFound.
	GetSnapshot(ctx context.Context, req SnapshotRequest) (*Batch, error)

	// ApplyThenGetChanges applies the client's upload, commits it, then enumerates
	// the rows the client has not seen.
	ApplyThenGetChanges(ctx context.Context, req ApplyRequest) (*ApplyResponse, error)

	// EndSession releases session resources and, on success, records the peer's watermark.
	EndSession(ctx context.Context, req EndSessionRequest) error
}

// Batch couples batch metadata with the loader that reads its parts.
type Batch struct {
	Info  *batch.Info
	Parts batch.PartLoader
}

// HasData reports whether the batch carries rows.
func (b *Batch) HasData() bool {
	return b != nil && b.Info != nil && b.Info.HasData()
}

// SchemaRequest asks for the schema of a scope.
type SchemaRequest struct {
	ScopeName string `json:"scope_name"`
}

// SchemaResponse carries the server's view of a scope.
type SchemaResponse struct {
	ScopeID string `json:"scope_id"`
	Schema  string `json:"schema"`
}

// SnapshotRequest selects a snapshot by scope and filter parameters.
type SnapshotRequest struct {
	ScopeName  string         `json:"scope_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ApplyRequest is the upload half of a run.
type ApplyRequest struct {
	SessionID     string         `json:"session_id"`
	ScopeName     string         `json:"scope_name"`
	ClientScopeID string         `json:"client_scope_id"`
	Parameters    map[string]any `json:"parameters,omitempty"`

	// Policy is applied by the server; the client applies its inverse.
	Policy sync.ConflictPolicy `json:"policy"`

	Upload *Batch `json:"-"`

	// UploadBase is the server watermark the client last received. Server rows
	// written after it by someone else conflict with the upload.
	UploadBase int64 `json:"upload_base"`

	// DownloadSince is the server watermark to enumerate from.
	DownloadSince int64 `json:"download_since"`

	// FromScratch disables anti-echo so the client receives its own rows back.
	FromScratch bool `json:"from_scratch"`

	// Hook resolves server-side conflicts for in-process remotes. Remote servers
	// use their own hook.
	Hook conflict.Hook `json:"-"`
}

// ApplyResponse is the download half of a run.
type ApplyResponse struct {
	ServerScopeID string           `json:"server_scope_id"`
	Uploaded      sync.ApplyResult `json:"uploaded"`

	// ServerWatermark is captured after the upload commit and before enumeration.
	ServerWatermark int64 `json:"server_watermark"`

	Download *Batch `json:"-"`
}

// EndSessionRequest closes a session.
type EndSessionRequest struct {
	SessionID       string        `json:"session_id"`
	ScopeName       string        `json:"scope_name"`
	ClientScopeID   string        `json:"client_scope_id"`
	ServerWatermark int64         `json:"server_watermark"`
	Duration        time.Duration `json:"duration"`
	Success         bool          `json:"success"`
}
