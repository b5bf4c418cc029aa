package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/hyperengineering/rowsync/internal/apply"
	"github.com/hyperengineering/rowsync/internal/batch"
	"github.com/hyperengineering/rowsync/internal/changes"
	"github.com/hyperengineering/rowsync/internal/conflict"
	"github.com/hyperengineering/rowsync/internal/provider"
	"github.com/hyperengineering/rowsync/internal/schema"
	"github.com/hyperengineering/rowsync/internal/snapshot"
	"github.com/hyperengineering/rowsync/internal/sync"
)

// ErrUnknownScope is returned for a scope the server has no setup for.
var ErrUnknownScope = errors.New("scope not configured on server")

// ErrUnknownSession is returned for a session the server does not hold.
var ErrUnknownSession = errors.New("session not found")

// ServerStore is the backend of the data-owning side.
type ServerStore interface {
	provider.Store
	WriteHistory(ctx context.Context, h sync.ScopeHistory) error
	MinPeerWatermark(ctx context.Context, scopeName string) (int64, bool, error)
}

// ServerConfig configures a RemoteOrchestrator.
type ServerConfig struct {
	// Setups declares the scopes the server serves, keyed by scope name.
	Setups map[string]schema.Setup

	// Batches holds download batches until their session ends.
	Batches *batch.Manager

	// Snapshots is optional; without it GetSnapshot always reports none.
	Snapshots *snapshot.Bootstrapper

	// MaxRowErrors aborts an upload once more rows than this failed. Zero means no limit.
	MaxRowErrors int
}

// RemoteOrchestrator is the server half of a run, used in process or behind HTTP.
type RemoteOrchestrator struct {
	store        ServerStore
	setups       map[string]schema.Setup
	batches      *batch.Manager
	snapshots    *snapshot.Bootstrapper
	maxRowErrors int

	mu       gosync.Mutex
	sets     map[string]*schema.SyncSet
	scopeIDs map[string]string
	sessions map[string]*session
	hook     conflict.Hook
}

// session is the download batch of an open session and when it was last used.
type session struct {
	download *batch.Info
	touched  time.Time
}

// NewRemoteOrchestrator returns a server orchestrator over store.
func NewRemoteOrchestrator(store ServerStore, cfg ServerConfig) *RemoteOrchestrator {
	if cfg.Batches == nil {
		cfg.Batches = batch.NewManager(batch.Config{})
	}
	return &RemoteOrchestrator{
		store:        store,
		setups:       cfg.Setups,
		batches:      cfg.Batches,
		snapshots:    cfg.Snapshots,
		maxRowErrors: cfg.MaxRowErrors,
		sets:         make(map[string]*schema.SyncSet),
		scopeIDs:     make(map[string]string),
		sessions:     make(map[string]*session),
	}
}

// OnConflict installs the hook used for uploads that do not carry their own.
func (r *RemoteOrchestrator) OnConflict(hook conflict.Hook) {
	r.mu.Lock()
	r.hook = hook
	r.mu.Unlock()
}

// Batches returns the manager holding download batches.
func (r *RemoteOrchestrator) Batches() *batch.Manager {
	return r.batches
}

// Snapshots returns the snapshot bootstrapper, which may be nil.
func (r *RemoteOrchestrator) Snapshots() *snapshot.Bootstrapper {
	return r.snapshots
}

// Store returns the backing store.
func (r *RemoteOrchestrator) Store() ServerStore {
	return r.store
}

// Scopes returns the names of the configured scopes.
func (r *RemoteOrchestrator) Scopes() []string {
	names := make([]string, 0, len(r.setups))
	for name := range r.setups {
		names = append(names, name)
	}
	return names
}

// Provision reads the schema of a configured scope, installs tracking tables and
// triggers and records the scope. Existing base tables are required.
func (r *RemoteOrchestrator) Provision(ctx context.Context, scopeName string) (*sync.ScopeInfo, error) {
	setup, ok := r.setups[scopeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScope, scopeName)
	}
	set, err := r.store.ReadSchema(ctx, setup)
	if err != nil {
		return nil, err
	}
	if err := r.store.Provision(ctx, set, provider.ProvisionTrackingTable|provider.ProvisionTriggers); err != nil {
		return nil, err
	}
	encoded, err := set.Marshal()
	if err != nil {
		return nil, err
	}

	scope := &sync.ScopeInfo{Name: scopeName}
	if existing, err := r.store.ReadScope(ctx, scopeName); err == nil {
		scope = existing
	}
	scope.Schema = encoded
	scope, err = r.store.WriteScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("%w: write scope: %v", sync.ErrProvisioning, err)
	}

	r.mu.Lock()
	r.sets[scopeName] = set
	r.scopeIDs[scopeName] = scope.ID
	r.mu.Unlock()
	return scope, nil
}

// Deprovision drops triggers and tracking tables and forgets the scope.
func (r *RemoteOrchestrator) Deprovision(ctx context.Context, scopeName string) error {
	set, _, err := r.scope(ctx, scopeName)
	if err != nil {
		return err
	}
	if err := r.store.Deprovision(ctx, set, provider.ProvisionTrackingTable|provider.ProvisionTriggers); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.sets, scopeName)
	delete(r.scopeIDs, scopeName)
	r.mu.Unlock()
	return r.store.DeleteScope(ctx, scopeName)
}

// scope returns the prepared schema and server scope id, provisioning on first use.
func (r *RemoteOrchestrator) scope(ctx context.Context, scopeName string) (*schema.SyncSet, string, error) {
	r.mu.Lock()
	set, id := r.sets[scopeName], r.scopeIDs[scopeName]
	r.mu.Unlock()
	if set != nil {
		return set, id, nil
	}

	info, err := r.store.ReadScope(ctx, scopeName)
	switch {
	case errors.Is(err, sync.ErrScopeNotFound):
		info, err = r.Provision(ctx, scopeName)
		if err != nil {
			return nil, "", err
		}
	case err != nil:
		return nil, "", err
	}

	set, err = schema.Parse(info.Schema)
	if err != nil {
		return nil, "", err
	}
	r.mu.Lock()
	r.sets[scopeName] = set
	r.scopeIDs[scopeName] = info.ID
	r.mu.Unlock()
	return set, info.ID, nil
}

// Schema returns the prepared schema of a scope, provisioning it on first use.
func (r *RemoteOrchestrator) Schema(ctx context.Context, scopeName string) (*schema.SyncSet, error) {
	set, _, err := r.scope(ctx, scopeName)
	return set, err
}

// EnsureSchema implements Remote.
func (r *RemoteOrchestrator) EnsureSchema(ctx context.Context, req SchemaRequest) (*SchemaResponse, error) {
	set, id, err := r.scope(ctx, req.ScopeName)
	if err != nil {
		return nil, err
	}
	encoded, err := set.Marshal()
	if err != nil {
		return nil, err
	}
	return &SchemaResponse{ScopeID: id, Schema: encoded}, nil
}

// GetSnapshot implements Remote.
func (r *RemoteOrchestrator) GetSnapshot(ctx context.Context, req SnapshotRequest) (*Batch, error) {
	if _, _, err := r.scope(ctx, req.ScopeName); err != nil {
		return nil, err
	}
	if r.snapshots == nil {
		return nil, fmt.Errorf("%w: scope %s", sync.ErrSnapshotNotFound, req.ScopeName)
	}
	m, err := r.snapshots.Load(ctx, req.ScopeName, req.Parameters)
	if err != nil {
		return nil, err
	}
	return &Batch{Info: &m.Batch, Parts: r.snapshots.Manager(req.ScopeName, req.Parameters)}, nil
}

// CreateSnapshot extracts a fresh snapshot of a scope for one parameter set.
func (r *RemoteOrchestrator) CreateSnapshot(ctx context.Context, scopeName string, params map[string]any) (*snapshot.Manifest, error) {
	if r.snapshots == nil {
		return nil, fmt.Errorf("create snapshot: %w", snapshot.ErrNotConfigured)
	}
	set, _, err := r.scope(ctx, scopeName)
	if err != nil {
		return nil, err
	}
	return r.snapshots.Create(ctx, r.store, set, params)
}

// ApplyThenGetChanges implements Remote. The upload is committed before the
// watermark is read, so the download never holds a transaction across the exchange.
func (r *RemoteOrchestrator) ApplyThenGetChanges(ctx context.Context, req ApplyRequest) (*ApplyResponse, error) {
	start := time.Now()
	set, serverID, err := r.scope(ctx, req.ScopeName)
	if err != nil {
		return nil, err
	}

	resp := &ApplyResponse{ServerScopeID: serverID}
	if req.Upload.HasData() {
		hook := req.Hook
		if hook == nil {
			r.mu.Lock()
			hook = r.hook
			r.mu.Unlock()
		}
		res, err := apply.New(r.store).Apply(ctx, set, req.Upload.Info, req.Upload.Parts, apply.Options{
			Policy:       req.Policy,
			Side:         sync.SideServer,
			Hook:         hook,
			Guard:        provider.Guard{Base: req.UploadBase, SenderScopeID: req.ClientScopeID},
			MaxRowErrors: r.maxRowErrors,
		})
		resp.Uploaded = res
		if err != nil {
			return resp, err
		}
	}

	wm, err := r.store.CurrentWatermark(ctx)
	if err != nil {
		return resp, fmt.Errorf("read watermark: %w", err)
	}
	resp.ServerWatermark = wm

	exclude := req.ClientScopeID
	if req.FromScratch {
		exclude = ""
	}
	seq := changes.New(r.store).Enumerate(ctx, changes.Request{
		Set:            set,
		Since:          req.DownloadSince,
		Parameters:     req.Parameters,
		ExcludeScopeID: exclude,
	})
	bi, err := r.batches.Create(ctx, batch.DirectionDownload, wm, seq)
	if err != nil {
		return resp, fmt.Errorf("enumerate download: %w", err)
	}
	resp.Download = &Batch{Info: bi, Parts: r.batches}

	r.mu.Lock()
	if old, ok := r.sessions[req.SessionID]; ok {
		r.batches.Clean(old.download)
	}
	r.sessions[req.SessionID] = &session{download: bi, touched: time.Now()}
	r.mu.Unlock()

	slog.Info("upload applied, download enumerated",
		"component", "orchestrator",
		"action", "apply_then_get_changes",
		"scope", req.ScopeName,
		"session_id", req.SessionID,
		"uploaded", resp.Uploaded.AppliedCount,
		"conflicts", len(resp.Uploaded.Conflicts),
		"downloaded", bi.RowCount(),
		"server_watermark", wm,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// Download returns the download batch of an open session.
func (r *RemoteOrchestrator) Download(sessionID string) (*batch.Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	s.touched = time.Now()
	return s.download, nil
}

// ExpireSessions ends sessions last used before cutoff without recording history
// and removes their download batches. It returns the number of sessions dropped.
func (r *RemoteOrchestrator) ExpireSessions(cutoff time.Time) int {
	r.mu.Lock()
	var stale []*batch.Info
	for id, s := range r.sessions {
		if s.touched.Before(cutoff) {
			stale = append(stale, s.download)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, bi := range stale {
		if err := r.batches.Clean(bi); err != nil {
			slog.Warn("failed to clean expired download batch", "component", "orchestrator", "batch_id", bi.ID, "error", err)
		}
	}
	return len(stale)
}

// EndSession implements Remote.
func (r *RemoteOrchestrator) EndSession(ctx context.Context, req EndSessionRequest) error {
	r.mu.Lock()
	if s, ok := r.sessions[req.SessionID]; ok {
		if err := r.batches.Clean(s.download); err != nil {
			slog.Warn("failed to clean download batch", "component", "orchestrator", "session_id", req.SessionID, "error", err)
		}
		delete(r.sessions, req.SessionID)
	}
	r.mu.Unlock()

	if !req.Success {
		return nil
	}
	now := time.Now().UTC()
	return r.store.WriteHistory(ctx, sync.ScopeHistory{
		ScopeID:           req.ClientScopeID,
		ScopeName:         req.ScopeName,
		LastSyncTimestamp: req.ServerWatermark,
		LastSync:          &now,
		LastSyncDuration:  req.Duration,
	})
}

// CleanTombstones purges tombstones every peer of the scope has already received.
// Tombstones newer than the oldest snapshot of the scope, filtered or not, are kept
// for peers bootstrapping from it. It returns zero when the scope has no peers yet.
func (r *RemoteOrchestrator) CleanTombstones(ctx context.Context, scopeName string) (int64, error) {
	set, _, err := r.scope(ctx, scopeName)
	if err != nil {
		return 0, err
	}
	wm, ok, err := r.store.MinPeerWatermark(ctx, scopeName)
	if err != nil || !ok {
		return 0, err
	}
	if r.snapshots != nil {
		oldest, found, err := r.snapshots.OldestWatermark(ctx, scopeName)
		if err != nil {
			return 0, err
		}
		if found {
			wm = min(wm, oldest)
		}
	}
	return r.store.CleanTombstones(ctx, set, wm)
}
