package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyperengineering/rowsync/internal/apply"
	"github.com/hyperengineering/rowsync/internal/batch"
	"github.com/hyperengineering/rowsync/internal/conflict"
	"github.com/hyperengineering/rowsync/internal/provider"
	"github.com/hyperengineering/rowsync/internal/schema"
	"github.com/hyperengineering/rowsync/internal/sync"
	"github.com/hyperengineering/rowsync/internal/tracing"
)

// endSessionTimeout bounds the best-effort EndSession call of a failed run.
const endSessionTimeout = 10 * time.Second

// Agent synchronizes one scope of a local store with a remote.
type Agent struct {
	local     *LocalOrchestrator
	remote    Remote
	scopeName string
	policy    sync.ConflictPolicy
	tracer    trace.Tracer

	maxRowErrors   int
	progressBuffer int

	running atomic.Bool

	mu       gosync.RWMutex
	params   map[string]any
	hook     conflict.Hook
	progress sync.ProgressSink
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithPolicy sets the policy the server applies; the client applies its inverse.
// The default is ServerWins.
func WithPolicy(p sync.ConflictPolicy) AgentOption {
	return func(a *Agent) { a.policy = p }
}

// WithTracer replaces the global rowsync tracer.
func WithTracer(t trace.Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// WithMaxRowErrors aborts a local apply once more rows than n failed.
func WithMaxRowErrors(n int) AgentOption {
	return func(a *Agent) { a.maxRowErrors = n }
}

// WithProgressBuffer sets how many progress records may queue before records are dropped.
func WithProgressBuffer(n int) AgentOption {
	return func(a *Agent) { a.progressBuffer = n }
}

// NewAgent returns an Agent for scopeName.
func NewAgent(local *LocalOrchestrator, remote Remote, scopeName string, opts ...AgentOption) *Agent {
	a := &Agent{
		local:     local,
		remote:    remote,
		scopeName: scopeName,
		policy:    sync.ResolutionServerWins,
		tracer:    tracing.Tracer(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ScopeName returns the scope the agent synchronizes.
func (a *Agent) ScopeName() string {
	return a.scopeName
}

// SetParameters sets the filter parameter values used by later runs.
func (a *Agent) SetParameters(params map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.params = make(map[string]any, len(params))
	for k, v := range params {
		a.params[k] = v
	}
}

// OnConflict installs a hook consulted before the policy. In-process remotes run it
// for server-side conflicts too; remote servers use their own.
func (a *Agent) OnConflict(hook conflict.Hook) {
	a.mu.Lock()
	a.hook = hook
	a.mu.Unlock()
}

// OnProgress installs the sink receiving progress records.
func (a *Agent) OnProgress(sink sync.ProgressSink) {
	a.mu.Lock()
	a.progress = sink
	a.mu.Unlock()
}

// Provision fetches the remote schema, creates local tables, tracking tables and
// triggers and records the scope with the cached schema.
func (a *Agent) Provision(ctx context.Context) (*sync.ScopeInfo, error) {
	scope, err := a.local.EnsureScope(ctx, a.scopeName)
	if err != nil {
		return nil, sync.NewSyncError(sync.StageProvisioning, sync.ErrProvisioning, err)
	}
	scope, _, err = a.fetchSchema(ctx, scope)
	if err != nil {
		return nil, sync.NewSyncError(sync.StageProvisioning, sync.ErrProvisioning, err)
	}
	return scope, nil
}

// Deprovision drops local triggers and tracking tables and deletes the scope.
// Base tables and their rows are kept.
func (a *Agent) Deprovision(ctx context.Context) error {
	scope, err := a.local.Store().ReadScope(ctx, a.scopeName)
	if err != nil {
		return sync.NewSyncError(sync.StageDeprovisioning, sync.ErrProvisioning, err)
	}
	set, err := schema.Parse(scope.Schema)
	if err != nil {
		return sync.NewSyncError(sync.StageDeprovisioning, sync.ErrProvisioning, err)
	}
	if err := a.local.Deprovision(ctx, set); err != nil {
		return sync.NewSyncError(sync.StageDeprovisioning, sync.ErrProvisioning, err)
	}
	slog.Info("scope deprovisioned", "component", "agent", "action", "deprovision", "scope", a.scopeName)
	return nil
}

// fetchSchema asks the remote for the schema, provisions it locally and caches it on the scope.
func (a *Agent) fetchSchema(ctx context.Context, scope *sync.ScopeInfo) (*sync.ScopeInfo, *schema.SyncSet, error) {
	resp, err := a.remote.EnsureSchema(ctx, SchemaRequest{ScopeName: a.scopeName})
	if err != nil {
		return nil, nil, err
	}
	set, err := schema.Parse(resp.Schema)
	if err != nil {
		return nil, nil, err
	}
	if err := a.local.Provision(ctx, set); err != nil {
		return nil, nil, err
	}
	scope.Schema = resp.Schema
	scope.RemoteScopeID = resp.ScopeID
	scope, err = a.local.Store().WriteScope(ctx, scope)
	if err != nil {
		return nil, nil, fmt.Errorf("cache schema: %w", err)
	}
	return scope, set, nil
}

// Synchronize runs one synchronization of the scope. Only one run per Agent may be
// in flight; a concurrent call fails with ErrConcurrentRun. The returned context
// carries the counters of the run, also on failure.
func (a *Agent) Synchronize(ctx context.Context, syncType sync.SyncType) (*sync.SyncContext, error) {
	if syncType == "" {
		syncType = sync.SyncTypeNormal
	}
	if !a.running.CompareAndSwap(false, true) {
		return nil, sync.NewSyncError(sync.StageNone, sync.ErrConcurrentRun, sync.ErrConcurrentRun)
	}
	defer a.running.Store(false)

	a.mu.RLock()
	params, hook, sink := a.params, a.hook, a.progress
	a.mu.RUnlock()

	sc := &sync.SyncContext{
		SessionID:  uuid.NewString(),
		ScopeName:  a.scopeName,
		StartTime:  time.Now().UTC(),
		SyncType:   syncType,
		Stage:      sync.StageNone,
		Parameters: params,
	}

	r := &run{agent: a, sc: sc, hook: hook}
	if sink != nil {
		r.progress = sync.NewAsyncProgress(sink, a.progressBuffer)
		defer r.progress.Close()
	}

	ctx, span := tracing.StartRun(ctx, a.tracer, a.scopeName, sc.SessionID, string(syncType))
	err := r.execute(ctx)
	sc.CompleteTime = time.Now().UTC()
	tracing.SetCounters(span, sc.TotalChangesUploaded, sc.TotalChangesDownloaded, sc.TotalResolvedConflicts, sc.TotalSyncErrors)
	tracing.End(span, err)

	attrs := []any{
		"component", "agent",
		"action", "synchronize",
		"scope", a.scopeName,
		"session_id", sc.SessionID,
		"sync_type", syncType,
		"uploaded", sc.TotalChangesUploaded,
		"downloaded", sc.TotalChangesDownloaded,
		"conflicts", sc.TotalResolvedConflicts,
		"errors", sc.TotalSyncErrors,
		"duration_ms", sc.CompleteTime.Sub(sc.StartTime).Milliseconds(),
	}
	if err != nil {
		slog.Warn("synchronization failed", append(attrs, "stage", sync.StageOf(err), "error", err)...)
		return sc, err
	}
	slog.Info("synchronization complete", attrs...)
	return sc, nil
}

// run is the state of one Synchronize call.
type run struct {
	agent    *Agent
	sc       *sync.SyncContext
	hook     conflict.Hook
	progress *sync.AsyncProgress

	scope       *sync.ScopeInfo
	set         *schema.SyncSet
	clientStart int64
	upload      *batch.Info
	snapshot    *Batch
	applied     bool // snapshot already applied locally

	// resp is the open server session; nil once the session has ended.
	resp            *ApplyResponse
	serverWatermark int64
}

func (r *run) execute(ctx context.Context) error {
	defer func() { r.agent.local.Clean(r.upload) }()

	steps := []struct {
		stage sync.Stage
		kind  error
		fn    func(context.Context) error
	}{
		{sync.StageEnsureScope, sync.ErrSchema, r.ensureScope},
		{sync.StageEnsureSchema, sync.ErrSchema, r.ensureSchema},
		{sync.StageEnumerateLocalChanges, sync.ErrApply, r.enumerateLocal},
		{sync.StageBootstrapSnapshot, sync.ErrApply, r.bootstrapSnapshot},
		{sync.StageTransmitAndApplyUpload, sync.ErrTransport, r.transmitUpload},
		{sync.StageEnumerateAndApplyDownload, sync.ErrApply, r.applyDownload},
		{sync.StageCommitWatermarks, sync.ErrApply, r.commitWatermarks},
	}
	for _, s := range steps {
		if err := r.stage(ctx, s.stage, s.kind, s.fn); err != nil {
			r.endFailedSession(ctx)
			return err
		}
	}
	return nil
}

// stage runs fn as one phase: it checks for cancellation first, traces the phase
// and tags a failure with the stage.
func (r *run) stage(ctx context.Context, stage sync.Stage, kind error, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return &sync.SyncError{Stage: stage, Kind: sync.ErrCancelled, Err: err}
	}
	r.sc.Stage = stage

	ctx, span := tracing.StartStage(ctx, r.agent.tracer, string(stage))
	err := fn(ctx)
	tracing.End(span, err)
	if err != nil {
		if ctx.Err() != nil {
			return &sync.SyncError{Stage: stage, Kind: sync.ErrCancelled, Err: err}
		}
		return sync.NewSyncError(stage, kind, err)
	}
	r.report(stage)
	return nil
}

func (r *run) report(stage sync.Stage) {
	if r.progress == nil {
		return
	}
	r.progress.Report(sync.ProgressRecord{
		SessionID:  r.sc.SessionID,
		Scope:      r.sc.ScopeName,
		Stage:      stage,
		Message:    fmt.Sprintf("%s done", stage),
		Uploaded:   r.sc.TotalChangesUploaded,
		Downloaded: r.sc.TotalChangesDownloaded,
		Errors:     r.sc.TotalSyncErrors,
		At:         time.Now().UTC(),
	})
}

func (r *run) ensureScope(ctx context.Context) error {
	scope, err := r.agent.local.EnsureScope(ctx, r.agent.scopeName)
	if err != nil {
		return err
	}
	r.scope = scope
	return nil
}

func (r *run) ensureSchema(ctx context.Context) error {
	if r.scope.Schema != "" && r.scope.RemoteScopeID != "" {
		set, err := schema.Parse(r.scope.Schema)
		if err != nil {
			return err
		}
		r.set = set
	} else {
		scope, set, err := r.agent.fetchSchema(ctx, r.scope)
		if err != nil {
			return err
		}
		r.scope, r.set = scope, set
	}

	wm, err := r.agent.local.Store().CurrentWatermark(ctx)
	if err != nil {
		return fmt.Errorf("read local watermark: %w", err)
	}
	r.clientStart = wm
	return nil
}

func (r *run) enumerateLocal(ctx context.Context) error {
	if r.sc.SyncType == sync.SyncTypeReinitialize {
		return nil
	}
	bi, err := r.agent.local.GetChanges(ctx, r.set, r.scope, r.sc.Parameters)
	if err != nil {
		return err
	}
	r.upload = bi
	return nil
}

// bootstrapSnapshot fetches the snapshot of a new or reinitialized scope. A
// reinitialization that uploads first defers the reset and apply to the download stage.
func (r *run) bootstrapSnapshot(ctx context.Context) error {
	if !r.scope.IsNewScope() && !r.sc.SyncType.FromScratch() {
		return nil
	}
	snap, err := r.agent.remote.GetSnapshot(ctx, SnapshotRequest{ScopeName: r.agent.scopeName, Parameters: r.sc.Parameters})
	switch {
	case errors.Is(err, sync.ErrSnapshotNotFound):
	case err != nil:
		return err
	case snap.HasData():
		r.snapshot = snap
	}

	if r.sc.SyncType == sync.SyncTypeReinitializeWithUpload {
		return nil
	}
	if err := r.rebuild(ctx); err != nil {
		return err
	}

	// Rows the snapshot overwrote are now tagged with the remote and must not be
	// uploaded in their earlier local version.
	if r.snapshot != nil && r.upload.HasData() {
		r.agent.local.Clean(r.upload)
		r.upload = nil
		bi, err := r.agent.local.GetChanges(ctx, r.set, r.scope, r.sc.Parameters)
		if err != nil {
			return err
		}
		r.upload = bi
	}
	return nil
}

// rebuild resets local tables for a reinitialization and applies the snapshot.
func (r *run) rebuild(ctx context.Context) error {
	if r.sc.SyncType.FromScratch() {
		if err := r.agent.local.Store().ResetTables(ctx, r.set); err != nil {
			return err
		}
	}
	if r.snapshot == nil {
		return nil
	}
	res, err := r.agent.local.ApplyChanges(ctx, r.set, r.snapshot, r.clientOptions(r.scope.LastSyncTimestamp))
	r.countDownload(res)
	if err != nil {
		return err
	}
	r.applied = true
	return nil
}

func (r *run) transmitUpload(ctx context.Context) error {
	base := r.scope.LastServerSyncTimestamp
	since := r.scope.LastServerSyncTimestamp
	if r.sc.SyncType.FromScratch() {
		since = 0
	}
	if r.snapshot != nil {
		since = r.snapshot.Info.Timestamp
		if r.applied {
			base = max(base, r.snapshot.Info.Timestamp)
		}
	}

	var upload *Batch
	if r.upload.HasData() {
		upload = r.agent.local.Upload(r.upload)
	}
	resp, err := r.agent.remote.ApplyThenGetChanges(ctx, ApplyRequest{
		SessionID:     r.sc.SessionID,
		ScopeName:     r.agent.scopeName,
		ClientScopeID: r.scope.ID,
		Parameters:    r.sc.Parameters,
		Policy:        r.agent.policy,
		Upload:        upload,
		UploadBase:    base,
		DownloadSince: since,
		FromScratch:   r.sc.SyncType.FromScratch() || r.scope.IsNewScope(),
		Hook:          r.hook,
	})
	if resp != nil {
		r.sc.TotalChangesUploaded += resp.Uploaded.AppliedCount
		r.sc.TotalSyncErrors += resp.Uploaded.FailedCount
		r.sc.TotalResolvedConflicts += len(resp.Uploaded.Conflicts)
	}
	if err != nil {
		return err
	}
	r.resp = resp
	r.serverWatermark = resp.ServerWatermark
	return nil
}

func (r *run) applyDownload(ctx context.Context) error {
	if r.sc.SyncType == sync.SyncTypeReinitializeWithUpload {
		if err := r.rebuild(ctx); err != nil {
			return err
		}
	}
	res, err := r.agent.local.ApplyChanges(ctx, r.set, r.resp.Download, r.clientOptions(r.clientStart))
	r.countDownload(res)
	return err
}

// commitWatermarks acknowledges the session before advancing the local scope, so a
// failed acknowledgement leaves the watermarks where they were. The server's peer
// history can therefore run ahead of the scope if the local write then fails, and
// tombstones purged before the next successful run are not redelivered.
func (r *run) commitWatermarks(ctx context.Context) error {
	duration := time.Since(r.sc.StartTime)
	if err := r.agent.remote.EndSession(ctx, EndSessionRequest{
		SessionID:       r.sc.SessionID,
		ScopeName:       r.agent.scopeName,
		ClientScopeID:   r.scope.ID,
		ServerWatermark: r.serverWatermark,
		Duration:        duration,
		Success:         true,
	}); err != nil {
		return err
	}
	r.resp = nil

	now := time.Now().UTC()
	scope := *r.scope
	scope.LastSyncTimestamp = max(scope.LastSyncTimestamp, r.clientStart)
	scope.LastServerSyncTimestamp = max(scope.LastServerSyncTimestamp, r.serverWatermark)
	scope.LastSync = &now
	scope.LastSyncDuration = duration
	written, err := r.agent.local.Store().WriteScope(ctx, &scope)
	if err != nil {
		return err
	}
	r.scope = written
	return nil
}

// clientOptions returns the apply options for batches arriving from the remote.
func (r *run) clientOptions(base int64) apply.Options {
	return apply.Options{
		Policy:       sync.Inverse(r.agent.policy),
		Side:         sync.SideClient,
		Hook:         r.hook,
		Guard:        provider.Guard{Base: base, SenderScopeID: r.scope.RemoteScopeID},
		MaxRowErrors: r.agent.maxRowErrors,
	}
}

func (r *run) countDownload(res sync.ApplyResult) {
	r.sc.TotalChangesDownloaded += res.AppliedCount
	r.sc.TotalSyncErrors += res.FailedCount
	r.sc.TotalResolvedConflicts += len(res.Conflicts)
}

// endFailedSession releases the server session of a run that failed after the
// exchange. The run's own context may already be cancelled.
func (r *run) endFailedSession(ctx context.Context) {
	if r.resp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endSessionTimeout)
	defer cancel()
	err := r.agent.remote.EndSession(ctx, EndSessionRequest{
		SessionID:     r.sc.SessionID,
		ScopeName:     r.agent.scopeName,
		ClientScopeID: r.scope.ID,
	})
	if err != nil {
		slog.Warn("failed to end session", "component", "agent", "session_id", r.sc.SessionID, "error", err)
	}
}
