package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	gosync "sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/rowsync/internal/batch"
	"github.com/hyperengineering/rowsync/internal/orchestrator"
	"github.com/hyperengineering/rowsync/internal/snapshot"
	"github.com/hyperengineering/rowsync/internal/sync"
)

// Handler implements the API handlers over a server orchestrator.
type Handler struct {
	remote  *orchestrator.RemoteOrchestrator
	uploads *batch.Manager
	apiKey  string
	version string

	mu     gosync.Mutex
	staged map[string]*stagedUpload
}

// stagedUpload is the upload a session is sending and when a part last arrived.
type stagedUpload struct {
	info    *batch.Info
	touched time.Time
}

// NewHandler creates a Handler. uploads stages incoming parts until their session
// ends; a nil manager keeps them in memory.
func NewHandler(remote *orchestrator.RemoteOrchestrator, uploads *batch.Manager, apiKey, version string) *Handler {
	if uploads == nil {
		uploads = batch.NewManager(batch.Config{})
	}
	return &Handler{
		remote:  remote,
		uploads: uploads,
		apiKey:  apiKey,
		version: version,
		staged:  make(map[string]*stagedUpload),
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	Scopes    []string `json:"scopes"`
	Watermark int64    `json:"watermark"`
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	wm, err := h.remote.Store().CurrentWatermark(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Store unavailable")
		return
	}
	scopes := h.remote.Scopes()
	slices.Sort(scopes)
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Scopes:    scopes,
		Watermark: wm,
	})
}

// EnsureSchema handles POST /api/v1/scopes/{scope}/schema
func (h *Handler) EnsureSchema(w http.ResponseWriter, r *http.Request) {
	resp, err := h.remote.EnsureSchema(r.Context(), orchestrator.SchemaRequest{ScopeName: ScopeNameFromContext(r.Context())})
	if err != nil {
		logFailure(r, "ensure_schema", err)
		MapSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Snapshot handles GET /api/v1/scopes/{scope}/snapshot?params={json}
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope := ScopeNameFromContext(ctx)
	params, err := decodeParams(r.URL.Query().Get("params"))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	b, err := h.remote.GetSnapshot(ctx, orchestrator.SnapshotRequest{ScopeName: scope, Parameters: params})
	if err != nil {
		if !errors.Is(err, sync.ErrSnapshotNotFound) {
			logFailure(r, "snapshot", err)
		}
		MapSyncError(w, r, err)
		return
	}

	reply := orchestrator.SnapshotReply{Batch: b.Info}
	if snaps := h.remote.Snapshots(); snaps != nil {
		m := &snapshot.Manifest{Scope: scope, ParamsKey: snapshot.ParamsKey(params), Batch: *b.Info}
		urls, err := snaps.PartURLs(ctx, m)
		switch {
		case err == nil:
			reply.PartURLs = urls
		case !errors.Is(err, snapshot.ErrNotConfigured):
			slog.Warn("failed to presign snapshot parts", "component", "api", "scope", scope, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, reply)
}

// SnapshotPart handles GET /api/v1/scopes/{scope}/snapshot/parts/{index}?params={json}
func (h *Handler) SnapshotPart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	index, ok := partIndex(w, r)
	if !ok {
		return
	}
	params, err := decodeParams(r.URL.Query().Get("params"))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	b, err := h.remote.GetSnapshot(ctx, orchestrator.SnapshotRequest{ScopeName: ScopeNameFromContext(ctx), Parameters: params})
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	h.writePart(w, r, b.Info, b.Parts, index)
}

// writePart streams one encoded part of bi.
func (h *Handler) writePart(w http.ResponseWriter, r *http.Request, bi *batch.Info, loader batch.PartLoader, index int) {
	if index >= len(bi.Parts) {
		WriteProblemType(w, r, http.StatusNotFound, TypePartMissing, fmt.Sprintf("Batch has %d parts", len(bi.Parts)))
		return
	}
	rows, err := loader.LoadPart(r.Context(), bi.Parts[index])
	if err != nil {
		logFailure(r, "load_part", err)
		MapSyncError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := batch.WriteRows(&buf, rows); err != nil {
		logFailure(r, "encode_part", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	w.Header().Set("Content-Type", batch.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Write(buf.Bytes())
}

func partIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		WriteProblem(w, r, http.StatusBadRequest, "Part index must be a non-negative integer")
		return 0, false
	}
	return index, true
}

// decodeParams parses a JSON object of filter parameters. Numbers are normalized
// the same way part rows are, so equal parameters select the same snapshot.
func decodeParams(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var params map[string]any
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return normalizeParams(params), nil
}

func normalizeParams(params map[string]any) map[string]any {
	for k, v := range params {
		params[k] = batch.NormalizeValue(v)
	}
	return params
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

func logFailure(r *http.Request, action string, err error) {
	slog.Error("request failed",
		"component", "api",
		"action", action,
		"scope", ScopeNameFromContext(r.Context()),
		"session_id", SessionIDFromContext(r.Context()),
		"error", err,
	)
}
