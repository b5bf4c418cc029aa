package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hyperengineering/rowsync/internal/batch"
	"github.com/hyperengineering/rowsync/internal/orchestrator"
	"github.com/hyperengineering/rowsync/internal/sync"
	"github.com/hyperengineering/rowsync/internal/validation"
)

// allowedPolicies are the conflict policies a client may request.
var allowedPolicies = []string{
	string(sync.ResolutionServerWins),
	string(sync.ResolutionClientWins),
}

// UploadPart handles PUT /api/v1/scopes/{scope}/sessions/{session}/upload/{index}
//
// Parts must arrive in index order. Re-sending a part that is already staged
// succeeds without changing it, so a client can retry a part whose response was lost.
func (h *Handler) UploadPart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	index, ok := partIndex(w, r)
	if !ok {
		return
	}
	rows, err := batch.ReadRows(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("Part exceeds %d bytes", tooLarge.Limit))
			return
		}
		WriteProblem(w, r, http.StatusBadRequest, "Invalid part body")
		return
	}

	id := SessionIDFromContext(ctx)
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.staged[id]
	if !ok {
		entry = &stagedUpload{info: h.uploads.New(batch.DirectionUpload, 0)}
		h.staged[id] = entry
	}
	entry.touched = time.Now()
	staged := entry.info
	switch {
	case index < len(staged.Parts):
		w.WriteHeader(http.StatusNoContent)
		return
	case index > len(staged.Parts):
		WriteProblemType(w, r, http.StatusConflict, TypePartMissing, fmt.Sprintf("Expected part %d", len(staged.Parts)))
		return
	}

	if err := h.uploads.AppendPart(ctx, staged, rows); err != nil {
		if errors.Is(err, batch.ErrSealed) {
			WriteProblem(w, r, http.StatusConflict, "Upload already applied")
			return
		}
		logFailure(r, "upload_part", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	slog.Debug("upload part staged",
		"component", "api",
		"session_id", id,
		"part", index,
		"rows", len(rows),
	)
	w.WriteHeader(http.StatusNoContent)
}

// Apply handles POST /api/v1/scopes/{scope}/sessions/{session}/apply
func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var msg orchestrator.ApplyMessage
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	msg.SessionID = SessionIDFromContext(ctx)
	msg.ScopeName = ScopeNameFromContext(ctx)
	msg.Parameters = normalizeParams(msg.Parameters)

	var v validation.Collector
	v.Add(validation.ValidateULID("client_scope_id", msg.ClientScopeID))
	v.Add(validation.ValidateEnum("policy", string(msg.Policy), allowedPolicies))
	if v.HasErrors() {
		WriteProblemWithErrors(w, r, "Invalid apply request", v.Errors())
		return
	}

	upload, err := h.sealUpload(msg.SessionID, msg.UploadInfo)
	if err != nil {
		WriteProblemType(w, r, http.StatusConflict, TypePartMissing, err.Error())
		return
	}

	req := msg.ApplyRequest
	if upload != nil {
		req.Upload = &orchestrator.Batch{Info: upload, Parts: h.uploads}
	}
	resp, err := h.remote.ApplyThenGetChanges(ctx, req)
	if err != nil {
		logFailure(r, "apply", err)
		MapSyncError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, orchestrator.ApplyReply{
		ApplyResponse: *resp,
		DownloadInfo:  resp.Download.Info,
	})
}

// sealUpload checks the staged parts of a session against the batch the client
// announced and seals them. It returns nil when the client has nothing to upload.
func (h *Handler) sealUpload(sessionID string, announced *batch.Info) (*batch.Info, error) {
	if !announced.HasData() {
		return nil, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.staged[sessionID]
	if !ok || len(entry.info.Parts) != len(announced.Parts) {
		n := 0
		if ok {
			n = len(entry.info.Parts)
		}
		return nil, fmt.Errorf("%d of %d upload parts staged", n, len(announced.Parts))
	}
	entry.touched = time.Now()
	staged := entry.info
	for i, p := range announced.Parts {
		if staged.Parts[i].RowCount != p.RowCount {
			return nil, fmt.Errorf("upload part %d has %d rows, announced %d", i, staged.Parts[i].RowCount, p.RowCount)
		}
	}
	staged.Timestamp = announced.Timestamp
	h.uploads.Seal(staged)
	return staged, nil
}

// DownloadPart handles GET /api/v1/scopes/{scope}/sessions/{session}/download/{index}
func (h *Handler) DownloadPart(w http.ResponseWriter, r *http.Request) {
	index, ok := partIndex(w, r)
	if !ok {
		return
	}
	bi, err := h.remote.Download(SessionIDFromContext(r.Context()))
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	h.writePart(w, r, bi, h.remote.Batches(), index)
}

// EndSession handles POST /api/v1/scopes/{scope}/sessions/{session}/end
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req orchestrator.EndSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	req.SessionID = SessionIDFromContext(ctx)
	req.ScopeName = ScopeNameFromContext(ctx)
	if verr := validation.ValidateULID("client_scope_id", req.ClientScopeID); verr != nil {
		WriteProblemWithErrors(w, r, "Invalid end session request", []validation.ValidationError{*verr})
		return
	}

	h.dropStaged(req.SessionID)
	if err := h.remote.EndSession(ctx, req); err != nil {
		logFailure(r, "end_session", err)
		MapSyncError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// dropStaged removes the staged upload of a session.
func (h *Handler) dropStaged(sessionID string) {
	h.mu.Lock()
	entry, ok := h.staged[sessionID]
	delete(h.staged, sessionID)
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := h.uploads.Clean(entry.info); err != nil {
		slog.Warn("failed to clean upload batch", "component", "api", "session_id", sessionID, "error", err)
	}
}

// ExpireSessions drops staged uploads that received no part since cutoff, then
// expires the orchestrator's idle sessions. It returns the number of sessions dropped.
func (h *Handler) ExpireSessions(cutoff time.Time) int {
	h.mu.Lock()
	var stale []*batch.Info
	for id, entry := range h.staged {
		if entry.touched.Before(cutoff) {
			stale = append(stale, entry.info)
			delete(h.staged, id)
		}
	}
	h.mu.Unlock()

	for _, info := range stale {
		if err := h.uploads.Clean(info); err != nil {
			slog.Warn("failed to clean expired upload batch", "component", "api", "batch_id", info.ID, "error", err)
		}
	}
	return len(stale) + h.remote.ExpireSessions(cutoff)
}

// StagedSessions returns the number of sessions with staged uploads.
func (h *Handler) StagedSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.staged)
}
