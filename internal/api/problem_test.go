package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hyperengineering/rowsync/internal/batch"
	"github.com/hyperengineering/rowsync/internal/orchestrator"
	"github.com/hyperengineering/rowsync/internal/snapshot"
	"github.com/hyperengineering/rowsync/internal/sync"
	"github.com/hyperengineering/rowsync/internal/validation"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) Problem {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %v, want application/problem+json", ct)
	}
	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to decode problem: %v\n%s", err, w.Body.String())
	}
	return p
}

func TestWriteProblem_BodyFormat(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/scopes/shop/snapshot", nil)

	WriteProblem(w, r, http.StatusUnauthorized, "Missing or invalid API key")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	p := decodeProblem(t, w)
	if p.Type != ProblemTypeBase+"unauthorized" {
		t.Errorf("type = %v", p.Type)
	}
	if p.Title != "Unauthorized" {
		t.Errorf("title = %v, want Unauthorized", p.Title)
	}
	if p.Instance != "/api/v1/scopes/shop/snapshot" {
		t.Errorf("instance = %v", p.Instance)
	}
}

func TestWriteProblem_Types(t *testing.T) {
	tests := []struct {
		status int
		slug   string
	}{
		{http.StatusBadRequest, "bad-request"},
		{http.StatusNotFound, "not-found"},
		{http.StatusConflict, "conflict"},
		{http.StatusUnprocessableEntity, "validation-error"},
		{http.StatusServiceUnavailable, "service-unavailable"},
		{http.StatusTeapot, "unknown"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteProblem(w, httptest.NewRequest(http.MethodGet, "/", nil), tt.status, "detail")
			if p := decodeProblem(t, w); p.Type != ProblemTypeBase+tt.slug {
				t.Errorf("type = %v, want %v", p.Type, ProblemTypeBase+tt.slug)
			}
		})
	}
}

func TestWriteProblemWithErrors_422(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/scopes/shop/sessions/x/apply", nil)

	WriteProblemWithErrors(w, r, "Invalid apply request", []validation.ValidationError{
		{Field: "client_scope_id", Message: "must be a valid ULID (26 characters)"},
	})

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	var p ProblemWithErrors
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(p.Errors) != 1 || p.Errors[0].Field != "client_scope_id" {
		t.Errorf("errors = %+v", p.Errors)
	}
}

func TestMapSyncError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		slug   string
	}{
		{"unknown scope", fmt.Errorf("%w: nope", orchestrator.ErrUnknownScope), http.StatusNotFound, TypeScopeNotFound},
		{"scope not found", sync.ErrScopeNotFound, http.StatusNotFound, TypeScopeNotFound},
		{"snapshot not found", sync.ErrSnapshotNotFound, http.StatusNotFound, TypeSnapshotNotFound},
		{"unknown session", orchestrator.ErrUnknownSession, http.StatusNotFound, TypeSessionNotFound},
		{"part missing", batch.ErrPartMissing, http.StatusNotFound, TypePartMissing},
		{"conflict unresolved", sync.NewSyncError(sync.StageTransmitAndApplyUpload, sync.ErrConflictUnresolved, errors.New("rollback")), http.StatusConflict, TypeConflictUnresolved},
		{"schema", fmt.Errorf("%w: table gone", sync.ErrSchema), http.StatusUnprocessableEntity, TypeSchema},
		{"apply", fmt.Errorf("%w: too many failures", sync.ErrApply), http.StatusUnprocessableEntity, TypeApply},
		{"provisioning", fmt.Errorf("%w: trigger", sync.ErrProvisioning), http.StatusInternalServerError, TypeProvisioning},
		{"snapshots not configured", snapshot.ErrNotConfigured, http.StatusServiceUnavailable, "service-unavailable"},
		{"unclassified", errors.New("disk on fire"), http.StatusInternalServerError, "internal-error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			MapSyncError(w, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if p := decodeProblem(t, w); p.Type != ProblemTypeBase+tt.slug {
				t.Errorf("type = %v, want %v", p.Type, ProblemTypeBase+tt.slug)
			}
		})
	}
}

func TestMapSyncError_HidesInternalCause(t *testing.T) {
	w := httptest.NewRecorder()
	MapSyncError(w, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("open /var/lib/rowsync/server.db: permission denied"))

	if strings.Contains(w.Body.String(), "/var/lib") {
		t.Errorf("response leaks internal path: %s", w.Body.String())
	}
}
