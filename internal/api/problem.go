package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/rowsync/internal/batch"
	"github.com/hyperengineering/rowsync/internal/orchestrator"
	"github.com/hyperengineering/rowsync/internal/snapshot"
	"github.com/hyperengineering/rowsync/internal/sync"
	"github.com/hyperengineering/rowsync/internal/validation"
)

// ProblemTypeBase prefixes every problem type URI.
const ProblemTypeBase = "https://rowsync.dev/errors/"

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problemTypes maps HTTP status codes to the generic type slug and title.
var problemTypes = map[int]struct {
	slug  string
	title string
}{
	http.StatusUnauthorized:          {"unauthorized", "Unauthorized"},
	http.StatusBadRequest:            {"bad-request", "Bad Request"},
	http.StatusNotFound:              {"not-found", "Not Found"},
	http.StatusInternalServerError:   {"internal-error", "Internal Server Error"},
	http.StatusUnprocessableEntity:   {"validation-error", "Validation Error"},
	http.StatusServiceUnavailable:    {"service-unavailable", "Service Unavailable"},
	http.StatusConflict:              {"conflict", "Conflict"},
	http.StatusRequestEntityTooLarge: {"too-large", "Request Entity Too Large"},
}

// Problem type slugs for sync errors. The transport maps them back to sentinels.
const (
	TypeScopeNotFound      = "scope-not-found"
	TypeSnapshotNotFound   = "snapshot-not-found"
	TypeSessionNotFound    = "session-not-found"
	TypePartMissing        = "part-missing"
	TypeSchema             = "schema-error"
	TypeApply              = "apply-error"
	TypeConflictUnresolved = "conflict-unresolved"
	TypeProvisioning       = "provisioning-error"
)

// WriteProblem writes an RFC 7807 Problem Details response with the generic type of status.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt.slug, pt.title = "unknown", http.StatusText(status)
	}
	writeProblem(w, r, Problem{
		Type:   ProblemTypeBase + pt.slug,
		Title:  pt.title,
		Status: status,
		Detail: detail,
	})
}

// WriteProblemType writes a problem with a specific type slug.
func WriteProblemType(w http.ResponseWriter, r *http.Request, status int, slug, detail string) {
	writeProblem(w, r, Problem{
		Type:   ProblemTypeBase + slug,
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}

func writeProblem(w http.ResponseWriter, r *http.Request, p Problem) {
	p.Instance = r.URL.Path
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	pt := problemTypes[http.StatusUnprocessableEntity]
	p := ProblemWithErrors{
		Problem: Problem{
			Type:     ProblemTypeBase + pt.slug,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Errors: errs,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// MapSyncError converts domain errors to Problem Details responses. Internal
// causes are never exposed for unclassified errors.
func MapSyncError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownScope), errors.Is(err, sync.ErrScopeNotFound):
		WriteProblemType(w, r, http.StatusNotFound, TypeScopeNotFound, "Scope not found")
	case errors.Is(err, sync.ErrSnapshotNotFound):
		WriteProblemType(w, r, http.StatusNotFound, TypeSnapshotNotFound, "No snapshot for this scope and parameters")
	case errors.Is(err, orchestrator.ErrUnknownSession):
		WriteProblemType(w, r, http.StatusNotFound, TypeSessionNotFound, "Session not found")
	case errors.Is(err, batch.ErrPartMissing):
		WriteProblemType(w, r, http.StatusNotFound, TypePartMissing, "Batch part not found")
	case errors.Is(err, sync.ErrConflictUnresolved):
		WriteProblemType(w, r, http.StatusConflict, TypeConflictUnresolved, err.Error())
	case errors.Is(err, sync.ErrSchema):
		WriteProblemType(w, r, http.StatusUnprocessableEntity, TypeSchema, err.Error())
	case errors.Is(err, sync.ErrApply):
		WriteProblemType(w, r, http.StatusUnprocessableEntity, TypeApply, err.Error())
	case errors.Is(err, sync.ErrProvisioning):
		WriteProblemType(w, r, http.StatusInternalServerError, TypeProvisioning, "Provisioning failed")
	case errors.Is(err, snapshot.ErrNotConfigured):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Snapshot storage not configured")
	default:
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
