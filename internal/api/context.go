package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hyperengineering/rowsync/internal/validation"
)

// scopeContextKey is the context key for the validated scope name.
type scopeContextKey struct{}

// sessionContextKey is the context key for the validated session id.
type sessionContextKey struct{}

// WithScopeName returns a new context with the scope name attached.
func WithScopeName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, name)
}

// ScopeNameFromContext extracts the scope name; empty when absent.
func ScopeNameFromContext(ctx context.Context) string {
	name, _ := ctx.Value(scopeContextKey{}).(string)
	return name
}

// WithSessionID returns a new context with the session id attached.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, id)
}

// SessionIDFromContext extracts the session id; empty when absent.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionContextKey{}).(string)
	return id
}

// ScopeMiddleware validates the {scope} URL parameter and stores it in the context.
// Scope names become part of snapshot paths, so only identifiers are accepted.
func ScopeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "scope")
		if verr := validation.ValidateIdentifier("scope", name); verr != nil {
			WriteProblemWithErrors(w, r, "Invalid scope name", []validation.ValidationError{*verr})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithScopeName(r.Context(), name)))
	})
}

// SessionMiddleware validates the {session} URL parameter as a UUID and stores it
// in the context.
func SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "session")
		if _, err := uuid.Parse(id); err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "Session id must be a UUID")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSessionID(r.Context(), id)))
	})
}
