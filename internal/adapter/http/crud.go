package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/Strob0t/TenantForge/internal/domain"
)

// lookup reads a single resource named by the {id} path parameter.
func lookup[T any](fetch func(ctx context.Context, id string) (*T, error), what string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(urlParam(r, "id"))
		if id == "" {
			writeDomainError(w, domain.NewValidationError("id", "%s id is required", what), "")
			return
		}
		item, err := fetch(r.Context(), id)
		if err != nil {
			writeDomainError(w, err, what+" not found")
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// discard runs a removal keyed by {id} and answers 204 on success.
func discard(remove func(ctx context.Context, id string) error, what string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := remove(r.Context(), urlParam(r, "id")); err != nil {
			writeDomainError(w, err, what+" not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
