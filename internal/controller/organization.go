package controller

import (
	"context"
	"net/http"
	"strconv"

	"github.com/unclebandit/presents-campaigns/internal/handler"
)

type orgKey struct{}

// RequireOrganization reads the caller's organization from X-Organization-ID.
// Requests without a valid id are rejected with 400.
func RequireOrganization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get("X-Organization-ID"), 10, 64)
		if err != nil || id <= 0 {
			handler.BadRequest(w, "missing or invalid X-Organization-ID header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), orgKey{}, id)))
	})
}

// OrganizationID returns the id stored by RequireOrganization, or 0.
func OrganizationID(ctx context.Context) int64 {
	id, _ := ctx.Value(orgKey{}).(int64)
	return id
}
