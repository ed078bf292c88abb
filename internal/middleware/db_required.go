package middleware

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"sales-funnel-crm-realtime/shared/httpx"
)

// DBRequiredMiddleware fails fast on endpoints that cannot serve without the
// durable log, instead of surfacing a nil pool panic deeper in a handler.
type DBRequiredMiddleware struct {
	Pool *pgxpool.Pool
	Skip func(*http.Request) bool
}

func (m DBRequiredMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Pool == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "database not configured", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
