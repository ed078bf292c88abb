package middleware

import (
	"net/http"
	"strings"

	"sales-funnel-crm-realtime/shared/authx"
	"sales-funnel-crm-realtime/shared/httpx"
)

// AuthMiddleware verifies the bearer token and stores the auth context.
// Browsers cannot set headers on a WebSocket dial, so a token query
// parameter is accepted as a fallback on paths listed in AllowQueryToken.
type AuthMiddleware struct {
	Verifier        *authx.JWTVerifier
	Skip            func(*http.Request) bool
	AllowQueryToken map[string]bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		if m.Verifier == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "auth verifier not configured", nil)
			return
		}

		token := bearerToken(r)
		if token == "" && m.AllowQueryToken[r.URL.Path] {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}

		auth, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}

		ctx := authx.WithAuth(r.Context(), auth)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return ""
	}
	return strings.TrimSpace(authHeader[len("bearer "):])
}
