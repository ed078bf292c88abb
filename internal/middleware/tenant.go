package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"sales-funnel-crm-realtime/shared/authx"
	"sales-funnel-crm-realtime/shared/httpx"
	"sales-funnel-crm-realtime/shared/tenantx"
)

// TenantMiddleware resolves the tenant for the request. The X-Tenant-ID
// header wins; the token's tenant_id claim is the fallback. Whatever is
// resolved must be consistent with the token's tenant claims.
type TenantMiddleware struct {
	Skip func(*http.Request) bool
}

func (m TenantMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		raw := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		auth, hasAuth := authx.FromContext(r.Context())
		if raw == "" && hasAuth {
			if v, ok := auth.Claims["tenant_id"]; ok {
				raw = strings.TrimSpace(fmt.Sprint(v))
			}
		}
		if raw == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant id", nil)
			return
		}

		tenantID, err := uuid.Parse(raw)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "tenant id is not a uuid", nil)
			return
		}

		if hasAuth {
			if err := validateTenantClaims(auth.Claims, tenantID.String()); err != nil {
				httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", err.Error(), nil)
				return
			}
		}

		ctx := tenantx.WithTenant(r.Context(), tenantx.TenantContext{ID: tenantID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validateTenantClaims(claims map[string]any, tenantID string) error {
	if claims == nil {
		return nil
	}
	if v, ok := claims["tenant_id"]; ok {
		claimTenantID := strings.TrimSpace(fmt.Sprint(v))
		if claimTenantID != "" && claimTenantID != tenantID {
			return errors.New("tenant claim mismatch")
		}
	}
	if v, ok := claims["tenants"]; ok {
		allowed := map[string]struct{}{}
		switch t := v.(type) {
		case []string:
			for _, item := range t {
				if item = strings.TrimSpace(item); item != "" {
					allowed[item] = struct{}{}
				}
			}
		case []any:
			for _, item := range t {
				if val := strings.TrimSpace(fmt.Sprint(item)); val != "" {
					allowed[val] = struct{}{}
				}
			}
		case string:
			for _, item := range strings.Fields(t) {
				allowed[item] = struct{}{}
			}
		}
		if len(allowed) > 0 {
			if _, ok := allowed[tenantID]; !ok {
				return errors.New("tenant not allowed")
			}
		}
	}
	return nil
}
