package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"sales-funnel-crm-realtime/shared/authx"
	"sales-funnel-crm-realtime/shared/tenantx"
)

func okHandler(gotTenant *uuid.UUID) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenant, ok := tenantx.FromContext(r.Context()); ok && gotTenant != nil {
			*gotTenant = tenant.ID
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestTenantMiddlewareResolvesHeader(t *testing.T) {
	tenant := uuid.New()
	var got uuid.UUID
	h := TenantMiddleware{}.Wrap(okHandler(&got))

	req := httptest.NewRequest("GET", "/api/v1/presence/lead/1", nil)
	req.Header.Set("X-Tenant-ID", tenant.String())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got != tenant {
		t.Fatalf("resolved tenant = %s, want %s", got, tenant)
	}
}

func TestTenantMiddlewareFallsBackToClaim(t *testing.T) {
	tenant := uuid.New()
	var got uuid.UUID
	h := TenantMiddleware{}.Wrap(okHandler(&got))

	req := httptest.NewRequest("GET", "/ws", nil)
	req = req.WithContext(authx.WithAuth(req.Context(), authx.AuthContext{
		Subject: "user-1",
		Claims:  map[string]any{"tenant_id": tenant.String()},
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got != tenant {
		t.Fatalf("resolved tenant = %s, want %s", got, tenant)
	}
}

func TestTenantMiddlewareRejectsClaimMismatch(t *testing.T) {
	h := TenantMiddleware{}.Wrap(okHandler(nil))

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("X-Tenant-ID", uuid.NewString())
	req = req.WithContext(authx.WithAuth(req.Context(), authx.AuthContext{
		Subject: "user-1",
		Claims:  map[string]any{"tenant_id": uuid.NewString()},
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestTenantMiddlewareRejectsMissingTenant(t *testing.T) {
	h := TenantMiddleware{}.Wrap(okHandler(nil))
	req := httptest.NewRequest("GET", "/ws", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTenantMiddlewareRejectsTenantNotInAllowedList(t *testing.T) {
	h := TenantMiddleware{}.Wrap(okHandler(nil))

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("X-Tenant-ID", uuid.NewString())
	req = req.WithContext(authx.WithAuth(req.Context(), authx.AuthContext{
		Claims: map[string]any{"tenants": []any{uuid.NewString(), uuid.NewString()}},
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestRateLimiterEnforcesBurst(t *testing.T) {
	limiter := NewIPRateLimiter(1, 3, time.Minute)
	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow("10.0.0.1") {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("allowed = %d, want burst of 3", allowed)
	}
	if !limiter.Allow("10.0.0.2") {
		t.Fatal("distinct client should have its own bucket")
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORSMiddleware{
		AllowedOrigins:   []string{"https://app.example.com"},
		AllowCredentials: true,
		MaxAge:           time.Hour,
	}.Wrap(okHandler(nil))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/presence/lead/1", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("credentials header missing")
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	h := CORSMiddleware{AllowedOrigins: []string{"https://app.example.com"}}.Wrap(okHandler(nil))

	req := httptest.NewRequest("GET", "/api/v1/presence/lead/1", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unknown origin must not be allowed")
	}
}
