package emitter

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"sales-funnel-crm-realtime/internal/sequence"
	"sales-funnel-crm-realtime/shared/authx"
)

func TestEmitEndpoint(t *testing.T) {
	st := newTestStore(t)
	sink := &captureSink{}
	em := New(sequence.NewMemory(), st, nil, sink.deliver, nil, 24*time.Hour, testLogger())
	h := NewHandler(em, "secret", testLogger())
	tenant := uuid.New()

	t.Run("rejects missing credentials", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/internal/v1/emit", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		h.Emit(rec, req)
		if rec.Code != 403 {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("accepts internal token", func(t *testing.T) {
		body := `{"tenantId":"` + tenant.String() + `","eventType":"lead_created","payload":{"leadId":"7"}}`
		req := httptest.NewRequest("POST", "/internal/v1/emit", strings.NewReader(body))
		req.Header.Set("X-Internal-Token", "secret")
		rec := httptest.NewRecorder()
		h.Emit(rec, req)
		if rec.Code != 202 {
			t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
		}
		if len(sink.events) != 1 {
			t.Fatalf("sink has %d events, want 1", len(sink.events))
		}
	})

	t.Run("accepts sync:emit role", func(t *testing.T) {
		body := `{"tenantId":"` + tenant.String() + `","eventType":"lead_updated"}`
		req := httptest.NewRequest("POST", "/internal/v1/emit", strings.NewReader(body))
		req = req.WithContext(authx.WithAuth(req.Context(), authx.AuthContext{
			Subject: "svc-leads",
			Roles:   []string{RoleEmit},
		}))
		rec := httptest.NewRecorder()
		h.Emit(rec, req)
		if rec.Code != 202 {
			t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("rejects unknown event type", func(t *testing.T) {
		body := `{"tenantId":"` + tenant.String() + `","eventType":"lead_snoozed"}`
		req := httptest.NewRequest("POST", "/internal/v1/emit", strings.NewReader(body))
		req.Header.Set("X-Internal-Token", "secret")
		rec := httptest.NewRecorder()
		h.Emit(rec, req)
		if rec.Code != 400 {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("rejects session event without user", func(t *testing.T) {
		body := `{"tenantId":"` + tenant.String() + `","eventType":"session_invalidated"}`
		req := httptest.NewRequest("POST", "/internal/v1/emit", strings.NewReader(body))
		req.Header.Set("X-Internal-Token", "secret")
		rec := httptest.NewRecorder()
		h.Emit(rec, req)
		if rec.Code != 400 {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}
