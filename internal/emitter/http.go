package emitter

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"sales-funnel-crm-realtime/internal/event"
	"sales-funnel-crm-realtime/shared/authx"
	"sales-funnel-crm-realtime/shared/httpx"
	"sales-funnel-crm-realtime/shared/logx"
)

// RoleEmit authorizes service accounts to post events on behalf of the
// mutation services.
const RoleEmit = "sync:emit"

type emitRequest struct {
	TenantID  uuid.UUID       `json:"tenantId"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UserID    *uuid.UUID      `json:"userId,omitempty"`
}

// Handler exposes the internal emit endpoint used by the CRM's mutation
// services. Callers authenticate with either the shared internal token or a
// service JWT carrying the sync:emit role.
type Handler struct {
	emitter *Emitter
	token   string
	logger  logx.Logger
}

func NewHandler(e *Emitter, internalToken string, logger logx.Logger) *Handler {
	return &Handler{emitter: e, token: internalToken, logger: logger.Component("emit_http")}
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.token != "" {
		got := r.Header.Get("X-Internal-Token")
		if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1 {
			return true
		}
	}
	if auth, ok := authx.FromContext(r.Context()); ok && auth.HasRole(RoleEmit) {
		return true
	}
	return false
}

// Emit handles POST /internal/v1/emit.
func (h *Handler) Emit(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		httpx.WriteError(w, r, http.StatusForbidden, "forbidden", "emit requires the internal token or the sync:emit role", nil)
		return
	}

	var req emitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_body", "request body is not valid JSON", nil)
		return
	}
	if req.TenantID == uuid.Nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "missing_tenant", "tenantId is required", nil)
		return
	}
	evType, err := event.Parse(req.EventType)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "unknown_event_type", err.Error(), nil)
		return
	}
	if evType.SessionScoped() && req.UserID == nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "missing_user", "session-scoped events require userId", nil)
		return
	}

	var ev event.Event
	if req.UserID != nil {
		ev, err = h.emitter.EmitToUser(r.Context(), req.TenantID, *req.UserID, evType, req.Payload)
	} else {
		ev, err = h.emitter.Emit(r.Context(), req.TenantID, evType, req.Payload)
	}
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "emit_failed", "event could not be recorded", nil)
		return
	}

	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"id":             ev.ID,
		"sequenceNumber": ev.Sequence,
	})
}
