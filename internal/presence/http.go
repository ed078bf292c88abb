package presence

import (
	"net/http"
	"strings"

	"sales-funnel-crm-realtime/shared/httpx"
	"sales-funnel-crm-realtime/shared/tenantx"
)

// ServeGet handles GET /api/v1/presence/{entityType}/{entityID}. The WebSocket
// carries presence writes; this endpoint exists so a freshly loaded record
// view can render avatars before the socket settles.
func (t *Tracker) ServeGet(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantx.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant", nil)
		return
	}

	entityType := strings.TrimSpace(r.PathValue("entityType"))
	entityID := strings.TrimSpace(r.PathValue("entityID"))
	if entityType == "" || entityID == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "entity type and id are required", nil)
		return
	}

	states, err := t.Get(r.Context(), tenant.ID, entityType, entityID)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "presence lookup failed", nil)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"presence": states})
}
