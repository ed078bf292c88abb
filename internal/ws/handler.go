package ws

import (
	"context"
	"net/http"
	"strings"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sales-funnel-crm-realtime/internal/event"
	"sales-funnel-crm-realtime/internal/presence"
	"sales-funnel-crm-realtime/internal/registry"
	"sales-funnel-crm-realtime/internal/store"
	"sales-funnel-crm-realtime/shared/authx"
	"sales-funnel-crm-realtime/shared/httpx"
	"sales-funnel-crm-realtime/shared/logx"
	"sales-funnel-crm-realtime/shared/tenantx"
)

// Handler upgrades authenticated requests to WebSocket sessions. Auth and
// tenant middleware run before it; by the time ServeHTTP is called the
// context carries a verified identity and tenant.
type Handler struct {
	registry   *registry.Registry
	store      *store.Store
	presence   *presence.Tracker
	logger     logx.Logger
	upgrader   websocket.Upgrader
	batchLimit int
	sendBuf    int
}

type Options struct {
	// BatchLimit caps events per sync_response round.
	BatchLimit int
	// SendBuffer sizes each connection's outbox.
	SendBuffer int
	// AllowedOrigins mirrors the CORS configuration; empty allows any.
	AllowedOrigins []string
}

func NewHandler(reg *registry.Registry, st *store.Store, tracker *presence.Tracker, opts Options, logger logx.Logger) *Handler {
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 100
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	return &Handler{
		registry:   reg,
		store:      st,
		presence:   tracker,
		logger:     logger.Component("ws"),
		batchLimit: opts.BatchLimit,
		sendBuf:    opts.SendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o = strings.TrimSpace(o); o != "" {
			set[strings.ToLower(o)] = true
		}
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(strings.TrimSpace(r.Header.Get("Origin")))
		if origin == "" {
			return true
		}
		return set["*"] || set[origin]
	}
}

// ServeHTTP handles GET /ws.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	auth, ok := authx.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity", nil)
		return
	}
	tenant, ok := tenantx.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant", nil)
		return
	}
	userID, err := uuid.Parse(auth.Subject)
	if err != nil {
		httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "subject is not a user id", nil)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn(r.Context(), "ws_upgrade_failed", "upgrade rejected",
			slog.String("tenant_id", tenant.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	conn := registry.NewConn(tenant.ID, userID, h.sendBuf)
	h.registry.Register(conn)

	s := &session{
		h:        h,
		ws:       ws,
		conn:     conn,
		tenantID: tenant.ID,
		userID:   userID,
		userName: auth.Name,
	}

	h.logger.Info(r.Context(), "ws_connected", "client connected",
		slog.String("tenant_id", tenant.ID.String()),
		slog.String("user_id", userID.String()),
	)

	go s.writePump()
	go s.readPump(context.WithoutCancel(r.Context()))
}

// Dispatch fans a stored event out to local connections. It is the sink for
// both locally emitted events and events arriving over the fabric.
func Dispatch(reg *registry.Registry, ev event.Event, logger logx.Logger) {
	frame, err := PushFrame(ev)
	if err != nil {
		logger.Error(context.Background(), "frame_marshal_failed", "event not dispatched",
			slog.String("error", err.Error()),
		)
		return
	}
	if ev.UserID != nil {
		reg.BroadcastUser(ev.TenantID, *ev.UserID, ev.Type, frame)
		return
	}
	reg.BroadcastTenant(ev.TenantID, ev.Type, frame)
}
