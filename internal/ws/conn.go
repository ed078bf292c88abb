package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sales-funnel-crm-realtime/internal/event"
	"sales-funnel-crm-realtime/internal/presence"
	"sales-funnel-crm-realtime/internal/registry"
	"sales-funnel-crm-realtime/internal/store"
	"sales-funnel-crm-realtime/shared/metricsx"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// A client that keeps sending malformed frames is disconnected.
	maxProtocolErrors = 8
)

// session binds one WebSocket to its registry entry and runs the read and
// write pumps. The registry outbox is the only path to the socket's writer.
type session struct {
	h    *Handler
	ws   *websocket.Conn
	conn *registry.Conn

	tenantID uuid.UUID
	userID   uuid.UUID
	userName string

	protocolErrors int
}

// readPump consumes client frames until the socket dies. It owns teardown:
// registry removal and presence cleanup for this user's records.
func (s *session) readPump(ctx context.Context) {
	defer func() {
		s.h.registry.Unregister(s.conn)
		if err := s.h.presence.RemoveAll(context.Background(), s.tenantID, s.userID); err != nil {
			s.h.logger.Warn(context.Background(), "presence_cleanup_failed", "leaving stale presence to TTL",
				slog.String("tenant_id", s.tenantID.String()),
				slog.String("error", err.Error()),
			)
		}
		_ = s.ws.Close()
	}()

	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.h.logger.Warn(ctx, "ws_unexpected_close", "connection closed unexpectedly",
					slog.String("tenant_id", s.tenantID.String()),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if !s.handleFrame(ctx, message) {
			return
		}
	}
}

// writePump drains the registry outbox into the socket and keeps the
// transport alive with pings. It exits when the outbox closes, which is how
// the registry signals a drop.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()

	for {
		select {
		case message, ok := <-s.conn.Outbox():
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame dispatches one client frame; false tears the session down.
func (s *session) handleFrame(ctx context.Context, message []byte) bool {
	var frame clientFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return s.protocolError("invalid_frame", "frame is not valid JSON")
	}

	switch frame.Type {
	case frameSubscribe:
		return s.handleSubscribe(frame)
	case frameSync:
		return s.handleSync(ctx, frame.LastEventID)
	case framePresence:
		return s.handlePresence(ctx, frame)
	case framePing:
		return s.handlePing(ctx)
	default:
		return s.protocolError("unknown_frame", "unknown frame type")
	}
}

func (s *session) handleSubscribe(frame clientFrame) bool {
	types := make([]event.Type, 0, len(frame.EventTypes))
	for _, raw := range frame.EventTypes {
		t, err := event.Parse(raw)
		if err != nil {
			return s.protocolError("unknown_event_type", err.Error())
		}
		types = append(types, t)
	}
	s.conn.Subscribe(types)
	return true
}

// handleSync serves one catch-up round. The client repeats with an advanced
// cursor while hasMore is set; a cursor behind retention gets a gap frame.
func (s *session) handleSync(ctx context.Context, lastEventID int64) bool {
	if lastEventID < 0 {
		return s.protocolError("invalid_cursor", "lastEventId must be >= 0")
	}

	metricsx.IncCatchupRequest()
	// The store excludes other users' session-scoped events before applying
	// the batch limit, so hasMore never points at a round the client would
	// receive empty.
	events, hasMore, err := s.h.store.EventsSince(ctx, s.tenantID, s.userID, lastEventID, s.h.batchLimit)
	if err != nil {
		var gap store.GapError
		if errors.As(err, &gap) {
			metricsx.IncCatchupGap()
			return s.reply(GapFrame(gap.OldestRetained))
		}
		s.h.logger.Error(ctx, "sync_failed", "catch-up read failed",
			slog.String("tenant_id", s.tenantID.String()),
			slog.Int64("cursor", lastEventID),
			slog.String("error", err.Error()),
		)
		return s.reply(ErrorFrame("sync_failed", "catch-up temporarily unavailable"))
	}

	return s.reply(SyncResponseFrame(events, hasMore))
}

func (s *session) handlePresence(ctx context.Context, frame clientFrame) bool {
	if frame.EntityType == "" || frame.EntityID == "" || !presence.ValidAction(frame.Action) {
		return s.protocolError("invalid_presence", "presence requires entityType, entityId and a known action")
	}

	var err error
	if frame.Action == presence.ActionLeft {
		err = s.h.presence.Remove(ctx, s.tenantID, s.userID, frame.EntityType, frame.EntityID)
	} else {
		err = s.h.presence.Track(ctx, s.tenantID, s.userID, s.userName, frame.EntityType, frame.EntityID, frame.Action)
	}
	if err != nil {
		s.h.logger.Warn(ctx, "presence_update_failed", "presence write failed",
			slog.String("tenant_id", s.tenantID.String()),
			slog.String("error", err.Error()),
		)
	}
	return true
}

// handlePing answers with the tenant's latest sequence so the client can
// detect missed events and resync.
func (s *session) handlePing(ctx context.Context) bool {
	latest, err := s.h.store.LatestSequence(ctx, s.tenantID)
	if err != nil {
		s.h.logger.Warn(ctx, "ping_latest_failed", "falling back to zero watermark",
			slog.String("tenant_id", s.tenantID.String()),
			slog.String("error", err.Error()),
		)
		latest = 0
	}
	return s.reply(PongFrame(latest))
}

func (s *session) protocolError(code string, message string) bool {
	s.protocolErrors++
	if s.protocolErrors > maxProtocolErrors {
		return false
	}
	return s.reply(ErrorFrame(code, message))
}

// reply enqueues a direct frame; a full or closed outbox ends the session.
func (s *session) reply(frame []byte, err error) bool {
	if err != nil {
		return false
	}
	return s.conn.Send(frame)
}
