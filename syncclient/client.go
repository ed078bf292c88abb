// Package syncclient is the Go client for the CRM real-time sync endpoint.
// It maintains a WebSocket session through reconnects, replays missed events
// on connect, deduplicates at-least-once delivery and dispatches events to
// per-type handlers.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sales-funnel-crm-realtime/internal/event"
	"sales-funnel-crm-realtime/shared/logx"
)

// ErrGaveUp is returned by Run when MaxAttempts consecutive connection
// failures were reached. The application decides what to do next; the client
// will not dial again.
var ErrGaveUp = errors.New("syncclient: reconnect attempts exhausted")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSyncing
	StateLive
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateGaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}

type Options struct {
	// URL is the ws:// or wss:// sync endpoint.
	URL      string
	Token    string
	TenantID uuid.UUID

	// EventTypes restricts the subscription; empty receives everything.
	EventTypes []event.Type

	// LastEventID is the starting cursor, typically persisted from the last
	// session. Zero replays all retained events.
	LastEventID int64

	// MaxAttempts is the number of consecutive failures after which Run
	// returns ErrGaveUp. Zero retries forever.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// PingInterval controls the heartbeat; the server's pong carries its
	// latest sequence so the client can detect missed events.
	PingInterval time.Duration

	// PongTimeout closes the connection and triggers the reconnect path when
	// no server frame arrives for this long. A half-open socket otherwise
	// stays Live while silently missing events. Defaults to 2×PingInterval.
	PongTimeout time.Duration

	DedupCapacity int

	// OnGap is called when the server signals the cursor predates retention.
	// The application performs a full refresh through its regular REST API
	// and returns the new cursor. If nil, the client resyncs from zero.
	OnGap func(oldestSequence int64) int64

	OnStateChange func(State)

	Logger logx.Logger
}

type Client struct {
	opts   Options
	logger logx.Logger

	state     atomic.Int32
	cursor    atomic.Int64
	closed    atomic.Bool
	lastFrame atomic.Int64 // unix nanos of the last server frame

	dedup *dedup

	mu       sync.Mutex
	ws       *websocket.Conn
	handlers map[event.Type]func(event.Event)
	fallback func(event.Event)
	announce *presenceAnnouncement
}

type presenceAnnouncement struct {
	entityType string
	entityID   string
}

type clientFrame struct {
	Type        string   `json:"type"`
	EventTypes  []string `json:"eventTypes,omitempty"`
	LastEventID int64    `json:"lastEventId,omitempty"`
	EntityType  string   `json:"entityType,omitempty"`
	EntityID    string   `json:"entityId,omitempty"`
	Action      string   `json:"action,omitempty"`
}

type serverFrame struct {
	Type           string        `json:"type"`
	Event          *event.Event  `json:"event,omitempty"`
	Events         []event.Event `json:"events,omitempty"`
	HasMore        bool          `json:"hasMore,omitempty"`
	OldestSequence int64         `json:"oldestSequence,omitempty"`
	LastEventID    int64         `json:"lastEventId,omitempty"`
	Code           string        `json:"code,omitempty"`
	Message        string        `json:"message,omitempty"`
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("syncclient: URL is required")
	}
	if opts.TenantID == uuid.Nil {
		return nil, errors.New("syncclient: tenant id is required")
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 2 * opts.PingInterval
	}
	if opts.Logger == (logx.Logger{}) {
		opts.Logger = logx.New("syncclient", "dev", "", "info")
	}
	logger := opts.Logger.Component("syncclient")

	c := &Client{
		opts:     opts,
		logger:   logger,
		dedup:    newDedup(opts.DedupCapacity),
		handlers: make(map[event.Type]func(event.Event)),
	}
	c.cursor.Store(opts.LastEventID)
	return c, nil
}

// Handle registers the handler for one event type. Unknown types are
// rejected so a typo fails at startup rather than dropping events silently.
func (c *Client) Handle(t event.Type, fn func(event.Event)) error {
	if !t.Valid() {
		return fmt.Errorf("syncclient: unknown event type %q", t)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = fn
	return nil
}

// HandleDefault receives events with no type-specific handler.
func (c *Client) HandleDefault(fn func(event.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = fn
}

func (c *Client) State() State { return State(c.state.Load()) }

// LastEventID is the current cursor; persist it across restarts to resume
// incrementally.
func (c *Client) LastEventID() int64 { return c.cursor.Load() }

// Close ends the session; Run returns nil.
func (c *Client) Close() error {
	c.closed.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		return c.ws.Close()
	}
	return nil
}

// Run connects and blocks until ctx is cancelled, Close is called, or
// MaxAttempts consecutive connection failures occur.
func (c *Client) Run(ctx context.Context) error {
	bo := newBackoff(c.opts.InitialBackoff, c.opts.MaxBackoff)
	failures := 0

	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		if c.closed.Load() {
			c.setState(StateDisconnected)
			return nil
		}

		c.setState(StateConnecting)
		err := c.runSession(ctx, bo, &failures)
		if c.closed.Load() || ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		c.setState(StateDisconnected)

		failures++
		if c.opts.MaxAttempts > 0 && failures >= c.opts.MaxAttempts {
			c.setState(StateGaveUp)
			return ErrGaveUp
		}

		delay := bo.Next()
		c.logger.Warn(ctx, "sync_reconnect", "session ended, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
			slog.Int("failures", failures),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}

func (c *Client) runSession(ctx context.Context, bo *backoff, failures *int) error {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	header.Set("X-Tenant-ID", c.opts.TenantID.String())

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()
	}()

	if len(c.opts.EventTypes) > 0 {
		types := make([]string, len(c.opts.EventTypes))
		for i, t := range c.opts.EventTypes {
			types[i] = string(t)
		}
		if err := c.write(clientFrame{Type: "subscribe", EventTypes: types}); err != nil {
			return err
		}
	}

	c.setState(StateSyncing)
	if err := c.write(clientFrame{Type: "sync", LastEventID: c.cursor.Load()}); err != nil {
		return err
	}

	c.lastFrame.Store(time.Now().UnixNano())
	stop := make(chan struct{})
	defer close(stop)
	go c.heartbeatLoop(ctx, ws, stop)

	for {
		var frame serverFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return err
		}
		c.lastFrame.Store(time.Now().UnixNano())
		if err := c.handleFrame(ctx, frame, bo, failures); err != nil {
			return err
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, frame serverFrame, bo *backoff, failures *int) error {
	switch frame.Type {
	case "sync_response":
		for _, ev := range frame.Events {
			c.dispatch(ev)
		}
		if frame.HasMore {
			return c.write(clientFrame{Type: "sync", LastEventID: c.cursor.Load()})
		}
		c.setState(StateLive)
		bo.Reset()
		*failures = 0
		return nil

	case "event":
		if frame.Event != nil {
			c.dispatch(*frame.Event)
		}
		return nil

	case "gap":
		cursor := int64(0)
		if c.opts.OnGap != nil {
			cursor = c.opts.OnGap(frame.OldestSequence)
		}
		c.cursor.Store(cursor)
		c.setState(StateSyncing)
		return c.write(clientFrame{Type: "sync", LastEventID: cursor})

	case "pong":
		if frame.LastEventID > c.cursor.Load() {
			c.setState(StateSyncing)
			return c.write(clientFrame{Type: "sync", LastEventID: c.cursor.Load()})
		}
		return nil

	case "error":
		c.logger.Warn(ctx, "sync_protocol_error", "server rejected a frame",
			slog.String("code", frame.Code),
			slog.String("server_message", frame.Message),
		)
		return nil

	default:
		// Unknown server frames are ignored for forward compatibility.
		return nil
	}
}

func (c *Client) dispatch(ev event.Event) {
	if c.dedup.Seen(ev.ID) {
		return
	}
	if ev.Sequence > c.cursor.Load() {
		c.cursor.Store(ev.Sequence)
	}

	c.mu.Lock()
	fn, ok := c.handlers[ev.Type]
	if !ok {
		fn = c.fallback
	}
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// heartbeatLoop pings the server and enforces the pong timeout: a session
// with no server frame for PongTimeout is closed so Run reconnects instead of
// sitting Live on a half-open socket.
func (c *Client) heartbeatLoop(ctx context.Context, ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			silence := time.Since(time.Unix(0, c.lastFrame.Load()))
			if silence > c.opts.PongTimeout {
				c.logger.Warn(ctx, "sync_pong_timeout", "no server frame within timeout, forcing reconnect",
					slog.Duration("silence", silence),
				)
				_ = ws.Close()
				return
			}
			_ = c.write(clientFrame{Type: "ping", LastEventID: c.cursor.Load()})

			c.mu.Lock()
			cur := c.announce
			c.mu.Unlock()
			if cur != nil {
				_ = c.write(clientFrame{
					Type:       "presence",
					EntityType: cur.entityType,
					EntityID:   cur.entityID,
					Action:     "heartbeat",
				})
			}
		}
	}
}

func (c *Client) write(frame clientFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return errors.New("syncclient: not connected")
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(frame)
}

// Viewing announces that the user has the record open; the client keeps it
// alive with heartbeats until Left or another announcement replaces it.
func (c *Client) Viewing(entityType, entityID string) error {
	return c.setPresence(entityType, entityID, "viewing")
}

// Editing marks the record as actively edited.
func (c *Client) Editing(entityType, entityID string) error {
	return c.setPresence(entityType, entityID, "editing")
}

// Idle keeps the record open but marks the user inactive.
func (c *Client) Idle(entityType, entityID string) error {
	return c.setPresence(entityType, entityID, "idle")
}

// Left clears the user's presence on the record.
func (c *Client) Left(entityType, entityID string) error {
	c.mu.Lock()
	c.announce = nil
	c.mu.Unlock()
	return c.write(clientFrame{Type: "presence", EntityType: entityType, EntityID: entityID, Action: "left"})
}

func (c *Client) setPresence(entityType, entityID, action string) error {
	c.mu.Lock()
	c.announce = &presenceAnnouncement{entityType: entityType, entityID: entityID}
	c.mu.Unlock()
	return c.write(clientFrame{Type: "presence", EntityType: entityType, EntityID: entityID, Action: action})
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}
