package registry

import (
	"context"
	"sync"

	"log/slog"

	"github.com/google/uuid"

	"sales-funnel-crm-realtime/internal/event"
	"sales-funnel-crm-realtime/shared/logx"
	"sales-funnel-crm-realtime/shared/metricsx"
)

// Conn is one live client connection as the broadcaster sees it: a tenant,
// an optional user, a subscription filter and a buffered outbox. The
// transport layer drains Outbox; the registry never blocks on a send.
type Conn struct {
	tenantID uuid.UUID
	userID   uuid.UUID

	mu     sync.RWMutex
	types  map[event.Type]bool
	closed bool

	send      chan []byte
	closeOnce sync.Once
}

func NewConn(tenantID uuid.UUID, userID uuid.UUID, bufSize int) *Conn {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Conn{
		tenantID: tenantID,
		userID:   userID,
		send:     make(chan []byte, bufSize),
	}
}

func (c *Conn) TenantID() uuid.UUID { return c.tenantID }
func (c *Conn) UserID() uuid.UUID   { return c.userID }

// Outbox is drained by the transport's write loop; it is closed when the
// connection is dropped from the registry.
func (c *Conn) Outbox() <-chan []byte { return c.send }

// Subscribe restricts pushed event types. An empty list means everything.
func (c *Conn) Subscribe(types []event.Type) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(types) == 0 {
		c.types = nil
		return
	}
	c.types = make(map[event.Type]bool, len(types))
	for _, t := range types {
		c.types[t] = true
	}
}

func (c *Conn) wants(t event.Type) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.types == nil || c.types[t]
}

// Send enqueues a direct reply to this connection, bypassing the type
// filter. It is safe against a concurrent drop; false means the connection
// is gone or its buffer is full.
func (c *Conn) Send(msg []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	return c.offer(msg)
}

// offer enqueues without blocking; false means the buffer was full. Callers
// must hold either the registry lock or c.mu to order it before closeSend.
func (c *Conn) offer(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) closeSend() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

// Registry tracks this process's live connections grouped by tenant and, for
// targeted delivery, by user. Cross-process fanout happens above it, through
// the broadcast fabric; the registry only owns local sockets.
type Registry struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]map[*Conn]struct{}
	users   map[uuid.UUID]map[uuid.UUID]map[*Conn]struct{}
	logger  logx.Logger
}

func New(logger logx.Logger) *Registry {
	return &Registry{
		tenants: make(map[uuid.UUID]map[*Conn]struct{}),
		users:   make(map[uuid.UUID]map[uuid.UUID]map[*Conn]struct{}),
		logger:  logger.Component("registry"),
	}
}

func (r *Registry) Register(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tenants[conn.tenantID] == nil {
		r.tenants[conn.tenantID] = make(map[*Conn]struct{})
	}
	r.tenants[conn.tenantID][conn] = struct{}{}

	if conn.userID != uuid.Nil {
		if r.users[conn.tenantID] == nil {
			r.users[conn.tenantID] = make(map[uuid.UUID]map[*Conn]struct{})
		}
		if r.users[conn.tenantID][conn.userID] == nil {
			r.users[conn.tenantID][conn.userID] = make(map[*Conn]struct{})
		}
		r.users[conn.tenantID][conn.userID][conn] = struct{}{}
	}

	metricsx.ConnectionOpened()
	r.logger.Debug(context.Background(), "conn_registered", "connection registered",
		slog.String("tenant_id", conn.tenantID.String()),
		slog.Int("tenant_conns", len(r.tenants[conn.tenantID])),
	)
}

func (r *Registry) Unregister(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(conn)
}

func (r *Registry) dropLocked(conn *Conn) {
	conns, ok := r.tenants[conn.tenantID]
	if !ok {
		return
	}
	if _, ok := conns[conn]; !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(r.tenants, conn.tenantID)
	}

	if conn.userID != uuid.Nil {
		if byUser, ok := r.users[conn.tenantID]; ok {
			if set, ok := byUser[conn.userID]; ok {
				delete(set, conn)
				if len(set) == 0 {
					delete(byUser, conn.userID)
				}
			}
			if len(byUser) == 0 {
				delete(r.users, conn.tenantID)
			}
		}
	}

	conn.closeSend()
	metricsx.ConnectionClosed()
}

// BroadcastTenant fans a serialized event out to every open connection in the
// tenant that subscribed to its type. Slow or closed connections are dropped
// silently; failures never reach the emit path.
func (r *Registry) BroadcastTenant(tenantID uuid.UUID, evType event.Type, msg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for conn := range r.tenants[tenantID] {
		if !conn.wants(evType) {
			continue
		}
		if !conn.offer(msg) {
			metricsx.IncBroadcastDropped()
			r.logger.Warn(context.Background(), "conn_dropped", "send buffer full, dropping connection",
				slog.String("tenant_id", tenantID.String()),
			)
			r.dropLocked(conn)
		}
	}
}

// BroadcastUser delivers only to the given user's connections within the
// tenant; session-lifecycle events must not leak to other users.
func (r *Registry) BroadcastUser(tenantID uuid.UUID, userID uuid.UUID, evType event.Type, msg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byUser, ok := r.users[tenantID]
	if !ok {
		return
	}
	for conn := range byUser[userID] {
		if !conn.wants(evType) {
			continue
		}
		if !conn.offer(msg) {
			metricsx.IncBroadcastDropped()
			r.dropLocked(conn)
		}
	}
}

func (r *Registry) CountTenant(tenantID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants[tenantID])
}

// Close drops every connection; used on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conns := range r.tenants {
		for conn := range conns {
			conn.closeSend()
			metricsx.ConnectionClosed()
		}
	}
	r.tenants = make(map[uuid.UUID]map[*Conn]struct{})
	r.users = make(map[uuid.UUID]map[uuid.UUID]map[*Conn]struct{})
}
