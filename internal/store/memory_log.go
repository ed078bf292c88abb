package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sales-funnel-crm-realtime/internal/event"
)

// MemoryLog is an in-process Log used by tests and by single-node dev setups
// without Postgres. It honors the same retention semantics as PGLog.
type MemoryLog struct {
	mu     sync.RWMutex
	events map[uuid.UUID][]event.Event
	high   map[uuid.UUID]int64
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		events: make(map[uuid.UUID][]event.Event),
		high:   make(map[uuid.UUID]int64),
	}
}

func (l *MemoryLog) Insert(ctx context.Context, ev event.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[ev.TenantID] = append(l.events[ev.TenantID], ev)
	sort.Slice(l.events[ev.TenantID], func(i, j int) bool {
		return l.events[ev.TenantID][i].Sequence < l.events[ev.TenantID][j].Sequence
	})
	if ev.Sequence > l.high[ev.TenantID] {
		l.high[ev.TenantID] = ev.Sequence
	}
	return nil
}

func (l *MemoryLog) Since(ctx context.Context, tenantID, user uuid.UUID, since int64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	now := time.Now().UTC()
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]event.Event, 0, limit)
	for _, ev := range l.events[tenantID] {
		if ev.Sequence <= since || ev.Expired(now) {
			continue
		}
		if ev.UserID != nil && *ev.UserID != user {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLog) OldestSequence(ctx context.Context, tenantID uuid.UUID) (int64, bool, error) {
	now := time.Now().UTC()
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ev := range l.events[tenantID] {
		if !ev.Expired(now) {
			return ev.Sequence, true, nil
		}
	}
	return 0, false, nil
}

// LatestSequence reports the highest sequence ever inserted, surviving purge,
// so gap detection still works once a tenant's entire log has expired.
func (l *MemoryLog) LatestSequence(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.high[tenantID], nil
}

func (l *MemoryLog) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var removed int64
	for tenant, evs := range l.events {
		kept := evs[:0]
		for _, ev := range evs {
			if ev.Expired(now) {
				removed++
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(l.events, tenant)
			continue
		}
		l.events[tenant] = kept
	}
	return removed, nil
}
