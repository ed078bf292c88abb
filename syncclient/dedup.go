package syncclient

import "github.com/google/uuid"

// dedup is a fixed-capacity FIFO set of event IDs. At-least-once delivery
// means an event can arrive both in a sync_response and as a live push;
// the filter absorbs the overlap. When full, the oldest remembered ID is
// evicted first.
type dedup struct {
	capacity int
	order    []uuid.UUID
	head     int
	seen     map[uuid.UUID]struct{}
}

func newDedup(capacity int) *dedup {
	if capacity <= 0 {
		capacity = 1000
	}
	return &dedup{
		capacity: capacity,
		order:    make([]uuid.UUID, 0, capacity),
		seen:     make(map[uuid.UUID]struct{}, capacity),
	}
}

// Seen records id and reports whether it was already present.
func (d *dedup) Seen(id uuid.UUID) bool {
	if _, ok := d.seen[id]; ok {
		return true
	}
	if len(d.order) < d.capacity {
		d.order = append(d.order, id)
	} else {
		oldest := d.order[d.head]
		delete(d.seen, oldest)
		d.order[d.head] = id
		d.head = (d.head + 1) % d.capacity
	}
	d.seen[id] = struct{}{}
	return false
}
