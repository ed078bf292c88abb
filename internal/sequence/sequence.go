package sequence

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Allocator hands out per-tenant sequence numbers. Implementations must be
// safe for concurrent use and must never issue the same number twice for a
// tenant, including across process restarts.
type Allocator interface {
	Next(ctx context.Context, tenantID uuid.UUID) (int64, error)
}

// Service allocates sequence numbers from a single Postgres counter row per
// tenant, so any number of server processes share one authoritative counter.
// The first allocation for a tenant seeds from the durable log's maximum, so
// a wiped counter table cannot reuse numbers that are still retained.
type Service struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

func (s *Service) Next(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sync_sequences (tenant_id, value)
		VALUES ($1, (SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM sync_events WHERE tenant_id = $1))
		ON CONFLICT (tenant_id) DO UPDATE SET value = sync_sequences.value + 1
		RETURNING value
	`, tenantID).Scan(&seq)
	return seq, err
}

// Memory is a process-local allocator for tests and single-process setups.
// It carries the duplicate-number hazard the Postgres counter exists to
// remove, and must not be deployed alongside a second instance.
type Memory struct {
	mu   sync.Mutex
	next map[uuid.UUID]int64
}

func NewMemory() *Memory {
	return &Memory{next: make(map[uuid.UUID]int64)}
}

func (m *Memory) Next(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next[tenantID]++
	return m.next[tenantID], nil
}

// Seed positions the counter so the next allocation returns last+1.
func (m *Memory) Seed(tenantID uuid.UUID, last int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.next[tenantID] < last {
		m.next[tenantID] = last
	}
}
