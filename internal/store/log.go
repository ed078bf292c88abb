package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"sales-funnel-crm-realtime/internal/event"
)

// Log is the durable tier of the event store: an append-only table keyed by
// (tenant_id, sequence_number). It is the catch-up source once the ring
// buffer has rolled over.
type Log interface {
	Insert(ctx context.Context, ev event.Event) error
	Since(ctx context.Context, tenantID, user uuid.UUID, since int64, limit int) ([]event.Event, error)
	OldestSequence(ctx context.Context, tenantID uuid.UUID) (int64, bool, error)
	LatestSequence(ctx context.Context, tenantID uuid.UUID) (int64, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type PGLog struct {
	pool *pgxpool.Pool
}

func NewPGLog(pool *pgxpool.Pool) *PGLog {
	return &PGLog{pool: pool}
}

func (l *PGLog) Insert(ctx context.Context, ev event.Event) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO sync_events (
			tenant_id, sequence_number, event_id, event_type, payload, user_id, occurred_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.TenantID, ev.Sequence, ev.ID, string(ev.Type), []byte(ev.Payload), ev.UserID, ev.Timestamp, ev.ExpiresAt)
	return err
}

// Since filters session-scoped rows to the requesting user in SQL so the
// limit, and therefore hasMore, counts only deliverable events.
func (l *PGLog) Since(ctx context.Context, tenantID, user uuid.UUID, since int64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.pool.Query(ctx, `
		SELECT tenant_id, sequence_number, event_id, event_type, payload, user_id, occurred_at, expires_at
		FROM sync_events
		WHERE tenant_id = $1 AND sequence_number > $2 AND expires_at > now()
		  AND (user_id IS NULL OR user_id = $3)
		ORDER BY sequence_number ASC
		LIMIT $4
	`, tenantID, since, user, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]event.Event, 0, limit)
	for rows.Next() {
		var ev event.Event
		var evType string
		var payload []byte
		if err := rows.Scan(&ev.TenantID, &ev.Sequence, &ev.ID, &evType, &payload, &ev.UserID, &ev.Timestamp, &ev.ExpiresAt); err != nil {
			return nil, err
		}
		ev.Type = event.Type(evType)
		ev.Payload = payload
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (l *PGLog) OldestSequence(ctx context.Context, tenantID uuid.UUID) (int64, bool, error) {
	var seq *int64
	err := l.pool.QueryRow(ctx, `
		SELECT MIN(sequence_number) FROM sync_events
		WHERE tenant_id = $1 AND expires_at > now()
	`, tenantID).Scan(&seq)
	if err != nil {
		return 0, false, err
	}
	if seq == nil {
		return 0, false, nil
	}
	return *seq, true, nil
}

// LatestSequence consults the allocator counter as well as the event table,
// so the watermark survives retention purging the tenant's entire log.
func (l *PGLog) LatestSequence(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var seq int64
	err := l.pool.QueryRow(ctx, `
		SELECT GREATEST(
			COALESCE((SELECT MAX(sequence_number) FROM sync_events WHERE tenant_id = $1), 0),
			COALESCE((SELECT value FROM sync_sequences WHERE tenant_id = $1), 0)
		)
	`, tenantID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (l *PGLog) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := l.pool.Exec(ctx, `
		DELETE FROM sync_events WHERE expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
