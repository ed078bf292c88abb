package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"sales-funnel-crm-realtime/internal/event"
	"sales-funnel-crm-realtime/shared/logx"
	"sales-funnel-crm-realtime/shared/metricsx"
)

// ErrGap signals that a cursor predates the retention window: the events
// between the cursor and the oldest retained sequence are gone, so the
// client must do a full refresh instead of an incremental catch-up.
var ErrGap = errors.New("catch-up gap: cursor predates retention window")

type GapError struct {
	OldestRetained int64
}

func (e GapError) Error() string {
	return fmt.Sprintf("catch-up gap: oldest retained sequence is %d", e.OldestRetained)
}

func (e GapError) Is(target error) bool { return target == ErrGap }

// Store is the two-tier event log. Writes go to both tiers; reads prefer the
// ring and fall back to the durable log. Notification storage is best-effort:
// Append fails only when neither tier accepted the event.
type Store struct {
	log    Log
	ring   *Ring
	logger logx.Logger
}

func New(log Log, ring *Ring, logger logx.Logger) *Store {
	return &Store{log: log, ring: ring, logger: logger.Component("store")}
}

func (s *Store) Append(ctx context.Context, ev event.Event) error {
	var logErr, ringErr error

	if logErr = s.log.Insert(ctx, ev); logErr != nil {
		metricsx.IncStoreFailure("log")
		s.logger.Error(ctx, "log_append_failed", "durable log append failed",
			slog.String("tenant_id", ev.TenantID.String()),
			slog.Int64("sequence", ev.Sequence),
			slog.String("error", logErr.Error()),
		)
	}

	if s.ring != nil {
		if ringErr = s.ring.Push(ctx, ev); ringErr != nil {
			metricsx.IncStoreFailure("ring")
			s.logger.Warn(ctx, "ring_append_failed", "ring buffer append failed",
				slog.String("tenant_id", ev.TenantID.String()),
				slog.Int64("sequence", ev.Sequence),
				slog.String("error", ringErr.Error()),
			)
		}
	}

	if logErr != nil && (s.ring == nil || ringErr != nil) {
		return fmt.Errorf("append event %s: %w", ev.ID, logErr)
	}
	return nil
}

// EventsSince returns events with sequence > since, ascending, at most limit.
// Session-scoped events belonging to other users are excluded before the
// limit applies, so hasMore always refers to events the caller will receive.
// hasMore reports that the caller should request again with the new cursor.
// A GapError means since predates the oldest retained event.
func (s *Store) EventsSince(ctx context.Context, tenantID, user uuid.UUID, since int64, limit int) (events []event.Event, hasMore bool, err error) {
	if limit <= 0 {
		limit = 100
	}

	if s.ring != nil {
		cached, covered, err := s.ring.Since(ctx, tenantID, user, since, limit+1)
		if err != nil {
			s.logger.Warn(ctx, "ring_read_failed", "ring buffer read failed",
				slog.String("tenant_id", tenantID.String()),
				slog.String("error", err.Error()),
			)
		} else if covered {
			return trim(cached, limit)
		}
	}

	rows, err := s.log.Since(ctx, tenantID, user, since, limit+1)
	if err != nil {
		return nil, false, err
	}

	if since > 0 {
		oldest, exists, err := s.log.OldestSequence(ctx, tenantID)
		if err != nil {
			return nil, false, err
		}
		if exists && oldest > since+1 {
			return nil, false, GapError{OldestRetained: oldest}
		}
		if !exists {
			// Every retained event is gone. The watermark still knows where
			// the tenant's log ends; a cursor behind it cannot catch up
			// incrementally and must refresh.
			latest, err := s.log.LatestSequence(ctx, tenantID)
			if err != nil {
				return nil, false, err
			}
			if latest > since {
				return nil, false, GapError{OldestRetained: latest + 1}
			}
		}
	}

	return trim(rows, limit)
}

// LatestSequence reports the newest sequence the tenant has ever been
// assigned; ping responses carry it so clients can detect missed pushes.
func (s *Store) LatestSequence(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	return s.log.LatestSequence(ctx, tenantID)
}

// PurgeExpired removes durable rows past their retention boundary. Ring
// entries are bounded separately by the key TTL and size cap.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	removed, err := s.log.PurgeExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	metricsx.AddEventsPurged(removed)
	return removed, nil
}

func trim(events []event.Event, limit int) ([]event.Event, bool, error) {
	if len(events) > limit {
		return events[:limit], true, nil
	}
	return events, false, nil
}
