package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sales-funnel-crm-realtime/internal/event"
	"sales-funnel-crm-realtime/shared/logx"
)

func testLogger() logx.Logger {
	return logx.NewWithWriter(io.Discard, "test", "test", "", "error")
}

func testRing(t *testing.T, size int) (*Ring, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRing(rdb, size, 24*time.Hour), mr
}

func seedEvents(t *testing.T, s *Store, tenant uuid.UUID, from, to int64) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		ev := event.New(tenant, seq, event.LeadUpdated, json.RawMessage(`{"n":1}`), nil, 24*time.Hour)
		if err := s.Append(context.Background(), ev); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
	}
}

func TestEventsSinceCatchupCompleteness(t *testing.T) {
	ring, _ := testRing(t, 1000)
	s := New(NewMemoryLog(), ring, testLogger())
	tenant := uuid.New()
	seedEvents(t, s, tenant, 1, 10)

	events, hasMore, err := s.EventsSince(context.Background(), tenant, uuid.Nil, 4, 100)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if hasMore {
		t.Fatalf("did not expect more events")
	}
	if len(events) != 6 {
		t.Fatalf("expected events 5..10, got %d events", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != int64(5+i) {
			t.Fatalf("expected sequence %d at index %d, got %d", 5+i, i, ev.Sequence)
		}
	}
}

func TestEventsSinceFallsBackToLogWhenRingRollsOver(t *testing.T) {
	ring, _ := testRing(t, 5)
	s := New(NewMemoryLog(), ring, testLogger())
	tenant := uuid.New()
	seedEvents(t, s, tenant, 1, 20)

	// Ring only holds 16..20 now; a cursor of 2 must be served from the log.
	events, _, err := s.EventsSince(context.Background(), tenant, uuid.Nil, 2, 100)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(events) != 18 {
		t.Fatalf("expected events 3..20, got %d events", len(events))
	}
	if events[0].Sequence != 3 || events[len(events)-1].Sequence != 20 {
		t.Fatalf("unexpected range %d..%d", events[0].Sequence, events[len(events)-1].Sequence)
	}
}

func TestEventsSinceHasMore(t *testing.T) {
	ring, _ := testRing(t, 1000)
	s := New(NewMemoryLog(), ring, testLogger())
	tenant := uuid.New()
	seedEvents(t, s, tenant, 1, 15)

	events, hasMore, err := s.EventsSince(context.Background(), tenant, uuid.Nil, 0, 10)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if !hasMore {
		t.Fatalf("expected hasMore with 15 events and limit 10")
	}
	if len(events) != 10 || events[9].Sequence != 10 {
		t.Fatalf("expected first 10 events, got %d ending at %d", len(events), events[len(events)-1].Sequence)
	}

	events, hasMore, err = s.EventsSince(context.Background(), tenant, uuid.Nil, 10, 10)
	if err != nil {
		t.Fatalf("second round: %v", err)
	}
	if hasMore || len(events) != 5 {
		t.Fatalf("expected final 5 events, got %d hasMore=%v", len(events), hasMore)
	}
}

func TestEventsSinceGap(t *testing.T) {
	s := New(NewMemoryLog(), nil, testLogger())
	tenant := uuid.New()

	// Events 1..3 already purged; only 4..6 remain retained.
	for seq := int64(4); seq <= 6; seq++ {
		ev := event.New(tenant, seq, event.CaseUpdated, nil, nil, 24*time.Hour)
		if err := s.Append(context.Background(), ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	_, _, err := s.EventsSince(context.Background(), tenant, uuid.Nil, 2, 100)
	if !errors.Is(err, ErrGap) {
		t.Fatalf("expected gap error, got %v", err)
	}
	var gap GapError
	if !errors.As(err, &gap) || gap.OldestRetained != 4 {
		t.Fatalf("expected oldest retained 4, got %+v", err)
	}
}

func TestEventsSinceNoGapFromZeroCursor(t *testing.T) {
	s := New(NewMemoryLog(), nil, testLogger())
	tenant := uuid.New()
	for seq := int64(4); seq <= 6; seq++ {
		ev := event.New(tenant, seq, event.CaseUpdated, nil, nil, 24*time.Hour)
		if err := s.Append(context.Background(), ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// A fresh client (cursor 0) takes whatever is retained; no gap signal.
	events, _, err := s.EventsSince(context.Background(), tenant, uuid.Nil, 0, 100)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
}

func TestEventsSinceCountsOnlyDeliverableEvents(t *testing.T) {
	ring, _ := testRing(t, 1000)
	s := New(NewMemoryLog(), ring, testLogger())
	tenant := uuid.New()
	alice, bob := uuid.New(), uuid.New()

	// Sequences 1..7 are all Bob's session-scoped events. For Alice they are
	// not deliverable, so a small limit must not report more rounds.
	for seq := int64(1); seq <= 7; seq++ {
		ev := event.New(tenant, seq, event.SessionInvalidated, nil, &bob, 24*time.Hour)
		if err := s.Append(context.Background(), ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, hasMore, err := s.EventsSince(context.Background(), tenant, alice, 0, 3)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(events) != 0 || hasMore {
		t.Fatalf("got %d events hasMore=%v, want an empty final round", len(events), hasMore)
	}

	events, hasMore, err = s.EventsSince(context.Background(), tenant, bob, 0, 3)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(events) != 3 || !hasMore {
		t.Fatalf("owner got %d events hasMore=%v, want 3 and more", len(events), hasMore)
	}
}

func TestEventsSinceGapAfterFullPurge(t *testing.T) {
	s := New(NewMemoryLog(), nil, testLogger())
	tenant := uuid.New()
	for seq := int64(1); seq <= 5; seq++ {
		ev := event.New(tenant, seq, event.LeadUpdated, nil, nil, -time.Minute)
		if err := s.Append(context.Background(), ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := s.PurgeExpired(context.Background()); err != nil {
		t.Fatalf("purge: %v", err)
	}

	// The whole log is gone but the watermark remembers sequence 5; a cursor
	// behind it must hear about the gap, not resume silently.
	_, _, err := s.EventsSince(context.Background(), tenant, uuid.Nil, 2, 100)
	if !errors.Is(err, ErrGap) {
		t.Fatalf("expected gap error, got %v", err)
	}
	var gap GapError
	if !errors.As(err, &gap) || gap.OldestRetained != 6 {
		t.Fatalf("expected oldest retained 6, got %+v", err)
	}

	// A caught-up cursor stays clean.
	events, hasMore, err := s.EventsSince(context.Background(), tenant, uuid.Nil, 5, 100)
	if err != nil || hasMore || len(events) != 0 {
		t.Fatalf("caught-up cursor: events=%d hasMore=%v err=%v", len(events), hasMore, err)
	}
}

func TestTenantIsolation(t *testing.T) {
	ring, _ := testRing(t, 1000)
	s := New(NewMemoryLog(), ring, testLogger())
	a, b := uuid.New(), uuid.New()
	seedEvents(t, s, a, 1, 5)

	events, _, err := s.EventsSince(context.Background(), b, uuid.Nil, 0, 100)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("tenant b must not see tenant a events, got %d", len(events))
	}
}

func TestPurgeExpired(t *testing.T) {
	ring, _ := testRing(t, 1000)
	s := New(NewMemoryLog(), ring, testLogger())
	tenant := uuid.New()

	expired := event.New(tenant, 1, event.DocumentDeleted, nil, nil, -time.Minute)
	live := event.New(tenant, 2, event.DocumentCreated, nil, nil, 24*time.Hour)
	if err := s.Append(context.Background(), expired); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(context.Background(), live); err != nil {
		t.Fatalf("append: %v", err)
	}

	removed, err := s.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 purged row, got %d", removed)
	}

	events, _, err := s.EventsSince(context.Background(), tenant, uuid.Nil, 1, 100)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(events) != 1 || events[0].Sequence != 2 {
		t.Fatalf("expected only the live event, got %+v", events)
	}
}

func TestRingServesFastPath(t *testing.T) {
	ring, _ := testRing(t, 1000)
	tenant := uuid.New()

	// Log deliberately empty: a covered ring read must not touch it.
	s := New(failingLog{}, ring, testLogger())
	for seq := int64(1); seq <= 3; seq++ {
		ev := event.New(tenant, seq, event.LeadCreated, nil, nil, 24*time.Hour)
		if err := ring.Push(context.Background(), ev); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	events, _, err := s.EventsSince(context.Background(), tenant, uuid.Nil, 1, 100)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 cached events, got %d", len(events))
	}
}

type failingLog struct{}

func (failingLog) Insert(ctx context.Context, ev event.Event) error {
	return errors.New("log down")
}

func (failingLog) Since(ctx context.Context, tenantID, user uuid.UUID, since int64, limit int) ([]event.Event, error) {
	return nil, errors.New("log down")
}

func (failingLog) OldestSequence(ctx context.Context, tenantID uuid.UUID) (int64, bool, error) {
	return 0, false, errors.New("log down")
}

func (failingLog) LatestSequence(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	return 0, errors.New("log down")
}

func (failingLog) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, errors.New("log down")
}

func TestAppendSwallowsSingleTierFailure(t *testing.T) {
	ring, _ := testRing(t, 1000)
	s := New(failingLog{}, ring, testLogger())
	ev := event.New(uuid.New(), 1, event.LeadCreated, nil, nil, time.Hour)
	if err := s.Append(context.Background(), ev); err != nil {
		t.Fatalf("append must succeed when the ring accepted the event: %v", err)
	}

	noRing := New(failingLog{}, nil, testLogger())
	if err := noRing.Append(context.Background(), ev); err == nil {
		t.Fatalf("append must fail when every tier failed")
	}
}
