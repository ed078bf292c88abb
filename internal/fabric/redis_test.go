package fabric

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sales-funnel-crm-realtime/internal/event"
	"sales-funnel-crm-realtime/shared/logx"
)

func TestRedisFabricRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logx.NewWithWriter(io.Discard, "test", "test", "", "error")

	f := NewRedis(rdb, "sync:events", logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan event.Event, 1)
	go func() {
		_ = f.Subscribe(ctx, func(ev event.Event) {
			received <- ev
		})
	}()

	// Give the subscriber a moment to attach.
	time.Sleep(50 * time.Millisecond)

	sent := event.New(uuid.New(), 9, event.LeadUpdated, nil, nil, time.Hour)
	if err := f.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != sent.ID || got.Sequence != 9 {
			t.Fatalf("relayed event mismatch: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for relayed event")
	}
}

func TestRedisFabricDropsBadPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logx.NewWithWriter(io.Discard, "test", "test", "", "error")

	f := NewRedis(rdb, "sync:events", logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan event.Event, 1)
	go func() {
		_ = f.Subscribe(ctx, func(ev event.Event) {
			received <- ev
		})
	}()
	time.Sleep(50 * time.Millisecond)

	if err := rdb.Publish(ctx, "sync:events", "not json").Err(); err != nil {
		t.Fatalf("raw publish: %v", err)
	}
	sent := event.New(uuid.New(), 1, event.CaseCreated, nil, nil, time.Hour)
	if err := f.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != sent.ID {
			t.Fatalf("expected the valid event after the bad payload, got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber stalled after bad payload")
	}
}
