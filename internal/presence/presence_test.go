package presence

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sales-funnel-crm-realtime/shared/logx"
)

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := logx.NewWithWriter(io.Discard, "test", "dev", "", "error")
	return NewTracker(rdb, 5*time.Minute, logger), mr
}

func TestTrackAndGet(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	tenant := uuid.New()
	alice := uuid.New()
	bob := uuid.New()

	if err := tr.Track(ctx, tenant, alice, "Alice", "lead", "42", ActionViewing); err != nil {
		t.Fatalf("track alice: %v", err)
	}
	if err := tr.Track(ctx, tenant, bob, "Bob", "lead", "42", ActionEditing); err != nil {
		t.Fatalf("track bob: %v", err)
	}

	states, err := tr.Get(ctx, tenant, "lead", "42")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("want 2 states, got %d", len(states))
	}
	byUser := map[uuid.UUID]State{}
	for _, st := range states {
		byUser[st.UserID] = st
	}
	if byUser[alice].Action != ActionViewing {
		t.Errorf("alice action = %q, want viewing", byUser[alice].Action)
	}
	if byUser[bob].Action != ActionEditing || byUser[bob].UserName != "Bob" {
		t.Errorf("bob state = %+v", byUser[bob])
	}
}

func TestHeartbeatPreservesAction(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	tenant := uuid.New()
	user := uuid.New()

	if err := tr.Track(ctx, tenant, user, "Alice", "case", "7", ActionEditing); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := tr.Track(ctx, tenant, user, "Alice", "case", "7", ActionHeartbeat); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	states, err := tr.Get(ctx, tenant, "case", "7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(states) != 1 || states[0].Action != ActionEditing {
		t.Fatalf("want editing preserved, got %+v", states)
	}
}

func TestHeartbeatWithoutPriorRecordDefaultsToViewing(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	tenant := uuid.New()
	user := uuid.New()

	if err := tr.Track(ctx, tenant, user, "Alice", "lead", "1", ActionHeartbeat); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	states, err := tr.Get(ctx, tenant, "lead", "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(states) != 1 || states[0].Action != ActionViewing {
		t.Fatalf("want viewing, got %+v", states)
	}
}

func TestGetFiltersStaleEntries(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	tenant := uuid.New()
	stale := uuid.New()
	fresh := uuid.New()

	base := time.Now().UTC()
	tr.now = func() time.Time { return base.Add(-10 * time.Minute) }
	if err := tr.Track(ctx, tenant, stale, "Old", "lead", "9", ActionViewing); err != nil {
		t.Fatalf("track stale: %v", err)
	}
	tr.now = func() time.Time { return base }
	if err := tr.Track(ctx, tenant, fresh, "New", "lead", "9", ActionViewing); err != nil {
		t.Fatalf("track fresh: %v", err)
	}

	states, err := tr.Get(ctx, tenant, "lead", "9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(states) != 1 || states[0].UserID != fresh {
		t.Fatalf("want only fresh entry, got %+v", states)
	}

	// The stale field is pruned, so a second read hits only the fresh one.
	states, err = tr.Get(ctx, tenant, "lead", "9")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("want pruned hash with 1 entry, got %d", len(states))
	}
}

func TestRemove(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	tenant := uuid.New()
	user := uuid.New()

	if err := tr.Track(ctx, tenant, user, "Alice", "lead", "3", ActionViewing); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := tr.Remove(ctx, tenant, user, "lead", "3"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	states, err := tr.Get(ctx, tenant, "lead", "3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("want empty, got %+v", states)
	}
}

func TestRemoveAllClearsEveryRecord(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	tenant := uuid.New()
	user := uuid.New()
	other := uuid.New()

	for _, id := range []string{"1", "2", "3"} {
		if err := tr.Track(ctx, tenant, user, "Alice", "lead", id, ActionViewing); err != nil {
			t.Fatalf("track lead %s: %v", id, err)
		}
	}
	if err := tr.Track(ctx, tenant, other, "Bob", "lead", "2", ActionEditing); err != nil {
		t.Fatalf("track bob: %v", err)
	}

	if err := tr.RemoveAll(ctx, tenant, user); err != nil {
		t.Fatalf("remove all: %v", err)
	}

	for _, id := range []string{"1", "3"} {
		states, err := tr.Get(ctx, tenant, "lead", id)
		if err != nil {
			t.Fatalf("get lead %s: %v", id, err)
		}
		if len(states) != 0 {
			t.Fatalf("lead %s still has presence: %+v", id, states)
		}
	}
	states, err := tr.Get(ctx, tenant, "lead", "2")
	if err != nil {
		t.Fatalf("get lead 2: %v", err)
	}
	if len(states) != 1 || states[0].UserID != other {
		t.Fatalf("bob's presence should survive, got %+v", states)
	}
}

func TestTrackRejectsInvalidAction(t *testing.T) {
	tr, _ := newTestTracker(t)
	err := tr.Track(context.Background(), uuid.New(), uuid.New(), "Alice", "lead", "1", "typing")
	if err == nil {
		t.Fatal("want error for unknown action")
	}
	if err := tr.Track(context.Background(), uuid.New(), uuid.New(), "Alice", "lead", "1", ActionLeft); err == nil {
		t.Fatal("left is not a trackable action")
	}
}
