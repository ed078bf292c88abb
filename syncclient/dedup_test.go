package syncclient

import (
	"testing"

	"github.com/google/uuid"
)

func TestDedupSeen(t *testing.T) {
	d := newDedup(10)
	id := uuid.New()
	if d.Seen(id) {
		t.Fatal("first sighting must report false")
	}
	if !d.Seen(id) {
		t.Fatal("second sighting must report true")
	}
}

func TestDedupEvictsOldestWhenFull(t *testing.T) {
	d := newDedup(3)
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		d.Seen(id)
	}

	// A fourth ID evicts the first.
	newest := uuid.New()
	if d.Seen(newest) {
		t.Fatal("fresh id must report false")
	}
	if d.Seen(ids[0]) {
		t.Fatal("evicted id must look fresh again")
	}
	if !d.Seen(ids[2]) {
		t.Fatal("recent id must still be remembered")
	}
}

func TestDedupDefaultCapacity(t *testing.T) {
	d := newDedup(0)
	if d.capacity != 1000 {
		t.Fatalf("capacity = %d, want 1000", d.capacity)
	}
}
