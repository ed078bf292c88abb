package sequence

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestMemoryMonotonic(t *testing.T) {
	alloc := NewMemory()
	tenant := uuid.New()
	var prev int64
	for i := 0; i < 100; i++ {
		seq, err := alloc.Next(context.Background(), tenant)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if seq <= prev {
			t.Fatalf("sequence not increasing: %d after %d", seq, prev)
		}
		prev = seq
	}
}

func TestMemoryTenantIsolation(t *testing.T) {
	alloc := NewMemory()
	a, b := uuid.New(), uuid.New()
	for i := 0; i < 5; i++ {
		if _, err := alloc.Next(context.Background(), a); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	seq, err := alloc.Next(context.Background(), b)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected tenant b to start at 1, got %d", seq)
	}
}

func TestMemoryNoDuplicatesUnderConcurrency(t *testing.T) {
	alloc := NewMemory()
	tenant := uuid.New()

	const workers = 8
	const perWorker = 200

	var mu sync.Mutex
	seen := make(map[int64]bool, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				seq, err := alloc.Next(context.Background(), tenant)
				if err != nil {
					t.Errorf("next: %v", err)
					return
				}
				mu.Lock()
				if seen[seq] {
					t.Errorf("duplicate sequence %d", seq)
				}
				seen[seq] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d unique sequences, got %d", workers*perWorker, len(seen))
	}
}

func TestMemorySeed(t *testing.T) {
	alloc := NewMemory()
	tenant := uuid.New()
	alloc.Seed(tenant, 41)
	seq, err := alloc.Next(context.Background(), tenant)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if seq != 42 {
		t.Fatalf("expected 42 after seeding 41, got %d", seq)
	}
}
