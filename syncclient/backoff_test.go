package syncclient

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := newBackoff(3*time.Second, 60*time.Second)

	for i, base := range []time.Duration{3, 6, 12, 24, 48, 60, 60} {
		base *= time.Second
		got := b.Next()
		min := base / 2
		max := base + base/2
		if max > 90*time.Second {
			max = 60 * time.Second
		}
		if got < min || got > max {
			t.Fatalf("attempt %d: delay %v outside [%v, %v]", i, got, min, max)
		}
	}
}

func TestBackoffNeverExceedsMax(t *testing.T) {
	b := newBackoff(3*time.Second, 60*time.Second)
	for i := 0; i < 20; i++ {
		if got := b.Next(); got > 60*time.Second {
			t.Fatalf("attempt %d: delay %v exceeds cap", i, got)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := newBackoff(time.Second, time.Minute)
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got > 1500*time.Millisecond {
		t.Fatalf("after reset, delay %v is not back near the initial value", got)
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := newBackoff(0, 0)
	if b.initial != 3*time.Second || b.max != 60*time.Second {
		t.Fatalf("defaults = %v/%v", b.initial, b.max)
	}
}
