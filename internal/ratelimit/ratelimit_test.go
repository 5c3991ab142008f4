package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllowPermitsBurstThenDenies(t *testing.T) {
	ctx := context.Background()
	l := New(1, 3, time.Minute)

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "1.2.3.4")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !ok {
			t.Fatalf("expected burst request %d to be allowed", i)
		}
	}

	ok, err := l.Allow(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatalf("expected the 4th request within the burst window to be denied")
	}
}

func TestAllowTracksKeysIndependently(t *testing.T) {
	ctx := context.Background()
	l := New(1, 1, time.Minute)

	if ok, _ := l.Allow(ctx, "ip-a"); !ok {
		t.Fatalf("expected ip-a's first request to be allowed")
	}
	if ok, _ := l.Allow(ctx, "ip-a"); ok {
		t.Fatalf("expected ip-a's second immediate request to be denied")
	}
	if ok, _ := l.Allow(ctx, "ip-b"); !ok {
		t.Fatalf("expected ip-b to have its own independent bucket")
	}
}

func TestSweepRemovesIdleKeys(t *testing.T) {
	ctx := context.Background()
	l := New(1, 1, time.Millisecond)

	if ok, _ := l.Allow(ctx, "ip-a"); !ok {
		t.Fatalf("expected first request to be allowed")
	}
	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", l.Len())
	}

	time.Sleep(5 * time.Millisecond)
	l.Sweep()

	if l.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after sweeping an idle key", l.Len())
	}
}
