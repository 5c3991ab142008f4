package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T, ceiling int64) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, ceiling)
}

func TestReserveAdmitsWithinCeiling(t *testing.T) {
	s := newTestStore(t, 1000)
	ctx := context.Background()

	ok, err := s.Reserve(ctx, "res-1", "wallet-1", 400, time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !ok {
		t.Fatal("expected reservation to be admitted")
	}

	total, err := s.ReservedTotal(ctx, "wallet-1")
	if err != nil {
		t.Fatalf("reserved total: %v", err)
	}
	if total != 400 {
		t.Fatalf("total = %d, want 400", total)
	}
}

func TestReserveDeniesOverCeiling(t *testing.T) {
	s := newTestStore(t, 500)
	ctx := context.Background()

	ok, err := s.Reserve(ctx, "res-1", "wallet-1", 400, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first reserve: ok=%v err=%v", ok, err)
	}

	ok, err = s.Reserve(ctx, "res-2", "wallet-1", 200, time.Minute)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if ok {
		t.Fatal("expected second reservation to be denied: 400+200 > 500 ceiling")
	}

	total, err := s.ReservedTotal(ctx, "wallet-1")
	if err != nil {
		t.Fatalf("reserved total: %v", err)
	}
	if total != 400 {
		t.Fatalf("total = %d, want 400 (denied reservation must not be counted)", total)
	}
}

func TestReleaseFreesCapacity(t *testing.T) {
	s := newTestStore(t, 500)
	ctx := context.Background()

	if ok, err := s.Reserve(ctx, "res-1", "wallet-1", 400, time.Minute); err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}
	if err := s.Release(ctx, "res-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	total, err := s.ReservedTotal(ctx, "wallet-1")
	if err != nil {
		t.Fatalf("reserved total: %v", err)
	}
	if total != 0 {
		t.Fatalf("total = %d, want 0 after release", total)
	}

	ok, err := s.Reserve(ctx, "res-2", "wallet-1", 400, time.Minute)
	if err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
	if !ok {
		t.Fatal("expected reservation to be admitted after release freed capacity")
	}
}

func TestCommitFreesCapacityLikeRelease(t *testing.T) {
	s := newTestStore(t, 500)
	ctx := context.Background()

	if ok, err := s.Reserve(ctx, "res-1", "wallet-1", 300, time.Minute); err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}
	if err := s.Commit(ctx, "res-1"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	total, err := s.ReservedTotal(ctx, "wallet-1")
	if err != nil {
		t.Fatalf("reserved total: %v", err)
	}
	if total != 0 {
		t.Fatalf("total = %d, want 0 after commit", total)
	}
}

func TestReleaseUnknownReservationIsNoop(t *testing.T) {
	s := newTestStore(t, 500)
	if err := s.Release(context.Background(), "never-existed"); err != nil {
		t.Fatalf("release unknown reservation should not error: %v", err)
	}
}

func TestReservationExpiresAfterTTL(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(client, 500)
	ctx := context.Background()

	if ok, err := s.Reserve(ctx, "res-1", "wallet-1", 400, time.Second); err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}
	mr.FastForward(2 * time.Second)

	total, err := s.ReservedTotal(ctx, "wallet-1")
	if err != nil {
		t.Fatalf("reserved total: %v", err)
	}
	if total != 0 {
		t.Fatalf("total = %d, want 0 once the reservation key has expired", total)
	}
}

func TestDistinctKeysHaveIndependentCeilings(t *testing.T) {
	s := newTestStore(t, 500)
	ctx := context.Background()

	if ok, err := s.Reserve(ctx, "res-1", "member-1", 500, time.Minute); err != nil || !ok {
		t.Fatalf("reserve member-1: ok=%v err=%v", ok, err)
	}
	if ok, err := s.Reserve(ctx, "res-2", "member-2", 500, time.Minute); err != nil || !ok {
		t.Fatalf("reserve member-2 should be unaffected by member-1's reservation: ok=%v err=%v", ok, err)
	}
}
