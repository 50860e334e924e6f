package runlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client, err := Connect("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client), s
}

func TestRedisLockerExcludesSecondRun(t *testing.T) {
	locker, _ := setupLocker(t)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "admin@example.com", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "admin@example.com", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if _, err := locker.Acquire(ctx, "other@example.com", time.Minute); err != nil {
		t.Fatalf("other owners must not be blocked: %v", err)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := locker.Acquire(ctx, "admin@example.com", time.Minute); err != nil {
		t.Fatalf("expected lock to be free after release: %v", err)
	}
}

func TestRedisLockerExpiresAfterTTL(t *testing.T) {
	locker, s := setupLocker(t)
	ctx := context.Background()

	if _, err := locker.Acquire(ctx, "admin@example.com", time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.FastForward(2 * time.Second)
	if _, err := locker.Acquire(ctx, "admin@example.com", time.Second); err != nil {
		t.Fatalf("expected expired lock to be reacquirable: %v", err)
	}
}

func TestRedisLeaseDoesNotReleaseForeignLock(t *testing.T) {
	locker, s := setupLocker(t)
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "admin@example.com", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.FastForward(2 * time.Second)
	if _, err := locker.Acquire(ctx, "admin@example.com", time.Minute); err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}

	if err := stale.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !s.Exists("sync-lock:admin@example.com") {
		t.Fatal("stale lease must not delete the new holder's key")
	}
}

func TestLocalLocker(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "admin@example.com", 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "admin@example.com", 0); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	_ = lease.Release(ctx)
	if _, err := locker.Acquire(ctx, "admin@example.com", 0); err != nil {
		t.Fatalf("expected lock free after release: %v", err)
	}
}

func TestRedisLeaseExtendKeepsLockAlive(t *testing.T) {
	locker, s := setupLocker(t)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "admin@example.com", 2*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	for range 3 {
		s.FastForward(time.Second)
		if err := lease.Extend(ctx, 2*time.Second); err != nil {
			t.Fatalf("Extend: %v", err)
		}
	}
	if _, err := locker.Acquire(ctx, "admin@example.com", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("extended lease must still exclude other runs, got %v", err)
	}
}

func TestRedisLeaseExtendAfterTakeover(t *testing.T) {
	locker, s := setupLocker(t)
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "admin@example.com", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.FastForward(2 * time.Second)
	if err := stale.Extend(ctx, time.Minute); !errors.Is(err, ErrLost) {
		t.Fatalf("expected ErrLost on expired lease, got %v", err)
	}

	if _, err := locker.Acquire(ctx, "admin@example.com", time.Minute); err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	if err := stale.Extend(ctx, time.Hour); !errors.Is(err, ErrLost) {
		t.Fatalf("expected ErrLost after takeover, got %v", err)
	}
	if ttl := s.TTL("sync-lock:admin@example.com"); ttl > time.Minute {
		t.Fatalf("stale lease changed the new holder's expiry to %v", ttl)
	}
}
