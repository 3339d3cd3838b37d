package redlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)
	rdb := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), server
}

func TestAcquireIsExclusive(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	release, ok, err := locker.Acquire(ctx, "lock:test", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}
	_, ok, err = locker.Acquire(ctx, "lock:test", time.Minute)
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if ok {
		t.Fatalf("lock must be exclusive while held")
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, ok, err = locker.Acquire(ctx, "lock:test", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after release failed: ok=%v err=%v", ok, err)
	}
}

func TestLockExpiresAfterTTL(t *testing.T) {
	locker, server := newTestLocker(t)
	ctx := context.Background()

	_, ok, err := locker.Acquire(ctx, "lock:ttl", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}
	server.FastForward(31 * time.Second)
	_, ok, err = locker.Acquire(ctx, "lock:ttl", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire after expiry failed: ok=%v err=%v", ok, err)
	}
}

func TestReleaseDoesNotStealExpiredLock(t *testing.T) {
	locker, server := newTestLocker(t)
	ctx := context.Background()

	release, ok, err := locker.Acquire(ctx, "lock:steal", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}
	server.FastForward(11 * time.Second)

	// Another worker takes over after expiry.
	_, ok, err = locker.Acquire(ctx, "lock:steal", time.Minute)
	if err != nil || !ok {
		t.Fatalf("takeover acquire failed: ok=%v err=%v", ok, err)
	}
	// The stale holder's release must not remove the new holder's lock.
	if err := release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	_, ok, err = locker.Acquire(ctx, "lock:steal", time.Minute)
	if err != nil {
		t.Fatalf("recheck acquire: %v", err)
	}
	if ok {
		t.Fatalf("stale release must not free the new holder's lock")
	}
}
