package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRedisLock_AcquireRelease(t *testing.T) {
	client, _ := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "allocator-pass", time.Minute)
	b := NewRedisLock(client, "allocator-pass", time.Minute)

	ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first Acquire = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = b.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire error: %v", err)
	}
	if ok {
		t.Error("second Acquire should fail while lock is held")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("Release error: %v", err)
	}

	ok, err = b.Acquire(ctx)
	if err != nil || !ok {
		t.Errorf("Acquire after release = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestRedisLock_ReleaseNotOwned(t *testing.T) {
	client, mr := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "sweeper-pass", 50*time.Millisecond)
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("Acquire failed")
	}

	// Simulate expiry and re-acquisition by another process.
	mr.FastForward(time.Second)
	b := NewRedisLock(client, "sweeper-pass", time.Minute)
	if ok, _ := b.Acquire(ctx); !ok {
		t.Fatal("re-acquire after expiry failed")
	}

	// a's release must not delete b's lock.
	if err := a.Release(ctx); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if !mr.Exists("lock:sweeper-pass") {
		t.Error("Release by stale owner deleted a lock it no longer held")
	}
}

func TestRedisLock_Extend(t *testing.T) {
	client, mr := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "scanner-pass", time.Second)
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("Acquire failed")
	}
	if err := a.Extend(ctx, time.Minute); err != nil {
		t.Fatalf("Extend error: %v", err)
	}

	mr.FastForward(2 * time.Minute)
	if err := a.Extend(ctx, time.Minute); err == nil {
		t.Error("Extend after expiry should report lost ownership")
	}
}
