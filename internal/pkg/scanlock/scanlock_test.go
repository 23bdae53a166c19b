package scanlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLock(t *testing.T, ttl time.Duration) (*Lock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewLock(rdb, ttl), mr
}

func TestLock_MutualExclusion(t *testing.T) {
	lock, _ := newTestLock(t, time.Minute)
	ctx := context.Background()

	ok, err := lock.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	ok, err = lock.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second acquire must be rejected while the lock is held")
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	ok, err = lock.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestLock_TTLExpiry(t *testing.T) {
	lock, mr := newTestLock(t, time.Minute)
	ctx := context.Background()

	if ok, _ := lock.TryAcquire(ctx); !ok {
		t.Fatal("first acquire must succeed")
	}

	// 持有者崩溃后由 TTL 兜底
	mr.FastForward(2 * time.Minute)

	ok, err := lock.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after ttl expiry: ok=%v err=%v", ok, err)
	}
}

func TestLock_StaleReleaseKeepsSuccessorLock(t *testing.T) {
	stale, mr := newTestLock(t, time.Minute)
	ctx := context.Background()

	if ok, _ := stale.TryAcquire(ctx); !ok {
		t.Fatal("first acquire must succeed")
	}

	// 周期超时，TTL 到期后锁被另一实例接管
	mr.FastForward(2 * time.Minute)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	successor := NewLock(rdb, time.Minute)
	if ok, err := successor.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("successor acquire: ok=%v err=%v", ok, err)
	}

	// 过期持有者的延迟 Release 不能删掉继任者的锁
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if ok, err := stale.TryAcquire(ctx); err != nil {
		t.Fatalf("reacquire: %v", err)
	} else if ok {
		t.Fatal("lock must still be held by the successor after a stale release")
	}

	if err := successor.Release(ctx); err != nil {
		t.Fatalf("successor release: %v", err)
	}
	if ok, err := stale.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("acquire after successor release: ok=%v err=%v", ok, err)
	}
}

func TestLock_NilClientAllows(t *testing.T) {
	lock := NewLock(nil, time.Minute)
	ok, err := lock.TryAcquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("nil client must allow: ok=%v err=%v", ok, err)
	}
	if err := lock.Release(context.Background()); err != nil {
		t.Fatalf("nil client release: %v", err)
	}
}
