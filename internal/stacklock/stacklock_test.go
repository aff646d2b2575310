package stacklock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

type locker interface {
	Lock(ctx context.Context, stackID, owner string) (func(), error)
}

func newRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, RedisConfig{PollInterval: 5 * time.Millisecond}), mr
}

func lockers(t *testing.T) map[string]locker {
	redisLocker, _ := newRedisLocker(t)
	return map[string]locker{
		"memory": NewMemory(),
		"redis":  redisLocker,
	}
}

func TestLock_ExcludesSecondHolder(t *testing.T) {
	t.Parallel()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			unlock, err := l.Lock(context.Background(), "TestStack", "run-1")
			if err != nil {
				t.Fatalf("Lock() error = %v", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			if _, err := l.Lock(ctx, "TestStack", "run-2"); !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("Expected DeadlineExceeded while held, got %v", err)
			}

			unlock()
			unlock() // idempotent

			unlock2, err := l.Lock(context.Background(), "TestStack", "run-2")
			if err != nil {
				t.Fatalf("Lock() after release error = %v", err)
			}
			unlock2()
		})
	}
}

func TestLock_IndependentStacks(t *testing.T) {
	t.Parallel()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			a, err := l.Lock(context.Background(), "StackA", "run-1")
			if err != nil {
				t.Fatalf("Lock(StackA) error = %v", err)
			}
			defer a()

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			b, err := l.Lock(ctx, "StackB", "run-2")
			if err != nil {
				t.Fatalf("Lock(StackB) error = %v", err)
			}
			b()
		})
	}
}

func TestLock_MutualExclusionUnderContention(t *testing.T) {
	t.Parallel()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			var inside, maxInside int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					unlock, err := l.Lock(context.Background(), "TestStack", "run")
					if err != nil {
						t.Errorf("Lock() error = %v", err)
						return
					}
					n := atomic.AddInt32(&inside, 1)
					for {
						m := atomic.LoadInt32(&maxInside)
						if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					atomic.AddInt32(&inside, -1)
					unlock()
				}()
			}
			wg.Wait()
			if maxInside != 1 {
				t.Errorf("Expected at most 1 holder at a time, got %d", maxInside)
			}
		})
	}
}

func TestMemory_Holder(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	unlock, _ := m.Lock(context.Background(), "TestStack", "run-1")
	if owner, ok := m.Holder("TestStack"); !ok || owner != "run-1" {
		t.Errorf("Expected holder run-1, got %q (%v)", owner, ok)
	}
	unlock()
	if _, ok := m.Holder("TestStack"); ok {
		t.Error("Expected no holder after unlock")
	}
}

func TestRedis_LeaseAndRelease(t *testing.T) {
	t.Parallel()
	l, mr := newRedisLocker(t)

	unlock, err := l.Lock(context.Background(), "TestStack", "run-1")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	got, err := mr.Get(DefaultKeyPrefix + "TestStack")
	if err != nil || got != "run-1" {
		t.Fatalf("Expected key to hold run-1, got %q (%v)", got, err)
	}
	if ttl := mr.TTL(DefaultKeyPrefix + "TestStack"); ttl <= 0 {
		t.Errorf("Expected lease TTL, got %v", ttl)
	}

	owner, ok, err := l.Holder(context.Background(), "TestStack")
	if err != nil || !ok || owner != "run-1" {
		t.Errorf("Holder() = %q, %v, %v", owner, ok, err)
	}

	unlock()
	if mr.Exists(DefaultKeyPrefix + "TestStack") {
		t.Error("Expected key removed after unlock")
	}
}

func TestRedis_ReleaseDoesNotStealForeignLock(t *testing.T) {
	t.Parallel()
	l, mr := newRedisLocker(t)

	unlock, err := l.Lock(context.Background(), "TestStack", "run-1")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	// Lease expired and another instance took the stack.
	mr.Set(DefaultKeyPrefix+"TestStack", "run-2")

	unlock()
	got, _ := mr.Get(DefaultKeyPrefix + "TestStack")
	if got != "run-2" {
		t.Errorf("Expected foreign lock to survive, got %q", got)
	}
}
