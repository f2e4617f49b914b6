package throttle

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, perMinute, perHour, perDay int) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewLimiter(client, perMinute, perHour, perDay, nil), mr
}

func TestMinuteCeiling(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t, 60, 1000, 10000)
	base := time.Now()
	limiter.now = func() time.Time { return base } // pin the bucket so the test cannot straddle a minute boundary

	for i := 1; i <= 60; i++ {
		if !limiter.CanDispatch(ctx, "tenantA", "emails") {
			t.Fatalf("call %d should be allowed", i)
		}
		limiter.RecordDispatch(ctx, "tenantA", "emails")
	}
	if limiter.CanDispatch(ctx, "tenantA", "emails") {
		t.Fatal("call 61 should be throttled")
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t, 1, 1000, 10000)

	limiter.RecordDispatch(ctx, "tenantA", "emails")
	if limiter.CanDispatch(ctx, "tenantA", "emails") {
		t.Fatal("tenantA should be at its ceiling")
	}
	if !limiter.CanDispatch(ctx, "tenantB", "emails") {
		t.Fatal("tenantB must not be throttled by tenantA's burst")
	}
	if !limiter.CanDispatch(ctx, "tenantA", "reports") {
		t.Fatal("a different queue has its own counters")
	}
}

func TestAnyWindowAtCeilingBlocks(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t, 1000, 2, 10000)

	limiter.RecordDispatch(ctx, "tenantA", "emails")
	limiter.RecordDispatch(ctx, "tenantA", "emails")
	if limiter.CanDispatch(ctx, "tenantA", "emails") {
		t.Fatal("hour window at ceiling must block even with minute headroom")
	}
}

func TestWindowRollsOver(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t, 1, 1000, 10000)

	base := time.Now()
	limiter.now = func() time.Time { return base }
	limiter.RecordDispatch(ctx, "tenantA", "emails")
	if limiter.CanDispatch(ctx, "tenantA", "emails") {
		t.Fatal("should be throttled inside the window")
	}

	limiter.now = func() time.Time { return base.Add(2 * time.Minute) }
	if !limiter.CanDispatch(ctx, "tenantA", "emails") {
		t.Fatal("new minute bucket should admit again")
	}
}

func TestFailsOpenWhenStoreDown(t *testing.T) {
	ctx := context.Background()
	limiter, mr := newTestLimiter(t, 1, 1, 1)
	mr.Close()

	if !limiter.CanDispatch(ctx, "tenantA", "emails") {
		t.Fatal("unavailable counter store must fail open")
	}
	// RecordDispatch against a dead store must not panic.
	limiter.RecordDispatch(ctx, "tenantA", "emails")
}
