package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"tenant-outbox-engine/internal/telemetry"
)

// Window is one sliding counter bucket with its ceiling.
type Window struct {
	Name   string
	Length time.Duration
	Limit  int
}

// Limiter is tenant-boundary admission control over shared queues: per-minute,
// per-hour, and per-day counters keyed by {tenant, queue}, kept in Redis with
// TTLs equal to the window length.
//
// The check-then-increment pair is a best-effort soft limit, not an atomic
// guarantee; concurrent workers may briefly overshoot a ceiling. If Redis is
// unavailable the limiter fails open, which trades a throttling gap for not
// halting all dispatch. Both choices are deliberate and visible in metrics.
type Limiter struct {
	client  *redis.Client
	windows []Window
	logger  *slog.Logger
	now     func() time.Time
}

// NewLimiter builds a limiter with minute/hour/day windows and the given ceilings.
func NewLimiter(client *redis.Client, perMinute, perHour, perDay int, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		client: client,
		windows: []Window{
			{Name: "minute", Length: time.Minute, Limit: perMinute},
			{Name: "hour", Length: time.Hour, Limit: perHour},
			{Name: "day", Length: 24 * time.Hour, Limit: perDay},
		},
		logger: logger.With("component", "throttle"),
		now:    time.Now,
	}
}

// CanDispatch reports whether the tenant may dispatch on the queue right now.
// It is false when any window is at or above its ceiling.
func (l *Limiter) CanDispatch(ctx context.Context, tenantID, queue string) bool {
	keys := make([]string, len(l.windows))
	for i, w := range l.windows {
		keys[i] = l.key(tenantID, queue, w)
	}
	vals, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		telemetry.ThrottleFailOpen.Inc()
		l.logger.Warn("throttle store unavailable, failing open", "tenant_id", tenantID, "queue", queue, "error", err)
		return true
	}
	for i, v := range vals {
		count := parseCount(v)
		if l.windows[i].Limit > 0 && count >= int64(l.windows[i].Limit) {
			return false
		}
	}
	return true
}

// RecordDispatch increments every window counter for the tenant/queue pair.
// Increments are atomic at the store level; a store error is logged and
// otherwise ignored, matching the fail-open policy.
func (l *Limiter) RecordDispatch(ctx context.Context, tenantID, queue string) {
	pipe := l.client.TxPipeline()
	for _, w := range l.windows {
		key := l.key(tenantID, queue, w)
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, w.Length)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("throttle record failed", "tenant_id", tenantID, "queue", queue, "error", err)
	}
}

func (l *Limiter) key(tenantID, queue string, w Window) string {
	bucket := l.now().Unix() / int64(w.Length/time.Second)
	return fmt.Sprintf("throttle:%s:%s:%s:%d", tenantID, queue, w.Name, bucket)
}

func parseCount(v any) int64 {
	switch t := v.(type) {
	case string:
		var n int64
		_, _ = fmt.Sscan(t, &n)
		return n
	case int64:
		return t
	default:
		return 0
	}
}
