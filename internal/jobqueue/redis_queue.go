package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tenant-outbox-engine/internal/models"
)

// Queue moves job envelopes between the outbox publisher and the worker:
// ready lists per named queue, a scheduled ZSET for deferred jobs, and an
// in-flight ZSET whose scores are lease deadlines.
type Queue struct {
	client       *redis.Client
	queues       []string
	inflightKey  string
	scheduledKey string
	metaPrefix   string
	leaseTTL     time.Duration
}

// New builds a queue client over the given Redis connection.
func New(client *redis.Client, queues []string, leaseTTL time.Duration) *Queue {
	if len(queues) == 0 {
		queues = []string{"default"}
	}
	if leaseTTL == 0 {
		leaseTTL = 30 * time.Second
	}
	return &Queue{
		client:       client,
		queues:       queues,
		inflightKey:  "jobs:inflight",
		scheduledKey: "jobs:scheduled",
		metaPrefix:   "jobs:meta:",
		leaseTTL:     leaseTTL,
	}
}

func (q *Queue) readyKey(queue string) string {
	return fmt.Sprintf("jobs:ready:%s", queue)
}

func (q *Queue) metaKey(jobID string) string {
	return q.metaPrefix + jobID
}

func (q *Queue) normalize(queue string) string {
	for _, known := range q.queues {
		if queue == known {
			return queue
		}
	}
	return q.queues[0]
}

// Enqueue makes a job immediately available to workers.
func (q *Queue) Enqueue(ctx context.Context, job models.Job) error {
	job.Queue = q.normalize(job.Queue)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(job.ID), "queue", job.Queue, "data", data)
	pipe.RPush(ctx, q.readyKey(job.Queue), job.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// Schedule defers a job until runAt. Re-scheduling an existing job overwrites
// its envelope, which is how attempt counts advance across retries.
func (q *Queue) Schedule(ctx context.Context, job models.Job, runAt time.Time) error {
	job.Queue = q.normalize(job.Queue)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(job.ID), "queue", job.Queue, "data", data)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into ready queues. It returns how many were promoted.
func (q *Queue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		queue, err := q.client.HGet(ctx, q.metaKey(id), "queue").Result()
		if err != nil || queue == "" {
			queue = q.queues[0]
		}
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops one job from the ready queues (configured order) and
// places it in-flight under a lease. The second return is false when no job
// is ready.
func (q *Queue) DequeueWithLease(ctx context.Context) (models.Job, bool, error) {
	keys := make([]string, 0, len(q.queues)+1)
	for _, name := range q.queues {
		keys = append(keys, q.readyKey(name))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.leaseTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	jobID, ok := res.(string)
	if !ok {
		return models.Job{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	data, err := q.client.HGet(ctx, q.metaKey(jobID), "data").Result()
	if err != nil {
		// Orphaned id with no envelope; drop the lease so it does not loop.
		_ = q.client.ZRem(ctx, q.inflightKey, jobID).Err()
		return models.Job{}, false, fmt.Errorf("load job %s: %w", jobID, err)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		_ = q.client.ZRem(ctx, q.inflightKey, jobID).Err()
		return models.Job{}, false, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return job, true, nil
}

// Ack removes a finished job from in-flight tracking and drops its envelope.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Release removes a job from in-flight tracking but keeps its envelope, for
// jobs being rescheduled rather than finished.
func (q *Queue) Release(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		queue, err := q.client.HGet(ctx, q.metaKey(id), "queue").Result()
		if err != nil || queue == "" {
			queue = q.queues[0]
		}
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReadyDepth returns the total length of all ready queues.
func (q *Queue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.queues))
	for _, name := range q.queues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(name)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
