package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

const (
	defaultVisibilityTimeout = 60 * time.Second
	promoteBatch             = 200
)

// dequeueScript moves due delayed jobs and expired leases back to the ready
// list, then pops one job and leases it until ARGV[2].
//
// KEYS: ready list, delay zset, inflight zset, jobs hash
// ARGV: now ms, lease deadline ms, batch
var dequeueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local deadline = tonumber(ARGV[2])
local batch = tonumber(ARGV[3])

local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, batch)
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('LPUSH', KEYS[1], id)
end

local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now, 'LIMIT', 0, batch)
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[3], id)
	redis.call('LPUSH', KEYS[1], id)
end

while true do
	local id = redis.call('RPOP', KEYS[1])
	if not id then
		return false
	end
	local payload = redis.call('HGET', KEYS[4], id)
	if payload then
		redis.call('ZADD', KEYS[3], deadline, id)
		return payload
	end
end
`)

// enqueueScript stores a job and schedules it unless a job with the same id
// is already held. Returns 1 when the job was added.
//
// KEYS: jobs hash, delay zset, ready list
// ARGV: id, payload, visible-at ms (0 for ready now)
var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
local at = tonumber(ARGV[3])
if at > 0 then
	redis.call('ZADD', KEYS[2], at, ARGV[1])
else
	redis.call('LPUSH', KEYS[3], ARGV[1])
end
return 1
`)

// RedisQueue is an at-least-once task queue. A dequeued job stays leased
// until it is acked; an expired lease makes it visible again.
type RedisQueue struct {
	client     *redis.Client
	readyKey   string
	delayKey   string
	inflight   string
	jobsKey    string
	visibility time.Duration
	now        func() time.Time
}

func NewRedisQueue(client *redis.Client, name string, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	return &RedisQueue{
		client:     client,
		readyKey:   "queue:" + name,
		delayKey:   "delay:" + name,
		inflight:   "inflight:" + name,
		jobsKey:    "jobs:" + name,
		visibility: visibility,
		now:        time.Now,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job domain.Job, visibleAt time.Time) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := q.now()
	job.EnqueuedAt = now.UTC()
	job.VisibleAt = visibleAt.UTC()

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	var at int64
	if visibleAt.After(now) {
		at = visibleAt.UnixMilli()
	}
	keys := []string{q.jobsKey, q.delayKey, q.readyKey}
	if err := enqueueScript.Run(ctx, q.client, keys, job.ID, payload, at).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Contains reports whether the job is queued, delayed or leased.
func (q *RedisQueue) Contains(ctx context.Context, jobID string) (bool, error) {
	ok, err := q.client.HExists(ctx, q.jobsKey, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("lookup job: %w", err)
	}
	return ok, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*domain.Job, error) {
	now := q.now()
	keys := []string{q.readyKey, q.delayKey, q.inflight, q.jobsKey}
	payload, err := dequeueScript.Run(ctx, q.client, keys,
		now.UnixMilli(), now.Add(q.visibility).UnixMilli(), promoteBatch,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}

	var job domain.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

func (q *RedisQueue) Ack(ctx context.Context, job domain.Job) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflight, job.ID)
	pipe.HDel(ctx, q.jobsKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, job domain.Job) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflight, job.ID)
	pipe.LPush(ctx, q.readyKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	delayed := pipe.ZCard(ctx, q.delayKey)
	leased := pipe.ZCard(ctx, q.inflight)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return ready.Val() + delayed.Val() + leased.Val(), nil
}
