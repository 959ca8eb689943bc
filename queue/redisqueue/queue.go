// Package redisqueue is a go-job queue on Redis. Ready jobs sit in a list,
// delayed retries in a sorted set scored by due time, and claimed jobs in an
// inflight hash holding their lease deadline. All moves run in Lua scripts.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shahreaz0/xwebhook/core"
)

const (
	defaultPrefix       = "xwebhook"
	defaultPollInterval = 500 * time.Millisecond
	defaultLeaseTimeout = 5 * time.Minute
)

var ErrLeaseLost = errors.New("redisqueue: job lease lost")

// claimScript promotes due delayed jobs, reclaims expired leases and pops
// the next ready job.
//
// KEYS: ready, delayed, inflight, jobs, attempts
// ARGV: now_ms, lease_deadline_ms
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('LPUSH', KEYS[1], id)
end
local leases = redis.call('HGETALL', KEYS[3])
for i = 1, #leases, 2 do
  if tonumber(leases[i + 1]) <= tonumber(ARGV[1]) then
    redis.call('HDEL', KEYS[3], leases[i])
    redis.call('HINCRBY', KEYS[5], leases[i], 1)
    redis.call('RPUSH', KEYS[1], leases[i])
  end
end
while true do
  local id = redis.call('RPOP', KEYS[1])
  if not id then
    return false
  end
  local raw = redis.call('HGET', KEYS[4], id)
  if raw then
    redis.call('HSET', KEYS[3], id, ARGV[2])
    return {id, raw, redis.call('HGET', KEYS[5], id)}
  end
end
`)

// settleScript ends a lease and records the job in a bounded history list.
//
// KEYS: inflight, jobs, attempts, history
// ARGV: id, attempt, retain
var settleScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 or redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
local retain = tonumber(ARGV[3])
if retain == 0 then
  redis.call('HDEL', KEYS[2], ARGV[1])
  redis.call('HDEL', KEYS[3], ARGV[1])
  return 1
end
redis.call('LPUSH', KEYS[4], ARGV[1])
if retain > 0 then
  local evicted = redis.call('LRANGE', KEYS[4], retain, -1)
  for _, old in ipairs(evicted) do
    redis.call('HDEL', KEYS[2], old)
    redis.call('HDEL', KEYS[3], old)
  end
  redis.call('LTRIM', KEYS[4], 0, retain - 1)
end
return 1
`)

// requeueScript ends a lease and schedules the next attempt.
//
// KEYS: inflight, attempts, ready, delayed
// ARGV: id, attempt, due_ms, delay_ms
var requeueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 or redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HINCRBY', KEYS[2], ARGV[1], 1)
if tonumber(ARGV[4]) > 0 then
  redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
else
  redis.call('LPUSH', KEYS[3], ARGV[1])
end
return 1
`)

type Options struct {
	Prefix          string
	Queue           string
	PollInterval    time.Duration
	LeaseTimeout    time.Duration
	RetainCompleted int
	RetainFailed    int
	Now             func() time.Time
}

func OptionsFromConfig(cfg core.QueueConfig) Options {
	return Options{
		Queue:           cfg.Name,
		PollInterval:    cfg.PollInterval,
		LeaseTimeout:    cfg.LeaseTimeout,
		RetainCompleted: cfg.RetainCompleted,
		RetainFailed:    cfg.RetainFailed,
	}
}

type Queue struct {
	client  redis.UniversalClient
	options Options
	keys    keys
}

type keys struct {
	ready     string
	delayed   string
	inflight  string
	jobs      string
	attempts  string
	completed string
	failed    string
}

// storedJob is the JSON body kept in the jobs hash.
type storedJob struct {
	JobID          string         `json:"jobId"`
	ScriptPath     string         `json:"scriptPath"`
	Parameters     map[string]any `json:"parameters"`
	IdempotencyKey string         `json:"idempotencyKey"`
	DedupPolicy    string         `json:"dedupPolicy,omitempty"`
	EnqueuedAt     time.Time      `json:"enqueuedAt"`
}

func New(client redis.UniversalClient, options Options) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redisqueue: redis client is required")
	}
	options.Prefix = strings.TrimSpace(options.Prefix)
	if options.Prefix == "" {
		options.Prefix = defaultPrefix
	}
	options.Queue = strings.TrimSpace(options.Queue)
	if options.Queue == "" {
		options.Queue = core.DefaultQueueName
	}
	if options.PollInterval <= 0 {
		options.PollInterval = defaultPollInterval
	}
	if options.LeaseTimeout <= 0 {
		options.LeaseTimeout = defaultLeaseTimeout
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	// The hash tag keeps every key of a queue on one cluster slot.
	base := fmt.Sprintf("%s:{%s}", options.Prefix, options.Queue)
	return &Queue{
		client:  client,
		options: options,
		keys: keys{
			ready:     base + ":ready",
			delayed:   base + ":delayed",
			inflight:  base + ":inflight",
			jobs:      base + ":jobs",
			attempts:  base + ":attempts",
			completed: base + ":completed",
			failed:    base + ":failed",
		},
	}, nil
}

func (q *Queue) Enqueue(ctx context.Context, msg *job.ExecutionMessage) error {
	if q == nil || q.client == nil {
		return fmt.Errorf("redisqueue: queue is not configured")
	}
	if msg == nil {
		return fmt.Errorf("redisqueue: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) == "" {
		return fmt.Errorf("redisqueue: job id is required")
	}
	raw, err := json.Marshal(storedJob{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     msg.ScriptPath,
		Parameters:     msg.Parameters,
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    string(msg.DedupPolicy),
		EnqueuedAt:     q.options.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("redisqueue: encode job: %w", err)
	}
	id := uuid.NewString()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.keys.jobs, id, raw)
		pipe.HSet(ctx, q.keys.attempts, id, 1)
		pipe.LPush(ctx, q.keys.ready, id)
		return nil
	})
	return err
}

// Dequeue polls until a job is claimable or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	if q == nil || q.client == nil {
		return nil, fmt.Errorf("redisqueue: queue is not configured")
	}
	for {
		d, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		timer := time.NewTimer(q.options.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context) (*delivery, error) {
	now := q.options.Now()
	result, err := claimScript.Run(ctx, q.client,
		[]string{q.keys.ready, q.keys.delayed, q.keys.inflight, q.keys.jobs, q.keys.attempts},
		now.UnixMilli(),
		now.Add(q.options.LeaseTimeout).UnixMilli(),
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redisqueue: claim job: %w", err)
	}
	if len(result) != 3 {
		return nil, fmt.Errorf("redisqueue: unexpected claim reply of %d items", len(result))
	}
	id, _ := result[0].(string)
	raw, _ := result[1].(string)
	attemptRaw, _ := result[2].(string)
	attempt, err := strconv.Atoi(attemptRaw)
	if err != nil || attempt <= 0 {
		attempt = 1
	}
	var stored storedJob
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("redisqueue: decode job %s: %w", id, err)
	}
	return &delivery{
		queue:   q,
		id:      id,
		attempt: attempt,
		message: &job.ExecutionMessage{
			JobID:          stored.JobID,
			ScriptPath:     stored.ScriptPath,
			Parameters:     stored.Parameters,
			IdempotencyKey: stored.IdempotencyKey,
			DedupPolicy:    job.DeduplicationPolicy(stored.DedupPolicy),
		},
	}, nil
}

func (q *Queue) settle(ctx context.Context, d *delivery, history string, retain int) error {
	settled, err := settleScript.Run(ctx, q.client,
		[]string{q.keys.inflight, q.keys.jobs, q.keys.attempts, history},
		d.id, d.attempt, retain,
	).Int()
	if err != nil {
		return fmt.Errorf("redisqueue: settle job %s: %w", d.id, err)
	}
	if settled == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *Queue) requeue(ctx context.Context, d *delivery, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	due := q.options.Now().Add(delay)
	requeued, err := requeueScript.Run(ctx, q.client,
		[]string{q.keys.inflight, q.keys.attempts, q.keys.ready, q.keys.delayed},
		d.id, d.attempt, due.UnixMilli(), delay.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("redisqueue: requeue job %s: %w", d.id, err)
	}
	if requeued == 0 {
		return ErrLeaseLost
	}
	return nil
}

type Stats struct {
	Ready     int64
	Delayed   int64
	Inflight  int64
	Completed int64
	Failed    int64
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	if q == nil || q.client == nil {
		return Stats{}, fmt.Errorf("redisqueue: queue is not configured")
	}
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.keys.ready)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	inflight := pipe.HLen(ctx, q.keys.inflight)
	completed := pipe.LLen(ctx, q.keys.completed)
	failed := pipe.LLen(ctx, q.keys.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{
		Ready:     ready.Val(),
		Delayed:   delayed.Val(),
		Inflight:  inflight.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Purge deletes every key of the queue.
func (q *Queue) Purge(ctx context.Context) error {
	if q == nil || q.client == nil {
		return fmt.Errorf("redisqueue: queue is not configured")
	}
	return q.client.Del(ctx,
		q.keys.ready,
		q.keys.delayed,
		q.keys.inflight,
		q.keys.jobs,
		q.keys.attempts,
		q.keys.completed,
		q.keys.failed,
	).Err()
}

type delivery struct {
	queue   *Queue
	id      string
	attempt int
	message *job.ExecutionMessage

	mu      sync.Mutex
	settled bool
}

func (d *delivery) Message() *job.ExecutionMessage {
	return d.message
}

func (d *delivery) Attempt() int {
	return d.attempt
}

func (d *delivery) Ack(ctx context.Context) error {
	return d.finish(func() error {
		return d.queue.settle(ctx, d, d.queue.keys.completed, d.queue.options.RetainCompleted)
	})
}

func (d *delivery) Nack(ctx context.Context, opts queue.NackOptions) error {
	return d.finish(func() error {
		if opts.Requeue && !opts.DeadLetter {
			return d.queue.requeue(ctx, d, opts.Delay)
		}
		return d.queue.settle(ctx, d, d.queue.keys.failed, d.queue.options.RetainFailed)
	})
}

func (d *delivery) finish(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return ErrLeaseLost
	}
	if err := fn(); err != nil {
		return err
	}
	d.settled = true
	return nil
}

var (
	_ queue.Enqueuer = (*Queue)(nil)
	_ queue.Dequeuer = (*Queue)(nil)
	_ queue.Delivery = (*delivery)(nil)
)
