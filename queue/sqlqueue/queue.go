// Package sqlqueue is a durable go-job queue on a relational table. Workers
// claim jobs with a lease; a job whose lease expires is handed out again
// and counts as a new attempt.
package sqlqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/google/uuid"
	"github.com/shahreaz0/xwebhook/core"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

const (
	StatusPending   = "pending"
	StatusLeased    = "leased"
	StatusCompleted = "completed"
	StatusFailed    = "failed"

	defaultPollInterval = 500 * time.Millisecond
	defaultLeaseTimeout = 5 * time.Minute
)

// ErrLeaseLost is returned when a delivery is settled after its lease was
// taken over by another worker, or settled twice.
var ErrLeaseLost = errors.New("sqlqueue: job lease lost")

type jobRecord struct {
	bun.BaseModel `bun:"table:xwebhook_jobs,alias:xj"`

	ID             string         `bun:"id,pk"`
	Queue          string         `bun:"queue,notnull"`
	JobID          string         `bun:"job_id,notnull"`
	ScriptPath     string         `bun:"script_path,notnull"`
	Parameters     map[string]any `bun:"parameters,type:jsonb,notnull"`
	IdempotencyKey string         `bun:"idempotency_key,notnull"`
	DedupPolicy    string         `bun:"dedup_policy,notnull"`
	Status         string         `bun:"status,notnull"`
	Attempt        int            `bun:"attempt,notnull"`
	AvailableAt    time.Time      `bun:"available_at,notnull"`
	LeasedUntil    *time.Time     `bun:"leased_until,nullzero"`
	LastError      string         `bun:"last_error,notnull"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// Options bound polling, leasing and settled history. Retain limits of
// zero delete settled jobs immediately; negative limits keep everything.
type Options struct {
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
	db      *bun.DB
	options Options
}

func New(db *bun.DB, options Options) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlqueue: bun db is required")
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
		options.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Queue{db: db, options: options}, nil
}

func (q *Queue) Enqueue(ctx context.Context, msg *job.ExecutionMessage) error {
	if q == nil || q.db == nil {
		return fmt.Errorf("sqlqueue: queue is not configured")
	}
	if msg == nil {
		return fmt.Errorf("sqlqueue: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) == "" {
		return fmt.Errorf("sqlqueue: job id is required")
	}
	now := q.now()
	record := &jobRecord{
		ID:             uuid.NewString(),
		Queue:          q.options.Queue,
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     msg.ScriptPath,
		Parameters:     copyParameters(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    string(msg.DedupPolicy),
		Status:         StatusPending,
		Attempt:        1,
		AvailableAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := q.db.NewInsert().Model(record).Exec(ctx)
	return err
}

// Dequeue polls until a job is claimable or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("sqlqueue: queue is not configured")
	}
	for {
		record, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if record != nil {
			return &delivery{queue: q, record: record}, nil
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

// claim leases the oldest available job. Pending jobs past available_at and
// leased jobs past leased_until are both eligible.
func (q *Queue) claim(ctx context.Context) (*jobRecord, error) {
	now := q.now()
	leaseUntil := now.Add(q.options.LeaseTimeout)
	lock := ""
	if q.db.Dialect().Name() == dialect.PG {
		lock = "FOR UPDATE SKIP LOCKED"
	}
	query := `
WITH claimed AS (
	SELECT id
	FROM xwebhook_jobs
	WHERE queue = ?
	  AND (
		(status = ? AND available_at <= ?)
		OR (status = ? AND leased_until <= ?)
	  )
	ORDER BY available_at ASC, created_at ASC
	LIMIT 1
	` + lock + `
)
UPDATE xwebhook_jobs
SET status = ?,
	attempt = CASE WHEN status = ? THEN attempt + 1 ELSE attempt END,
	leased_until = ?,
	updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND (status = ? OR (status = ? AND leased_until <= ?))
RETURNING
	id,
	queue,
	job_id,
	script_path,
	parameters,
	idempotency_key,
	dedup_policy,
	status,
	attempt,
	available_at,
	leased_until,
	last_error,
	created_at,
	updated_at
`
	var records []jobRecord
	err := q.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return tx.NewRaw(
			query,
			q.options.Queue,
			StatusPending,
			now,
			StatusLeased,
			now,
			StatusLeased,
			StatusLeased,
			leaseUntil,
			now,
			StatusPending,
			StatusLeased,
			now,
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, fmt.Errorf("sqlqueue: claim job: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (q *Queue) ack(ctx context.Context, record *jobRecord) error {
	now := q.now()
	res, err := q.db.NewUpdate().
		Model((*jobRecord)(nil)).
		Set("status = ?", StatusCompleted).
		Set("leased_until = NULL").
		Set("last_error = ?", "").
		Set("updated_at = ?", now).
		Where("id = ?", record.ID).
		Where("status = ?", StatusLeased).
		Where("attempt = ?", record.Attempt).
		Exec(ctx)
	if err := requireSettled(res, err); err != nil {
		return err
	}
	return q.trim(ctx, StatusCompleted, q.options.RetainCompleted)
}

func (q *Queue) nack(ctx context.Context, record *jobRecord, opts queue.NackOptions) error {
	now := q.now()
	update := q.db.NewUpdate().
		Model((*jobRecord)(nil)).
		Set("leased_until = NULL").
		Set("last_error = ?", strings.TrimSpace(opts.Reason)).
		Set("updated_at = ?", now).
		Where("id = ?", record.ID).
		Where("status = ?", StatusLeased).
		Where("attempt = ?", record.Attempt)

	requeue := opts.Requeue && !opts.DeadLetter
	if requeue {
		delay := opts.Delay
		if delay < 0 {
			delay = 0
		}
		update = update.
			Set("status = ?", StatusPending).
			Set("attempt = attempt + 1").
			Set("available_at = ?", now.Add(delay))
	} else {
		update = update.Set("status = ?", StatusFailed)
	}
	res, err := update.Exec(ctx)
	if err := requireSettled(res, err); err != nil {
		return err
	}
	if requeue {
		return nil
	}
	return q.trim(ctx, StatusFailed, q.options.RetainFailed)
}

// trim keeps the newest limit settled jobs with the given status.
func (q *Queue) trim(ctx context.Context, status string, limit int) error {
	if limit < 0 {
		return nil
	}
	_, err := q.db.NewRaw(`
DELETE FROM xwebhook_jobs
WHERE queue = ?
  AND status = ?
  AND id NOT IN (
	SELECT id FROM xwebhook_jobs
	WHERE queue = ? AND status = ?
	ORDER BY updated_at DESC, id DESC
	LIMIT ?
  )`,
		q.options.Queue, status, q.options.Queue, status, limit,
	).Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlqueue: trim %s jobs: %w", status, err)
	}
	return nil
}

// Stats counts jobs in this queue by status.
func (q *Queue) Stats(ctx context.Context) (map[string]int, error) {
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("sqlqueue: queue is not configured")
	}
	var rows []struct {
		Status string `bun:"status"`
		Count  int    `bun:"count"`
	}
	err := q.db.NewSelect().
		Model((*jobRecord)(nil)).
		ColumnExpr("?TableAlias.status AS status").
		ColumnExpr("COUNT(*) AS count").
		Where("?TableAlias.queue = ?", q.options.Queue).
		GroupExpr("?TableAlias.status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	out := map[string]int{}
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

func (q *Queue) now() time.Time {
	return q.options.Now().UTC()
}

func requireSettled(res interface{ RowsAffected() (int64, error) }, err error) error {
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	return nil
}

type delivery struct {
	queue  *Queue
	record *jobRecord

	mu      sync.Mutex
	settled bool
}

func (d *delivery) Message() *job.ExecutionMessage {
	return &job.ExecutionMessage{
		JobID:          d.record.JobID,
		ScriptPath:     d.record.ScriptPath,
		Parameters:     copyParameters(d.record.Parameters),
		IdempotencyKey: d.record.IdempotencyKey,
		DedupPolicy:    job.DeduplicationPolicy(d.record.DedupPolicy),
	}
}

// Attempt is 1 on first delivery. Requeues and expired leases add one.
func (d *delivery) Attempt() int {
	return d.record.Attempt
}

func (d *delivery) Ack(ctx context.Context) error {
	return d.settle(func() error { return d.queue.ack(ctx, d.record) })
}

func (d *delivery) Nack(ctx context.Context, opts queue.NackOptions) error {
	return d.settle(func() error { return d.queue.nack(ctx, d.record, opts) })
}

func (d *delivery) settle(fn func() error) error {
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

func copyParameters(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var (
	_ queue.Enqueuer = (*Queue)(nil)
	_ queue.Dequeuer = (*Queue)(nil)
	_ queue.Delivery = (*delivery)(nil)
)
