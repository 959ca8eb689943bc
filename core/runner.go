package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/sync/errgroup"
)

type BackoffScheduler interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff doubles Initial per attempt and caps at Max.
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := b.Initial
	if initial <= 0 {
		initial = DefaultConfig().Queue.InitialBackoff
	}
	max := b.Max
	if max <= 0 {
		max = DefaultConfig().Queue.MaxBackoff
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

type JobRunnerOption func(*JobRunner)

func WithRunnerHooks(hooks ...JobWorkerHook) JobRunnerOption {
	return func(r *JobRunner) {
		for _, hook := range hooks {
			if hook != nil {
				r.hooks = append(r.hooks, hook)
			}
		}
	}
}

func WithRunnerLogger(logger Logger) JobRunnerOption {
	return func(r *JobRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithRunnerBackoff(backoff BackoffScheduler) JobRunnerOption {
	return func(r *JobRunner) {
		if backoff != nil {
			r.backoff = backoff
		}
	}
}

// JobRunner pulls delivery jobs from a queue and settles each one with
// ack, delayed retry or dead letter.
type JobRunner struct {
	dequeuer    JobDequeuer
	handler     JobHandler
	hooks       []JobWorkerHook
	logger      Logger
	backoff     BackoffScheduler
	concurrency int
	maxAttempts int
	jobTimeout  time.Duration
	idleDelay   time.Duration
	now         func() time.Time
}

func NewJobRunner(dequeuer JobDequeuer, handler JobHandler, cfg Config, opts ...JobRunnerOption) (*JobRunner, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("core: job dequeuer is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("core: job handler is required")
	}
	runner := &JobRunner{
		dequeuer:    dequeuer,
		handler:     handler,
		logger:      glog.Nop(),
		backoff:     ExponentialBackoff{Initial: cfg.Queue.InitialBackoff, Max: cfg.Queue.MaxBackoff},
		concurrency: cfg.Worker.Concurrency,
		maxAttempts: cfg.Queue.MaxAttempts,
		jobTimeout:  cfg.Queue.JobTimeout,
		idleDelay:   cfg.Queue.PollInterval,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	if service, ok := handler.(*Service); ok && service != nil {
		runner.logger = service.logger
	}
	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}
	if runner.concurrency <= 0 {
		runner.concurrency = 1
	}
	if runner.maxAttempts <= 0 {
		runner.maxAttempts = DefaultConfig().Queue.MaxAttempts
	}
	if runner.idleDelay <= 0 {
		runner.idleDelay = DefaultConfig().Queue.PollInterval
	}
	return runner, nil
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < r.concurrency; i++ {
		workerID := i
		group.Go(func() error {
			return r.loop(groupCtx, workerID)
		})
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (r *JobRunner) loop(ctx context.Context, workerID int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		processed, err := r.ProcessNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logAt(ctx, r.logger, levelWarn, "job worker dequeue failed", map[string]any{
				"worker": workerID,
				"error":  err.Error(),
			})
		}
		if processed && err == nil {
			continue
		}
		timer := time.NewTimer(r.idleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ProcessNext dequeues and settles a single job. It reports whether a job
// was handled.
func (r *JobRunner) ProcessNext(ctx context.Context) (bool, error) {
	delivery, err := r.dequeuer.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if delivery == nil {
		return false, nil
	}
	r.settle(ctx, delivery)
	return true, nil
}

func (r *JobRunner) settle(ctx context.Context, delivery JobDelivery) {
	msg := delivery.Message()
	attempt := 1
	if aware, ok := delivery.(AttemptAware); ok && aware.Attempt() > 0 {
		attempt = aware.Attempt()
	}
	event := JobWorkerEvent{Message: msg, Attempt: attempt, StartedAt: r.now()}
	r.emit(ctx, event, JobWorkerHook.OnStart)

	err := r.handle(ctx, msg)
	event.Duration = r.now().Sub(event.StartedAt)
	event.Err = err

	settleCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if ackErr := delivery.Ack(settleCtx); ackErr != nil {
			r.logSettleError(ctx, msg, "ack", ackErr)
		}
		r.emit(ctx, event, JobWorkerHook.OnSuccess)
	case IsFatalJobError(err):
		if nackErr := delivery.Nack(settleCtx, JobNackOptions{
			DeadLetter: true,
			Reason:     err.Error(),
		}); nackErr != nil {
			r.logSettleError(ctx, msg, "dead_letter", nackErr)
		}
		r.emit(ctx, event, JobWorkerHook.OnFailure)
	case attempt >= r.maxAttempts:
		if nackErr := delivery.Nack(settleCtx, JobNackOptions{
			DeadLetter: true,
			Reason:     fmt.Sprintf("max attempts reached: %s", err.Error()),
		}); nackErr != nil {
			r.logSettleError(ctx, msg, "dead_letter", nackErr)
		}
		r.emit(ctx, event, JobWorkerHook.OnFailure)
	default:
		event.Delay = r.backoff.NextDelay(attempt)
		if nackErr := delivery.Nack(settleCtx, JobNackOptions{
			Delay:   event.Delay,
			Requeue: true,
			Reason:  err.Error(),
		}); nackErr != nil {
			r.logSettleError(ctx, msg, "retry", nackErr)
		}
		r.emit(ctx, event, JobWorkerHook.OnRetry)
	}
}

func (r *JobRunner) handle(ctx context.Context, msg *JobExecutionMessage) (err error) {
	if msg == nil {
		return &FatalJobError{Reason: "delivery carries no message"}
	}
	if r.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.jobTimeout)
		defer cancel()
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("core: job handler panic: %v", recovered)
		}
	}()
	return r.handler.HandleJob(ctx, msg)
}

func (r *JobRunner) emit(ctx context.Context, event JobWorkerEvent, fn func(JobWorkerHook, context.Context, JobWorkerEvent)) {
	for _, hook := range r.hooks {
		fn(hook, ctx, event)
	}
}

func (r *JobRunner) logSettleError(ctx context.Context, msg *JobExecutionMessage, action string, err error) {
	fields := map[string]any{"action": action, "error": err.Error()}
	if msg != nil {
		fields["job_id"] = msg.JobID
		fields["message_id"] = msg.IdempotencyKey
	}
	logAt(ctx, r.logger, levelError, "job settle failed", fields)
}
