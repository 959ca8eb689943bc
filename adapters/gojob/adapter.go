// Package gojob bridges go-job queue backends to the core job contracts.
package gojob

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/shahreaz0/xwebhook/core"
)

var (
	ErrNoBackend = errors.New("gojob: queue backend is not configured")
	ErrNoMessage = errors.New("gojob: execution message is required")
)

// RetryPolicy bounds nack behaviour so a failing delivery job cannot loop
// forever even when the backend does not count attempts itself.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

func RetryPolicyFromConfig(cfg core.QueueConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		MaxDelay:        cfg.MaxBackoff,
		DeadLetterOnMax: true,
	}
}

// NormalizeAttempt clamps delay and turns a requeue into a dead letter once
// attempt reaches MaxAttempts. A nack that neither requeues nor dead-letters
// is treated as a requeue.
func (p RetryPolicy) NormalizeAttempt(opts core.JobNackOptions, attempt int) core.JobNackOptions {
	opts.Reason = strings.TrimSpace(opts.Reason)
	opts.Delay = max(opts.Delay, 0)
	if p.MaxDelay > 0 {
		opts.Delay = min(opts.Delay, p.MaxDelay)
	}

	exhausted := p.MaxAttempts > 0 && attempt >= p.MaxAttempts
	switch {
	case opts.DeadLetter:
		opts.Requeue = false
	case exhausted:
		opts.Requeue = false
		opts.DeadLetter = p.DeadLetterOnMax
	}
	if !opts.Requeue && !opts.DeadLetter {
		opts.Requeue = true
	}
	return opts
}

func ToExecutionMessage(msg *core.JobExecutionMessage) *job.ExecutionMessage {
	if msg == nil {
		return nil
	}
	return &job.ExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     cloneParameters(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy(strings.TrimSpace(msg.DedupPolicy)),
	}
}

func FromExecutionMessage(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	return &core.JobExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     cloneParameters(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    strings.TrimSpace(string(msg.DedupPolicy)),
	}
}

// EnqueuerAdapter is the core.JobEnqueuer the message service publishes
// delivery jobs through.
type EnqueuerAdapter struct {
	enqueuer queue.Enqueuer
}

func NewEnqueuerAdapter(enqueuer queue.Enqueuer) *EnqueuerAdapter {
	return &EnqueuerAdapter{enqueuer: enqueuer}
}

func (a *EnqueuerAdapter) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if a == nil || a.enqueuer == nil {
		return ErrNoBackend
	}
	if msg == nil {
		return ErrNoMessage
	}
	return a.enqueuer.Enqueue(ctx, ToExecutionMessage(msg))
}

// DequeuerAdapter is the core.JobDequeuer the job runner pulls from. Every
// delivery it returns settles through policy.
type DequeuerAdapter struct {
	dequeuer queue.Dequeuer
	policy   RetryPolicy
}

func NewDequeuerAdapter(dequeuer queue.Dequeuer, policy RetryPolicy) *DequeuerAdapter {
	return &DequeuerAdapter{dequeuer: dequeuer, policy: policy}
}

func (a *DequeuerAdapter) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if a == nil || a.dequeuer == nil {
		return nil, ErrNoBackend
	}
	delivery, err := a.dequeuer.Dequeue(ctx)
	if err != nil || delivery == nil {
		return nil, err
	}
	return NewDeliveryAdapter(delivery, a.policy), nil
}

type DeliveryAdapter struct {
	delivery queue.Delivery
	policy   RetryPolicy
}

func NewDeliveryAdapter(delivery queue.Delivery, policy RetryPolicy) *DeliveryAdapter {
	return &DeliveryAdapter{delivery: delivery, policy: policy}
}

func (d *DeliveryAdapter) Message() *core.JobExecutionMessage {
	if d == nil || d.delivery == nil {
		return nil
	}
	return FromExecutionMessage(d.delivery.Message())
}

// Attempt forwards the backend counter, or 0 when the backend has none.
func (d *DeliveryAdapter) Attempt() int {
	if d == nil || d.delivery == nil {
		return 0
	}
	if aware, ok := d.delivery.(interface{ Attempt() int }); ok {
		return aware.Attempt()
	}
	return 0
}

func (d *DeliveryAdapter) Ack(ctx context.Context) error {
	if d == nil || d.delivery == nil {
		return ErrNoBackend
	}
	return d.delivery.Ack(ctx)
}

func (d *DeliveryAdapter) Nack(ctx context.Context, opts core.JobNackOptions) error {
	return d.NackForAttempt(ctx, opts, d.Attempt())
}

func (d *DeliveryAdapter) NackForAttempt(ctx context.Context, opts core.JobNackOptions, attempt int) error {
	if d == nil || d.delivery == nil {
		return ErrNoBackend
	}
	settled := d.policy.NormalizeAttempt(opts, attempt)
	return d.delivery.Nack(ctx, queue.NackOptions{
		Delay:      settled.Delay,
		Requeue:    settled.Requeue,
		DeadLetter: settled.DeadLetter,
		Reason:     settled.Reason,
	})
}

func cloneParameters(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	return maps.Clone(in)
}

var (
	_ core.JobEnqueuer  = (*EnqueuerAdapter)(nil)
	_ core.JobDequeuer  = (*DequeuerAdapter)(nil)
	_ core.JobDelivery  = (*DeliveryAdapter)(nil)
	_ core.AttemptAware = (*DeliveryAdapter)(nil)
)
