package gojob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shahreaz0/xwebhook/core"
	"github.com/shahreaz0/xwebhook/queue/memqueue"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

func TestMessageMappingRoundTrip(t *testing.T) {
	original := &core.JobExecutionMessage{
		JobID:          core.JobIDMessageDeliver,
		ScriptPath:     core.DefaultQueueName,
		Parameters:     map[string]any{"message": map[string]any{"id": "msg_1"}},
		IdempotencyKey: "msg_1",
		DedupPolicy:    "drop",
	}

	converted := ToExecutionMessage(original)
	if converted == nil {
		t.Fatalf("expected converted message")
	}
	roundTrip := FromExecutionMessage(converted)
	if roundTrip.JobID != original.JobID {
		t.Fatalf("expected job id %q, got %q", original.JobID, roundTrip.JobID)
	}
	if roundTrip.ScriptPath != original.ScriptPath {
		t.Fatalf("expected script path %q, got %q", original.ScriptPath, roundTrip.ScriptPath)
	}
	if roundTrip.IdempotencyKey != original.IdempotencyKey {
		t.Fatalf("expected idempotency key %q, got %q", original.IdempotencyKey, roundTrip.IdempotencyKey)
	}
	if roundTrip.DedupPolicy != original.DedupPolicy {
		t.Fatalf("expected dedup policy %q, got %q", original.DedupPolicy, roundTrip.DedupPolicy)
	}
	if _, ok := roundTrip.Parameters["message"]; !ok {
		t.Fatalf("expected parameters to survive mapping")
	}
	if ToExecutionMessage(nil) != nil || FromExecutionMessage(nil) != nil {
		t.Fatalf("expected nil messages to map to nil")
	}
}

func TestAdaptersOverMemoryQueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	backend := memqueue.New(memqueue.Options{RetainCompleted: 1})
	defer backend.Close()

	if err := NewEnqueuerAdapter(backend).Enqueue(ctx, &core.JobExecutionMessage{
		JobID:          core.JobIDMessageDeliver,
		ScriptPath:     core.DefaultQueueName,
		IdempotencyKey: "msg_1",
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	delivery, err := NewDequeuerAdapter(backend, RetryPolicy{}).Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got := delivery.Message(); got == nil || got.IdempotencyKey != "msg_1" {
		t.Fatalf("expected mapped core message, got %+v", got)
	}
	aware, ok := delivery.(core.AttemptAware)
	if !ok || aware.Attempt() != 1 {
		t.Fatalf("expected attempt to be forwarded from the backend")
	}
	if err := delivery.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if len(backend.Completed()) != 1 {
		t.Fatalf("expected ack to reach the backend")
	}
}

func TestEnqueuerAdapter_RejectsMissingInputs(t *testing.T) {
	if err := NewEnqueuerAdapter(nil).Enqueue(context.Background(), &core.JobExecutionMessage{}); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("expected unconfigured enqueuer to fail")
	}
	if err := NewEnqueuerAdapter(&stubQueueEnqueuer{}).Enqueue(context.Background(), nil); !errors.Is(err, ErrNoMessage) {
		t.Fatalf("expected nil message to fail")
	}
}

func TestNackRetryPolicyBoundaries(t *testing.T) {
	ctx := context.Background()
	rawDelivery := &stubQueueDelivery{
		msg: &job.ExecutionMessage{
			JobID:      core.JobIDMessageDeliver,
			ScriptPath: core.DefaultQueueName,
		},
	}
	adapter := NewDeliveryAdapter(rawDelivery, RetryPolicy{
		MaxAttempts:     3,
		MaxDelay:        10 * time.Second,
		DeadLetterOnMax: true,
	})

	if err := adapter.NackForAttempt(ctx, core.JobNackOptions{
		Delay:   30 * time.Second,
		Requeue: true,
		Reason:  "transient",
	}, 1); err != nil {
		t.Fatalf("nack attempt 1: %v", err)
	}
	if rawDelivery.nackOpts.Delay != 10*time.Second {
		t.Fatalf("expected delay to be bounded, got %s", rawDelivery.nackOpts.Delay)
	}
	if !rawDelivery.nackOpts.Requeue {
		t.Fatalf("expected message to be requeued before max attempts")
	}

	if err := adapter.NackForAttempt(ctx, core.JobNackOptions{
		Delay:   time.Second,
		Requeue: true,
		Reason:  "still failing",
	}, 3); err != nil {
		t.Fatalf("nack max attempt: %v", err)
	}
	if rawDelivery.nackOpts.Requeue {
		t.Fatalf("expected no requeue once max attempts is reached")
	}
	if !rawDelivery.nackOpts.DeadLetter {
		t.Fatalf("expected dead letter on max attempts")
	}
}

func TestNackUsesBackendAttempt(t *testing.T) {
	rawDelivery := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: core.JobIDMessageDeliver}, attempt: 5}
	policy := RetryPolicyFromConfig(core.QueueConfig{MaxAttempts: 5, MaxBackoff: time.Minute})
	adapter := NewDeliveryAdapter(rawDelivery, policy)

	if err := adapter.Nack(context.Background(), core.JobNackOptions{Requeue: true, Delay: time.Second}); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if rawDelivery.nackOpts.Requeue || !rawDelivery.nackOpts.DeadLetter {
		t.Fatalf("expected fifth attempt to dead letter, got %+v", rawDelivery.nackOpts)
	}
}

func TestDeliveryAdapter_AttemptWithoutBackendCounter(t *testing.T) {
	adapter := NewDeliveryAdapter(&plainQueueDelivery{}, RetryPolicy{})
	if adapter.Attempt() != 0 {
		t.Fatalf("expected zero attempt when the backend has no counter")
	}
}

func TestRetryPolicy_NormalizeAttempt(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, MaxDelay: time.Minute, DeadLetterOnMax: true}
	cases := []struct {
		name       string
		opts       core.JobNackOptions
		attempt    int
		requeue    bool
		deadLetter bool
		delay      time.Duration
	}{
		{name: "negative delay", opts: core.JobNackOptions{Requeue: true, Delay: -time.Second}, attempt: 1, requeue: true},
		{name: "bare nack requeues", opts: core.JobNackOptions{}, attempt: 1, requeue: true},
		{name: "explicit dead letter", opts: core.JobNackOptions{Requeue: true, DeadLetter: true}, attempt: 1, deadLetter: true},
		{name: "exhausted", opts: core.JobNackOptions{Requeue: true, Delay: time.Second}, attempt: 3, deadLetter: true, delay: time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := policy.NormalizeAttempt(tc.opts, tc.attempt)
			if got.Requeue != tc.requeue || got.DeadLetter != tc.deadLetter || got.Delay != tc.delay {
				t.Fatalf("unexpected nack options %+v", got)
			}
		})
	}

	keepRetrying := RetryPolicy{MaxAttempts: 1}
	if got := keepRetrying.NormalizeAttempt(core.JobNackOptions{Requeue: true}, 4); !got.Requeue || got.DeadLetter {
		t.Fatalf("expected requeue when dead letter on max is off, got %+v", got)
	}
}

func TestDequeuerAdapter_Unconfigured(t *testing.T) {
	if _, err := NewDequeuerAdapter(nil, RetryPolicy{}).Dequeue(context.Background()); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("expected ErrNoBackend, got %v", err)
	}
	var adapter *DeliveryAdapter
	if err := adapter.Ack(context.Background()); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("expected ErrNoBackend on ack, got %v", err)
	}
}

type stubQueueEnqueuer struct {
	last *job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	s.last = msg
	return nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	attempt  int
	acked    bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Attempt() int {
	return s.attempt
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nackOpts = opts
	return nil
}

type plainQueueDelivery struct{}

func (plainQueueDelivery) Message() *job.ExecutionMessage                { return nil }
func (plainQueueDelivery) Ack(context.Context) error                     { return nil }
func (plainQueueDelivery) Nack(context.Context, queue.NackOptions) error { return nil }
