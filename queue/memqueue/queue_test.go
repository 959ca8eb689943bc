package memqueue

import (
	"context"
	"testing"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

func message(id string) *job.ExecutionMessage {
	return &job.ExecutionMessage{JobID: "xwebhook.message.deliver", ScriptPath: "messages", IdempotencyKey: id}
}

func TestQueue_DequeueReturnsEnqueuedInOrder(t *testing.T) {
	q := New(Options{RetainCompleted: 10})
	for _, id := range []string{"a", "b"} {
		if err := q.Enqueue(context.Background(), message(id)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	for _, want := range []string{"a", "b"} {
		delivery, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got := delivery.Message().IdempotencyKey; got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
		if err := delivery.Ack(context.Background()); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	if len(q.Completed()) != 2 {
		t.Fatalf("expected two completed jobs")
	}
}

func TestQueue_DequeueBlocksUntilContextDone(t *testing.T) {
	q := New(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatalf("expected context error on empty queue")
	}
}

func TestQueue_NackRequeuesWithDelayAndAttempt(t *testing.T) {
	q := New(Options{})
	if err := q.Enqueue(context.Background(), message("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if first.(interface{ Attempt() int }).Attempt() != 1 {
		t.Fatalf("expected first attempt")
	}
	if err := first.Nack(context.Background(), queue.NackOptions{Requeue: true, Delay: 30 * time.Millisecond}); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if _, _, scheduled := q.Stats(); scheduled != 1 {
		t.Fatalf("expected one scheduled retry, got %d", scheduled)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	startedAt := time.Now()
	second, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue retry: %v", err)
	}
	if time.Since(startedAt) < 20*time.Millisecond {
		t.Fatalf("expected retry to honour delay")
	}
	if second.(interface{ Attempt() int }).Attempt() != 2 {
		t.Fatalf("expected attempt 2 on redelivery")
	}
}

func TestQueue_DeadLetterIsRetainedAsFailed(t *testing.T) {
	q := New(Options{RetainFailed: 1})
	for _, id := range []string{"a", "b"} {
		if err := q.Enqueue(context.Background(), message(id)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		delivery, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if err := delivery.Nack(context.Background(), queue.NackOptions{DeadLetter: true, Reason: "exhausted"}); err != nil {
			t.Fatalf("nack: %v", err)
		}
	}
	failed := q.Failed()
	if len(failed) != 1 || failed[0].IdempotencyKey != "b" {
		t.Fatalf("expected only the newest failed job to be retained, got %d", len(failed))
	}
}

func TestQueue_DoubleSettleFails(t *testing.T) {
	q := New(Options{})
	if err := q.Enqueue(context.Background(), message("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	delivery, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := delivery.Ack(context.Background()); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := delivery.Ack(context.Background()); err == nil {
		t.Fatalf("expected second ack to fail")
	}
}
