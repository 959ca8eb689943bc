// Package memqueue is a single-process go-job queue backed by a slice and a
// wake-up channel. Delayed retries are scheduled with timers.
package memqueue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

// Options bound settled job history. Zero keeps nothing; negative keeps all.
type Options struct {
	RetainCompleted int
	RetainFailed    int
}

type entry struct {
	msg     *job.ExecutionMessage
	attempt int
}

type Queue struct {
	mu        sync.Mutex
	ready     []*entry
	wake      chan struct{}
	timers    map[*time.Timer]struct{}
	inflight  int
	completed []*job.ExecutionMessage
	failed    []*job.ExecutionMessage
	options   Options
	closed    bool
}

func New(options Options) *Queue {
	return &Queue{
		wake:    make(chan struct{}, 1),
		timers:  map[*time.Timer]struct{}{},
		options: options,
	}
}

func (q *Queue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	if msg == nil {
		return fmt.Errorf("memqueue: execution message is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("memqueue: queue is closed")
	}
	q.push(&entry{msg: cloneMessage(msg), attempt: 1})
	return nil
}

// Dequeue blocks until a job is ready or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, fmt.Errorf("memqueue: queue is closed")
		}
		if len(q.ready) > 0 {
			next := q.ready[0]
			q.ready = q.ready[1:]
			q.inflight++
			if len(q.ready) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return &delivery{queue: q, entry: next}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// Stats reports ready, in-flight and scheduled counts.
func (q *Queue) Stats() (ready int, inflight int, scheduled int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), q.inflight, len(q.timers)
}

func (q *Queue) Completed() []*job.ExecutionMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*job.ExecutionMessage(nil), q.completed...)
}

func (q *Queue) Failed() []*job.ExecutionMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*job.ExecutionMessage(nil), q.failed...)
}

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	q.signal()
}

func (q *Queue) push(e *entry) {
	q.ready = append(q.ready, e)
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) settle(e *entry, opts *queue.NackOptions) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight--
	if opts == nil {
		q.completed = retain(q.completed, e.msg, q.options.RetainCompleted)
		return
	}
	if opts.Requeue && !opts.DeadLetter && !q.closed {
		next := &entry{msg: e.msg, attempt: e.attempt + 1}
		if opts.Delay <= 0 {
			q.push(next)
			return
		}
		var timer *time.Timer
		timer = time.AfterFunc(opts.Delay, func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			delete(q.timers, timer)
			if !q.closed {
				q.push(next)
			}
		})
		q.timers[timer] = struct{}{}
		return
	}
	q.failed = retain(q.failed, e.msg, q.options.RetainFailed)
}

func retain(items []*job.ExecutionMessage, msg *job.ExecutionMessage, limit int) []*job.ExecutionMessage {
	if limit == 0 {
		return items
	}
	items = append(items, msg)
	if limit > 0 && len(items) > limit {
		items = append([]*job.ExecutionMessage(nil), items[len(items)-limit:]...)
	}
	return items
}

type delivery struct {
	queue *Queue
	entry *entry
	once  sync.Once
}

func (d *delivery) Message() *job.ExecutionMessage {
	return d.entry.msg
}

// Attempt is 1 on first delivery and grows with each requeue.
func (d *delivery) Attempt() int {
	return d.entry.attempt
}

func (d *delivery) Ack(context.Context) error {
	return d.finish(nil)
}

func (d *delivery) Nack(_ context.Context, opts queue.NackOptions) error {
	opts.Reason = strings.TrimSpace(opts.Reason)
	return d.finish(&opts)
}

func (d *delivery) finish(opts *queue.NackOptions) error {
	err := fmt.Errorf("memqueue: delivery already settled")
	d.once.Do(func() {
		d.queue.settle(d.entry, opts)
		err = nil
	})
	return err
}

func cloneMessage(msg *job.ExecutionMessage) *job.ExecutionMessage {
	copied := *msg
	if msg.Parameters != nil {
		copied.Parameters = make(map[string]any, len(msg.Parameters))
		for key, value := range msg.Parameters {
			copied.Parameters[key] = value
		}
	}
	return &copied
}

var (
	_ queue.Enqueuer = (*Queue)(nil)
	_ queue.Dequeuer = (*Queue)(nil)
	_ queue.Delivery = (*delivery)(nil)
)
