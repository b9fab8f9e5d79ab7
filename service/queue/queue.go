// Package queue provides a serialized FIFO request queue for rate-limited
// external APIs. A single worker processes one task at a time; a failing task
// is re-queued at the head and retried after a backoff exponential in the
// current queue depth, so nothing queued behind it can jump ahead. After every
// successful task a randomized jitter delay is inserted before the next task
// starts, to smooth traffic under external rate limits.
package queue

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/tiplinehq/tipline/service/metrics"
)

// Task is a unit of work processed by the queue.
type Task func(ctx context.Context) (any, error)

// Policy controls retry behavior for failed tasks.
type Policy struct {
	// MaxAttempts bounds retries per task. 0 means unlimited, which preserves
	// the documented at-all-costs delivery semantics but lets a permanently
	// failing task stall the queue indefinitely.
	MaxAttempts int

	// BackoffBase scales the depth-exponential retry backoff. The delay after
	// a failure is BackoffBase * 2^depth, capped at BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// JitterMin/JitterMax bound the randomized delay inserted after each
	// successful task.
	JitterMin time.Duration
	JitterMax time.Duration

	// DeadLetter, if set, is invoked when a task exhausts MaxAttempts. The
	// task's caller still receives the final error.
	DeadLetter func(err error, attempts int)
}

// DefaultPolicy mirrors the production constants: unlimited retries, 1s
// backoff base capped at 5 minutes, 1.5-3.5s jitter between tasks.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 0,
		BackoffBase: time.Second,
		BackoffMax:  5 * time.Minute,
		JitterMin:   1500 * time.Millisecond,
		JitterMax:   3500 * time.Millisecond,
	}
}

type task struct {
	fn       Task
	ctx      context.Context
	result   chan taskResult
	attempts int
}

type taskResult struct {
	value any
	err   error
}

// Queue serializes task execution. Each instance is independent; callers that
// talk to distinct rate-limited endpoints should hold distinct queues.
type Queue struct {
	mu         sync.Mutex
	tasks      []*task
	processing bool
	policy     Policy
	logger     *slog.Logger
	metrics    *metrics.Metrics
	name       string

	// sleep is swapped out in tests to avoid real delays.
	sleep func(d time.Duration)
}

// New creates a queue with the given policy. A nil logger disables logging.
func New(policy Policy, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if policy.BackoffBase <= 0 {
		policy.BackoffBase = time.Second
	}
	if policy.BackoffMax <= 0 {
		policy.BackoffMax = 5 * time.Minute
	}
	return &Queue{
		policy: policy,
		logger: logger,
		sleep:  time.Sleep,
	}
}

// Instrument reports queue depth and retry counters under the given queue
// name. Call before the queue starts accepting tasks.
func (q *Queue) Instrument(m *metrics.Metrics, name string) {
	q.metrics = m
	q.name = name
}

func (q *Queue) observeDepth(depth int) {
	if q.metrics != nil {
		q.metrics.SetQueueDepth(q.name, depth)
	}
}

// Add enqueues a task and blocks until it completes, returning its result.
// Tasks execute in strict FIFO order relative to other Add calls; a failing
// task is retried at the head before any later-queued task executes.
func (q *Queue) Add(ctx context.Context, fn Task) (any, error) {
	t := &task{
		fn:     fn,
		ctx:    ctx,
		result: make(chan taskResult, 1),
	}

	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	depth := len(q.tasks)
	starting := !q.processing
	if starting {
		q.processing = true
	}
	q.mu.Unlock()
	q.observeDepth(depth)

	if starting {
		go q.process()
	}

	res := <-t.result
	return res.value, res.err
}

// Do is a typed convenience wrapper around (*Queue).Add.
func Do[T any](q *Queue, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := q.Add(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Depth reports the number of tasks currently waiting.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// process drains the queue. Exactly one process goroutine runs at a time,
// guarded by q.processing.
func (q *Queue) process() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.processing = false
			q.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		depth := len(q.tasks)
		q.mu.Unlock()
		q.observeDepth(depth)

		t.attempts++
		value, err := t.fn(t.ctx)
		if err != nil {
			if q.policy.MaxAttempts > 0 && t.attempts >= q.policy.MaxAttempts {
				q.logger.Error("task exhausted retries, dead-lettering",
					"attempts", t.attempts,
					"error", err,
				)
				if q.policy.DeadLetter != nil {
					q.policy.DeadLetter(err, t.attempts)
				}
				t.result <- taskResult{err: err}
				continue
			}

			// Re-queue at the head so FIFO order is preserved for everything
			// behind the failing task, then back off before resuming.
			q.mu.Lock()
			q.tasks = append([]*task{t}, q.tasks...)
			q.mu.Unlock()
			q.observeDepth(depth + 1)
			if q.metrics != nil {
				q.metrics.RecordQueueRetry(q.name)
			}

			backoff := q.backoff(depth)
			q.logger.Warn("task failed, retrying at head",
				"attempt", t.attempts,
				"queue_depth", depth,
				"backoff", backoff,
				"error", err,
			)
			q.sleep(backoff)
			continue
		}

		t.result <- taskResult{value: value}
		q.sleep(q.jitter())
	}
}

// backoff computes the retry delay: base * 2^depth, capped at BackoffMax.
func (q *Queue) backoff(depth int) time.Duration {
	d := q.policy.BackoffBase
	for i := 0; i < depth; i++ {
		d *= 2
		if d >= q.policy.BackoffMax {
			return q.policy.BackoffMax
		}
	}
	if d > q.policy.BackoffMax {
		return q.policy.BackoffMax
	}
	return d
}

// jitter returns a random delay in [JitterMin, JitterMax].
func (q *Queue) jitter() time.Duration {
	if q.policy.JitterMax <= q.policy.JitterMin {
		return q.policy.JitterMin
	}
	span := q.policy.JitterMax - q.policy.JitterMin
	return q.policy.JitterMin + time.Duration(rand.Int63n(int64(span)+1))
}
