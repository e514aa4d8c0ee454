// Package queue runs webhook processing tasks on a fixed pool of workers with
// bounded retries, a FIFO backlog and a consistent live snapshot.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/payhook/internal/deadletter"
	"github.com/austindbirch/payhook/internal/logging"
	"github.com/austindbirch/payhook/internal/metrics"
	"github.com/austindbirch/payhook/internal/tracing"
	"github.com/austindbirch/payhook/internal/webhook"
)

const (
	DefaultConcurrency    = 2
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = time.Second
	DefaultAttemptTimeout = 30 * time.Second
)

var (
	ErrClosed      = errors.New("queue is shut down")
	ErrBacklogFull = errors.New("queue backlog is full")
)

// Handler processes one event. Returning an error wrapped with Permanent
// fails the task without retrying.
type Handler func(ctx context.Context, ev webhook.Event) error

type Options struct {
	Concurrency    int           // worker count, default 2
	MaxRetries     int           // retries after the first attempt, default 3; negative means none
	Retry          RetryPolicy   // default FixedDelay(1s)
	AttemptTimeout time.Duration // per-attempt handler deadline, default 30s
	BacklogLimit   int           // max pending tasks, 0 = unbounded
	DeadLetters    deadletter.Sink
	Logger         *logging.Logger
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Retry == nil {
		o.Retry = FixedDelay(DefaultRetryDelay)
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	return o
}

// Snapshot is a consistent view of the queue counters. Pending counts tasks
// waiting for a worker and tasks waiting out a retry delay.
type Snapshot struct {
	Pending        int  `json:"pending"`
	Active         int  `json:"active"`
	Total          int  `json:"total"`
	IsActive       bool `json:"isActive"`
	MaxConcurrency int  `json:"maxConcurrency"`
}

type task struct {
	event      webhook.Event
	handler    Handler
	attempts   int
	headers    map[string]string
	enqueuedAt time.Time
}

// Queue is an in-process work queue. Tasks are lost on process exit.
type Queue struct {
	opts Options
	log  *logging.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	backlog  []*task
	timers   map[*task]*time.Timer // tasks waiting out a retry delay
	active   int
	total    int
	started  bool
	closed   bool // admission stopped
	draining bool // workers exit once nothing is pending
	halted   bool // workers exit now, pending work is dropped

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Queue {
	opts = opts.withDefaults()
	q := &Queue{
		opts:   opts,
		log:    opts.Logger,
		timers: make(map[*task]*time.Timer),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the workers. Handler contexts derive from ctx; cancelling
// it halts the queue like an expired Shutdown deadline.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.closed {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	context.AfterFunc(q.ctx, q.halt)

	q.wg.Add(q.opts.Concurrency)
	for i := 0; i < q.opts.Concurrency; i++ {
		go q.worker(i)
	}
	q.log.Plain().WithFields(map[string]any{
		"concurrency": q.opts.Concurrency,
		"max_retries": q.opts.MaxRetries,
	}).Info("queue started")
}

// Enqueue admits a task without waiting for a worker. The trace context of
// ctx is carried into the worker span.
func (q *Queue) Enqueue(ctx context.Context, ev webhook.Event, h Handler) error {
	if h == nil {
		return errors.New("queue: nil handler")
	}
	t := &task{
		event:      ev,
		handler:    h,
		headers:    tracing.Inject(ctx),
		enqueuedAt: time.Now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.opts.BacklogLimit > 0 && q.pendingLocked() >= q.opts.BacklogLimit {
		q.mu.Unlock()
		return ErrBacklogFull
	}
	q.backlog = append(q.backlog, t)
	q.total++
	q.publishLocked()
	q.cond.Signal()
	q.mu.Unlock()

	metrics.RecordEnqueued()
	tracing.AddSpanEvent(ctx, "queue.enqueued", tracing.EventIDKey.String(ev.ID))
	q.log.WithContext(ctx).WithEvent(ev.ID).WithEventType(string(ev.Type)).Debug("task queued")
	return nil
}

// Status returns the counters as one consistent snapshot.
func (q *Queue) Status() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() Snapshot {
	return Snapshot{
		Pending:        q.pendingLocked(),
		Active:         q.active,
		Total:          q.total,
		IsActive:       q.active > 0,
		MaxConcurrency: q.opts.Concurrency,
	}
}

func (q *Queue) pendingLocked() int {
	return len(q.backlog) + len(q.timers)
}

func (q *Queue) publishLocked() {
	metrics.UpdateQueueDepth(q.pendingLocked(), q.active)
}

// Shutdown stops admission and waits for queued tasks and pending retries to
// finish. When ctx expires first, waiting retries are dropped, in-flight
// handlers are cancelled and ctx.Err() is returned once workers exit.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.draining = true
	started := q.started
	q.cond.Broadcast()
	q.mu.Unlock()

	if !started {
		q.halt()
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		q.log.Plain().Info("queue drained")
		return nil
	case <-ctx.Done():
		q.halt()
		q.cancel()
		<-done
		return ctx.Err()
	}
}

// halt drops everything that has not started and wakes all workers.
func (q *Queue) halt() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.halted {
		return
	}
	q.halted = true
	q.closed = true

	dropped := len(q.backlog)
	for t, timer := range q.timers {
		timer.Stop()
		delete(q.timers, t)
		dropped++
	}
	q.backlog = nil
	for i := 0; i < dropped; i++ {
		metrics.RecordTaskOutcome("dropped")
	}
	if dropped > 0 {
		q.log.Plain().WithField("dropped", dropped).Warn("queue halted with pending tasks")
	}
	q.publishLocked()
	q.cond.Broadcast()
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for {
		t, ok := q.next()
		if !ok {
			return
		}
		q.run(id, t)
	}
}

// next blocks until a task is available or the worker should exit.
func (q *Queue) next() (*task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.halted {
			return nil, false
		}
		if len(q.backlog) > 0 {
			break
		}
		if q.draining && len(q.timers) == 0 {
			return nil, false
		}
		q.cond.Wait()
	}

	t := q.backlog[0]
	q.backlog[0] = nil
	q.backlog = q.backlog[1:]
	q.active++
	q.publishLocked()
	return t, true
}

func (q *Queue) run(worker int, t *task) {
	t.attempts++

	ctx := tracing.Extract(q.ctx, t.headers)
	attrs := append(tracing.EventAttributes(t.event.ID, string(t.event.Type), t.event.Data.TransactionID),
		tracing.AttemptKey.Int(t.attempts),
		tracing.WorkerKey.Int(worker),
	)
	ctx, span := tracing.StartSpan(ctx, "queue.task", attrs...)
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, q.opts.AttemptTimeout)
	start := time.Now()
	err := invoke(attemptCtx, t)
	timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
	cancel()

	switch {
	case err == nil:
		metrics.ObserveAttempt("ok", time.Since(start))
	case timedOut:
		metrics.ObserveAttempt("timeout", time.Since(start))
	default:
		metrics.ObserveAttempt("error", time.Since(start))
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
	}

	q.settle(ctx, t, err)
}

// invoke runs the handler, turning a panic into an error.
func invoke(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return t.handler(ctx, t.event)
}

// settle records the attempt outcome and decides the next task state under
// the queue lock, then does logging and dead lettering outside it.
func (q *Queue) settle(ctx context.Context, t *task, err error) {
	var (
		outcome string
		delay   time.Duration
	)

	q.mu.Lock()
	q.active--
	switch {
	case err == nil:
		outcome = "finished"
	case IsPermanent(err):
		outcome = "rejected"
	case t.attempts <= q.opts.MaxRetries && q.halted:
		outcome = "dropped"
	case t.attempts <= q.opts.MaxRetries:
		outcome = "retrying"
		delay = q.opts.Retry.NextDelay(t.attempts)
		q.timers[t] = time.AfterFunc(delay, func() { q.readmit(t) })
	default:
		outcome = "exhausted"
	}
	q.publishLocked()
	if q.draining {
		q.cond.Broadcast()
	}
	q.mu.Unlock()

	entry := q.log.WithContext(ctx).
		WithEvent(t.event.ID).
		WithEventType(string(t.event.Type)).
		WithTransaction(t.event.Data.TransactionID).
		WithField("attempt", t.attempts)

	switch outcome {
	case "finished":
		metrics.RecordTaskOutcome(outcome)
		entry.WithField("queued_for", time.Since(t.enqueuedAt).String()).Debug("task finished")
	case "retrying":
		metrics.RecordRetry()
		tracing.AddSpanEvent(ctx, "queue.retry_scheduled", attribute.String("delay", delay.String()))
		entry.WithError(err).WithField("delay", delay.String()).Warn("task failed, retry scheduled")
	case "dropped":
		metrics.RecordTaskOutcome(outcome)
		entry.WithError(err).Warn("task failed during shutdown, retry dropped")
	case "rejected":
		metrics.RecordTaskOutcome(outcome)
		entry.WithError(err).Error("task failed permanently")
		q.deadLetter(ctx, t, err, deadletter.ReasonRejected)
	case "exhausted":
		metrics.RecordTaskOutcome(outcome)
		entry.WithError(err).Error("task failed, retries exhausted")
		q.deadLetter(ctx, t, err, deadletter.ReasonExhausted)
	}
}

// readmit moves a task whose retry delay elapsed to the tail of the backlog.
func (q *Queue) readmit(t *task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.timers[t]; !ok {
		// halt already dropped it
		return
	}
	delete(q.timers, t)
	q.backlog = append(q.backlog, t)
	q.publishLocked()
	q.cond.Signal()
}

func (q *Queue) deadLetter(ctx context.Context, t *task, err error, reason string) {
	if q.opts.DeadLetters == nil {
		return
	}
	// the attempt context may be cancelled; publishing must not depend on it
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	dl := deadletter.NewDeadLetter(t.event, t.attempts, err, reason, t.headers)
	if perr := q.opts.DeadLetters.Publish(pubCtx, dl); perr != nil {
		metrics.RecordDLQ("error")
		q.log.WithContext(ctx).WithEvent(t.event.ID).WithError(perr).Error("dead letter publish failed")
		return
	}
	metrics.RecordDLQ("published")
	tracing.AddSpanEvent(ctx, "queue.dead_lettered", attribute.String("reason", reason))
}
