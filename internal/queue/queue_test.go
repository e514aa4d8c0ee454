package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/payhook/internal/deadletter"
	"github.com/austindbirch/payhook/internal/webhook"
)

type recordingSink struct {
	mu      sync.Mutex
	letters []deadletter.DeadLetter
}

func (s *recordingSink) Publish(_ context.Context, dl deadletter.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
	return nil
}

func (s *recordingSink) all() []deadletter.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]deadletter.DeadLetter(nil), s.letters...)
}

func event(id string) webhook.Event {
	return webhook.Event{ID: id, Type: webhook.PaymentSuccess, Data: webhook.Data{TransactionID: "txn_" + id}}
}

func shutdown(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func assertIdle(t *testing.T, q *Queue, wantTotal int) {
	t.Helper()
	s := q.Status()
	if s.Pending != 0 || s.Active != 0 || s.IsActive {
		t.Errorf("Status() = %+v, want idle", s)
	}
	if s.Total != wantTotal {
		t.Errorf("Total = %d, want %d", s.Total, wantTotal)
	}
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{MaxRetries: -1}.withDefaults()
	if o.Concurrency != DefaultConcurrency {
		t.Errorf("Concurrency = %d", o.Concurrency)
	}
	if o.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0", o.MaxRetries)
	}
	if o.Retry.NextDelay(1) != DefaultRetryDelay {
		t.Errorf("Retry delay = %v", o.Retry.NextDelay(1))
	}
	if o.AttemptTimeout != DefaultAttemptTimeout {
		t.Errorf("AttemptTimeout = %v", o.AttemptTimeout)
	}
	if o.Logger == nil {
		t.Error("Logger should default to a no-op logger")
	}
}

func TestQueue_ProcessesAllTasks(t *testing.T) {
	q := New(Options{Concurrency: 3})
	q.Start(context.Background())

	var calls atomic.Int32
	for i := 0; i < 20; i++ {
		err := q.Enqueue(context.Background(), event(fmt.Sprint(i)), func(context.Context, webhook.Event) error {
			calls.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	shutdown(t, q)
	if calls.Load() != 20 {
		t.Errorf("handler calls = %d, want 20", calls.Load())
	}
	assertIdle(t, q, 20)
}

func TestQueue_ConcurrencyBound(t *testing.T) {
	const limit = 3
	q := New(Options{Concurrency: limit})

	var (
		running atomic.Int32
		peak    atomic.Int32
		overrun atomic.Bool
	)
	h := func(context.Context, webhook.Event) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if s := q.Status(); s.Active > limit {
			overrun.Store(true)
		}
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	for i := 0; i < 30; i++ {
		if err := q.Enqueue(context.Background(), event(fmt.Sprint(i)), h); err != nil {
			t.Fatal(err)
		}
	}
	q.Start(context.Background())
	shutdown(t, q)

	if peak.Load() > limit {
		t.Errorf("peak concurrency = %d, want <= %d", peak.Load(), limit)
	}
	if overrun.Load() {
		t.Errorf("Status().Active exceeded %d", limit)
	}
	if s := q.Status(); s.MaxConcurrency != limit {
		t.Errorf("MaxConcurrency = %d", s.MaxConcurrency)
	}
}

func TestQueue_RetryBound(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("max retries %d", maxRetries), func(t *testing.T) {
			sink := &recordingSink{}
			q := New(Options{
				Concurrency: 2,
				MaxRetries:  maxRetries,
				Retry:       FixedDelay(time.Millisecond),
				DeadLetters: sink,
			})
			q.Start(context.Background())

			var calls atomic.Int32
			err := q.Enqueue(context.Background(), event("evt_fail"), func(context.Context, webhook.Event) error {
				calls.Add(1)
				return errors.New("transaction not found")
			})
			if err != nil {
				t.Fatal(err)
			}

			shutdown(t, q)
			if got := int(calls.Load()); got != 1+maxRetries {
				t.Errorf("handler calls = %d, want %d", got, 1+maxRetries)
			}
			assertIdle(t, q, 1)

			letters := sink.all()
			if len(letters) != 1 {
				t.Fatalf("dead letters = %d, want 1", len(letters))
			}
			dl := letters[0]
			if dl.Reason != deadletter.ReasonExhausted || dl.Attempts != 1+maxRetries || dl.Event.ID != "evt_fail" {
				t.Errorf("dead letter = %+v", dl)
			}
			if dl.LastError != "transaction not found" {
				t.Errorf("LastError = %q", dl.LastError)
			}
		})
	}
}

func TestQueue_PermanentErrorNotRetried(t *testing.T) {
	sink := &recordingSink{}
	q := New(Options{MaxRetries: 5, Retry: FixedDelay(time.Millisecond), DeadLetters: sink})
	q.Start(context.Background())

	var calls atomic.Int32
	_ = q.Enqueue(context.Background(), event("evt_bad"), func(context.Context, webhook.Event) error {
		calls.Add(1)
		return Permanent(errors.New("amount must be positive"))
	})

	shutdown(t, q)
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
	letters := sink.all()
	if len(letters) != 1 || letters[0].Reason != deadletter.ReasonRejected || letters[0].Attempts != 1 {
		t.Errorf("dead letters = %+v, want one permanent_failure", letters)
	}
}

func TestQueue_SucceedsAfterRetry(t *testing.T) {
	sink := &recordingSink{}
	q := New(Options{MaxRetries: 3, Retry: FixedDelay(time.Millisecond), DeadLetters: sink})
	q.Start(context.Background())

	var calls atomic.Int32
	_ = q.Enqueue(context.Background(), event("evt_flaky"), func(context.Context, webhook.Event) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	shutdown(t, q)
	if calls.Load() != 3 {
		t.Errorf("handler calls = %d, want 3", calls.Load())
	}
	if n := len(sink.all()); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
	assertIdle(t, q, 1)
}

func TestQueue_FIFO(t *testing.T) {
	q := New(Options{Concurrency: 1, MaxRetries: 1, Retry: FixedDelay(0)})

	var (
		mu    sync.Mutex
		order []string
	)
	failedOnce := false
	h := func(_ context.Context, ev webhook.Event) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, ev.ID)
		if ev.ID == "a" && !failedOnce {
			failedOnce = true
			return errors.New("retry me")
		}
		return nil
	}

	// everything is queued before the single worker starts so the order is fixed
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(context.Background(), event(id), h); err != nil {
			t.Fatal(err)
		}
	}
	q.Start(context.Background())
	shutdown(t, q)

	want := []string{"a", "b", "c", "a"}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestQueue_RetryDelayDoesNotHoldWorker(t *testing.T) {
	q := New(Options{Concurrency: 1, MaxRetries: 1, Retry: FixedDelay(150 * time.Millisecond)})
	q.Start(context.Background())

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	var aCalls atomic.Int32
	_ = q.Enqueue(context.Background(), event("a"), func(context.Context, webhook.Event) error {
		n := aCalls.Add(1)
		record(fmt.Sprintf("a%d", n))
		if n == 1 {
			return errors.New("transient")
		}
		return nil
	})

	waitFor(t, "retry to be scheduled", func() bool {
		s := q.Status()
		return aCalls.Load() == 1 && s.Active == 0 && s.Pending == 1
	})
	if s := q.Status(); !(s.Pending == 1 && s.Total == 1) {
		t.Errorf("Status() during retry wait = %+v, want pending 1", s)
	}

	_ = q.Enqueue(context.Background(), event("b"), func(context.Context, webhook.Event) error {
		record("b")
		return nil
	})

	shutdown(t, q)
	want := []string{"a1", "b", "a2"}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestQueue_BacklogLimit(t *testing.T) {
	q := New(Options{BacklogLimit: 2})
	noop := func(context.Context, webhook.Event) error { return nil }

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(context.Background(), event(fmt.Sprint(i)), noop); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	if err := q.Enqueue(context.Background(), event("overflow"), noop); !errors.Is(err, ErrBacklogFull) {
		t.Fatalf("Enqueue() error = %v, want ErrBacklogFull", err)
	}
	if s := q.Status(); s.Pending != 2 || s.Total != 2 {
		t.Errorf("Status() = %+v, want pending 2 total 2", s)
	}

	q.Start(context.Background())
	shutdown(t, q)
	assertIdle(t, q, 2)
}

func TestQueue_EnqueueAfterShutdown(t *testing.T) {
	q := New(Options{})
	q.Start(context.Background())
	shutdown(t, q)

	err := q.Enqueue(context.Background(), event("late"), func(context.Context, webhook.Event) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue() error = %v, want ErrClosed", err)
	}
}

func TestQueue_EnqueueNilHandler(t *testing.T) {
	q := New(Options{})
	if err := q.Enqueue(context.Background(), event("x"), nil); err == nil {
		t.Error("Enqueue(nil handler) should fail")
	}
}

func TestQueue_ShutdownWithoutStart(t *testing.T) {
	q := New(Options{})
	_ = q.Enqueue(context.Background(), event("never"), func(context.Context, webhook.Event) error { return nil })

	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if s := q.Status(); s.Pending != 0 {
		t.Errorf("Pending = %d, want dropped", s.Pending)
	}
}

func TestQueue_StartAfterShutdownIsNoop(t *testing.T) {
	q := New(Options{Concurrency: 1})
	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	q.Start(context.Background())

	err := q.Enqueue(context.Background(), event("late"), func(context.Context, webhook.Event) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue() error = %v, want ErrClosed", err)
	}
	if err := q.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

type startKey struct{}

func TestQueue_HandlerContextFromStart(t *testing.T) {
	q := New(Options{Concurrency: 1})
	q.Start(context.WithValue(context.Background(), startKey{}, "worker-ctx"))

	got := make(chan any, 1)
	_ = q.Enqueue(context.Background(), event("ctx"), func(ctx context.Context, _ webhook.Event) error {
		got <- ctx.Value(startKey{})
		return nil
	})
	shutdown(t, q)

	if v := <-got; v != "worker-ctx" {
		t.Errorf("handler ctx value = %v, want worker-ctx", v)
	}
}

func TestQueue_ShutdownDeadline(t *testing.T) {
	q := New(Options{Concurrency: 1, MaxRetries: 5, Retry: FixedDelay(time.Hour)})
	q.Start(context.Background())

	started := make(chan struct{})
	var sawCancel atomic.Bool
	_ = q.Enqueue(context.Background(), event("slow"), func(ctx context.Context, _ webhook.Event) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})
	var retried atomic.Int32
	_ = q.Enqueue(context.Background(), event("retry"), func(context.Context, webhook.Event) error {
		retried.Add(1)
		return errors.New("fail")
	})

	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := q.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown() error = %v, want DeadlineExceeded", err)
	}
	if !sawCancel.Load() {
		t.Error("in-flight handler was not cancelled")
	}
	if retried.Load() != 0 {
		t.Errorf("queued task ran %d times after halt, want 0", retried.Load())
	}
	s := q.Status()
	if s.Pending != 0 || s.Active != 0 {
		t.Errorf("Status() = %+v, want nothing pending or active", s)
	}
}

func TestQueue_ShutdownDropsWaitingRetries(t *testing.T) {
	q := New(Options{Concurrency: 1, MaxRetries: 3, Retry: FixedDelay(time.Hour)})
	q.Start(context.Background())

	var calls atomic.Int32
	_ = q.Enqueue(context.Background(), event("evt"), func(context.Context, webhook.Event) error {
		calls.Add(1)
		return errors.New("fail")
	})
	waitFor(t, "retry to be scheduled", func() bool { return calls.Load() == 1 && q.Status().Active == 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := q.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown() error = %v, want DeadlineExceeded", err)
	}
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
	if p := q.Status().Pending; p != 0 {
		t.Errorf("Pending = %d, want 0", p)
	}
}

func TestQueue_ParentContextCancelHalts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := New(Options{Concurrency: 1})
	q.Start(ctx)

	started := make(chan struct{})
	_ = q.Enqueue(context.Background(), event("blocked"), func(ctx context.Context, _ webhook.Event) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	cancel()

	waitFor(t, "worker to stop", func() bool { return q.Status().Active == 0 })
	err := q.Enqueue(context.Background(), event("after"), func(context.Context, webhook.Event) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue() after parent cancel error = %v, want ErrClosed", err)
	}
	shutdown(t, q)
}

func TestQueue_AttemptTimeout(t *testing.T) {
	q := New(Options{MaxRetries: 1, Retry: FixedDelay(time.Millisecond), AttemptTimeout: 20 * time.Millisecond})
	q.Start(context.Background())

	var calls atomic.Int32
	_ = q.Enqueue(context.Background(), event("hang"), func(ctx context.Context, _ webhook.Event) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})

	shutdown(t, q)
	if calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2", calls.Load())
	}
}

func TestQueue_PanicRecovered(t *testing.T) {
	sink := &recordingSink{}
	q := New(Options{Concurrency: 1, MaxRetries: 1, Retry: FixedDelay(time.Millisecond), DeadLetters: sink})
	q.Start(context.Background())

	var calls atomic.Int32
	_ = q.Enqueue(context.Background(), event("boom"), func(context.Context, webhook.Event) error {
		calls.Add(1)
		panic("nil map")
	})
	var after atomic.Bool
	_ = q.Enqueue(context.Background(), event("next"), func(context.Context, webhook.Event) error {
		after.Store(true)
		return nil
	})

	shutdown(t, q)
	if calls.Load() != 2 {
		t.Errorf("panicking handler calls = %d, want 2", calls.Load())
	}
	if !after.Load() {
		t.Error("worker did not survive the panic")
	}
	letters := sink.all()
	if len(letters) != 1 || letters[0].LastError != "handler panic: nil map" {
		t.Errorf("dead letters = %+v", letters)
	}
}

func TestQueue_StartTwice(t *testing.T) {
	q := New(Options{Concurrency: 2})
	q.Start(context.Background())
	q.Start(context.Background())

	var calls atomic.Int32
	for i := 0; i < 5; i++ {
		_ = q.Enqueue(context.Background(), event(fmt.Sprint(i)), func(context.Context, webhook.Event) error {
			calls.Add(1)
			return nil
		})
	}
	shutdown(t, q)
	if calls.Load() != 5 {
		t.Errorf("handler calls = %d, want 5", calls.Load())
	}
}
