package queue

import (
	"errors"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy decides how long a failed task waits before its next attempt.
// attempt is the 1-based number of the attempt that just failed.
type RetryPolicy interface {
	NextDelay(attempt int) time.Duration
}

// FixedDelay waits the same duration before every retry.
type FixedDelay time.Duration

func (d FixedDelay) NextDelay(int) time.Duration { return time.Duration(d) }

// ScheduleBackoff walks an explicit delay schedule, repeating the last entry
// once attempts outrun it. JitterPct spreads each delay by +/- that fraction.
type ScheduleBackoff struct {
	Schedule  []time.Duration
	JitterPct float64
}

func (s ScheduleBackoff) NextDelay(attempt int) time.Duration {
	return computeDelay(attempt, s.Schedule, s.JitterPct)
}

func computeDelay(attempt int, schedule []time.Duration, jitterPct float64) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	// attempt is 1-based; map to schedule index
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]
	if jitterPct <= 0 {
		return base
	}
	// jitter: +/- jitterPct
	j := 1 + (rand.Float64()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}

// ExponentialBackoff grows the delay geometrically up to Max. Zero fields
// take the backoff package defaults; Jitter is the randomization factor.
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func (e ExponentialBackoff) NextDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	if e.Initial > 0 {
		b.InitialInterval = e.Initial
	}
	if e.Max > 0 {
		b.MaxInterval = e.Max
	}
	if e.Multiplier > 0 {
		b.Multiplier = e.Multiplier
	}
	b.RandomizationFactor = e.Jitter
	b.Reset()

	var d time.Duration
	for i := 0; i < max(attempt, 1); i++ {
		d = b.NextBackOff()
	}
	return d
}

// Permanent marks err as not worth retrying. The queue fails such a task
// immediately without consuming its retry budget.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perr *backoff.PermanentError
	return errors.As(err, &perr)
}
