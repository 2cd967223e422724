package wsrpc

import (
	"context"
	"math/rand"
	"time"
)

// Backoff is the reconnection delay schedule. The zero value takes the
// defaults: 100ms starting delay, doubling, no cap, 10 attempts, no jitter,
// always retry.
type Backoff struct {
	// Start is the base delay applied after the first failed attempt.
	Start time.Duration
	// Multiple is the exponential multiplier between attempts.
	Multiple float64
	// Max caps the delay; zero means no cap.
	Max time.Duration
	// Jitter replaces each delay with a uniform random draw in [0, delay].
	Jitter bool
	// Attempts is the maximum attempt count. Exceeding it returns the last
	// error.
	Attempts int
	// Retry decides whether to keep going after a failure. Returning false
	// short-circuits and returns the error. attempt is 1-indexed.
	Retry func(err error, attempt int) bool
}

const (
	defaultBackoffStart    = 100 * time.Millisecond
	defaultBackoffMultiple = 2
	defaultBackoffAttempts = 10
)

func (b Backoff) withDefaults() Backoff {
	if b.Start <= 0 {
		b.Start = defaultBackoffStart
	}
	if b.Multiple <= 0 {
		b.Multiple = defaultBackoffMultiple
	}
	if b.Attempts <= 0 {
		b.Attempts = defaultBackoffAttempts
	}
	return b
}

// delay computes the sleep after the given 1-indexed failed attempt.
func (b Backoff) delay(attempt int) time.Duration {
	d := time.Duration(float64(b.Start) * pow(b.Multiple, attempt-1))
	if d < 0 {
		// overflowed
		d = b.Max
		if d <= 0 {
			d = time.Hour
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter {
		d = time.Duration(rand.Int63n(int64(d) + 1))
	}
	return d
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

// Do runs op until it succeeds, the schedule is exhausted, Retry declines,
// or ctx is done. Sleeps honor ctx.
func (b Backoff) Do(ctx context.Context, op func() error) error {
	b = b.withDefaults()
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if attempt >= b.Attempts {
			return err
		}
		if b.Retry != nil && !b.Retry(err, attempt) {
			return err
		}

		timer := time.NewTimer(b.delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
