// Package retry provides fixed retry schedules built on the
// cenkalti/backoff BackOff interface, plus a context-aware retry loop
// with an injectable sleep so callers (and tests) control real waiting.
//
// Two schedule shapes cover everything this tool does: a ladder of
// explicit waits for pool allocation, and a constant wait repeated a
// fixed number of times for reboot reachability probing.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNoAttempts is returned by Do when the schedule yields no waits at
// all, so that an empty schedule is an explicit failure rather than a
// silent success.
var ErrNoAttempts = errors.New("retry: schedule yielded no attempts")

// Sleep waits for d or until ctx is cancelled, whichever comes first.
type Sleep func(ctx context.Context, d time.Duration) error

// Wait is the default Sleep implementation.
func Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// schedule yields a fixed sequence of waits, then backoff.Stop.
type schedule struct {
	waits []time.Duration
	next  int
}

var _ backoff.BackOff = (*schedule)(nil)

func (s *schedule) NextBackOff() time.Duration {
	if s.next >= len(s.waits) {
		return backoff.Stop
	}
	d := s.waits[s.next]
	s.next++
	return d
}

func (s *schedule) Reset() { s.next = 0 }

// Ladder returns a schedule that yields each wait once, in order.
func Ladder(waits ...time.Duration) backoff.BackOff {
	return &schedule{waits: waits}
}

// Constant returns a schedule that yields d exactly n times.
func Constant(d time.Duration, n int) backoff.BackOff {
	waits := make([]time.Duration, n)
	for i := range waits {
		waits[i] = d
	}
	return &schedule{waits: waits}
}

// Do runs op once per scheduled wait, sleeping the attempt's wait after
// a failure, and gives up once the schedule is exhausted.
//
// Each attempt is strictly scoped: op either succeeds (Do returns nil
// immediately) or its error is discarded in favour of the next attempt.
// The final attempt's error is returned after its scheduled wait has
// elapsed, so a caller observing failure knows the full schedule ran.
func Do(ctx context.Context, b backoff.BackOff, sleep Sleep, op func() error) error {
	if sleep == nil {
		sleep = Wait
	}
	b.Reset()
	var lastErr error
	attempts := 0
	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			if attempts == 0 {
				return ErrNoAttempts
			}
			return lastErr
		}
		attempts++
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = op(); lastErr == nil {
			return nil
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}
