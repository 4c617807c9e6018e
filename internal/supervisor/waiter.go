package supervisor

import (
	"context"
	"time"

	"hwgw.ai/internal/clock"
)

type WaitOutcome int

const (
	WaitDone WaitOutcome = iota
	WaitTimedOut
)

func (o WaitOutcome) String() string {
	if o == WaitDone {
		return "done"
	}
	return "timed_out"
}

// Waiter polls a condition a bounded number of times.
type Waiter struct {
	Clock    clock.Clock
	Interval time.Duration
	Attempts int
}

// Until checks cond once, then up to Attempts more times with Interval sleeps
// in between. It reports WaitTimedOut when cond never held; the error is
// non-nil only when ctx ends or cond fails.
func (w Waiter) Until(ctx context.Context, cond func(context.Context) (bool, error)) (WaitOutcome, error) {
	for attempt := 0; ; attempt++ {
		ok, err := cond(ctx)
		if err != nil {
			return WaitTimedOut, err
		}
		if ok {
			return WaitDone, nil
		}
		if attempt >= w.Attempts {
			return WaitTimedOut, nil
		}
		if err := w.Clock.Sleep(ctx, w.Interval); err != nil {
			return WaitTimedOut, err
		}
	}
}
