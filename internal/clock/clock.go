package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the only way the control loop reads time or blocks.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Manual is a clock that only moves when slept on or advanced. Sleep returns
// immediately after moving time forward, so a whole control loop can be driven
// deterministically in tests.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

func NewManual(start time.Time) *Manual {
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		m.mu.Lock()
		m.now = m.now.Add(d)
		m.slept += d
		m.mu.Unlock()
	}
	return nil
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Slept is the total time spent in Sleep.
func (m *Manual) Slept() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slept
}
