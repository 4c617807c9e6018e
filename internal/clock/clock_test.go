package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualSleepAdvancesTime(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewManual(start)

	require.NoError(t, c.Sleep(context.Background(), 1500*time.Millisecond))
	c.Advance(500 * time.Millisecond)

	assert.Equal(t, start.Add(2*time.Second), c.Now())
	assert.Equal(t, 1500*time.Millisecond, c.Slept())
}

func TestManualSleepHonorsCancel(t *testing.T) {
	c := NewManual(time.Time{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Sleep(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, time.Duration(0), c.Slept())
}

func TestRealSleepCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Real{}.Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
