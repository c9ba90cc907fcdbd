package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_SleepAdvances(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	require.NoError(t, c.Sleep(context.Background(), 2*time.Second))
	require.NoError(t, c.Sleep(context.Background(), 3*time.Second))
	c.Advance(time.Minute)

	assert.Equal(t, start.Add(time.Minute+5*time.Second), c.Now())
	assert.Equal(t, []time.Duration{2 * time.Second, 3 * time.Second}, c.Sleeps())
}

func TestFake_SleepCancelled(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.Sleep(ctx, time.Second), context.Canceled)
	assert.Empty(t, c.Sleeps())
}

func TestReal_SleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, New().Sleep(ctx, time.Hour), context.Canceled)
}

func TestReal_SleepShort(t *testing.T) {
	start := time.Now()
	require.NoError(t, New().Sleep(context.Background(), 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}
