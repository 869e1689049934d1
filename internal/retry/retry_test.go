package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialDelays(t *testing.T) {
	p := Exponential(6, 100*time.Millisecond, time.Second)

	got := p.Delays(6)
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	assert.Equal(t, want, got)
}

func TestConstantDelays(t *testing.T) {
	p := Constant(50*time.Millisecond, time.Second)
	for _, d := range p.Delays(4) {
		assert.Equal(t, 50*time.Millisecond, d)
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), Exponential(5, time.Millisecond, 2*time.Millisecond), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestDoExhausted(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := Do(context.Background(), Exponential(3, time.Millisecond, time.Millisecond), func(context.Context) (string, error) {
		calls++
		return "", boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	bad := errors.New("bad config")
	calls := 0
	_, err := Do(context.Background(), Exponential(10, time.Millisecond, time.Millisecond), func(context.Context) (int, error) {
		calls++
		return 0, Permanent(bad)
	})
	assert.ErrorIs(t, err, bad)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, calls)
}

func TestPollTimeout(t *testing.T) {
	notReady := errors.New("not ready")
	start := time.Now()
	calls := 0
	err := Poll(context.Background(), 120*time.Millisecond, 30*time.Millisecond, func(context.Context) error {
		calls++
		return notReady
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, notReady)
	assert.Less(t, time.Since(start), 2*time.Second)
	// Interval is respected: no busy spinning.
	assert.LessOrEqual(t, calls, 6)
}

func TestPollContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Poll(ctx, time.Second, 10*time.Millisecond, func(context.Context) error {
		return errors.New("never")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
