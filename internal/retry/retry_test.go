package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessOnRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	transient := errors.New("transient")
	err := Do(context.Background(), 4, time.Millisecond, func() error {
		calls++
		return transient
	})
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 4, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	fatal := errors.New("rejected")
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(fatal)
	})
	assert.Equal(t, fatal, err, "permanent errors are unwrapped")
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, 5, time.Second, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return nil
	})
	assert.Equal(t, 1, calls)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
	assert.False(t, IsPermanent(errors.New("x")))
	assert.False(t, IsPermanent(nil))
}

func TestDo_HonoursServerDelay(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Do(context.Background(), 2, time.Millisecond, func() error {
		calls++
		if calls == 1 {
			return After(errors.New("busy"), 40*time.Millisecond)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestPolicy_MaxDelayCapsServerHint(t *testing.T) {
	p := Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	start := time.Now()
	err := p.Do(context.Background(), func() error {
		return After(errors.New("busy"), time.Hour)
	})
	assert.EqualError(t, err, "busy")
	assert.Less(t, time.Since(start), time.Second)
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), jitter(0))
}
