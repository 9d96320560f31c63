package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRPC = errors.New("rpc: connection reset")

// flaky fails the first n calls with errRPC.
func flaky(n int, calls *int) func() error {
	return func() error {
		*calls++
		if *calls <= n {
			return errRPC
		}
		return nil
	}
}

func TestDo_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		failures  int
		wantErr   error
		wantCalls int
	}{
		{"first call succeeds", 3, 0, nil, 1},
		{"recovers on last attempt", 3, 2, nil, 3},
		{"gives up after attempts", 3, 10, errRPC, 3},
		{"zero attempts still calls once", 0, 0, nil, 1},
		{"negative attempts fail after one call", -2, 1, errRPC, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			err := Do(context.Background(), tt.attempts, time.Millisecond, flaky(tt.failures, &calls))
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestDo_PermanentIsReturnedUnwrapped(t *testing.T) {
	insert := errors.New("duplicate key value violates unique constraint")
	var calls int
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(insert)
	})

	assert.Equal(t, insert, err)
	assert.Equal(t, 1, calls)

	var pe *PermanentError
	assert.ErrorAs(t, Permanent(insert), &pe)
	assert.ErrorIs(t, Permanent(insert), insert)
}

func TestDo_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, 10, time.Hour, func() error {
		calls++
		cancel()
		return errRPC
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_WaitsBetweenAttempts(t *testing.T) {
	var stamps []time.Time
	err := Do(context.Background(), 3, 20*time.Millisecond, func() error {
		stamps = append(stamps, time.Now())
		if len(stamps) < 3 {
			return errRPC
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, stamps, 3)

	// 20ms then 40ms, each with 25% jitter.
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 15*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 30*time.Millisecond)
}

func TestPolicy_MaxDelayBoundsSleep(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: 5 * time.Millisecond}
	start := time.Now()
	var calls int

	err := p.Do(context.Background(), flaky(10, &calls))

	require.ErrorIs(t, err, errRPC)
	assert.Equal(t, 3, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExponential(t *testing.T) {
	tests := []struct {
		attempt int
		max     time.Duration
		want    time.Duration
	}{
		{0, 0, 5 * time.Second},
		{1, 0, 10 * time.Second},
		{3, 0, 40 * time.Second},
		{6, 300 * time.Second, 300 * time.Second},
		{-1, 0, 5 * time.Second},
		{5000, time.Minute, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Exponential(5*time.Second, 2, tt.attempt, tt.max),
			"attempt=%d max=%v", tt.attempt, tt.max)
	}
}

func TestLinear(t *testing.T) {
	assert.Equal(t, 15*time.Second, Linear(5*time.Second, 3, 0))
	assert.Equal(t, time.Minute, Linear(5*time.Second, 100, time.Minute))
	assert.Equal(t, time.Duration(0), Linear(5*time.Second, 0, 0))
	assert.Equal(t, time.Duration(0), Linear(5*time.Second, -4, 0))
}
