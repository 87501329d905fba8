package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries int) Policy {
	return Policy{MaxRetries: retries, Base: time.Millisecond, Ceiling: 4 * time.Millisecond}
}

func TestDoSucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	var waits []time.Duration
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, err error, wait time.Duration) { waits = append(waits, wait) }

	got, err := Do(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &StatusError{Service: "search", Code: 503}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, &StatusError{Service: "gen", Code: 400, Body: "bad request"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var status *StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, 400, status.Code)
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(2), func(ctx context.Context) (int, error) {
		calls++
		return 0, &StatusError{Service: "search", Code: 429}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.True(t, IsRetryable(err))
}

func TestDoWaitsAreCapped(t *testing.T) {
	var waits []time.Duration
	p := fastPolicy(5)
	p.OnRetry = func(_ int, _ error, wait time.Duration) { waits = append(waits, wait) }
	_, _ = Do(context.Background(), p, func(ctx context.Context) (int, error) {
		return 0, &StatusError{Code: 500}
	})
	require.Len(t, waits, 5)
	for _, w := range waits {
		assert.LessOrEqual(t, w, 4*time.Millisecond)
	}
	assert.Equal(t, 4*time.Millisecond, waits[4])
}

func TestDoAppliesAttemptTimeout(t *testing.T) {
	calls := 0
	p := fastPolicy(1)
	p.Timeout = 5 * time.Millisecond
	_, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, calls)
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, fastPolicy(5), func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, &StatusError{Code: 503}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &StatusError{Code: 429}, true},
		{"502 wrapped", fmt.Errorf("call: %w", &StatusError{Code: 502}), true},
		{"404", &StatusError{Code: 404}, false},
		{"401", &StatusError{Code: 401}, false},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example.com"}, true},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}
