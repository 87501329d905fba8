// Package retry runs blocking calls with bounded exponential backoff,
// retrying only outcomes classified as transient.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy parameterizes Do.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Base is the wait before the first retry; each retry doubles it.
	Base time.Duration
	// Ceiling caps a single wait.
	Ceiling time.Duration
	// Timeout bounds each attempt; zero means no per-attempt timeout.
	Timeout time.Duration
	// Retryable classifies errors; IsRetryable when nil.
	Retryable func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy waits 1s, 2s, 4s between up to three retries, capped at 8s.
func DefaultPolicy(timeout time.Duration) Policy {
	return Policy{
		MaxRetries: 3,
		Base:       time.Second,
		Ceiling:    8 * time.Second,
		Timeout:    timeout,
	}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.Ceiling
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do calls op until it succeeds, returns a non-retryable error, the retry
// budget is spent or ctx is done. The last error is returned.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		attemptCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		out, err := op(attemptCtx)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}
	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(retries)), ctx)
	out, err := backoff.RetryNotifyWithData(operation, b, notify)
	if err != nil && attempt > 1 {
		return out, fmt.Errorf("after %d attempts: %w", attempt, err)
	}
	return out, err
}

// StatusError reports a non-2xx HTTP response from an external service.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Service, e.Code)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Service, e.Code, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	switch e.Code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsRetryable classifies connection, DNS and timeout errors and HTTP
// 429/500/502/503/504 responses as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
