package weaver

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"
)

const (
	defaultRetryAttempts  = 2
	defaultRetryBaseDelay = 500 * time.Millisecond
)

// RetryOption configures WithRetry.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets total attempts (first call included).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// RetryBaseDelay sets the delay before the first retry; subsequent retries
// double it, with jitter.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) {
		if d > 0 {
			r.baseDelay = d
		}
	}
}

func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRetry wraps a Provider with retry on transient upstream failures
// (HTTP 429/5xx, network errors). Validation and cancellation errors pass
// through untouched. Streaming calls retry only if no delta was emitted yet,
// so consumers never see duplicated output.
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: defaultRetryAttempts,
		baseDelay:   defaultRetryBaseDelay,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

var _ Provider = (*retryProvider)(nil)

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return r.do(ctx, func() (ChatResponse, error) {
		return r.inner.Chat(ctx, req)
	})
}

func (r *retryProvider) ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	return r.do(ctx, func() (ChatResponse, error) {
		return r.inner.ChatWithTools(ctx, req, tools)
	})
}

func (r *retryProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- Delta) (ChatResponse, error) {
	var emitted atomic.Bool
	resp, err := r.do(ctx, func() (ChatResponse, error) {
		if emitted.Load() {
			// partial output already reached the consumer; do not restart
			return ChatResponse{}, &noRetry{}
		}
		// per-attempt guard channel: the forwarder is drained and joined
		// before the attempt returns, so the emitted flag is settled by the
		// time the retry loop consults it
		guard := make(chan Delta)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for d := range guard {
				emitted.Store(true)
				select {
				case ch <- d:
				case <-ctx.Done():
				}
			}
		}()
		resp, err := r.inner.ChatStream(ctx, req, guard)
		close(guard)
		<-done
		return resp, err
	})
	var nr *noRetry
	if err != nil && asNoRetry(err, &nr) {
		err = nr.cause
	}
	return resp, err
}

type noRetry struct{ cause error }

func (n *noRetry) Error() string {
	if n.cause == nil {
		return "not retryable"
	}
	return n.cause.Error()
}

func asNoRetry(err error, target **noRetry) bool {
	if nr, ok := err.(*noRetry); ok {
		*target = nr
		return true
	}
	return false
}

func (r *retryProvider) do(ctx context.Context, call func() (ChatResponse, error)) (ChatResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		resp, err := call()
		if err == nil {
			return resp, nil
		}
		if nr, ok := err.(*noRetry); ok {
			if nr.cause == nil {
				nr.cause = lastErr
			}
			return resp, nr
		}
		lastErr = err
		if !Retryable(err) || attempt == r.maxAttempts {
			return resp, err
		}
		delay := r.backoff(attempt, err)
		r.logger.Warn("provider retry",
			"provider", r.inner.Name(),
			"attempt", attempt,
			"delay", delay,
			"error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
	return ChatResponse{}, lastErr
}

func (r *retryProvider) backoff(attempt int, err error) time.Duration {
	var hErr ErrHTTP
	if errors.As(err, &hErr) && hErr.RetryAfter > 0 {
		return hErr.RetryAfter
	}
	d := r.baseDelay * (1 << (attempt - 1))
	if half := int64(d) / 2; half > 0 {
		d += time.Duration(rand.Int63n(half))
	}
	return d
}
