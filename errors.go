package weaver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies a failure for event payloads and retry decisions.
// Every error that escapes a turn maps onto exactly one kind.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation_error"
	KindTool       ErrorKind = "tool_error"
	KindTimeout    ErrorKind = "timeout"
	KindCancelled  ErrorKind = "cancelled"
	KindUpstream   ErrorKind = "upstream_error"
	KindInternal   ErrorKind = "internal_error"
)

// ErrCancelled is returned when a turn is stopped by an explicit cancel
// request or by context cancellation.
var ErrCancelled = errors.New("cancelled")

// ErrLLM wraps provider-level failures (auth, malformed response, refusal).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e ErrLLM) Error() string {
	return fmt.Sprintf("llm %s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx upstream response. RetryAfter is zero unless the
// server sent a usable Retry-After header.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, truncateStr(e.Body, 200))
}

// Retryable reports whether the response indicates a transient condition.
func (e ErrHTTP) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// ParseRetryAfter parses a Retry-After header value, either delay seconds or
// an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ErrValidation is a caller mistake: malformed tool args, unknown tool,
// bad request body. Never retried.
type ErrValidation struct {
	Field  string
	Reason string
}

func (e ErrValidation) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ErrTool is a tool body failure. Recoverable within a turn: the agent loop
// feeds it back to the LLM as a tool result instead of aborting.
type ErrTool struct {
	Tool string
	Err  error
}

func (e ErrTool) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e ErrTool) Unwrap() error { return e.Err }

// ErrTimeout marks a deadline overrun at a named boundary (tool, llm, turn).
type ErrTimeout struct {
	Op    string
	Limit time.Duration
}

func (e ErrTimeout) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Limit)
}

// ErrNotFound reports a missing entity (thread, checkpoint, tool).
type ErrNotFound struct {
	What string
	Key  string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.What, e.Key)
}

// Kind maps an error onto the platform taxonomy.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	var (
		vErr ErrValidation
		tErr ErrTool
		oErr ErrTimeout
		hErr ErrHTTP
		lErr ErrLLM
		nErr ErrNotFound
	)
	switch {
	case errors.As(err, &vErr), errors.As(err, &nErr):
		return KindValidation
	case errors.As(err, &tErr):
		return KindTool
	case errors.As(err, &oErr):
		return KindTimeout
	case errors.As(err, &hErr), errors.As(err, &lErr):
		return KindUpstream
	}
	return KindInternal
}

// Retryable reports whether err is worth a second attempt against the
// upstream. Validation, tool, timeout and cancellation errors are not.
func Retryable(err error) bool {
	var hErr ErrHTTP
	if errors.As(err, &hErr) {
		return hErr.Retryable()
	}
	return Kind(err) == KindUpstream
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
