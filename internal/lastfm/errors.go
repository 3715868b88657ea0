package lastfm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	gobreaker "github.com/sony/gobreaker/v2"
)

// Last.fm in-body error codes that indicate a temporary condition.
const (
	codeOperationFailed  = 8
	codeServiceOffline   = 11
	codeTemporaryError   = 16
	codeRateLimitExceeds = 29
)

// StatusError is a failed provider call, either an HTTP status or a Last.fm
// error envelope.
type StatusError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("last.fm error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("last.fm http %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	switch e.Code {
	case codeRateLimitExceeds, codeOperationFailed, codeServiceOffline, codeTemporaryError:
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRetryable reports whether err looks transient: HTTP 429/5xx, a
// temporary Last.fm code, a network timeout or a reset connection.
// An open circuit breaker is not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "eof")
}
