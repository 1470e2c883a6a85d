package platform

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnauthorized is returned when the platform rejects the credentials
	// and a fresh token could not fix it.
	ErrUnauthorized = errors.New("platform: unauthorized")
	// ErrUnavailable matches every *UnavailableError.
	ErrUnavailable  = errors.New("platform: temporarily unavailable")
	ErrLinkNotFound = errors.New("platform: link not found")
	ErrInvalid      = errors.New("platform: invalid request")
)

// UnavailableError reports a connection failure or a 503. Callers retry
// later; the client never retries it.
type UnavailableError struct {
	// RetryAfter is the platform's Retry-After hint, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *UnavailableError) Error() string {
	msg := ErrUnavailable.Error()
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// Error is any platform response the client has no specific meaning for.
type Error struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("platform: %s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("platform: %s %s: status %d: %s", e.Method, e.URL, e.StatusCode, body)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
