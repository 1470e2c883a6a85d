package adapter

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrUnavailable = errors.New("adapter temporarily unavailable")

// StatusError rejects a write with an HTTP status code.
type StatusError struct {
	Code int
	Err  error
}

// Status returns a *StatusError for code.
func Status(code int) *StatusError {
	return &StatusError{Code: code}
}

// Statusf returns a *StatusError for code with a diagnostic message. The
// message is never sent to clients.
func Statusf(code int, format string, args ...any) *StatusError {
	return &StatusError{Code: code, Err: fmt.Errorf(format, args...)}
}

func (e *StatusError) Error() string {
	text := http.StatusText(e.Code)
	if text == "" {
		text = "status"
	}
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Code, text, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Code, text)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// UnavailableError tells the device to retry a co-message later.
// RetryAfterSeconds <= 0 means no hint.
type UnavailableError struct {
	RetryAfterSeconds int
}

// Unavailable returns an *UnavailableError with a retry hint in seconds.
func Unavailable(retryAfterSeconds int) *UnavailableError {
	return &UnavailableError{RetryAfterSeconds: retryAfterSeconds}
}

func (e *UnavailableError) Error() string {
	if e.RetryAfterSeconds > 0 {
		return fmt.Sprintf("%s, retry after %ds", ErrUnavailable.Error(), e.RetryAfterSeconds)
	}
	return ErrUnavailable.Error()
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// StatusCode extracts the status of a *StatusError in err's chain.
func StatusCode(err error) (int, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code > 0 {
		return statusErr.Code, true
	}
	return 0, false
}
