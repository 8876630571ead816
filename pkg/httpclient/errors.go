package httpclient

import (
	"errors"
	"fmt"
	"time"
)

// TransientError marks a failure that exhausted retries but was of a
// retryable kind; callers map it to 503 at the API boundary.
type TransientError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d (retry after %v)", e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
