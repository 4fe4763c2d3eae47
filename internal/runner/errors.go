package runner

import (
	"errors"
	"fmt"
	"time"
)

// PermanentError marks a collaborator failure that must not be retried.
// The journey exits with reason "error" instead of scheduling a retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// RetryAfterError carries a collaborator-specified backoff for a failed
// call. The runner schedules the retry at that delay instead of its
// default.
type RetryAfterError struct {
	Err   error
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

func isPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// backoffFor extracts a collaborator-specified backoff, falling back to
// the given default.
func backoffFor(err error, fallback time.Duration) time.Duration {
	var ra *RetryAfterError
	if errors.As(err, &ra) && ra.After > 0 {
		return ra.After
	}
	return fallback
}
