package runner

import "errors"

// Consumer failures are classified explicitly rather than inferred from error
// types further down the chain: a RetryableError goes back on the queue with
// backoff, a FatalError escalates straight to the dead-letter store. An
// unwrapped error is treated as retryable.

type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Retryable marks err as safe to retry.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Fatal marks err as pointless to retry.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func isFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
