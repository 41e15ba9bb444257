package tasks

import "errors"

// ErrNotFound is returned by stores when a run or task does not exist.
var ErrNotFound = errors.New("not found")

// ErrStructural marks configuration defects: bad graph, misconfigured
// gate, invalid task definition. Structural failures are terminal and
// never consume a retry.
var ErrStructural = errors.New("structural error")

// ErrTransient marks recoverable executor failures (timeouts, flaky
// external calls). Transient failures are retried with backoff while the
// task's retry budget lasts.
var ErrTransient = errors.New("transient error")

// Structural wraps err so IsStructural reports true for it.
func Structural(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ErrStructural, err: err}
}

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ErrTransient, err: err}
}

// IsStructural reports whether err is marked structural.
func IsStructural(err error) bool {
	return errors.Is(err, ErrStructural)
}

// IsTransient reports whether err should take the retry path. Errors with
// no explicit classification are treated as transient: an unknown
// executor failure looks like a flaky call, not a configuration defect.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsStructural(err)
}

type classifiedError struct {
	class error
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }

func (e *classifiedError) Unwrap() []error { return []error{e.class, e.err} }
