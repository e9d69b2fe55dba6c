package embedding

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRetryableProvider = errors.New("retryable provider error")
	ErrFatalProvider     = errors.New("fatal provider error")
)

// ProviderError classifies a provider failure. Rate limits, server errors
// and transport failures are retryable; authentication and malformed input
// are not.
type ProviderError struct {
	Retryable  bool
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s provider error (status %d): %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s provider error: %v", kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrRetryableProvider:
		return e.Retryable
	case ErrFatalProvider:
		return !e.Retryable
	}
	return false
}

func Retryable(err error) error {
	return &ProviderError{Retryable: true, Err: err}
}

func Fatal(err error) error {
	return &ProviderError{Retryable: false, Err: err}
}

// BatchFailure records the input range [Start, End) of a batch that could
// not be embedded.
type BatchFailure struct {
	Start int
	End   int
	Err   error
}

// BatchError reports the batches of an Embed call that failed. Vectors for
// the other batches are still returned alongside it.
type BatchError struct {
	Total    int
	Failures []BatchFailure
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("[%d,%d): %v", f.Start, f.End, f.Err))
	}
	return fmt.Sprintf("embedding failed for %d of %d inputs: %s", e.Failed(), e.Total, strings.Join(parts, "; "))
}

// Retryable is true when no failed batch hit a fatal provider error.
func (e *BatchError) Retryable() bool {
	for _, f := range e.Failures {
		if errors.Is(f.Err, ErrFatalProvider) {
			return false
		}
	}
	return true
}

func (e *BatchError) Is(target error) bool {
	switch target {
	case ErrRetryableProvider:
		return e.Retryable()
	case ErrFatalProvider:
		return !e.Retryable()
	}
	return false
}

// Failed returns the number of inputs without a vector.
func (e *BatchError) Failed() int {
	n := 0
	for _, f := range e.Failures {
		n += f.End - f.Start
	}
	return n
}

// Ranges renders the failed input ranges, e.g. "10-19,30-39".
func (e *BatchError) Ranges() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%d-%d", f.Start, f.End-1))
	}
	return strings.Join(parts, ",")
}
