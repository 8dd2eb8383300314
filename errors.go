package inferbatch

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrEstimation          = errors.New("inferbatch: token estimation failed")
	ErrMissingUsage        = errors.New("inferbatch: response has no usage information")
	ErrRateLimited         = errors.New("inferbatch: rate limited by provider")
	ErrAuthFailed          = errors.New("inferbatch: authentication failed")
	ErrInvalidRequest      = errors.New("inferbatch: invalid request")
	ErrProviderUnavailable = errors.New("inferbatch: provider unavailable")
	ErrTimeout             = errors.New("inferbatch: provider call timed out")
	ErrModelNotFound       = errors.New("inferbatch: model not found")
	ErrInvalidConfig       = errors.New("inferbatch: invalid config")
)

// ErrorKind classifies why a request failed.
type ErrorKind string

const (
	KindEstimation   ErrorKind = "estimation"
	KindLimiter      ErrorKind = "limiter"
	KindTransport    ErrorKind = "transport"
	KindMissingUsage ErrorKind = "missing_usage"
	KindCanceled     ErrorKind = "canceled"
)

// DispatchError wraps a request failure with its batch context.
type DispatchError struct {
	Kind      ErrorKind
	Index     int
	RequestID string
	Model     string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("inferbatch: request=%s index=%d model=%s kind=%s: %v",
		e.RequestID, e.Index, e.Model, e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if resubmitting the same request cannot succeed.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrEstimation) ||
		errors.Is(err, ErrModelNotFound)
}

// IsRetryable returns true if the error is transient on the provider side.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrTimeout)
}
