package unstable

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
)

var (
	// ErrCancelled is returned when the query was cancelled, either before it started or
	// through its CancellationToken.
	ErrCancelled = errors.New("query cancelled")

	// ErrExhausted is returned when every attempt failed with a transient failure. It means
	// the endpoint is unreachable right now and is not a fatal error.
	ErrExhausted = errors.New("endpoint unreachable after retries")

	// ErrNoConnection reports that the factory had no connection to hand out.
	ErrNoConnection = errors.New("no connection available")
)

// FailureClass is the outcome class of a failed attempt.
type FailureClass int

const (
	// FailureFatal aborts the query immediately. Its cause is unknown or not transient.
	FailureFatal FailureClass = iota

	// FailureTransient drops the connection and retries after the retry delay.
	FailureTransient

	// FailureCancelled aborts the query because its token was cancelled.
	FailureCancelled
)

// String returns the string representation of the failure class.
func (c FailureClass) String() string {
	switch c {
	case FailureFatal:
		return "fatal"
	case FailureTransient:
		return "transient"
	case FailureCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// FailureClassifier decides how a failed attempt is handled.
// Implement this interface when the endpoint reports transport loss in its own way.
type FailureClassifier interface {
	Classify(err error) FailureClass
}

// FailureClassifierFunc adapts a function to the FailureClassifier interface.
type FailureClassifierFunc func(err error) FailureClass

// Classify calls f(err).
func (f FailureClassifierFunc) Classify(err error) FailureClass {
	return f(err)
}

type defaultClassifier struct{}

// DefaultFailureClassifier treats cancellation as cancelled, transport loss, missing
// connections, rate limiting and timeouts as transient, and everything else as fatal.
func DefaultFailureClassifier() FailureClassifier {
	return defaultClassifier{}
}

// Classify implements FailureClassifier.
func (defaultClassifier) Classify(err error) FailureClass {
	if err == nil {
		return FailureFatal
	}

	// Cancellation is checked first; a cancelled call must never be retried.
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return FailureCancelled
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return FailureTransient
	}
	if errors.Is(err, ErrNoConnection) {
		return FailureTransient
	}

	if errors.Is(err, pkgerrors.ErrRateLimited) {
		return FailureTransient
	}
	// A deadline on the caller's context surfaces as context.DeadlineExceeded and is
	// handled by the retry loop before classification matters.
	if !errors.Is(err, context.DeadlineExceeded) && pkgerrors.IsTimeout(err) {
		return FailureTransient
	}

	return FailureFatal
}

// TransportError reports that the connection to the endpoint is dead, typically because
// the endpoint process went away. The handle releases the connection and retries.
type TransportError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transport failure: %v", e.Err)
	}
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err as a transport failure for operation op.
//
// Example:
//
//	rows, err := c.rpc.Call(ctx, "query", spec)
//	if errors.Is(err, io.EOF) {
//	    return nil, unstable.NewTransportError("query", err)
//	}
func NewTransportError(op string, err error) error {
	return &TransportError{
		Op:  op,
		Err: err,
	}
}

// FatalError wraps the failure that aborted a query without retrying.
type FatalError struct {
	// Attempt is the 1-based attempt on which the failure occurred.
	Attempt int
	Err     error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("query failed on attempt %d: %v", e.Attempt, e.Err)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err means the endpoint stayed unreachable for every attempt.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhausted)
}

// IsFatal reports whether err is a fatal, non-retried query failure.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsCancelled reports whether err means the query was cancelled.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
