// Package unstable provides a resilient handle around a connection to a remote endpoint
// whose backing process may crash and restart. The handle acquires its connection lazily,
// recovers from transport failures by dropping the dead connection and reacquiring a fresh
// one, bounds the number of attempts, and supports cooperative cancellation of the
// in-flight query from another goroutine.
package unstable

import (
	"context"
)

// EndpointFactory hands out connections to the remote endpoint.
//
// Acquire returns (nil, nil) when no connection is currently available. That is not an
// error: the handle sleeps for the retry delay and tries again, spending one attempt.
//
// Example:
//
//	type providerFactory struct {
//	    registry *ProviderRegistry
//	}
//
//	func (f *providerFactory) Acquire(ctx context.Context, resourceID string) (unstable.Connection, error) {
//	    p, ok := f.registry.Lookup(resourceID)
//	    if !ok {
//	        return nil, nil // provider not running yet
//	    }
//	    return p.Dial(ctx)
//	}
type EndpointFactory interface {
	Acquire(ctx context.Context, resourceID string) (Connection, error)
}

// EndpointFactoryFunc adapts an ordinary function to the EndpointFactory interface.
type EndpointFactoryFunc func(ctx context.Context, resourceID string) (Connection, error)

// Acquire calls f(ctx, resourceID).
func (f EndpointFactoryFunc) Acquire(ctx context.Context, resourceID string) (Connection, error) {
	return f(ctx, resourceID)
}

// Connection is a live handle to the remote endpoint process.
//
// Query must return a *TransportError (see NewTransportError) when the endpoint process
// is gone, so that the handle can tell a dead connection apart from any other failure.
// The token is handed through so a long-running call can stop early; implementations
// should select on token.Done() while they wait.
type Connection interface {
	// Query executes spec against the endpoint.
	Query(ctx context.Context, spec QuerySpec, token *CancellationToken) (Result, error)

	// Release tears the connection down. It must be idempotent.
	Release() error
}

// Result is the outcome of a successful query.
type Result interface {
	// Materialize forces the result to be fully loaded so that a connection failure
	// cannot hide behind a lazily streamed result.
	Materialize(ctx context.Context) error

	// RegisterChangeListener subscribes l to change notifications for the result.
	RegisterChangeListener(l ChangeListener)
}

// ChangeListener is notified when the data behind a Result changes.
type ChangeListener interface {
	OnChange()
}

// ChangeListenerFunc adapts a function to the ChangeListener interface.
type ChangeListenerFunc func()

// OnChange calls f().
func (f ChangeListenerFunc) OnChange() {
	f()
}

// CancelChecker reports whether the surrounding lifecycle already cancelled the load
// before PerformQuery got to run.
type CancelChecker func() bool

// QuerySpec describes the query to run. It is treated as read-only by the handle.
type QuerySpec struct {
	// ResourceID identifies the remote resource, for example a content URI.
	ResourceID string `yaml:"resource_id" json:"resource_id"`

	// Projection lists the columns to return. Nil means all columns.
	Projection []string `yaml:"projection" json:"projection,omitempty"`

	// Selection is the filter clause.
	Selection string `yaml:"selection" json:"selection,omitempty"`

	// SelectionArgs are bound into Selection.
	SelectionArgs []string `yaml:"selection_args" json:"selection_args,omitempty"`

	// SortOrder is the ordering clause.
	SortOrder string `yaml:"sort_order" json:"sort_order,omitempty"`
}

// clone returns a deep copy so callers cannot mutate a spec that is in flight.
func (s QuerySpec) clone() QuerySpec {
	out := s
	if s.Projection != nil {
		out.Projection = append([]string(nil), s.Projection...)
	}
	if s.SelectionArgs != nil {
		out.SelectionArgs = append([]string(nil), s.SelectionArgs...)
	}
	return out
}
