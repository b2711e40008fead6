package unstable

import (
	"context"
	"errors"
	"log/slog"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// BreakerFactory wraps an EndpointFactory with a circuit breaker. After repeated failed
// acquisitions it stops calling the wrapped factory for a while, so an endpoint that is
// stuck restarting is not hammered by every query of every handle sharing the factory.
//
// A rejected acquisition returns a *TransportError, which the default classifier treats
// as transient: the handle spends an attempt and waits the retry delay as usual.
type BreakerFactory struct {
	factory EndpointFactory
	cb      *gobreaker.CircuitBreaker[Connection]
	logger  *slog.Logger
}

var _ EndpointFactory = (*BreakerFactory)(nil)

// NewBreakerFactory creates a breaker around factory.
//
// Example:
//
//	factory := unstable.NewBreakerFactory(
//	    providerFactory,
//	    unstable.WithConsecutiveFailures(3),
//	    unstable.WithBreakerTimeout(10*time.Second),
//	)
//	h := unstable.NewHandle(factory)
func NewBreakerFactory(factory EndpointFactory, opts ...BreakerOption) *BreakerFactory {
	config := DefaultBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = DefaultBreakerConfig().ReadyToTrip
	}

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return config.ReadyToTrip(convertGobreakerCounts(counts))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			config.Logger.Warn("endpoint breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// A cancelled acquisition says nothing about the endpoint.
			return errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled)
		},
	}

	return &BreakerFactory{
		factory: factory,
		cb:      gobreaker.NewCircuitBreaker[Connection](settings),
		logger:  config.Logger,
	}
}

// Acquire acquires a connection through the breaker. "No connection available" counts
// as a failure for the breaker but is still reported to the caller as (nil, nil).
func (f *BreakerFactory) Acquire(ctx context.Context, resourceID string) (Connection, error) {
	conn, err := f.cb.Execute(func() (Connection, error) {
		conn, err := f.factory.Acquire(ctx, resourceID)
		if err != nil {
			return nil, err
		}
		if conn == nil {
			return nil, ErrNoConnection
		}
		return conn, nil
	})
	if err == nil {
		return conn, nil
	}

	switch {
	case errors.Is(err, ErrNoConnection):
		return nil, nil

	case errors.Is(err, gobreaker.ErrOpenState):
		counts := f.cb.Counts()
		f.logger.Debug("endpoint breaker is open, acquisition rejected",
			"resource_id", resourceID,
			"counts", counts)
		return nil, NewTransportError("acquire", jperrors.NewCircuitBreakerError(
			"acquisition rejected",
			"acquire",
			"open",
			jperrors.WithCause(err),
			jperrors.WithCounts(toCircuitCounts(counts)),
		))

	case errors.Is(err, gobreaker.ErrTooManyRequests):
		counts := f.cb.Counts()
		f.logger.Debug("endpoint breaker half-open, too many probes",
			"resource_id", resourceID)
		return nil, NewTransportError("acquire", jperrors.NewCircuitBreakerError(
			"too many probes in half-open state",
			"acquire",
			"half-open",
			jperrors.WithCause(err),
			jperrors.WithCounts(toCircuitCounts(counts)),
		))
	}

	return nil, err
}

// State returns the current state of the breaker.
func (f *BreakerFactory) State() BreakerState {
	return convertGobreakerState(f.cb.State())
}

// Counts returns the current counts of the breaker.
func (f *BreakerFactory) Counts() BreakerCounts {
	return convertGobreakerCounts(f.cb.Counts())
}

// GetHealth returns the health status of the breaker.
func (f *BreakerFactory) GetHealth() BreakerHealth {
	state := f.State()
	counts := f.Counts()

	return BreakerHealth{
		// Half-open is degraded but still lets probes through.
		Healthy:              state != BreakerOpen,
		Name:                 f.cb.Name(),
		State:                state.String(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}

func convertGobreakerState(state gobreaker.State) BreakerState {
	switch state {
	case gobreaker.StateClosed:
		return BreakerClosed
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	case gobreaker.StateOpen:
		return BreakerOpen
	default:
		return BreakerClosed
	}
}

func convertGobreakerCounts(counts gobreaker.Counts) BreakerCounts {
	return BreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func toCircuitCounts(counts gobreaker.Counts) jperrors.CircuitCounts {
	return jperrors.CircuitCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}
