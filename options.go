package unstable

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultMaxAttempts is the number of attempts PerformQuery makes before giving up.
	DefaultMaxAttempts = 5

	// DefaultRetryDelay is the pause after a transient failure.
	DefaultRetryDelay = 300 * time.Millisecond
)

// Config holds the handle configuration.
type Config struct {
	// Classifier decides whether a failed attempt is retried.
	// Default: DefaultFailureClassifier()
	Classifier FailureClassifier

	// Listener is registered on every successful result. Optional.
	Listener ChangeListener

	// CancelChecker is consulted before a query starts. Optional.
	CancelChecker CancelChecker

	// Logger for query operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// MeterProvider supplies the meter for query metrics.
	// Default: a no-op provider
	MeterProvider metric.MeterProvider

	// TracerProvider supplies the tracer for query spans.
	// Default: a no-op provider
	TracerProvider trace.TracerProvider

	// Spec is the initial query spec. It can be changed later with the handle setters.
	Spec QuerySpec

	// MaxAttempts is the maximum number of attempts, counting both "no connection
	// available" and transport failures.
	// Default: 5
	MaxAttempts int

	// RetryDelay is the pause after each transient failure.
	// Default: 300ms
	RetryDelay time.Duration

	// Jitter shifts each retry delay by a random amount within ±Jitter, never below
	// zero. Zero disables jitter.
	// Default: 0
	Jitter time.Duration
}

// Option is a functional option for configuring a Handle.
type Option func(*Config)

// WithMaxAttempts sets the maximum number of attempts per query.
//
// Example:
//
//	unstable.WithMaxAttempts(3) // acquire/query at most 3 times
func WithMaxAttempts(attempts int) Option {
	return func(c *Config) {
		c.MaxAttempts = attempts
	}
}

// WithRetryDelay sets the pause after each transient failure.
func WithRetryDelay(delay time.Duration) Option {
	return func(c *Config) {
		c.RetryDelay = delay
	}
}

// WithJitter shifts every retry delay by a random amount within ±j, so that many handles
// watching the same restarting endpoint do not reconnect in lockstep.
func WithJitter(j time.Duration) Option {
	return func(c *Config) {
		c.Jitter = j
	}
}

// WithFailureClassifier sets a custom classifier for failed attempts.
//
// Example:
//
//	unstable.WithFailureClassifier(unstable.FailureClassifierFunc(func(err error) unstable.FailureClass {
//	    if errors.Is(err, syscall.ECONNRESET) {
//	        return unstable.FailureTransient
//	    }
//	    return unstable.DefaultFailureClassifier().Classify(err)
//	}))
func WithFailureClassifier(classifier FailureClassifier) Option {
	return func(c *Config) {
		c.Classifier = classifier
	}
}

// WithChangeListener sets the listener registered on each successful result.
func WithChangeListener(l ChangeListener) Option {
	return func(c *Config) {
		c.Listener = l
	}
}

// WithCancelChecker sets the check consulted before a query starts.
func WithCancelChecker(check CancelChecker) Option {
	return func(c *Config) {
		c.CancelChecker = check
	}
}

// WithQuerySpec sets the initial query spec.
func WithQuerySpec(spec QuerySpec) Option {
	return func(c *Config) {
		c.Spec = spec.clone()
	}
}

// WithLogger sets a custom logger.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	unstable.WithLogger(logger)
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider used for query metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Config) {
		c.MeterProvider = mp
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider used for query spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) {
		c.TracerProvider = tp
	}
}

// DefaultConfig returns handle configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:    DefaultMaxAttempts,
		RetryDelay:     DefaultRetryDelay,
		Classifier:     DefaultFailureClassifier(),
		Logger:         slog.Default(),
		MeterProvider:  metricnoop.NewMeterProvider(),
		TracerProvider: tracenoop.NewTracerProvider(),
	}
}

// BreakerConfig holds circuit breaker configuration for BreakerFactory.
type BreakerConfig struct {
	// ReadyToTrip is called with a copy of counts whenever an acquisition fails in the
	// closed state. Returning true opens the circuit.
	// Default: trips after 5 consecutive failures
	ReadyToTrip func(counts BreakerCounts) bool

	// OnStateChange is called whenever the breaker changes state.
	OnStateChange func(name string, from, to BreakerState)

	// Logger for breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Name identifies the breaker in logs and health output.
	// Default: "endpoint"
	Name string

	// Interval is the cyclic period of the closed state after which counts are cleared.
	// If 0, counts are never cleared.
	// Default: 30 seconds
	Interval time.Duration

	// Timeout is how long the breaker stays open before letting a probe through.
	// Default: 5 seconds
	Timeout time.Duration

	// MaxRequests is the number of probes allowed in the half-open state.
	// Default: 1
	MaxRequests uint32
}

// BreakerOption is a functional option for configuring a BreakerFactory.
type BreakerOption func(*BreakerConfig)

// BreakerCounts holds the internal counts of the breaker.
type BreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// BreakerState represents the state of the breaker.
type BreakerState int

const (
	// BreakerClosed means acquisitions reach the wrapped factory.
	BreakerClosed BreakerState = iota

	// BreakerHalfOpen means a limited number of probes are let through.
	BreakerHalfOpen

	// BreakerOpen means acquisitions are rejected without reaching the factory.
	BreakerOpen
)

// String returns the string representation of the breaker state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// WithBreakerName sets the breaker name.
func WithBreakerName(name string) BreakerOption {
	return func(c *BreakerConfig) {
		c.Name = name
	}
}

// WithBreakerMaxRequests sets the number of probes in the half-open state.
func WithBreakerMaxRequests(maxRequests uint32) BreakerOption {
	return func(c *BreakerConfig) {
		c.MaxRequests = maxRequests
	}
}

// WithBreakerInterval sets the interval for clearing counts in the closed state.
func WithBreakerInterval(interval time.Duration) BreakerOption {
	return func(c *BreakerConfig) {
		c.Interval = interval
	}
}

// WithBreakerTimeout sets how long the breaker stays open.
//
// Example:
//
//	unstable.WithBreakerTimeout(10 * time.Second)
func WithBreakerTimeout(timeout time.Duration) BreakerOption {
	return func(c *BreakerConfig) {
		c.Timeout = timeout
	}
}

// WithConsecutiveFailures opens the breaker after n consecutive failed acquisitions.
func WithConsecutiveFailures(n uint32) BreakerOption {
	return func(c *BreakerConfig) {
		c.ReadyToTrip = func(counts BreakerCounts) bool {
			return counts.ConsecutiveFailures >= n
		}
	}
}

// WithBreakerReadyToTrip sets a custom function to decide when to open the breaker.
func WithBreakerReadyToTrip(fn func(counts BreakerCounts) bool) BreakerOption {
	return func(c *BreakerConfig) {
		c.ReadyToTrip = fn
	}
}

// WithBreakerStateChangeHandler sets a callback for breaker state changes.
func WithBreakerStateChangeHandler(fn func(name string, from, to BreakerState)) BreakerOption {
	return func(c *BreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithBreakerLogger sets a custom logger for breaker operations.
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(c *BreakerConfig) {
		c.Logger = logger
	}
}

// DefaultBreakerConfig returns breaker configuration with sensible defaults.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		Name:        "endpoint",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts BreakerCounts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Logger: slog.Default(),
	}
}
