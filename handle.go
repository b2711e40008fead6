package unstable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// Handle owns at most one live connection to a remote endpoint and runs queries
// against it, reacquiring the connection when the endpoint process goes away.
//
// PerformQuery is meant to be called from one goroutine at a time. Cancel and Release
// may be called from any goroutine, including while PerformQuery is running.
type Handle struct {
	factory    EndpointFactory
	config     *Config
	logger     *slog.Logger
	classifier FailureClassifier
	metrics    *queryMetrics
	tracer     trace.Tracer
	stats      *queryStats

	specMu sync.RWMutex
	spec   QuerySpec

	// mu guards token. Cancel holds it while signalling so the signal can never land on
	// a token that PerformQuery is tearing down.
	mu    sync.Mutex
	token *CancellationToken

	// connMu guards the conn slot only; it is never held across a query.
	connMu sync.Mutex
	conn   Connection
}

// queryStats tracks query statistics.
type queryStats struct {
	mu                  sync.RWMutex
	totalQueries        int64
	totalAttempts       int64
	transientFailures   int64
	successes           int64
	exhausted           int64
	fatal               int64
	cancelled           int64
	deadlineExceeded    int64
	connectionsAcquired int64
	connectionsReleased int64
	lastAttemptTime     time.Time
	lastOutcome         string
	lastError           error
}

// NewHandle creates a handle that acquires connections from factory.
//
// Example:
//
//	h := unstable.NewHandle(
//	    factory,
//	    unstable.WithQuerySpec(unstable.QuerySpec{ResourceID: "content://contacts/people"}),
//	    unstable.WithLogger(logger),
//	)
//	defer h.Release()
func NewHandle(factory EndpointFactory, opts ...Option) *Handle {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Classifier == nil {
		config.Classifier = DefaultFailureClassifier()
	}
	if config.MeterProvider == nil {
		config.MeterProvider = DefaultConfig().MeterProvider
	}
	if config.TracerProvider == nil {
		config.TracerProvider = DefaultConfig().TracerProvider
	}

	metrics, err := newQueryMetrics(config.MeterProvider.Meter(instrumentationName))
	if err != nil {
		config.Logger.Warn("failed to create query metrics, metrics disabled", "error", err)
		// The no-op meter never fails.
		metrics, _ = newQueryMetrics(metricnoop.NewMeterProvider().Meter(instrumentationName))
	}

	return &Handle{
		factory:    factory,
		config:     config,
		logger:     config.Logger,
		classifier: config.Classifier,
		metrics:    metrics,
		tracer:     config.TracerProvider.Tracer(instrumentationName),
		stats:      &queryStats{},
		spec:       config.Spec.clone(),
	}
}

// PerformQuery runs the configured query, acquiring a connection first if none is held.
//
// Transient failures (no connection available, transport loss) are retried after the
// retry delay until MaxAttempts is spent, then the error matches ErrExhausted. There is
// no delay after the final attempt, so an exhausted query waits at most
// (MaxAttempts-1) × RetryDelay on top of its attempts. Any other failure aborts at once
// with a *FatalError. ErrCancelled is returned when the query was cancelled before it
// started or through its token. When ctx ends mid-query its error is returned as is.
func (h *Handle) PerformQuery(ctx context.Context) (Result, error) {
	if h.config.MaxAttempts <= 0 {
		return nil, errors.New("max attempts must be positive")
	}

	spec := h.QuerySpec()
	start := time.Now()

	token, err := h.begin(ctx)
	if err != nil {
		h.logger.Debug("query cancelled before start", "resource_id", spec.ResourceID)
		h.stats.recordOutcome(outcomeCancelled, err)
		h.metrics.recordOutcome(ctx, spec.ResourceID, outcomeCancelled, time.Since(start))
		return nil, err
	}
	defer h.end(token)

	ctx, span := h.tracer.Start(ctx, "unstable.PerformQuery",
		trace.WithAttributes(attribute.String("resource.id", spec.ResourceID)))
	defer span.End()

	// The remote call sees the token's context, so Cancel interrupts it, while keeping
	// the query span as parent.
	queryCtx := trace.ContextWithSpan(token.Context(), span)

	var (
		result    Result
		attempts  int
		lastClass FailureClass
	)

	err = retry.Do(ctx, h.backoff(), func(ctx context.Context) error {
		attempts++
		h.stats.recordAttempt()
		h.metrics.recordAttempt(ctx, spec.ResourceID)

		res, err := h.attempt(queryCtx, spec, token)
		if err == nil {
			result = res
			return nil
		}

		lastClass = h.classifier.Classify(err)
		if lastClass != FailureTransient {
			return err
		}

		// The connection is dead; the next attempt must acquire a fresh one.
		h.releaseConnection("transport failure")
		h.stats.recordTransient()
		h.metrics.recordTransient(ctx, spec.ResourceID)
		h.logger.Debug("endpoint unavailable, retrying after delay",
			"resource_id", spec.ResourceID,
			"attempt", attempts,
			"error", err)

		return retry.RetryableError(err)
	})

	result, err = h.complete(ctx, spec.ResourceID, attempts, lastClass, result, err)

	outcome := outcomeOf(err)
	span.SetAttributes(
		attribute.Int("query.attempts", attempts),
		attribute.String("query.outcome", outcome),
	)
	if outcome == outcomeFatal {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	h.stats.recordOutcome(outcome, err)
	h.metrics.recordOutcome(ctx, spec.ResourceID, outcome, time.Since(start))

	return result, err
}

// complete maps the result of the retry loop onto the caller-visible outcome.
func (h *Handle) complete(
	ctx context.Context,
	resourceID string,
	attempts int,
	lastClass FailureClass,
	result Result,
	err error,
) (Result, error) {
	if err == nil {
		if attempts > 1 {
			h.logger.Info("query succeeded after retry",
				"resource_id", resourceID,
				"attempts", attempts)
		}
		return result, nil
	}

	// The caller's context ended; retry.Do reports that before classification.
	if ctxErr := ctx.Err(); ctxErr != nil {
		h.logger.Warn("context done during query (expected condition)",
			"resource_id", resourceID,
			"attempts", attempts,
			"error", ctxErr)
		return nil, ctxErr
	}

	switch lastClass {
	case FailureCancelled:
		h.logger.Debug("query cancelled",
			"resource_id", resourceID,
			"attempts", attempts)
		if errors.Is(err, ErrCancelled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)

	case FailureTransient:
		h.logger.Warn("endpoint unreachable after retries",
			"resource_id", resourceID,
			"attempts", attempts,
			"error", err)
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)

	default:
		h.logger.Error("query failed, not retrying",
			"resource_id", resourceID,
			"attempt", attempts,
			"error", err)
		return nil, &FatalError{Attempt: attempts, Err: err}
	}
}

// attempt runs a single acquire-and-query step.
func (h *Handle) attempt(ctx context.Context, spec QuerySpec, token *CancellationToken) (Result, error) {
	conn, err := h.connection(ctx, spec.ResourceID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrNoConnection
	}

	res, err := conn.Query(ctx, spec, token)
	if err != nil {
		return nil, err
	}
	if res == nil {
		// The endpoint answered with no data; that is still a successful query.
		return nil, nil
	}

	// Load everything now so a later transport failure cannot hide in a lazy result.
	if err := res.Materialize(ctx); err != nil {
		return nil, err
	}
	if h.config.Listener != nil {
		res.RegisterChangeListener(h.config.Listener)
	}

	return res, nil
}

// connection returns the held connection, acquiring one if the slot is empty.
// A nil connection with a nil error means none is available right now.
func (h *Handle) connection(ctx context.Context, resourceID string) (Connection, error) {
	h.connMu.Lock()
	conn := h.conn
	h.connMu.Unlock()
	if conn != nil {
		return conn, nil
	}

	conn, err := h.factory.Acquire(ctx, resourceID)
	if err != nil || conn == nil {
		return nil, err
	}

	h.connMu.Lock()
	h.conn = conn
	h.connMu.Unlock()

	h.stats.recordAcquired()
	h.logger.Debug("acquired connection", "resource_id", resourceID)

	return conn, nil
}

// begin creates and publishes the token for a new query, unless the query was already
// cancelled.
func (h *Handle) begin(ctx context.Context) (*CancellationToken, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.config.CancelChecker != nil && h.config.CancelChecker() {
		return nil, ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	token := newCancellationToken(ctx)
	h.token = token
	return token, nil
}

// end clears the token slot and frees the token's context.
func (h *Handle) end(token *CancellationToken) {
	h.mu.Lock()
	if h.token == token {
		h.token = nil
	}
	h.mu.Unlock()

	token.finish()
}

// Cancel signals the token of the query in flight. It is a no-op when no query is
// running and is safe to call from any goroutine.
//
// OnCancel listeners run after the handle's lock is released, so they may call back
// into the handle.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.token == nil {
		h.mu.Unlock()
		return
	}
	listeners, ok := h.token.signal()
	h.mu.Unlock()

	if !ok {
		return
	}
	h.logger.Debug("cancellation requested for in-flight query")
	for _, fn := range listeners {
		fn()
	}
}

// Release tears down the held connection, if any. It is idempotent and meant for the
// owner discarding or resetting the handle; the retry loop drops dead connections on
// its own.
func (h *Handle) Release() {
	h.releaseConnection("handle released")
}

// releaseConnection empties the connection slot and releases what was in it.
func (h *Handle) releaseConnection(reason string) {
	h.connMu.Lock()
	conn := h.conn
	h.conn = nil
	h.connMu.Unlock()

	if conn == nil {
		return
	}

	h.stats.recordReleased()
	if err := conn.Release(); err != nil {
		h.logger.Warn("failed to release connection",
			"reason", reason,
			"error", err)
		return
	}
	h.logger.Debug("released connection", "reason", reason)
}

// backoff returns the delay schedule for one query. retry.Do counts the initial attempt,
// so MaxAttempts-1 retries are allowed.
func (h *Handle) backoff() retry.Backoff {
	maxRetries := h.config.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}

	delay := h.config.RetryDelay
	if delay < 0 {
		delay = 0
	}

	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		return delay, false
	})
	if h.config.Jitter > 0 {
		b = retry.WithJitter(h.config.Jitter, b)
	}

	return retry.WithMaxRetries(uint64(maxRetries), b) // #nosec G115 - non-negative checked above
}

// QuerySpec returns a copy of the current query spec.
func (h *Handle) QuerySpec() QuerySpec {
	h.specMu.RLock()
	defer h.specMu.RUnlock()
	return h.spec.clone()
}

// SetQuerySpec replaces the query spec used by the next PerformQuery.
func (h *Handle) SetQuerySpec(spec QuerySpec) {
	h.specMu.Lock()
	defer h.specMu.Unlock()
	h.spec = spec.clone()
}

// SetResourceID sets the identifier of the resource to query.
func (h *Handle) SetResourceID(id string) {
	h.specMu.Lock()
	defer h.specMu.Unlock()
	h.spec.ResourceID = id
}

// SetProjection sets the columns to return.
func (h *Handle) SetProjection(projection []string) {
	h.specMu.Lock()
	defer h.specMu.Unlock()
	h.spec.Projection = append([]string(nil), projection...)
}

// SetSelection sets the filter clause and its arguments.
func (h *Handle) SetSelection(selection string, args ...string) {
	h.specMu.Lock()
	defer h.specMu.Unlock()
	h.spec.Selection = selection
	h.spec.SelectionArgs = append([]string(nil), args...)
}

// SetSortOrder sets the ordering clause.
func (h *Handle) SetSortOrder(order string) {
	h.specMu.Lock()
	defer h.specMu.Unlock()
	h.spec.SortOrder = order
}

// outcomeOf names the outcome of a completed PerformQuery.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeSuccess
	case IsExhausted(err):
		return outcomeExhausted
	case IsFatal(err):
		return outcomeFatal
	case errors.Is(err, context.DeadlineExceeded):
		return outcomeDeadline
	default:
		return outcomeCancelled
	}
}

func (s *queryStats) recordAttempt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalAttempts++
	s.lastAttemptTime = time.Now()
}

func (s *queryStats) recordTransient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transientFailures++
}

func (s *queryStats) recordAcquired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionsAcquired++
}

func (s *queryStats) recordReleased() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionsReleased++
}

func (s *queryStats) recordOutcome(outcome string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalQueries++
	s.lastOutcome = outcome
	switch outcome {
	case outcomeSuccess:
		s.successes++
	case outcomeExhausted:
		s.exhausted++
	case outcomeFatal:
		s.fatal++
	case outcomeCancelled:
		s.cancelled++
	case outcomeDeadline:
		s.deadlineExceeded++
	}
	if err != nil {
		s.lastError = err
	}
}

// QueryStats holds statistics about queries run by a Handle.
type QueryStats struct {
	// TotalQueries is the number of completed PerformQuery calls.
	TotalQueries int64

	// TotalAttempts counts acquisition and query attempts across all queries.
	TotalAttempts int64

	// TransientFailures counts attempts that failed with a transient failure.
	TransientFailures int64

	// Successes, Exhausted, Fatal and Cancelled count queries by outcome.
	Successes int64
	Exhausted int64
	Fatal     int64
	Cancelled int64

	// DeadlineExceeded counts queries cut short by the caller's context deadline.
	DeadlineExceeded int64

	// ConnectionsAcquired and ConnectionsReleased count connection churn.
	ConnectionsAcquired int64
	ConnectionsReleased int64

	// LastAttemptTime is the time of the last attempt.
	LastAttemptTime time.Time

	// LastOutcome is the outcome of the last query ("success", "exhausted", "fatal",
	// "cancelled", "deadline_exceeded"), or empty if none completed yet.
	LastOutcome string

	// LastError is the last error returned by PerformQuery (if any).
	LastError error
}

// Stats returns a snapshot of the query statistics. It is safe for concurrent use.
func (h *Handle) Stats() QueryStats {
	h.stats.mu.RLock()
	defer h.stats.mu.RUnlock()

	return QueryStats{
		TotalQueries:        h.stats.totalQueries,
		TotalAttempts:       h.stats.totalAttempts,
		TransientFailures:   h.stats.transientFailures,
		Successes:           h.stats.successes,
		Exhausted:           h.stats.exhausted,
		Fatal:               h.stats.fatal,
		Cancelled:           h.stats.cancelled,
		DeadlineExceeded:    h.stats.deadlineExceeded,
		ConnectionsAcquired: h.stats.connectionsAcquired,
		ConnectionsReleased: h.stats.connectionsReleased,
		LastAttemptTime:     h.stats.lastAttemptTime,
		LastOutcome:         h.stats.lastOutcome,
		LastError:           h.stats.lastError,
	}
}
