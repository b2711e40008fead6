package unstable

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/JohnPlummer/jp-go-unstable"

// Query outcomes, used as the "outcome" metric attribute and span attribute.
const (
	outcomeSuccess   = "success"
	outcomeExhausted = "exhausted"
	outcomeFatal     = "fatal"
	outcomeCancelled = "cancelled"
	outcomeDeadline  = "deadline_exceeded"
)

// queryMetrics records per-query instruments.
type queryMetrics struct {
	attempts          metric.Int64Counter
	transientFailures metric.Int64Counter
	outcomes          metric.Int64Counter
	duration          metric.Float64Histogram
}

// newQueryMetrics creates the query instruments on meter.
func newQueryMetrics(meter metric.Meter) (*queryMetrics, error) {
	attempts, err := meter.Int64Counter(
		"unstable.query.attempts",
		metric.WithDescription("Connection acquisition and query attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	transientFailures, err := meter.Int64Counter(
		"unstable.query.transient_failures",
		metric.WithDescription("Attempts that failed because the endpoint was unavailable"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	outcomes, err := meter.Int64Counter(
		"unstable.query.outcomes",
		metric.WithDescription("Completed queries by outcome"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"unstable.query.duration_ms",
		metric.WithDescription("Query duration including retries in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &queryMetrics{
		attempts:          attempts,
		transientFailures: transientFailures,
		outcomes:          outcomes,
		duration:          duration,
	}, nil
}

func (m *queryMetrics) recordAttempt(ctx context.Context, resourceID string) {
	m.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("resource.id", resourceID)))
}

func (m *queryMetrics) recordTransient(ctx context.Context, resourceID string) {
	m.transientFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("resource.id", resourceID)))
}

func (m *queryMetrics) recordOutcome(ctx context.Context, resourceID, outcome string, d time.Duration) {
	opt := metric.WithAttributes(
		attribute.String("resource.id", resourceID),
		attribute.String("outcome", outcome),
	)
	m.outcomes.Add(ctx, 1, opt)
	m.duration.Record(ctx, float64(d)/float64(time.Millisecond), opt)
}
