package unstable

// HealthStatus is a snapshot of a Handle's health.
type HealthStatus struct {
	// Healthy is false when the last query exhausted its attempts or failed fatally,
	// or when the endpoint breaker is open.
	Healthy bool `json:"healthy"`

	// Status is a short description: "idle", "connected", "disconnected",
	// "unreachable" or "failing".
	Status string `json:"status"`

	// ResourceID is the resource the handle queries.
	ResourceID string `json:"resource_id"`

	// Connected reports whether a connection is currently held.
	Connected bool `json:"connected"`

	// QueryActive reports whether a query is in flight.
	QueryActive bool `json:"query_active"`

	// LastOutcome is the outcome of the last completed query.
	LastOutcome string `json:"last_outcome,omitempty"`

	// TotalQueries is the number of completed queries.
	TotalQueries int64 `json:"total_queries"`

	// TransientFailures is the number of transient failures seen.
	TransientFailures int64 `json:"transient_failures"`

	// Breaker is set when the handle acquires through a BreakerFactory.
	Breaker *BreakerHealth `json:"breaker,omitempty"`
}

// BreakerHealth represents the health of a BreakerFactory.
type BreakerHealth struct {
	// Healthy is true for the closed and half-open states.
	Healthy bool `json:"healthy"`

	// Name is the breaker name.
	Name string `json:"name"`

	// State is "closed", "half-open" or "open".
	State string `json:"state"`

	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

type breakerHealthReporter interface {
	GetHealth() BreakerHealth
}

// Health returns the current health of the handle.
func (h *Handle) Health() HealthStatus {
	h.connMu.Lock()
	connected := h.conn != nil
	h.connMu.Unlock()

	h.mu.Lock()
	active := h.token != nil
	h.mu.Unlock()

	stats := h.Stats()

	status := HealthStatus{
		Healthy:           true,
		ResourceID:        h.QuerySpec().ResourceID,
		Connected:         connected,
		QueryActive:       active,
		LastOutcome:       stats.LastOutcome,
		TotalQueries:      stats.TotalQueries,
		TransientFailures: stats.TransientFailures,
	}

	switch {
	case stats.LastOutcome == outcomeExhausted:
		status.Healthy = false
		status.Status = "unreachable"
	case stats.LastOutcome == outcomeFatal:
		status.Healthy = false
		status.Status = "failing"
	case connected:
		status.Status = "connected"
	case stats.TotalQueries == 0 && !active:
		status.Status = "idle"
	default:
		status.Status = "disconnected"
	}

	if reporter, ok := h.factory.(breakerHealthReporter); ok {
		breaker := reporter.GetHealth()
		status.Breaker = &breaker
		if !breaker.Healthy {
			status.Healthy = false
		}
	}

	return status
}
