package unstable_test

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	unstable "github.com/JohnPlummer/jp-go-unstable"
)

var _ = Describe("HealthStatus", func() {
	newHandle := func(provider unstable.EndpointFactory) *unstable.Handle {
		return unstable.NewHandle(provider,
			unstable.WithQuerySpec(unstable.QuerySpec{ResourceID: "content://contacts/people"}),
			unstable.WithRetryDelay(time.Millisecond),
			unstable.WithLogger(quietLogger()),
		)
	}

	Describe("Handle.Health", func() {
		It("is idle before the first query", func() {
			h := newHandle(newScriptedProvider(stepSuccess))

			health := h.Health()
			Expect(health.Healthy).To(BeTrue())
			Expect(health.Status).To(Equal("idle"))
			Expect(health.ResourceID).To(Equal("content://contacts/people"))
			Expect(health.Connected).To(BeFalse())
			Expect(health.Breaker).To(BeNil())
		})

		It("is connected after a successful query", func() {
			h := newHandle(newScriptedProvider(stepSuccess))
			_, err := h.PerformQuery(context.Background())
			Expect(err).NotTo(HaveOccurred())

			health := h.Health()
			Expect(health.Healthy).To(BeTrue())
			Expect(health.Status).To(Equal("connected"))
			Expect(health.LastOutcome).To(Equal("success"))
			Expect(health.TotalQueries).To(Equal(int64(1)))
		})

		It("is disconnected after release", func() {
			h := newHandle(newScriptedProvider(stepSuccess))
			_, err := h.PerformQuery(context.Background())
			Expect(err).NotTo(HaveOccurred())
			h.Release()

			Expect(h.Health().Status).To(Equal("disconnected"))
		})

		It("is unreachable after exhaustion", func() {
			h := newHandle(newScriptedProvider(stepTransport))
			_, err := h.PerformQuery(context.Background())
			Expect(unstable.IsExhausted(err)).To(BeTrue())

			health := h.Health()
			Expect(health.Healthy).To(BeFalse())
			Expect(health.Status).To(Equal("unreachable"))
			Expect(health.TransientFailures).To(Equal(int64(unstable.DefaultMaxAttempts)))
		})

		It("is failing after a fatal error", func() {
			h := newHandle(newScriptedProvider(stepFatal))
			_, err := h.PerformQuery(context.Background())
			Expect(unstable.IsFatal(err)).To(BeTrue())

			health := h.Health()
			Expect(health.Healthy).To(BeFalse())
			Expect(health.Status).To(Equal("failing"))
		})
	})

	Describe("JSON Marshaling", func() {
		It("should marshal to JSON correctly", func() {
			health := unstable.HealthStatus{
				Healthy:           false,
				Status:            "unreachable",
				ResourceID:        "content://contacts/people",
				LastOutcome:       "exhausted",
				TotalQueries:      3,
				TransientFailures: 5,
				Breaker: &unstable.BreakerHealth{
					Name:          "contacts",
					State:         "open",
					TotalFailures: 5,
				},
			}

			data, err := json.Marshal(health)
			Expect(err).To(BeNil())

			var unmarshaled map[string]interface{}
			err = json.Unmarshal(data, &unmarshaled)
			Expect(err).To(BeNil())

			Expect(unmarshaled["healthy"]).To(BeFalse())
			Expect(unmarshaled["status"]).To(Equal("unreachable"))
			Expect(unmarshaled["resource_id"]).To(Equal("content://contacts/people"))
			Expect(unmarshaled["connected"]).To(BeFalse())
			Expect(unmarshaled["query_active"]).To(BeFalse())
			Expect(unmarshaled["last_outcome"]).To(Equal("exhausted"))
			Expect(unmarshaled["total_queries"]).To(BeNumerically("==", 3))
			Expect(unmarshaled["transient_failures"]).To(BeNumerically("==", 5))

			breaker, ok := unmarshaled["breaker"].(map[string]interface{})
			Expect(ok).To(BeTrue())
			Expect(breaker["state"]).To(Equal("open"))
			Expect(breaker["total_failures"]).To(BeNumerically("==", 5))
		})

		It("omits the breaker when none is configured", func() {
			data, err := json.Marshal(unstable.HealthStatus{Healthy: true, Status: "idle"})
			Expect(err).To(BeNil())
			Expect(string(data)).NotTo(ContainSubstring("breaker"))
			Expect(string(data)).NotTo(ContainSubstring("last_outcome"))
		})
	})
})
