package unstable_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	unstable "github.com/JohnPlummer/jp-go-unstable"
)

var _ = Describe("BreakerFactory", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("passes connections through while closed", func() {
		provider := newScriptedProvider(stepSuccess)
		factory := unstable.NewBreakerFactory(provider, unstable.WithBreakerLogger(quietLogger()))

		conn, err := factory.Acquire(ctx, "content://a")
		Expect(err).NotTo(HaveOccurred())
		Expect(conn).NotTo(BeNil())
		Expect(factory.State()).To(Equal(unstable.BreakerClosed))
		Expect(factory.Counts().TotalSuccesses).To(Equal(uint32(1)))
	})

	It("reports no connection as (nil, nil) but counts it as a failure", func() {
		provider := newScriptedProvider(stepUnavailable)
		factory := unstable.NewBreakerFactory(provider, unstable.WithBreakerLogger(quietLogger()))

		conn, err := factory.Acquire(ctx, "content://a")
		Expect(err).NotTo(HaveOccurred())
		Expect(conn).To(BeNil())
		Expect(factory.Counts().ConsecutiveFailures).To(Equal(uint32(1)))
	})

	It("opens after consecutive failures and stops calling the factory", func() {
		var (
			mu          sync.Mutex
			transitions []unstable.BreakerState
		)
		provider := newScriptedProvider(stepUnavailable)
		factory := unstable.NewBreakerFactory(provider,
			unstable.WithBreakerName("contacts"),
			unstable.WithConsecutiveFailures(2),
			unstable.WithBreakerTimeout(time.Hour),
			unstable.WithBreakerLogger(quietLogger()),
			unstable.WithBreakerStateChangeHandler(func(name string, from, to unstable.BreakerState) {
				mu.Lock()
				defer mu.Unlock()
				transitions = append(transitions, to)
			}),
		)

		for i := 0; i < 2; i++ {
			_, err := factory.Acquire(ctx, "content://a")
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(factory.State()).To(Equal(unstable.BreakerOpen))

		conn, err := factory.Acquire(ctx, "content://a")
		Expect(conn).To(BeNil())
		Expect(unstable.DefaultFailureClassifier().Classify(err)).To(Equal(unstable.FailureTransient))
		Expect(provider.acquireCount()).To(Equal(2))

		health := factory.GetHealth()
		Expect(health.Healthy).To(BeFalse())
		Expect(health.Name).To(Equal("contacts"))
		Expect(health.State).To(Equal("open"))

		mu.Lock()
		defer mu.Unlock()
		Expect(transitions).To(Equal([]unstable.BreakerState{unstable.BreakerOpen}))
	})

	It("lets a probe through after the timeout", func() {
		provider := newScriptedProvider(stepSuccess, stepUnavailable)
		factory := unstable.NewBreakerFactory(provider,
			unstable.WithConsecutiveFailures(1),
			unstable.WithBreakerTimeout(10*time.Millisecond),
			unstable.WithBreakerLogger(quietLogger()),
		)

		_, err := factory.Acquire(ctx, "content://a")
		Expect(err).NotTo(HaveOccurred())
		Expect(factory.State()).To(Equal(unstable.BreakerOpen))

		Eventually(factory.State).Should(Equal(unstable.BreakerHalfOpen))

		conn, err := factory.Acquire(ctx, "content://a")
		Expect(err).NotTo(HaveOccurred())
		Expect(conn).NotTo(BeNil())
		Expect(factory.State()).To(Equal(unstable.BreakerClosed))
	})

	It("does not count cancelled acquisitions against the endpoint", func() {
		factory := unstable.NewBreakerFactory(
			unstable.EndpointFactoryFunc(func(ctx context.Context, id string) (unstable.Connection, error) {
				return nil, context.Canceled
			}),
			unstable.WithConsecutiveFailures(1),
			unstable.WithBreakerLogger(quietLogger()),
		)

		_, err := factory.Acquire(ctx, "content://a")
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
		Expect(factory.State()).To(Equal(unstable.BreakerClosed))
	})

	It("lets a handle spend attempts on an open breaker and report exhaustion", func() {
		provider := newScriptedProvider(stepUnavailable)
		factory := unstable.NewBreakerFactory(provider,
			unstable.WithConsecutiveFailures(2),
			unstable.WithBreakerTimeout(time.Hour),
			unstable.WithBreakerLogger(quietLogger()),
		)
		h := unstable.NewHandle(factory,
			unstable.WithRetryDelay(time.Millisecond),
			unstable.WithLogger(quietLogger()),
		)

		_, err := h.PerformQuery(ctx)
		Expect(unstable.IsExhausted(err)).To(BeTrue())
		Expect(provider.acquireCount()).To(Equal(2))
		Expect(h.Stats().TotalAttempts).To(Equal(int64(unstable.DefaultMaxAttempts)))

		health := h.Health()
		Expect(health.Healthy).To(BeFalse())
		Expect(health.Breaker).NotTo(BeNil())
		Expect(health.Breaker.State).To(Equal("open"))
	})

	It("names its states", func() {
		Expect(unstable.BreakerClosed.String()).To(Equal("closed"))
		Expect(unstable.BreakerHalfOpen.String()).To(Equal("half-open"))
		Expect(unstable.BreakerOpen.String()).To(Equal("open"))
		Expect(unstable.BreakerState(9).String()).To(Equal("unknown"))
	})
})
