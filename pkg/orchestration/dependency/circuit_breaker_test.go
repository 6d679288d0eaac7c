package dependency_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/aegis-sre/aegis/pkg/orchestration/dependency"
	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCircuitBreaker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Dependency Manager Circuit Breaker Suite")
}

var _ = Describe("Circuit Breaker State Management", func() {
	BeforeEach(func() {
		logrus.StandardLogger().SetLevel(logrus.ErrorLevel)
	})

	Context("Circuit Breaker State Transitions", func() {
		It("should initialize with closed state and correct configuration", func() {
			cb := dependency.NewCircuitBreaker("test-circuit", 0.5, 60*time.Second)

			Expect(cb.GetState()).To(Equal(dependency.CircuitStateClosed))
			Expect(cb.GetName()).To(Equal("test-circuit"))
			Expect(cb.GetFailureThreshold()).To(Equal(0.5))
			Expect(cb.GetResetTimeout()).To(Equal(60 * time.Second))
		})

		It("should transition from Closed to Open when failure threshold is reached", func() {
			cb := dependency.NewCircuitBreaker("test-circuit", 0.5, 60*time.Second)

			for i := 0; i < 2; i++ {
				Expect(cb.Call(func() error { return nil })).ToNot(HaveOccurred())
			}
			for i := 0; i < 3; i++ {
				Expect(cb.Call(func() error { return fmt.Errorf("failure") })).To(HaveOccurred())
			}

			Expect(cb.GetState()).To(Equal(dependency.CircuitStateOpen))
			Expect(cb.GetFailureRate()).To(BeNumerically("~", 0.6, 0.01))
		})

		It("should calculate failure rate with mathematical precision", func() {
			cb := dependency.NewCircuitBreaker("test-circuit", 0.6, 60*time.Second)

			for i := 0; i < 4; i++ {
				Expect(cb.Call(func() error { return nil })).ToNot(HaveOccurred())
			}
			for i := 0; i < 6; i++ {
				Expect(cb.Call(func() error { return fmt.Errorf("failure") })).To(HaveOccurred())
			}

			Expect(cb.GetFailureRate()).To(BeNumerically("~", 0.6, 0.001))
			Expect(cb.GetState()).To(Equal(dependency.CircuitStateOpen))
		})

		It("should remain closed when failure rate is below threshold", func() {
			cb := dependency.NewCircuitBreaker("test-circuit", 0.5, 60*time.Second)

			for i := 0; i < 6; i++ {
				Expect(cb.Call(func() error { return nil })).ToNot(HaveOccurred())
			}
			for i := 0; i < 4; i++ {
				Expect(cb.Call(func() error { return fmt.Errorf("failure") })).To(HaveOccurred())
			}

			Expect(cb.GetFailureRate()).To(BeNumerically("~", 0.4, 0.001))
			Expect(cb.GetState()).To(Equal(dependency.CircuitStateClosed))
		})

		It("should transition to Half-Open after reset timeout then close on success", func() {
			cb := dependency.NewCircuitBreaker("test-circuit", 0.5, 10*time.Millisecond)

			for i := 0; i < 10; i++ {
				_ = cb.Call(func() error { return fmt.Errorf("failure") })
			}
			Expect(cb.GetState()).To(Equal(dependency.CircuitStateOpen))

			time.Sleep(15 * time.Millisecond)

			Expect(cb.Call(func() error { return nil })).ToNot(HaveOccurred())
			Expect(cb.GetState()).To(Equal(dependency.CircuitStateClosed))
		})

		It("should transition from Half-Open to Closed on successful call", func() {
			cb := dependency.NewCircuitBreaker("test-circuit", 0.5, 1*time.Millisecond)

			for i := 0; i < 10; i++ {
				_ = cb.Call(func() error { return fmt.Errorf("failure") })
			}
			Expect(cb.GetState()).To(Equal(dependency.CircuitStateOpen))

			time.Sleep(2 * time.Millisecond)
			Expect(cb.Call(func() error { return nil })).ToNot(HaveOccurred())

			Expect(cb.GetState()).To(Equal(dependency.CircuitStateClosed))
			Expect(cb.GetFailures()).To(Equal(int64(0)))
		})

		It("should transition from Half-Open back to Open on failure", func() {
			cb := dependency.NewCircuitBreaker("test-circuit", 0.5, 1*time.Millisecond)

			for i := 0; i < 10; i++ {
				_ = cb.Call(func() error { return fmt.Errorf("failure") })
			}
			Expect(cb.GetState()).To(Equal(dependency.CircuitStateOpen))

			time.Sleep(2 * time.Millisecond)
			Expect(cb.Call(func() error { return fmt.Errorf("recovery failure") })).To(HaveOccurred())

			Expect(cb.GetState()).To(Equal(dependency.CircuitStateOpen))
		})

		It("should reject calls when circuit is open", func() {
			cb := dependency.NewCircuitBreaker("test-circuit", 0.3, 60*time.Second)

			for i := 0; i < 10; i++ {
				_ = cb.Call(func() error { return fmt.Errorf("failure") })
			}
			Expect(cb.GetState()).To(Equal(dependency.CircuitStateOpen))

			functionCalled := false
			err := cb.Call(func() error {
				functionCalled = true
				return nil
			})

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("circuit breaker is open"))
			Expect(functionCalled).To(BeFalse())
		})

		It("should handle edge cases in failure rate calculation", func() {
			cb := dependency.NewCircuitBreaker("test-circuit", 0.5, 60*time.Second)

			Expect(cb.GetFailureRate()).To(Equal(0.0))
			Expect(cb.GetState()).To(Equal(dependency.CircuitStateClosed))

			Expect(cb.Call(func() error { return nil })).ToNot(HaveOccurred())
			Expect(cb.GetFailureRate()).To(Equal(0.0))

			cb2 := dependency.NewCircuitBreaker("test-circuit-2", 0.5, 60*time.Second)
			Expect(cb2.Call(func() error { return fmt.Errorf("failure") })).To(HaveOccurred())
			Expect(cb2.GetFailureRate()).To(Equal(1.0))
		})
	})

	Context("LM Service Circuit Breaker Integration", func() {
		It("should remain closed for a failure rate below threshold", func() {
			cb := dependency.NewCircuitBreaker("llm-service", 0.4, 30*time.Second)

			for i := 0; i < 7; i++ {
				Expect(cb.Call(func() error { return nil })).ToNot(HaveOccurred())
			}
			for i := 0; i < 3; i++ {
				Expect(cb.Call(func() error { return fmt.Errorf("llm service timeout") })).To(HaveOccurred())
			}

			Expect(cb.GetFailureRate()).To(BeNumerically("~", 0.3, 0.01))
			Expect(cb.GetState()).To(Equal(dependency.CircuitStateClosed))
		})

		It("should protect against cascading LM service failures", func() {
			cb := dependency.NewCircuitBreaker("llm-service", 0.6, 100*time.Millisecond)

			for i := 0; i < 10; i++ {
				Expect(cb.Call(func() error { return fmt.Errorf("llm service unavailable") })).To(HaveOccurred())
			}
			Expect(cb.GetState()).To(Equal(dependency.CircuitStateOpen))

			start := time.Now()
			err := cb.Call(func() error {
				time.Sleep(100 * time.Millisecond)
				return nil
			})
			duration := time.Since(start)

			Expect(err).To(HaveOccurred())
			Expect(duration).To(BeNumerically("<", 10*time.Millisecond))
		})
	})
})
