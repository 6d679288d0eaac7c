package dependency_test

import (
	"context"
	"fmt"
	"time"

	"github.com/aegis-sre/aegis/pkg/orchestration/dependency"
	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// Fallback Provider Logic specs run as part of TestCircuitBreaker's
// RunSpecs call (circuit_breaker_test.go) — Ginkgo v2 does not support
// RunSpecs being invoked more than once per test binary.
var _ = Describe("Fallback Provider Logic", func() {
	var (
		logger *logrus.Logger
		ctx    context.Context
	)

	BeforeEach(func() {
		logger = logrus.New()
		logger.SetLevel(logrus.ErrorLevel)
		ctx = context.Background()
	})

	Context("Vector Fallback Provider", func() {
		It("should provide in-memory vector storage fallback", func() {
			fallback := dependency.NewInMemoryVectorFallback(logger)

			params := map[string]interface{}{
				"id":     "test_pattern_1",
				"vector": []float64{0.1, 0.2, 0.3, 0.4, 0.5},
				"metadata": map[string]interface{}{
					"pattern_type": "cpu_spike",
					"namespace":    "production",
				},
			}

			result, err := fallback.ProvideFallback(ctx, "store", params)
			Expect(err).ToNot(HaveOccurred())
			Expect(result).ToNot(BeNil())

			metrics := fallback.GetMetrics()
			Expect(metrics.FallbacksProvided).To(Equal(int64(1)))
			Expect(metrics.TotalOperations).To(Equal(int64(1)))
			Expect(metrics.SuccessfulOperations).To(Equal(int64(1)))
		})

		It("should perform similarity search in fallback mode", func() {
			fallback := dependency.NewInMemoryVectorFallback(logger)

			vectors := []struct {
				id     string
				vector []float64
				meta   map[string]interface{}
			}{
				{"pattern_1", []float64{0.1, 0.2, 0.3}, map[string]interface{}{"type": "cpu"}},
				{"pattern_2", []float64{0.2, 0.3, 0.4}, map[string]interface{}{"type": "memory"}},
				{"pattern_3", []float64{0.1, 0.15, 0.25}, map[string]interface{}{"type": "cpu"}},
			}

			for _, v := range vectors {
				params := map[string]interface{}{"id": v.id, "vector": v.vector, "metadata": v.meta}
				_, err := fallback.ProvideFallback(ctx, "store", params)
				Expect(err).ToNot(HaveOccurred())
			}

			searchParams := map[string]interface{}{
				"vector": []float64{0.12, 0.18, 0.28},
				"limit":  2,
			}

			result, err := fallback.ProvideFallback(ctx, "search", searchParams)
			Expect(err).ToNot(HaveOccurred())

			searchResults, ok := result.([]dependency.VectorSearchResult)
			Expect(ok).To(BeTrue())
			Expect(len(searchResults)).To(BeNumerically(">=", 1))

			for _, res := range searchResults {
				Expect(res.Similarity).To(BeNumerically(">", 0.0))
				Expect(res.Similarity).To(BeNumerically("<=", 1.0))
			}
		})

		It("should calculate vector similarity with mathematical precision", func() {
			fallback := dependency.NewInMemoryVectorFallback(logger)

			testCases := []struct {
				name      string
				vector1   []float64
				vector2   []float64
				expected  float64
				tolerance float64
			}{
				{"identical_vectors", []float64{1, 0, 0}, []float64{1, 0, 0}, 1.0, 0.001},
				{"orthogonal_vectors", []float64{1, 0, 0}, []float64{0, 1, 0}, 0.0, 0.001},
				{"opposite_vectors", []float64{1, 0, 0}, []float64{-1, 0, 0}, -1.0, 0.001},
				{"similar_vectors", []float64{1, 1, 0}, []float64{1, 0.5, 0}, 0.949, 0.01},
			}

			for _, tc := range testCases {
				similarity := fallback.CalculateSimilarity(tc.vector1, tc.vector2)
				Expect(similarity).To(BeNumerically("~", tc.expected, tc.tolerance), tc.name)
			}
		})

		It("should handle edge cases in vector operations", func() {
			fallback := dependency.NewInMemoryVectorFallback(logger)

			similarity := fallback.CalculateSimilarity([]float64{0, 0, 0}, []float64{1, 2, 3})
			Expect(similarity).To(Equal(0.0))

			result, err := fallback.ProvideFallback(ctx, "search", map[string]interface{}{
				"vector": []float64{1, 2, 3},
				"limit":  5,
			})
			Expect(err).ToNot(HaveOccurred())

			searchResults, ok := result.([]dependency.VectorSearchResult)
			Expect(ok).To(BeTrue())
			Expect(len(searchResults)).To(Equal(0))
		})
	})

	Context("Pattern Store Fallback Provider", func() {
		It("should provide in-memory pattern storage fallback", func() {
			fallback := dependency.NewInMemoryPatternFallback(logger)

			pattern := map[string]interface{}{
				"id":           "pattern_cpu_spike_001",
				"type":         "cpu_spike",
				"namespace":    "production",
				"actions":      []string{"scale_up", "check_resources"},
				"success_rate": 0.85,
				"created_at":   time.Now().Unix(),
			}

			result, err := fallback.ProvideFallback(ctx, "store_pattern", map[string]interface{}{"pattern": pattern})
			Expect(err).ToNot(HaveOccurred())
			Expect(result).ToNot(BeNil())

			metrics := fallback.GetMetrics()
			Expect(metrics.FallbacksProvided).To(Equal(int64(1)))
			Expect(metrics.TotalOperations).To(Equal(int64(1)))
		})

		It("should retrieve patterns by type in fallback mode", func() {
			fallback := dependency.NewInMemoryPatternFallback(logger)

			patterns := []map[string]interface{}{
				{"id": "cpu_pattern_1", "type": "cpu_spike", "success_rate": 0.9},
				{"id": "memory_pattern_1", "type": "memory_leak", "success_rate": 0.8},
				{"id": "cpu_pattern_2", "type": "cpu_spike", "success_rate": 0.85},
			}

			for _, pattern := range patterns {
				_, err := fallback.ProvideFallback(ctx, "store_pattern", map[string]interface{}{"pattern": pattern})
				Expect(err).ToNot(HaveOccurred())
			}

			result, err := fallback.ProvideFallback(ctx, "get_patterns_by_type", map[string]interface{}{"type": "cpu_spike"})
			Expect(err).ToNot(HaveOccurred())

			retrievedPatterns, ok := result.([]map[string]interface{})
			Expect(ok).To(BeTrue())
			Expect(len(retrievedPatterns)).To(Equal(2))

			for _, pattern := range retrievedPatterns {
				Expect(pattern["type"]).To(Equal("cpu_spike"))
			}
		})

		It("should maintain pattern ordering by success rate", func() {
			fallback := dependency.NewInMemoryPatternFallback(logger)

			patterns := []map[string]interface{}{
				{"id": "pattern_low", "type": "test", "success_rate": 0.6},
				{"id": "pattern_high", "type": "test", "success_rate": 0.95},
				{"id": "pattern_medium", "type": "test", "success_rate": 0.8},
			}

			for _, pattern := range patterns {
				_, err := fallback.ProvideFallback(ctx, "store_pattern", map[string]interface{}{"pattern": pattern})
				Expect(err).ToNot(HaveOccurred())
			}

			result, err := fallback.ProvideFallback(ctx, "get_patterns_by_type", map[string]interface{}{
				"type":     "test",
				"order_by": "success_rate",
			})
			Expect(err).ToNot(HaveOccurred())

			retrievedPatterns, ok := result.([]map[string]interface{})
			Expect(ok).To(BeTrue())
			Expect(len(retrievedPatterns)).To(Equal(3))

			Expect(retrievedPatterns[0]["id"]).To(Equal("pattern_high"))
			Expect(retrievedPatterns[1]["id"]).To(Equal("pattern_medium"))
			Expect(retrievedPatterns[2]["id"]).To(Equal("pattern_low"))
		})
	})

	Context("LM Service Fallback Integration", func() {
		It("should provide graceful degradation for LM-backed decision making", func() {
			dm := dependency.NewDependencyManager(&dependency.DependencyConfig{
				EnableFallbacks: true,
			}, logger)

			vectorFallback := dependency.NewInMemoryVectorFallback(logger)
			patternFallback := dependency.NewInMemoryPatternFallback(logger)

			Expect(dm.RegisterFallback("vector_fallback", vectorFallback)).ToNot(HaveOccurred())
			Expect(dm.RegisterFallback("pattern_fallback", patternFallback)).ToNot(HaveOccurred())

			report := dm.GetHealthReport()
			Expect(report.FallbacksAvailable).To(ContainElement("vector_fallback"))
			Expect(report.FallbacksAvailable).To(ContainElement("pattern_fallback"))
		})

		It("should track fallback usage metrics accurately", func() {
			fallback := dependency.NewInMemoryVectorFallback(logger)

			operations := []string{"store", "search", "store", "search", "store"}

			for i, op := range operations {
				params := map[string]interface{}{
					"id":     fmt.Sprintf("test_%d", i),
					"vector": []float64{float64(i), float64(i + 1), float64(i + 2)},
				}
				if op == "search" {
					params = map[string]interface{}{
						"vector": []float64{0.5, 1.5, 2.5},
						"limit":  3,
					}
				}

				_, err := fallback.ProvideFallback(ctx, op, params)
				Expect(err).ToNot(HaveOccurred())
			}

			metrics := fallback.GetMetrics()
			Expect(metrics.TotalOperations).To(Equal(int64(5)))
			Expect(metrics.FallbacksProvided).To(Equal(int64(5)))
			Expect(metrics.SuccessfulOperations).To(Equal(int64(5)))
			Expect(metrics.FailedOperations).To(Equal(int64(0)))
		})
	})

	Context("Fallback Reliability and Performance", func() {
		It("should maintain acceptable performance under load", func() {
			fallback := dependency.NewInMemoryVectorFallback(logger)

			numVectors := 100
			start := time.Now()

			for i := 0; i < numVectors; i++ {
				params := map[string]interface{}{
					"id":       fmt.Sprintf("perf_test_%d", i),
					"vector":   []float64{float64(i), float64(i + 1), float64(i + 2)},
					"metadata": map[string]interface{}{"index": i},
				}
				_, err := fallback.ProvideFallback(ctx, "store", params)
				Expect(err).ToNot(HaveOccurred())
			}

			Expect(time.Since(start)).To(BeNumerically("<", 1*time.Second))

			start = time.Now()
			result, err := fallback.ProvideFallback(ctx, "search", map[string]interface{}{
				"vector": []float64{50, 51, 52},
				"limit":  10,
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(time.Since(start)).To(BeNumerically("<", 100*time.Millisecond))

			searchResults, ok := result.([]dependency.VectorSearchResult)
			Expect(ok).To(BeTrue())
			Expect(len(searchResults)).To(BeNumerically("<=", 10))
		})

		It("should handle concurrent operations safely", func() {
			fallback := dependency.NewInMemoryVectorFallback(logger)

			numGoroutines := 10
			operationsPerGoroutine := 20
			done := make(chan bool, numGoroutines)

			for i := 0; i < numGoroutines; i++ {
				go func(workerID int) {
					defer func() { done <- true }()
					for j := 0; j < operationsPerGoroutine; j++ {
						params := map[string]interface{}{
							"id":     fmt.Sprintf("concurrent_%d_%d", workerID, j),
							"vector": []float64{float64(workerID), float64(j), float64(workerID + j)},
						}
						_, err := fallback.ProvideFallback(ctx, "store", params)
						Expect(err).ToNot(HaveOccurred())
					}
				}(i)
			}

			for i := 0; i < numGoroutines; i++ {
				select {
				case <-done:
				case <-time.After(5 * time.Second):
					Fail("concurrent operations timed out")
				}
			}

			metrics := fallback.GetMetrics()
			expectedOperations := int64(numGoroutines * operationsPerGoroutine)
			Expect(metrics.TotalOperations).To(Equal(expectedOperations))
			Expect(metrics.SuccessfulOperations).To(Equal(expectedOperations))
		})
	})
})
