package dependency

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// FallbackProvider serves degraded-but-functional responses for an
// operation name + parameter bag when the real backend is unreachable.
type FallbackProvider interface {
	ProvideFallback(ctx context.Context, operation string, params map[string]any) (any, error)
	GetMetrics() FallbackMetrics
}

// FallbackMetrics tracks how often a fallback has been exercised.
type FallbackMetrics struct {
	TotalOperations      int64
	SuccessfulOperations int64
	FailedOperations     int64
	FallbacksProvided    int64
}

// VectorSearchResult is one hit from an in-memory similarity search.
type VectorSearchResult struct {
	ID         string
	Vector     []float64
	Metadata   map[string]any
	Similarity float64
}

// InMemoryVectorFallback stands in for a vector database (used by the
// evidence-similarity lookup in the agent pipeline) when the real backend
// is down: cosine-similarity search over an in-process slice.
type InMemoryVectorFallback struct {
	mu      sync.Mutex
	entries []vectorEntry
	metrics FallbackMetrics
	logger  *logrus.Logger
}

type vectorEntry struct {
	id       string
	vector   []float64
	metadata map[string]any
}

// NewInMemoryVectorFallback builds an empty vector fallback.
func NewInMemoryVectorFallback(logger *logrus.Logger) *InMemoryVectorFallback {
	return &InMemoryVectorFallback{logger: logger}
}

func (f *InMemoryVectorFallback) ProvideFallback(ctx context.Context, operation string, params map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.metrics.TotalOperations++

	switch operation {
	case "store":
		result, err := f.store(params)
		f.recordOutcome(err)
		return result, err
	case "search":
		result, err := f.search(params)
		f.recordOutcome(err)
		return result, err
	default:
		f.metrics.FailedOperations++
		return nil, fmt.Errorf("unsupported vector fallback operation: %s", operation)
	}
}

func (f *InMemoryVectorFallback) recordOutcome(err error) {
	if err != nil {
		f.metrics.FailedOperations++
		return
	}
	f.metrics.SuccessfulOperations++
	f.metrics.FallbacksProvided++
}

func (f *InMemoryVectorFallback) store(params map[string]any) (any, error) {
	id, _ := params["id"].(string)
	vector, ok := params["vector"].([]float64)
	if !ok || id == "" {
		return nil, fmt.Errorf("store requires an id and a []float64 vector")
	}
	metadata, _ := params["metadata"].(map[string]any)

	f.entries = append(f.entries, vectorEntry{id: id, vector: vector, metadata: metadata})
	return map[string]any{"id": id, "stored": true}, nil
}

func (f *InMemoryVectorFallback) search(params map[string]any) (any, error) {
	query, ok := params["vector"].([]float64)
	if !ok {
		return nil, fmt.Errorf("search requires a []float64 vector")
	}
	limit, _ := params["limit"].(int)
	if limit <= 0 {
		limit = 10
	}

	results := make([]VectorSearchResult, 0, len(f.entries))
	for _, e := range f.entries {
		results = append(results, VectorSearchResult{
			ID:         e.id,
			Vector:     e.vector,
			Metadata:   e.metadata,
			Similarity: f.CalculateSimilarity(query, e.vector),
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// CalculateSimilarity returns the cosine similarity of a and b, or 0 when
// either vector has zero magnitude or their lengths differ.
func (f *InMemoryVectorFallback) CalculateSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// GetMetrics returns a snapshot of f's usage counters.
func (f *InMemoryVectorFallback) GetMetrics() FallbackMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics
}

// InMemoryPatternFallback stands in for the incident-pattern store: keeps
// past-remediation patterns keyed by type, ranked by recorded success rate.
type InMemoryPatternFallback struct {
	mu       sync.Mutex
	patterns []map[string]any
	metrics  FallbackMetrics
	logger   *logrus.Logger
}

// NewInMemoryPatternFallback builds an empty pattern fallback.
func NewInMemoryPatternFallback(logger *logrus.Logger) *InMemoryPatternFallback {
	return &InMemoryPatternFallback{logger: logger}
}

func (f *InMemoryPatternFallback) ProvideFallback(ctx context.Context, operation string, params map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.metrics.TotalOperations++

	switch operation {
	case "store_pattern":
		result, err := f.storePattern(params)
		f.recordOutcome(err)
		return result, err
	case "get_patterns_by_type":
		result, err := f.getPatternsByType(params)
		f.recordOutcome(err)
		return result, err
	default:
		f.metrics.FailedOperations++
		return nil, fmt.Errorf("unsupported pattern fallback operation: %s", operation)
	}
}

func (f *InMemoryPatternFallback) recordOutcome(err error) {
	if err != nil {
		f.metrics.FailedOperations++
		return
	}
	f.metrics.SuccessfulOperations++
	f.metrics.FallbacksProvided++
}

func (f *InMemoryPatternFallback) storePattern(params map[string]any) (any, error) {
	pattern, ok := params["pattern"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("store_pattern requires a pattern map")
	}
	f.patterns = append(f.patterns, pattern)
	return map[string]any{"stored": true}, nil
}

func (f *InMemoryPatternFallback) getPatternsByType(params map[string]any) (any, error) {
	patternType, _ := params["type"].(string)

	matched := make([]map[string]any, 0)
	for _, p := range f.patterns {
		if t, _ := p["type"].(string); t == patternType {
			matched = append(matched, p)
		}
	}

	if orderBy, _ := params["order_by"].(string); orderBy == "success_rate" {
		sort.Slice(matched, func(i, j int) bool {
			ri, _ := matched[i]["success_rate"].(float64)
			rj, _ := matched[j]["success_rate"].(float64)
			return ri > rj
		})
	}

	return matched, nil
}

// GetMetrics returns a snapshot of f's usage counters.
func (f *InMemoryPatternFallback) GetMetrics() FallbackMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics
}
