package pipeline

import (
	"context"
	"fmt"

	"github.com/aegis-sre/aegis/pkg/orchestration/dependency"
	"github.com/aegis-sre/aegis/pkg/types"
)

// evidenceVectorDim is the fixed dimensionality of the fault-context feature
// vector fed to the in-memory similarity index: a small fixed-size bag of
// hashed error tokens is enough to rank past incidents by textual overlap
// without a real embedding model.
const evidenceVectorDim = 32

// enrichWithEvidence appends a citation of the most similar prior incident
// (if any) to rca.EvidenceSummary, then records the current incident for
// future lookups, using the in-memory vector fallback
// (pkg/orchestration/dependency) as the similarity index.
func enrichWithEvidence(store *dependency.InMemoryVectorFallback, fc types.FaultContext, rca types.RCAResult) types.RCAResult {
	vec := vectorize(fc)

	if result, err := store.ProvideFallback(context.Background(), "search", map[string]any{
		"vector": vec, "limit": 1,
	}); err == nil {
		if hits, ok := result.([]dependency.VectorSearchResult); ok && len(hits) > 0 && hits[0].Similarity > 0.6 {
			if cause, ok := hits[0].Metadata["root_cause"].(string); ok && cause != "" {
				rca.EvidenceSummary = append(rca.EvidenceSummary,
					fmt.Sprintf("similar past incident %s (similarity %.2f): %s", hits[0].ID, hits[0].Similarity, cause))
			}
		}
	}

	id := fmt.Sprintf("%s/%s/%s", fc.Resource.Namespace, fc.Resource.Kind, fc.Resource.Name)
	_, _ = store.ProvideFallback(context.Background(), "store", map[string]any{
		"id": id, "vector": vec,
		"metadata": map[string]any{"root_cause": rca.RootCause},
	})

	return rca
}

// vectorize hashes every finding error string into a fixed-size bucket
// vector, a cheap stand-in for a real text embedding.
func vectorize(fc types.FaultContext) []float64 {
	vec := make([]float64, evidenceVectorDim)
	for _, f := range fc.Findings {
		for _, e := range f.Errors {
			vec[hashBucket(e)]++
		}
	}
	for _, e := range fc.Errors {
		vec[hashBucket(e)]++
	}
	return vec
}

func hashBucket(s string) int {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return int(h % evidenceVectorDim)
}
