package diagnostics

import (
	"context"
	"encoding/json"
)

// mockScenarios maps a "kind/name" key to a canned diagnostic-tool JSON
// payload, used for offline demos and tests when no diagnostic tool is
// configured (spec.md §4.2). Unknown resources fall back to a generic
// empty-findings payload rather than failing.
var mockScenarios = map[string]rawFinding{
	"Pod/demo-api-7fbd": {
		Kind: "Pod", Name: "demo-api-7fbd", Namespace: "production",
		Errors: []string{"Container OOMKilled", "CrashLoopBackOff"},
	},
	"Deployment/demo-worker": {
		Kind: "Deployment", Name: "demo-worker", Namespace: "production",
		Errors: []string{"replica shortfall: 1/4 ready"},
	},
	"Pod/demo-api-badimage": {
		Kind: "Pod", Name: "demo-api-badimage", Namespace: "staging",
		Errors: []string{"ImagePullBackOff", "ErrImagePull"},
	},
}

// mockInvoker answers Collector requests with a canned scenario when one
// matches kind/name, or an empty-findings payload otherwise.
func mockInvoker(ctx context.Context, kind, namespace, name string) ([]byte, error) {
	key := kind + "/" + name
	finding, ok := mockScenarios[key]
	if !ok {
		finding = rawFinding{Kind: kind, Name: name, Namespace: namespace}
	}

	payload := struct {
		Findings []rawFinding `json:"findings"`
	}{Findings: []rawFinding{finding}}

	return json.Marshal(payload)
}
