package shadow

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	pipelinev1 "github.com/tektoncd/pipeline/pkg/apis/pipeline/v1"
	tektonclient "github.com/tektoncd/pipeline/pkg/client/clientset/versioned"

	"github.com/aegis-sre/aegis/pkg/types"
)

// TektonExporter submits a VerificationPlan's test scenarios as a Tekton
// TaskRun in the shadow namespace, for clusters that already run
// Tekton-based test pipelines (spec.md §9 supplement). It is optional: a nil
// *TektonExporter means run_verification drives its own health-sampling loop
// with no TaskRun exported at all.
type TektonExporter struct {
	client tektonclient.Interface
	logger *logrus.Logger
}

// NewTektonExporter wraps a Tekton clientset. Returns nil when client is nil
// so callers can pass through an optional config value unconditionally.
func NewTektonExporter(client tektonclient.Interface, logger *logrus.Logger) *TektonExporter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TektonExporter{client: client, logger: logger}
}

// taskRunName keeps TaskRun names within Kubernetes' 253-char DNS-subdomain
// limit and unique per verification run.
func taskRunName(envID string) string {
	return "aegis-verify-" + envID
}

// Export creates a TaskRun in env.Namespace with one shell step per test
// scenario in plan, each in the alpine/curl image and echoing the scenario
// text, so the cluster's own Tekton dashboard shows verification
// progress alongside aegis's own health sampling. It does not wait for
// completion: run_verification's own monitoring loop remains the source of
// truth for pass/fail.
func (t *TektonExporter) Export(ctx context.Context, env types.ShadowEnvironment, plan types.VerificationPlan) error {
	if t == nil {
		return nil
	}

	steps := make([]pipelinev1.Step, 0, len(plan.TestScenarios))
	for i, scenario := range plan.TestScenarios {
		steps = append(steps, pipelinev1.Step{
			Name:    fmt.Sprintf("scenario-%d", i),
			Image:   "alpine/curl:latest",
			Script:  "#!/bin/sh\nset -e\necho " + quoteShell(scenario),
		})
	}
	if len(steps) == 0 {
		return nil
	}

	taskRun := &pipelinev1.TaskRun{
		ObjectMeta: metav1.ObjectMeta{
			Name:      taskRunName(env.ID),
			Namespace: env.Namespace,
			Labels: map[string]string{
				"aegis.io/shadow": env.ID,
			},
		},
		Spec: pipelinev1.TaskRunSpec{
			TaskSpec: &pipelinev1.TaskSpec{
				Steps: steps,
			},
		},
	}

	_, err := t.client.TektonV1().TaskRuns(env.Namespace).Create(ctx, taskRun, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("create verification taskrun: %w", err)
	}
	return nil
}

// quoteShell wraps s in single quotes for embedding in a shell script,
// escaping any single quotes it already contains.
func quoteShell(s string) string {
	escaped := ""
	for _, r := range s {
		if r == '\'' {
			escaped += `'\''`
			continue
		}
		escaped += string(r)
	}
	return "'" + escaped + "'"
}
