package llm

import (
	"fmt"
	"strings"

	"github.com/aegis-sre/aegis/pkg/types"
)

// rcaPromptTemplate uses <|system|>/<|user|>/<|assistant|> delimiters so
// every provider backend, including plain completion endpoints with no chat
// roles, receives the same framing.
const rcaPromptTemplate = `<|system|>
You are an SRE root-cause analysis assistant for a Kubernetes remediation
system. Respond with a single JSON object matching the requested schema.
No prose outside the JSON object.
<|user|>
Analyze the following fault context and determine the root cause.

Resource: %s/%s (%s)
Diagnostic findings:
%s
Log tail:
%s
Events:
%s

CRITICAL DECISION RULES:
- confidence must be a float between 0.0 and 1.0
- root_cause must name the single most likely cause, not a list of symptoms
- decision_rationale must explain why competing hypotheses were rejected
<|assistant|>
`

const fixPromptTemplate = `<|system|>
You are an SRE remediation-proposal assistant. Respond with a single JSON
object matching the requested schema. No prose outside the JSON object.
<|user|>
Given this root-cause analysis, propose a fix.

Root cause: %s
Contributing factors: %s
Confidence: %v

AVAILABLE ACTIONS: config-change, restart, scale, rollback, patch, manual.

CRITICAL DECISION RULES:
- kind must be exactly one of the available actions
- commands and manifests may both be empty only when kind is manual
- every risk must be actionable, not generic boilerplate
<|assistant|>
`

const verifyPromptTemplate = `<|system|>
You are an SRE verification-planning assistant. Respond with a single JSON
object matching the requested schema. No prose outside the JSON object.
<|user|>
Given this fix proposal, design a shadow-environment verification plan.

Fix kind: %s
Description: %s
Estimated downtime: %s

CRITICAL DECISION RULES:
- duration_seconds must be positive and proportional to verification_type
- approval_required must be true whenever rollback_on_failure is false
<|assistant|>
`

func generateRCAPrompt(fc types.FaultContext) string {
	findings := make([]string, 0, len(fc.Findings))
	for _, f := range fc.Findings {
		findings = append(findings, fmt.Sprintf("- %s/%s: %s", f.Kind, f.Name, strings.Join(f.Errors, "; ")))
	}

	return fmt.Sprintf(rcaPromptTemplate,
		fc.Resource.Namespace, fc.Resource.Name, fc.Resource.Kind,
		strings.Join(findings, "\n"),
		strings.Join(fc.LogTail, "\n"),
		strings.Join(fc.Events, "\n"),
	)
}

func generateFixPrompt(fc types.FaultContext, rca types.RCAResult) string {
	return fmt.Sprintf(fixPromptTemplate,
		rca.RootCause,
		strings.Join(rca.ContributingFactors, ", "),
		rca.Confidence,
	)
}

func generateVerifyPrompt(fix types.FixProposal) string {
	return fmt.Sprintf(verifyPromptTemplate,
		fix.Kind,
		fix.Description,
		fix.EstimatedDowntime,
	)
}
