package llm

import (
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

var (
	rcaResultSchema        = []byte(rcaResultSchemaJSON)
	fixProposalSchema      = []byte(fixProposalSchemaJSON)
	verificationPlanSchema = []byte(verificationPlanSchemaJSON)
)

const rcaResultSchemaJSON = `{
  "type": "object",
  "required": ["root_cause", "severity", "confidence"],
  "properties": {
    "root_cause": {"type": "string", "minLength": 1},
    "contributing_factors": {"type": "array", "items": {"type": "string"}},
    "severity": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning": {"type": "string"},
    "affected_components": {"type": "array", "items": {"type": "string"}},
    "analysis_steps": {"type": "array", "items": {"type": "string"}},
    "evidence_summary": {"type": "array", "items": {"type": "string"}},
    "decision_rationale": {"type": "string"}
  }
}`

const fixProposalSchemaJSON = `{
  "type": "object",
  "required": ["kind", "description"],
  "properties": {
    "kind": {"type": "string", "enum": ["config-change", "restart", "scale", "rollback", "patch", "manual"]},
    "description": {"type": "string", "minLength": 1},
    "commands": {"type": "array", "items": {"type": "string"}},
    "manifests": {"type": "object"},
    "rollback_commands": {"type": "array", "items": {"type": "string"}},
    "estimated_downtime": {"type": "string"},
    "risks": {"type": "array", "items": {"type": "string"}},
    "prerequisites": {"type": "array", "items": {"type": "string"}},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "analysis_steps": {"type": "array", "items": {"type": "string"}},
    "decision_rationale": {"type": "string"}
  }
}`

const verificationPlanSchemaJSON = `{
  "type": "object",
  "required": ["verification_type", "duration_seconds"],
  "properties": {
    "verification_type": {"type": "string"},
    "test_scenarios": {"type": "array", "items": {"type": "string"}},
    "success_criteria": {"type": "array", "items": {"type": "string"}},
    "duration_seconds": {"type": "integer", "minimum": 1},
    "load_test_config": {"type": "object"},
    "security_checks": {"type": "array", "items": {"type": "string"}},
    "rollback_on_failure": {"type": "boolean"},
    "approval_required": {"type": "boolean"},
    "analysis_steps": {"type": "array", "items": {"type": "string"}},
    "decision_rationale": {"type": "string"}
  }
}`

// validateAndDecode parses schemaJSON as an OpenAPI 3 schema document,
// validates raw against it with openapi3's VisitJSON, and on success decodes
// raw into out. A schema violation or malformed JSON is returned verbatim so
// the caller can retry or surface a useful error.
func validateAndDecode(raw string, schemaJSON []byte, out any) error {
	schema := &openapi3.Schema{}
	if err := json.Unmarshal(schemaJSON, schema); err != nil {
		return fmt.Errorf("invalid embedded schema: %w", err)
	}

	extracted := extractJSON(raw)

	var decoded any
	if err := json.Unmarshal([]byte(extracted), &decoded); err != nil {
		return fmt.Errorf("llm response is not valid JSON: %w", err)
	}

	if err := schema.VisitJSON(decoded, openapi3.MultiErrors()); err != nil {
		return fmt.Errorf("llm response failed schema validation: %w", err)
	}

	return json.Unmarshal([]byte(extracted), out)
}

// extractJSON trims leading/trailing chatter some providers wrap the JSON
// object in (code fences, a trailing newline) by slicing to the outermost
// brace pair.
func extractJSON(raw string) string {
	start := indexByte(raw, '{')
	end := lastIndexByte(raw, '}')
	if start == -1 || end == -1 || end < start {
		return raw
	}
	return raw[start : end+1]
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
