package security

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

// defaultGatePolicy ships with every GatePolicy so the chain blocks correctly
// out of the box; an operator may load a stricter or laxer policy via
// LoadRegoPolicy without a binary rebuild, generalizing the severity
// classifier's Rego pattern (pkg/signalprocessing/classifier) from
// alert-severity mapping to pass/fail gate decisions.
const defaultGatePolicy = `package aegis.security.gate

import rego.v1

# block is true when any finding in input.findings meets input.threshold
# (numerically <=, i.e. at least as severe) or its identifier appears in
# input.block_list.
default block := false

block if {
	some f in input.findings
	f.priority <= input.threshold
}

block if {
	some f in input.findings
	f.identifier in input.block_list
}
`

const (
	gateModuleName = "aegis_security_gate.rego"
	gateQueryPath  = "data.aegis.security.gate.block"
)

// GatePolicy evaluates whether a scanner's findings should block a
// verification, using a loaded Rego module (spec.md §4.5 "fail-closed: any
// finding at configured severity set blocks").
type GatePolicy struct {
	mu     sync.RWMutex
	query  rego.PreparedEvalQuery
	policy string
}

// NewGatePolicy builds a GatePolicy preloaded with aegis's default gate
// rules.
func NewGatePolicy() (*GatePolicy, error) {
	p := &GatePolicy{}
	if err := p.LoadRegoPolicy(context.Background(), defaultGatePolicy); err != nil {
		return nil, fmt.Errorf("default gate policy failed to load: %w", err)
	}
	return p, nil
}

// LoadRegoPolicy compiles and swaps in a new gate policy; a policy that
// fails to validate leaves the previously loaded one in effect.
func (p *GatePolicy) LoadRegoPolicy(ctx context.Context, policy string) error {
	if _, err := ast.ParseModule(gateModuleName, policy); err != nil {
		return fmt.Errorf("gate policy validation failed: %w", err)
	}

	query, err := rego.New(
		rego.Query(gateQueryPath),
		rego.Module(gateModuleName, policy),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("gate policy validation failed: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.query = query
	p.policy = policy
	return nil
}

// Blocks evaluates whether findings at the given threshold (and identifiers
// in blockList) should block the verification. On policy evaluation error it
// fails closed: an unevaluable policy must never silently let a dangerous
// finding through.
func (p *GatePolicy) Blocks(ctx context.Context, findings []LogPriority, identifiers []string, threshold LogPriority, blockList []string) bool {
	p.mu.RLock()
	query := p.query
	p.mu.RUnlock()

	findingInput := make([]map[string]any, 0, len(findings))
	for i, f := range findings {
		ident := ""
		if i < len(identifiers) {
			ident = identifiers[i]
		}
		findingInput = append(findingInput, map[string]any{"priority": int(f), "identifier": ident})
	}

	rs, err := query.Eval(ctx, rego.EvalInput(map[string]any{
		"findings":   findingInput,
		"threshold":  int(threshold),
		"block_list": blockList,
	}))
	if err != nil || len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return true
	}

	block, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return true
	}
	return block
}
