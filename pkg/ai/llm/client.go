// Package llm adapts aegis's three agent-pipeline stages (root-cause
// analysis, fix proposal, verification planning) onto a language-model
// backend, enforcing a JSON schema on every response before it is handed
// back to the pipeline.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aegis-sre/aegis/internal/config"
	"github.com/aegis-sre/aegis/pkg/orchestration/dependency"
	"github.com/aegis-sre/aegis/pkg/types"
)

// breakerFailureThreshold and breakerResetTimeout tune the circuit breaker
// every LM call is wrapped by (SPEC_FULL.md §4.3): half the sampled calls
// failing trips it, and it stays open for a minute before trying again.
const (
	breakerFailureThreshold = 0.5
	breakerResetTimeout     = time.Minute
)

// Client is the language-model adapter the agent pipeline drives. Each
// method corresponds to one pipeline stage and returns a schema-validated
// result.
type Client interface {
	AnalyzeRootCause(ctx context.Context, fc types.FaultContext) (types.RCAResult, error)
	ProposeFix(ctx context.Context, fc types.FaultContext, rca types.RCAResult) (types.FixProposal, error)
	PlanVerification(ctx context.Context, fix types.FixProposal) (types.VerificationPlan, error)
}

// backend is the narrow interface every provider implements: send a
// rendered prompt, get raw completion text back.
type backend interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// client is the concrete Client implementation shared by all providers; the
// provider-specific wire protocol lives entirely in the backend.
type client struct {
	cfg     config.LLMConfig
	backend backend
	breaker *dependency.CircuitBreaker
	logger  *logrus.Logger
}

// NewClient builds a Client for cfg.Provider, returning an error for any
// provider outside the supported set.
func NewClient(cfg config.LLMConfig, logger *logrus.Logger) (Client, error) {
	if logger == nil {
		logger = logrus.New()
	}

	var b backend
	switch cfg.Provider {
	case "localai":
		b = newLocalAIBackend(cfg)
	case "anthropic":
		b = newAnthropicBackend(cfg)
	case "bedrock":
		bb, err := newBedrockBackend(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build bedrock backend: %w", err)
		}
		b = bb
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	breaker := dependency.NewCircuitBreaker("llm-backend-"+cfg.Provider, breakerFailureThreshold, breakerResetTimeout)
	return &client{cfg: cfg, backend: b, breaker: breaker, logger: logger}, nil
}

// complete sends prompt to the backend and validates the response against
// schema, making up to cfg.RetryCount attempts in total (at least one) with
// linear backoff between them.
func (c *client) complete(ctx context.Context, prompt string, schema []byte, out any) error {
	var lastErr error
	attempts := c.cfg.RetryCount
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}

		var raw string
		err := c.breaker.Call(func() error {
			var cerr error
			raw, cerr = c.backend.Complete(ctx, prompt)
			return cerr
		})
		if err != nil {
			lastErr = err
			c.logger.WithError(err).WithField("attempt", attempt+1).Warn("llm completion failed")
			continue
		}

		if err := validateAndDecode(raw, schema, out); err != nil {
			lastErr = err
			c.logger.WithError(err).WithField("attempt", attempt+1).Warn("llm response failed schema validation")
			continue
		}

		return nil
	}

	return fmt.Errorf("llm completion failed after %d attempts: %w", attempts, lastErr)
}

func (c *client) AnalyzeRootCause(ctx context.Context, fc types.FaultContext) (types.RCAResult, error) {
	var result types.RCAResult
	prompt := generateRCAPrompt(fc)
	if err := c.complete(ctx, prompt, rcaResultSchema, &result); err != nil {
		return types.RCAResult{}, err
	}
	return result, nil
}

func (c *client) ProposeFix(ctx context.Context, fc types.FaultContext, rca types.RCAResult) (types.FixProposal, error) {
	var proposal types.FixProposal
	prompt := generateFixPrompt(fc, rca)
	if err := c.complete(ctx, prompt, fixProposalSchema, &proposal); err != nil {
		return types.FixProposal{}, err
	}
	return proposal, nil
}

func (c *client) PlanVerification(ctx context.Context, fix types.FixProposal) (types.VerificationPlan, error) {
	var plan types.VerificationPlan
	prompt := generateVerifyPrompt(fix)
	if err := c.complete(ctx, prompt, verificationPlanSchema, &plan); err != nil {
		return types.VerificationPlan{}, err
	}
	return plan, nil
}

// marshalForPrompt renders v as indented JSON for embedding in a prompt,
// falling back to its Go-syntax representation on marshal failure so a
// single bad field never aborts prompt generation.
func marshalForPrompt(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
