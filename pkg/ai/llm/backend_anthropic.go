package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/aegis-sre/aegis/internal/config"
)

// anthropicBackend sends completions through Anthropic's Messages API.
type anthropicBackend struct {
	cfg    config.LLMConfig
	client anthropic.Client
}

func newAnthropicBackend(cfg config.LLMConfig) *anthropicBackend {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	return &anthropicBackend{
		cfg:    cfg,
		client: anthropic.NewClient(opts...),
	}
}

func (b *anthropicBackend) Complete(ctx context.Context, prompt string) (string, error) {
	maxTokens := int64(b.cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	msg, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(b.cfg.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic completion failed: %w", err)
	}

	var out string
	for _, block := range msg.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	if out == "" {
		return "", fmt.Errorf("anthropic response contained no text content")
	}

	return out, nil
}
