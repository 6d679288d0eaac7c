package llm

import (
	"context"
	"encoding/json"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/aegis-sre/aegis/internal/config"
)

// bedrockBackend invokes a Bedrock-hosted model via InvokeModel, using the
// Anthropic-on-Bedrock request/response envelope.
type bedrockBackend struct {
	cfg    config.LLMConfig
	client *bedrockruntime.Client
}

func newBedrockBackend(cfg config.LLMConfig) (*bedrockBackend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &bedrockBackend{
		cfg:    cfg,
		client: bedrockruntime.NewFromConfig(awsCfg),
	}, nil
}

type bedrockInvokeRequest struct {
	AnthropicVersion string                 `json:"anthropic_version"`
	MaxTokens        int                    `json:"max_tokens"`
	Messages         []bedrockMessage       `json:"messages"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockInvokeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (b *bedrockBackend) Complete(ctx context.Context, prompt string) (string, error) {
	maxTokens := b.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	reqBody := bedrockInvokeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages: []bedrockMessage{
			{Role: "user", Content: prompt},
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal bedrock request: %w", err)
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &b.cfg.Model,
		ContentType: stringPtr("application/json"),
		Body:        payload,
	})
	if err != nil {
		return "", fmt.Errorf("bedrock InvokeModel failed: %w", err)
	}

	var parsed bedrockInvokeResponse
	if err := json.Unmarshal(out.Body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse bedrock response: %w", err)
	}

	var text string
	for _, c := range parsed.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("bedrock response contained no text content")
	}

	return text, nil
}

func stringPtr(s string) *string { return &s }
