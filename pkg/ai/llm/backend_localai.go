package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/aegis-sre/aegis/internal/config"
)

// localAIBackend talks to an OpenAI-chat-completions-compatible endpoint,
// the shape LocalAI, Ollama's OpenAI shim, and vLLM all expose.
type localAIBackend struct {
	cfg        config.LLMConfig
	httpClient *http.Client
}

func newLocalAIBackend(cfg config.LLMConfig) *localAIBackend {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.APIKey != "" {
		// Bearer auth via an oauth2 static token source, so a future
		// refresh-capable source slots in without touching request code.
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIKey})
		httpClient = oauth2.NewClient(context.Background(), src)
		httpClient.Timeout = cfg.Timeout
	}
	return &localAIBackend{
		cfg:        cfg,
		httpClient: httpClient,
	}
}

type chatCompletionRequest struct {
	Model       string                  `json:"model"`
	Messages    []chatCompletionMessage `json:"messages"`
	Temperature float32                 `json:"temperature"`
	MaxTokens   int                     `json:"max_tokens"`
}

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatCompletionMessage `json:"message"`
	} `json:"choices"`
}

func (b *localAIBackend) Complete(ctx context.Context, prompt string) (string, error) {
	reqBody := chatCompletionRequest{
		Model: b.cfg.Model,
		Messages: []chatCompletionMessage{
			{Role: "user", Content: prompt},
		},
		Temperature: b.cfg.Temperature,
		MaxTokens:   b.cfg.MaxTokens,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request to localai endpoint failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("localai endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse localai response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("localai response contained no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}
