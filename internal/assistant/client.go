// File: internal/assistant/client.go
package assistant

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/vigilhq/vigil/internal/config"
)

// LLMClient abstracts the model provider behind a minimal completion
// surface so the escalation path can be tested without network access.
type LLMClient interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Close() error
}

// geminiClient implements LLMClient on the Gemini API.
type geminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient connects to the Gemini backend with the configured key.
func NewGeminiClient(ctx context.Context, cfg config.AssistantConfig) (LLMClient, error) {
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &geminiClient{client: c, model: cfg.Model}, nil
}

func (g *geminiClient) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		genai.Text(userPrompt),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		})
	if err != nil {
		return "", fmt.Errorf("generation request failed: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("model returned an empty completion")
	}
	return text, nil
}

func (g *geminiClient) Close() error {
	// The SDK holds no long-lived connections that need explicit teardown.
	return nil
}
