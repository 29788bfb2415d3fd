// Package anthropic adapts the Anthropic Messages API to the memory
// package's Generator interface.
package anthropic

import (
	"context"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "claude-sonnet-4-20250514"

// Config configures the generator.
type Config struct {
	// APIKey is the Anthropic API key. Required.
	APIKey string

	// Model is the model ID. Defaults to DefaultModel.
	Model string

	// BaseURL overrides the API endpoint. Optional.
	BaseURL string
}

// Generator produces consolidation text via the Anthropic API.
type Generator struct {
	client anthropicsdk.Client
	model  string
}

// New creates a Generator. The API key is required.
func New(cfg Config) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Generator{
		client: anthropicsdk.NewClient(opts...),
		model:  cfg.Model,
	}, nil
}

// Generate sends a single-turn prompt and returns the concatenated text
// blocks of the response.
func (g *Generator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 2000
	}

	resp, err := g.client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(g.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic api: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("anthropic api: empty response")
	}
	return text, nil
}
