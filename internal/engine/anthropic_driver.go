package engine

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicDriver calls the Anthropic Messages API directly via the
// official SDK, for deployments that point the orchestration model at
// Claude rather than an OpenAI-compatible gateway.
type AnthropicDriver struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicDriver creates an AnthropicDriver using apiKey and model.
func NewAnthropicDriver(apiKey, model string) *AnthropicDriver {
	return &AnthropicDriver{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

func (d *AnthropicDriver) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:     d.model,
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	resp, err := d.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	for _, block := range resp.Content {
		if text := block.Text; text != "" {
			return text, nil
		}
	}
	return "", fmt.Errorf("anthropic response contained no text block")
}
