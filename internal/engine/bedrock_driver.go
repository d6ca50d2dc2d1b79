package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockDriver calls a model hosted behind AWS Bedrock's InvokeModel API,
// for deployments that prefer to keep orchestration traffic inside their AWS
// account rather than calling out to a third-party API directly.
type BedrockDriver struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockDriver creates a BedrockDriver for the given model ID (e.g.
// "anthropic.claude-3-5-sonnet-20241022-v2:0") using cfg's AWS credentials.
func NewBedrockDriver(client *bedrockruntime.Client, modelID string) *BedrockDriver {
	return &BedrockDriver{client: client, modelID: modelID}
}

type bedrockAnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockAnthropicRequest struct {
	AnthropicVersion string                    `json:"anthropic_version"`
	MaxTokens        int                       `json:"max_tokens"`
	System           string                    `json:"system,omitempty"`
	Messages         []bedrockAnthropicMessage `json:"messages"`
}

type bedrockAnthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

func (d *BedrockDriver) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	messages := make([]bedrockAnthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, bedrockAnthropicMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	body, err := json.Marshal(bedrockAnthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		System:           req.SystemPrompt,
		Messages:         messages,
	})
	if err != nil {
		return "", fmt.Errorf("marshal bedrock request: %w", err)
	}

	out, err := d.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(d.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("bedrock invoke model: %w", err)
	}

	var parsed bedrockAnthropicResponse
	if err := json.Unmarshal(out.Body, &parsed); err != nil {
		return "", fmt.Errorf("decode bedrock response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return "", fmt.Errorf("bedrock response contained no content")
	}
	return parsed.Content[0].Text, nil
}
