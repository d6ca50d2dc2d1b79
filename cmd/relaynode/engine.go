package main

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	relayconfig "github.com/relayai/core/internal/config"
	"github.com/relayai/core/internal/engine"
)

// buildEngine selects the completion/embedding driver named by
// cfg.Engine.Driver. The HTTP driver also satisfies engine.Embedder, so it is
// the only option RAG's embedding step can use today.
func buildEngine(cfg *relayconfig.Config) (engine.Engine, error) {
	switch cfg.Engine.Driver {
	case "anthropic":
		return engine.NewAnthropicDriver(cfg.Engine.APIKey, cfg.Engine.Model), nil
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Engine.BedrockRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := bedrockruntime.NewFromConfig(awsCfg)
		return engine.NewBedrockDriver(client, cfg.Engine.BedrockModelID), nil
	default:
		return engine.NewHTTPDriver(cfg.Engine.BaseURL, cfg.Engine.APIKey, cfg.Engine.Model), nil
	}
}
