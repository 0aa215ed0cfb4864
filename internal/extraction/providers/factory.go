// Package providers selects and constructs the configured extraction.Provider
// at startup.
package providers

import (
	"context"
	"fmt"

	"graphkeep/internal/config"
	"graphkeep/internal/extraction"
	"graphkeep/internal/extraction/anthropic"
	"graphkeep/internal/extraction/google"
	"graphkeep/internal/extraction/openai"
)

// Build constructs an extraction.Provider based on cfg.Provider.
func Build(ctx context.Context, cfg config.LLMConfig) (extraction.Provider, error) {
	switch cfg.Provider {
	case "", "openai":
		return openai.New(openai.Config{
			APIKey:       cfg.APIKey,
			ExtractModel: cfg.ExtractModel,
			EmbedModel:   cfg.EmbedModel,
			VisionModel:  cfg.VisionModel,
		}), nil
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:       cfg.APIKey,
			ExtractModel: cfg.ExtractModel,
			VisionModel:  cfg.VisionModel,
		}), nil
	case "google":
		return google.New(ctx, google.Config{
			APIKey:       cfg.APIKey,
			ExtractModel: cfg.ExtractModel,
			EmbedModel:   cfg.EmbedModel,
			VisionModel:  cfg.VisionModel,
		})
	default:
		return nil, fmt.Errorf("unsupported extraction provider: %s", cfg.Provider)
	}
}
