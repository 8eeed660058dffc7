package ai

import (
	"fmt"
	"net/http"

	"github.com/celltrack/reportd/internal/config"
	"github.com/celltrack/reportd/pkg/models"
)

// NewProvider constructs the appropriate analysis provider based on config.
// Called once at server startup. The result is throttled to
// cfg.RequestsPerSecond outbound calls when that is positive.
func NewProvider(cfg config.AIConfig) (models.AnalysisProvider, error) {
	var p models.AnalysisProvider
	switch cfg.Provider {
	case "deepseek":
		p = NewOpenAIProvider(OpenAIConfig{
			Name:       "deepseek",
			APIKey:     cfg.DeepSeek.APIKey,
			BaseURL:    cfg.DeepSeek.BaseURL,
			Model:      cfg.DeepSeek.Model,
			HTTPClient: &http.Client{Timeout: cfg.InferenceTimeout},
		})
	case "openai":
		p = NewOpenAIProvider(OpenAIConfig{
			Name:       "openai",
			APIKey:     cfg.OpenAI.APIKey,
			Model:      cfg.OpenAI.Model,
			HTTPClient: &http.Client{Timeout: cfg.InferenceTimeout},
		})
	case "mock":
		p = NewOfflineProvider()
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of deepseek, openai, mock", cfg.Provider)
	}

	if cfg.RequestsPerSecond > 0 {
		p = NewThrottled(p, cfg.RequestsPerSecond, 1)
	}
	return p, nil
}
