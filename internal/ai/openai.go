package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/celltrack/reportd/pkg/models"
)

// OpenAIConfig configures any OpenAI-compatible chat completion endpoint.
// DeepSeek is served by the same client with its own BaseURL.
type OpenAIConfig struct {
	Name        string
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	HTTPClient  *http.Client
}

// OpenAIProvider implements models.AnalysisProvider over the chat completions API.
type OpenAIProvider struct {
	name        string
	model       string
	temperature float32
	client      *openai.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.2
	}
	return &OpenAIProvider{
		name:        name,
		model:       cfg.Model,
		temperature: temperature,
		client:      openai.NewClientWithConfig(clientCfg),
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Analyze(ctx context.Context, req models.AnalysisRequest) (models.AnalysisOutput, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Payload,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: p.temperature,
	})
	if err != nil {
		return models.AnalysisOutput{}, p.classifyError(ctx, err)
	}

	if len(resp.Choices) == 0 {
		return models.AnalysisOutput{}, fmt.Errorf("%w: %s returned no choices", ErrInvalidResponse, p.name)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return models.AnalysisOutput{}, fmt.Errorf("%w: %s returned empty content", ErrInvalidResponse, p.name)
	}

	model := resp.Model
	if model == "" {
		model = p.model
	}
	return models.AnalysisOutput{
		Content:    content,
		Model:      model,
		TokenCount: resp.Usage.TotalTokens,
	}, nil
}

// classifyError maps client errors onto the package sentinels.
func (p *OpenAIProvider) classifyError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrInferenceTimeout, p.name, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrInferenceTimeout, p.name, err)
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: %v", ErrRateLimited, p.name, err)
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: %s rejected request (HTTP %d): %v", ErrInvalidResponse, p.name, status, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, p.name, err)
	}
}

var _ models.AnalysisProvider = (*OpenAIProvider)(nil)
