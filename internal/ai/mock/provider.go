package mock

import (
	"context"
	"fmt"

	"github.com/celltrack/reportd/internal/ai"
	"github.com/celltrack/reportd/pkg/models"
)

// MockProvider satisfies models.AnalysisProvider for testing.
type MockProvider struct {
	Name_       string
	AnalyzeFunc func(ctx context.Context, req models.AnalysisRequest) (models.AnalysisOutput, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Analyze(ctx context.Context, req models.AnalysisRequest) (models.AnalysisOutput, error) {
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, req)
	}
	return models.AnalysisOutput{}, nil
}

// NewMockProvider returns a MockProvider with sensible default responses.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		AnalyzeFunc: func(_ context.Context, req models.AnalysisRequest) (models.AnalysisOutput, error) {
			return models.AnalysisOutput{
				Content:    fmt.Sprintf("Mock %s report for testing", req.Kind),
				Model:      "mock-v1",
				TokenCount: 42,
			}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		AnalyzeFunc: func(_ context.Context, _ models.AnalysisRequest) (models.AnalysisOutput, error) {
			return models.AnalysisOutput{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		AnalyzeFunc: func(ctx context.Context, _ models.AnalysisRequest) (models.AnalysisOutput, error) {
			<-ctx.Done()
			return models.AnalysisOutput{}, ai.ErrInferenceTimeout
		},
	}
}

// NewGatedProvider returns a MockProvider that blocks each call until release is
// closed or the context ends. started receives one value per call entered.
func NewGatedProvider(started chan<- struct{}, release <-chan struct{}) *MockProvider {
	return &MockProvider{
		Name_: "mock-gated",
		AnalyzeFunc: func(ctx context.Context, req models.AnalysisRequest) (models.AnalysisOutput, error) {
			if started != nil {
				started <- struct{}{}
			}
			select {
			case <-release:
				return models.AnalysisOutput{Content: "gated " + string(req.Kind) + " report", Model: "mock-v1", TokenCount: 7}, nil
			case <-ctx.Done():
				return models.AnalysisOutput{}, ai.ErrInferenceTimeout
			}
		},
	}
}

// NewPanickingProvider returns a MockProvider whose Analyze panics.
func NewPanickingProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-panic",
		AnalyzeFunc: func(_ context.Context, _ models.AnalysisRequest) (models.AnalysisOutput, error) {
			panic("provider exploded")
		},
	}
}

// Compile-time check that MockProvider implements AnalysisProvider.
var _ models.AnalysisProvider = (*MockProvider)(nil)
