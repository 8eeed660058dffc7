package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/celltrack/reportd/pkg/models"
)

// OfflineProvider produces a deterministic report without calling any model.
// It backs AI_PROVIDER=mock for local development.
type OfflineProvider struct{}

func NewOfflineProvider() *OfflineProvider { return &OfflineProvider{} }

func (p *OfflineProvider) Name() string { return "mock" }

func (p *OfflineProvider) Analyze(ctx context.Context, req models.AnalysisRequest) (models.AnalysisOutput, error) {
	if err := ctx.Err(); err != nil {
		return models.AnalysisOutput{}, fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}

	title := string(req.Kind)
	if title != "" {
		title = strings.ToUpper(title[:1]) + title[1:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s report\n\n", title)
	b.WriteString("Generated offline. No model was consulted.\n\n")
	b.WriteString("## Input\n\n")
	b.WriteString(req.Payload)
	b.WriteString("\n")

	content := b.String()
	return models.AnalysisOutput{
		Content:    content,
		Model:      "mock-v1",
		TokenCount: len(strings.Fields(content)),
	}, nil
}

var _ models.AnalysisProvider = (*OfflineProvider)(nil)
