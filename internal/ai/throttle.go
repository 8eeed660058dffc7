package ai

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/celltrack/reportd/pkg/models"
)

// Throttled wraps a provider with a token bucket shared by every caller in the process.
type Throttled struct {
	next    models.AnalysisProvider
	limiter *rate.Limiter
}

// NewThrottled allows rps calls per second with the given burst.
func NewThrottled(next models.AnalysisProvider, rps float64, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *Throttled) Name() string { return t.next.Name() }

// Analyze waits for a token and then forwards the call. Waiting counts against ctx.
func (t *Throttled) Analyze(ctx context.Context, req models.AnalysisRequest) (models.AnalysisOutput, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		// Wait fails early when the next token would arrive after the deadline.
		if _, hasDeadline := ctx.Deadline(); hasDeadline && !errors.Is(ctx.Err(), context.Canceled) {
			return models.AnalysisOutput{}, fmt.Errorf("%w: waiting for rate limiter", ErrInferenceTimeout)
		}
		return models.AnalysisOutput{}, fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return t.next.Analyze(ctx, req)
}

var _ models.AnalysisProvider = (*Throttled)(nil)
