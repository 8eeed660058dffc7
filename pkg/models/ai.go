// Package models contains shared data models used across the reportd codebase.
package models

import "context"

// AnalysisProvider is the external analysis service that turns exam text into a report.
// Never call a specific provider directly; always inject this interface.
type AnalysisProvider interface {
	// Analyze submits the assembled payload and returns the generated report text.
	Analyze(ctx context.Context, req AnalysisRequest) (AnalysisOutput, error)
	// Name returns the provider identifier (e.g., "deepseek", "openai").
	Name() string
}

// AnalysisRequest is the input to one analysis call.
type AnalysisRequest struct {
	Kind         ReportKind
	SystemPrompt string
	Payload      string
}

// AnalysisOutput is what the provider returned for a successful call.
type AnalysisOutput struct {
	Content    string
	Model      string
	TokenCount int
}
