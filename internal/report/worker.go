package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/celltrack/reportd/internal/analysis"
	"github.com/celltrack/reportd/internal/cache"
	"github.com/celltrack/reportd/internal/settings"
	"github.com/celltrack/reportd/internal/store"
	"github.com/celltrack/reportd/pkg/models"
)

// statusTTL is how long the Redis status mirror outlives the last write.
const statusTTL = 30 * time.Minute

// maxErrorMessageBytes keeps provider diagnostics readable in the row.
const maxErrorMessageBytes = 2000

// ContentSource assembles the provider payload for a set of inputs.
type ContentSource interface {
	InputContent(ctx context.Context, kind models.ReportKind, customerID string, inputIDs []string) (string, error)
}

// SettingsSource returns the current settings snapshot.
type SettingsSource interface {
	Current() *settings.Snapshot
}

// Worker generates the content for one report and writes its terminal state.
type Worker struct {
	reports  store.ReportStore
	cache    cache.Cache
	content  ContentSource
	provider models.AnalysisProvider
	settings SettingsSource
	timeout  time.Duration
}

func NewWorker(reports store.ReportStore, c cache.Cache, content ContentSource, provider models.AnalysisProvider, s SettingsSource, timeout time.Duration) *Worker {
	return &Worker{
		reports:  reports,
		cache:    c,
		content:  content,
		provider: provider,
		settings: s,
		timeout:  timeout,
	}
}

// Run makes exactly one provider call and exactly one terminal write for r.
// It never returns with r left in processing unless the store itself is failing,
// in which case the sweeper reconciles the row later. A report that is already
// terminal when Run starts, e.g. failed by the sweeper while queued, is left
// as it is and the provider is not called.
func (w *Worker) Run(ctx context.Context, r *models.Report) (final models.ReportStatus) {
	// Terminal writes must land even if the caller's context is cancelled.
	writeCtx := context.WithoutCancel(ctx)
	final = models.ReportStatusProcessing

	log := slog.With("report_id", r.ID, "kind", r.Kind, "customer_id", r.CustomerID)

	if err := w.reports.StartReport(writeCtx, r.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			current := w.currentStatus(writeCtx, r.ID)
			log.Warn("report no longer in flight, skipping generation", "status", current)
			return current
		}
		// The terminal write below still decides the outcome.
		log.Warn("marking report started", "error", err)
	}

	start := time.Now()
	written := false

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic in report worker", "error", rec)
			if !written {
				final = w.fail(writeCtx, r, fmt.Sprintf("internal error: %v", rec), time.Since(start), "")
			}
		}
	}()

	payload, err := w.content.InputContent(ctx, r.Kind, r.CustomerID, r.InputIDs)
	if err != nil {
		written = true
		final = w.fail(writeCtx, r, fmt.Sprintf("assembling input: %v", err), time.Since(start), "")
		return final
	}

	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	out, err := w.provider.Analyze(callCtx, models.AnalysisRequest{
		Kind:         r.Kind,
		SystemPrompt: w.settings.Current().Prompt(r.Kind),
		Payload:      payload,
	})
	elapsed := time.Since(start)
	if err != nil {
		written = true
		final = w.fail(writeCtx, r, err.Error(), elapsed, w.provider.Name())
		return final
	}
	if out.Content == "" {
		written = true
		final = w.fail(writeCtx, r, "analysis provider returned empty content", elapsed, out.Model)
		return final
	}

	written = true
	if err := w.reports.CompleteReport(writeCtx, r.ID, models.GenerationOutcome{
		Content:          out.Content,
		ModelIdentifier:  out.Model,
		TokenCount:       out.TokenCount,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}); err != nil {
		log.Error("writing completed report", "error", err)
		return final
	}
	final = models.ReportStatusCompleted
	w.mirror(writeCtx, r, final)
	log.Info("report completed", "duration_ms", elapsed.Milliseconds(), "model", out.Model, "tokens", out.TokenCount)
	return final
}

// currentStatus reads the stored status, or "" when the report is gone.
func (w *Worker) currentStatus(ctx context.Context, id uuid.UUID) models.ReportStatus {
	r, err := w.reports.GetReport(ctx, id)
	if err != nil {
		return ""
	}
	return r.Status
}

func (w *Worker) fail(ctx context.Context, r *models.Report, msg string, elapsed time.Duration, model string) models.ReportStatus {
	id := r.ID
	msg = analysis.TruncateString(msg, maxErrorMessageBytes)
	if err := w.reports.FailReport(ctx, id, msg,
		store.WithProcessingTime(elapsed),
		store.WithModelIdentifier(model),
	); err != nil {
		slog.Error("writing failed report", "report_id", id, "error", err)
		return models.ReportStatusProcessing
	}
	w.mirror(ctx, r, models.ReportStatusFailed)
	slog.Warn("report failed", "report_id", id, "duration_ms", elapsed.Milliseconds(), "error_message", msg)
	return models.ReportStatusFailed
}

// mirror records status in Redis. If that fails the entry is dropped so that
// status reads fall through to the database instead of a stale state.
func (w *Worker) mirror(ctx context.Context, r *models.Report, status models.ReportStatus) {
	if w.cache == nil {
		return
	}
	err := w.cache.SetReportStatus(ctx, r.ID, cache.ReportState{Kind: r.Kind, Status: status}, statusTTL)
	if err == nil {
		return
	}
	slog.Warn("mirroring report status", "report_id", r.ID, "status", status, "error", err)
	if err := w.cache.DeleteReportStatus(ctx, r.ID); err != nil {
		slog.Warn("dropping report status mirror", "report_id", r.ID, "error", err)
	}
}
