package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/celltrack/reportd/internal/cache"
)

// InterruptedMessage is written to reports the sweeper fails.
const InterruptedMessage = "generation interrupted"

// StaleReaper fails in-flight reports that have not been touched since a cutoff.
type StaleReaper interface {
	FailStaleReports(ctx context.Context, updatedBefore time.Time, errorMessage string) ([]uuid.UUID, error)
}

// Sweeper reconciles reports whose worker died without a terminal write.
type Sweeper struct {
	reports    StaleReaper
	cache      cache.Cache
	staleAfter time.Duration
	now        func() time.Time
}

func NewSweeper(reports StaleReaper, c cache.Cache, staleAfter time.Duration) *Sweeper {
	return &Sweeper{reports: reports, cache: c, staleAfter: staleAfter, now: time.Now}
}

// Sweep runs one reconciliation pass and returns how many reports it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.staleAfter)
	ids, err := s.reports.FailStaleReports(ctx, cutoff, InterruptedMessage)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		slog.Warn("stale report marked failed", "report_id", id, "stale_after", s.staleAfter.String())
		if s.cache == nil {
			continue
		}
		// Status reads fall through to the database once the mirror is gone.
		if err := s.cache.DeleteReportStatus(ctx, id); err != nil {
			slog.Warn("dropping swept report status mirror", "report_id", id, "error", err)
		}
	}
	return len(ids), nil
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	s.sweepAndLog(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	n, err := s.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("report sweep failed", "error", err)
		}
		return
	}
	if n > 0 {
		slog.Info("report sweep completed", "failed", n)
	}
}
