package report

import (
	"context"
	"errors"
	"time"

	"github.com/celltrack/reportd/pkg/models"
)

// ErrStillProcessing means polling gave up before the report reached a terminal
// state. It is not a failure: the report may still complete later.
var ErrStillProcessing = errors.New("still processing, check back later")

const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollTimeout  = 2 * time.Minute
)

// PollOptions controls client-side polling.
type PollOptions struct {
	Interval time.Duration
	Timeout  time.Duration
}

// FetchFunc reads the current state of one report.
type FetchFunc func(ctx context.Context) (*models.Report, error)

// Poll calls fetch every Interval until the report is terminal. When Timeout
// elapses first it returns the last observed report with ErrStillProcessing.
// Fetch errors end polling immediately.
func Poll(ctx context.Context, fetch FetchFunc, opts PollOptions) (*models.Report, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultPollTimeout
	}

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var last *models.Report
	for {
		r, err := fetch(ctx)
		if err != nil {
			return last, err
		}
		last = r
		if r.Status.Terminal() {
			return r, nil
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, ErrStillProcessing
		case <-ticker.C:
		}
	}
}
