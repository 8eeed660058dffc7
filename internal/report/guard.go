package report

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/celltrack/reportd/internal/analysis"
	"github.com/celltrack/reportd/internal/cache"
	"github.com/celltrack/reportd/internal/store"
	"github.com/celltrack/reportd/pkg/models"
)

// inputKeySeparator joins normalized input ids. Ids never contain it; see NormalizeInputIDs.
const inputKeySeparator = ","

// claimTTL bounds how long a claim can outlive a crashed creator.
const claimTTL = 30 * time.Second

// NormalizeInputIDs trims each id, drops blanks and duplicates, and sorts ascending,
// so [B, A] and [A, B, A] produce the same set.
func NormalizeInputIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// InputKey joins normalized ids into the string the guard matches on.
func InputKey(normalized []string) string {
	return strings.Join(normalized, inputKeySeparator)
}

// RecentFinder looks up the newest report for a guard key.
type RecentFinder interface {
	FindRecentReport(ctx context.Context, kind models.ReportKind, customerID, inputKey string, since time.Time) (*models.Report, error)
}

// Guard suppresses identical generation requests within a time window.
//
// Check is a read-only, best-effort lookup. Claim narrows the race between two
// concurrent creators with a short-lived Redis key; it fails open when Redis is
// unavailable.
type Guard struct {
	reports RecentFinder
	claims  cache.Cache
	window  time.Duration
	now     func() time.Time
}

func NewGuard(reports RecentFinder, claims cache.Cache, window time.Duration) *Guard {
	return &Guard{reports: reports, claims: claims, window: window, now: time.Now}
}

// Check returns the most recent report for the key created within the window,
// regardless of status, or nil when there is none.
func (g *Guard) Check(ctx context.Context, kind models.ReportKind, customerID, inputKey string) (*models.Report, error) {
	since := g.now().UTC().Add(-g.window)
	r, err := g.reports.FindRecentReport(ctx, kind, customerID, inputKey, since)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Claim tries to become the single creator for the key. The returned release
// function is always safe to call.
func (g *Guard) Claim(ctx context.Context, kind models.ReportKind, customerID, inputKey string) (bool, func()) {
	noop := func() {}
	if g.claims == nil {
		return true, noop
	}

	key := cache.GuardKey(kind, customerID, analysis.Fingerprint(inputKey))
	won, err := g.claims.Claim(ctx, key, claimTTL)
	if err != nil {
		slog.Warn("duplicate guard claim failed, continuing without it", "error", err, "customer_id", customerID)
		return true, noop
	}
	if !won {
		return false, noop
	}
	return true, func() {
		if err := g.claims.Release(context.WithoutCancel(ctx), key); err != nil {
			slog.Warn("releasing duplicate guard claim", "error", err, "key", key)
		}
	}
}
