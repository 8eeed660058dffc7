// Package settings holds the process-wide snapshot of the system_settings table.
//
// The registry is initialized once at startup and refreshed in the background.
// Readers always see a complete, immutable snapshot; a reload swaps it atomically.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/celltrack/reportd/pkg/models"
)

// Known keys.
const (
	KeyAnalysisPrompt   = "prompt.analysis"
	KeyComparisonPrompt = "prompt.comparison"
	KeyMaxInputChars    = "analysis.max_input_chars"
)

const (
	defaultMaxInputChars = 24000

	defaultAnalysisPrompt = `You are a clinical analyst reviewing laboratory and imaging exams for a stem-cell therapy patient.
Write a concise health assessment in Markdown with the sections: Summary, Key Findings, Risks, Recommendations.
Only use the data provided. Flag values outside reference ranges. Do not invent measurements.`

	defaultComparisonPrompt = `You are a clinical analyst comparing a stem-cell therapy patient's exams over time.
The exams are listed oldest first. Write a Markdown report with the sections: Summary, Trends, Notable Changes, Recommendations.
Describe the direction and magnitude of change for each marker that appears in more than one exam. Do not invent measurements.`
)

var ErrNotInitialized = errors.New("settings registry not initialized")

// Loader reads every stored setting.
type Loader interface {
	ListSettings(ctx context.Context) ([]*models.Setting, error)
}

// Snapshot is an immutable view of all settings at one point in time.
type Snapshot struct {
	values   map[string]string
	LoadedAt time.Time
}

// Get returns the raw stored value for key.
func (s *Snapshot) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Values returns a copy of every stored value.
func (s *Snapshot) Values() map[string]string {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Prompt returns the system prompt for kind, falling back to the built-in default.
func (s *Snapshot) Prompt(kind models.ReportKind) string {
	key, def := KeyAnalysisPrompt, defaultAnalysisPrompt
	if kind == models.ReportKindComparison {
		key, def = KeyComparisonPrompt, defaultComparisonPrompt
	}
	if v, ok := s.values[key]; ok && v != "" {
		return v
	}
	return def
}

// MaxInputChars bounds the payload sent to the provider.
func (s *Snapshot) MaxInputChars() int {
	if v, ok := s.values[KeyMaxInputChars]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultMaxInputChars
}

// Validate reports whether value is acceptable for key. Unknown keys are accepted.
func Validate(key, value string) error {
	switch key {
	case KeyMaxInputChars:
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer", key)
		}
	case KeyAnalysisPrompt, KeyComparisonPrompt:
		if value == "" {
			return fmt.Errorf("%s must not be empty", key)
		}
	}
	return nil
}

// Registry owns the current snapshot.
type Registry struct {
	loader  Loader
	current atomic.Pointer[Snapshot]
}

func NewRegistry(loader Loader) *Registry {
	return &Registry{loader: loader}
}

// Init performs the first load. Startup must fail if it returns an error.
func (r *Registry) Init(ctx context.Context) error {
	if err := r.Reload(ctx); err != nil {
		return fmt.Errorf("initializing settings: %w", err)
	}
	return nil
}

// Reload reads every setting and swaps the snapshot. On error the previous
// snapshot stays in place.
func (r *Registry) Reload(ctx context.Context) error {
	rows, err := r.loader.ListSettings(ctx)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Key] = row.Value
	}
	r.current.Store(&Snapshot{values: values, LoadedAt: time.Now().UTC()})
	return nil
}

// Current returns the active snapshot. Before Init it returns an empty snapshot
// so defaults apply.
func (r *Registry) Current() *Snapshot {
	if s := r.current.Load(); s != nil {
		return s
	}
	return &Snapshot{values: map[string]string{}}
}

// Initialized reports whether a snapshot has been loaded.
func (r *Registry) Initialized() bool {
	return r.current.Load() != nil
}

// Run reloads every interval until ctx is done. Reload failures are logged and the
// previous snapshot is kept.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reload(ctx); err != nil {
				slog.Warn("settings reload failed", "error", err)
			}
		}
	}
}
