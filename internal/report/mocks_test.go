package report

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/celltrack/reportd/internal/analysis"
	"github.com/celltrack/reportd/internal/cache"
	"github.com/celltrack/reportd/internal/settings"
	"github.com/celltrack/reportd/internal/store"
	"github.com/celltrack/reportd/pkg/models"
)

// --- store ---

type memStore struct {
	mu        sync.Mutex
	customers map[string]bool
	exams     map[string]*models.MedicalExam
	reports   map[uuid.UUID]*models.Report

	terminalWrites map[uuid.UUID]int
	artifactWrites int
	starts         int

	createErr   error
	completeErr error
	getErr      error
}

func newMemStore() *memStore {
	return &memStore{
		customers:      map[string]bool{},
		exams:          map[string]*models.MedicalExam{},
		reports:        map[uuid.UUID]*models.Report{},
		terminalWrites: map[uuid.UUID]int{},
	}
}

func (s *memStore) addCustomer(id string, examIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[id] = true
	for i, e := range examIDs {
		s.exams[e] = &models.MedicalExam{
			ID:         e,
			CustomerID: id,
			ExamType:   "blood_panel",
			ExamDate:   time.Date(2025, 1, 1+i, 0, 0, 0, 0, time.UTC),
			Findings:   "findings for " + e,
		}
	}
}

func (s *memStore) CustomerExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customers[id], nil
}

func (s *memStore) GetExams(_ context.Context, customerID string, ids []string) ([]*models.MedicalExam, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.MedicalExam
	for _, id := range ids {
		e, ok := s.exams[id]
		if !ok || e.CustomerID != customerID {
			return nil, store.ErrNotFound
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) CreateReport(_ context.Context, r *models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.reports[r.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *r
	s.reports[r.ID] = &cp
	return nil
}

func (s *memStore) GetReport(_ context.Context, id uuid.UUID) (*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	r, ok := s.reports[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) FindRecentReport(_ context.Context, kind models.ReportKind, customerID, inputKey string, since time.Time) (*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Report
	for _, r := range s.reports {
		if r.Kind != kind || r.CustomerID != customerID || r.InputKey != inputKey || r.CreatedAt.Before(since) {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *memStore) StartReport(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok || r.Status.Terminal() {
		return store.ErrNotFound
	}
	s.starts++
	r.Status = models.ReportStatusProcessing
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) CompleteReport(_ context.Context, id uuid.UUID, o models.GenerationOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	r, ok := s.reports[id]
	if !ok {
		return store.ErrNotFound
	}
	s.terminalWrites[id]++
	content, model, tokens, ms := o.Content, o.ModelIdentifier, o.TokenCount, o.ProcessingTimeMs
	r.Status = models.ReportStatusCompleted
	r.Content = &content
	r.ErrorMessage = nil
	r.ModelIdentifier = &model
	r.TokenCount = &tokens
	r.ProcessingTimeMs = &ms
	r.Artifact = nil
	r.ArtifactFilename = nil
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) FailReport(_ context.Context, id uuid.UUID, msg string, _ ...store.ReportUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return store.ErrNotFound
	}
	s.terminalWrites[id]++
	r.Status = models.ReportStatusFailed
	r.Content = nil
	r.ErrorMessage = &msg
	r.TokenCount = nil
	r.Artifact = nil
	r.ArtifactFilename = nil
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) SetReportArtifact(_ context.Context, id uuid.UUID, data []byte, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok || r.Status != models.ReportStatusCompleted {
		return store.ErrNotFound
	}
	s.artifactWrites++
	r.Artifact = append([]byte(nil), data...)
	r.ArtifactFilename = &filename
	return nil
}

func (s *memStore) DeleteReport(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.reports, id)
	return nil
}

func (s *memStore) ListReports(_ context.Context, f store.ReportFilter) ([]*models.ReportSummary, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*models.ReportSummary
	for _, r := range s.reports {
		if r.CustomerID != f.CustomerID || (f.Kind != "" && r.Kind != f.Kind) || (f.Status != "" && r.Status != f.Status) {
			continue
		}
		all = append(all, &models.ReportSummary{
			ID: r.ID, Kind: r.Kind, CustomerID: r.CustomerID, InputIDs: r.InputIDs,
			Status: r.Status, HasArtifact: r.HasArtifact(), CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
		})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return all, len(all), nil
}

func (s *memStore) FailStaleReports(_ context.Context, before time.Time, msg string) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, r := range s.reports {
		if r.Status.Terminal() || !r.UpdatedAt.Before(before) {
			continue
		}
		m := msg
		r.Status = models.ReportStatusFailed
		r.ErrorMessage = &m
		r.Content = nil
		r.UpdatedAt = time.Now().UTC()
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memStore) report(id uuid.UUID) *models.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

func (s *memStore) writesFor(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalWrites[id]
}

// --- cache ---

type memCache struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]cache.ReportState
	claims   map[string]bool
	claimErr error
	setErr   error
	getCalls int
}

func newMemCache() *memCache {
	return &memCache{statuses: map[uuid.UUID]cache.ReportState{}, claims: map[string]bool{}}
}

func (c *memCache) Ping(_ context.Context) error { return nil }

func (c *memCache) SetReportStatus(_ context.Context, id uuid.UUID, st cache.ReportState, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.statuses[id] = st
	return nil
}

func (c *memCache) GetReportStatus(_ context.Context, id uuid.UUID) (cache.ReportState, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getCalls++
	st, ok := c.statuses[id]
	return st, ok, nil
}

func (c *memCache) DeleteReportStatus(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.statuses, id)
	return nil
}

func (c *memCache) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimErr != nil {
		return false, c.claimErr
	}
	if c.claims[key] {
		return false, nil
	}
	c.claims[key] = true
	return true, nil
}

func (c *memCache) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, key)
	return nil
}

func (c *memCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 0, nil
}

func (c *memCache) status(id uuid.UUID) models.ReportStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[id].Status
}

func (c *memCache) mirror(id uuid.UUID, kind models.ReportKind, status models.ReportStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[id] = cache.ReportState{Kind: kind, Status: status}
}

// --- content, settings, converter ---

type storeContent struct{ s *memStore }

func (c storeContent) InputContent(ctx context.Context, _ models.ReportKind, customerID string, ids []string) (string, error) {
	exams, err := c.s.GetExams(ctx, customerID, ids)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(exams))
	for _, e := range exams {
		parts = append(parts, e.Findings)
	}
	return strings.Join(parts, "\n"), nil
}

type staticSettings struct{}

func (staticSettings) Current() *settings.Snapshot {
	return settings.NewRegistry(nil).Current()
}

type countingConverter struct {
	mu    sync.Mutex
	calls int
	err   error
	delay time.Duration

	// When gate is set each call signals entered and then waits for gate to
	// close or its context to end.
	entered chan struct{}
	gate    chan struct{}
}

func (c *countingConverter) Name() string { return "counting" }

func (c *countingConverter) Convert(ctx context.Context, title, text string) ([]byte, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.gate != nil {
		c.entered <- struct{}{}
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []byte("%PDF-1.3 " + title + "\n" + text), nil
}

func (c *countingConverter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

var errBoom = errors.New("boom")

func guardKeyFor(kind models.ReportKind, customerID string, ids ...string) string {
	return cache.GuardKey(kind, customerID, analysis.Fingerprint(InputKey(NormalizeInputIDs(ids))))
}
