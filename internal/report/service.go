// Package report owns the report lifecycle: duplicate suppression, creation,
// generation, polling and artifact conversion.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/celltrack/reportd/internal/cache"
	"github.com/celltrack/reportd/internal/convert"
	"github.com/celltrack/reportd/internal/store"
	"github.com/celltrack/reportd/pkg/models"
)

// maxInputIDs bounds one request's input set.
const maxInputIDs = 50

// defaultConvertTimeout bounds one shared conversion when Deps leaves it unset.
const defaultConvertTimeout = 60 * time.Second

// Store is the persistence the service needs.
type Store interface {
	store.ContentStore
	store.ReportStore
}

// CreateRequest is the body of a generate call.
type CreateRequest struct {
	CustomerID string
	InputIDs   []string
}

// Artifact is a converted document ready for download.
type Artifact struct {
	ReportID    uuid.UUID
	Filename    string
	ContentType string
	Data        []byte
	Cached      bool
}

// ListParams selects one page of a customer's reports.
type ListParams struct {
	CustomerID string
	Status     models.ReportStatus
	Page       int
	Limit      int
}

// Deps holds the collaborators of a Service.
type Deps struct {
	Store      Store
	Cache      cache.Cache
	Guard      *Guard
	Worker     *Worker
	Dispatcher *Dispatcher
	Converter  convert.Converter
	// ConvertTimeout bounds one conversion. Zero means defaultConvertTimeout.
	ConvertTimeout time.Duration
}

// Service orchestrates report generation and retrieval.
type Service struct {
	store      Store
	cache      cache.Cache
	guard      *Guard
	worker     *Worker
	dispatcher *Dispatcher
	converter  convert.Converter
	converts   singleflight.Group
	convertTTL time.Duration
	now        func() time.Time
}

func NewService(d Deps) *Service {
	convertTTL := d.ConvertTimeout
	if convertTTL <= 0 {
		convertTTL = defaultConvertTimeout
	}
	return &Service{
		convertTTL: convertTTL,
		store:      d.Store,
		cache:      d.Cache,
		guard:      d.Guard,
		worker:     d.Worker,
		dispatcher: d.Dispatcher,
		converter:  d.Converter,
		now:        time.Now,
	}
}

// Generate creates a report and runs the worker before returning. The returned
// report is terminal; a failed generation is a normal result, not an error.
// The caller's cancellation does not interrupt the worker.
func (s *Service) Generate(ctx context.Context, kind models.ReportKind, req CreateRequest) (*models.Report, error) {
	r, err := s.create(ctx, kind, req)
	if err != nil {
		return nil, err
	}

	status := s.worker.Run(context.WithoutCancel(ctx), r)

	out, err := s.store.GetReport(context.WithoutCancel(ctx), r.ID)
	if err != nil {
		return nil, internalError("reading generated report", err)
	}
	if out.Status != status {
		slog.Warn("report status changed after worker returned", "report_id", r.ID, "worker_status", status, "stored_status", out.Status)
	}
	return out, nil
}

// Initiate creates a report and hands generation to the dispatcher. The returned
// report is still processing; callers observe the outcome by polling.
func (s *Service) Initiate(ctx context.Context, kind models.ReportKind, req CreateRequest) (*models.Report, error) {
	r, err := s.create(ctx, kind, req)
	if err != nil {
		return nil, err
	}

	task := *r
	if err := s.dispatcher.Dispatch("report:"+r.ID.String(), func(taskCtx context.Context) {
		s.worker.Run(taskCtx, &task)
	}); err != nil {
		// Not accepted: write the terminal state here so the row cannot stay in flight.
		msg := fmt.Sprintf("not scheduled: %v", err)
		if ferr := s.store.FailReport(context.WithoutCancel(ctx), r.ID, msg); ferr != nil {
			slog.Error("failing unscheduled report", "report_id", r.ID, "error", ferr)
		}
		return nil, internalError("dispatching generation", err)
	}
	return r, nil
}

func (s *Service) create(ctx context.Context, kind models.ReportKind, req CreateRequest) (*models.Report, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return nil, validationError("customerId is required")
	}
	inputIDs := NormalizeInputIDs(req.InputIDs)
	if len(inputIDs) == 0 {
		return nil, validationError("inputIds must contain at least one id")
	}
	if len(inputIDs) > maxInputIDs {
		return nil, validationError("inputIds must contain at most %d ids", maxInputIDs)
	}
	for _, id := range inputIDs {
		if strings.Contains(id, inputKeySeparator) {
			return nil, validationError("input id %q must not contain %q", id, inputKeySeparator)
		}
	}

	exists, err := s.store.CustomerExists(ctx, customerID)
	if err != nil {
		return nil, internalError("checking customer", err)
	}
	if !exists {
		return nil, validationError("customer %s does not exist", customerID)
	}

	inputKey := InputKey(inputIDs)
	log := slog.With("kind", kind, "customer_id", customerID, "input_key", inputKey)

	if existing, err := s.guard.Check(ctx, kind, customerID, inputKey); err != nil {
		return nil, internalError("checking for duplicates", err)
	} else if existing != nil {
		log.Info("duplicate report request suppressed", "report_id", existing.ID, "status", existing.Status)
		return nil, &DuplicateError{Report: existing}
	}

	won, release := s.guard.Claim(ctx, kind, customerID, inputKey)
	defer release()
	if !won {
		existing, err := s.guard.Check(ctx, kind, customerID, inputKey)
		if err != nil {
			return nil, internalError("checking for duplicates", err)
		}
		return nil, &DuplicateError{Report: existing}
	}

	if _, err := s.store.GetExams(ctx, customerID, inputIDs); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil, internalError("checking inputs", err)
	}

	now := s.now().UTC()
	r := &models.Report{
		ID:         uuid.New(),
		Kind:       kind,
		CustomerID: customerID,
		InputIDs:   inputIDs,
		InputKey:   inputKey,
		Status:     models.ReportStatusProcessing,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateReport(ctx, r); err != nil {
		return nil, internalError("creating report", err)
	}
	if s.cache != nil {
		if err := s.cache.SetReportStatus(ctx, r.ID, cache.ReportState{Kind: r.Kind, Status: r.Status}, statusTTL); err != nil {
			log.Warn("mirroring report status", "report_id", r.ID, "error", err)
		}
	}

	log.Info("report created", "report_id", r.ID)
	return r, nil
}

// Get returns the stored report. It never fails because a report is still
// processing.
func (s *Service) Get(ctx context.Context, kind models.ReportKind, id uuid.UUID) (*models.Report, error) {
	r, err := s.store.GetReport(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: report %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, internalError("reading report", err)
	}
	if r.Kind != kind {
		return nil, fmt.Errorf("%w: report %s", ErrNotFound, id)
	}
	return r, nil
}

// Status returns only the lifecycle state. While the Redis mirror reports an
// in-flight state for the same kind the database is not consulted.
func (s *Service) Status(ctx context.Context, kind models.ReportKind, id uuid.UUID) (models.ReportStatus, error) {
	if s.cache != nil {
		st, ok, err := s.cache.GetReportStatus(ctx, id)
		if err != nil {
			slog.Warn("reading report status mirror", "report_id", id, "error", err)
		} else if ok && st.Kind == kind && !st.Status.Terminal() {
			return st.Status, nil
		}
	}
	r, err := s.Get(ctx, kind, id)
	if err != nil {
		return "", err
	}
	return r.Status, nil
}

// Content returns the generated text of a completed report.
func (s *Service) Content(ctx context.Context, kind models.ReportKind, id uuid.UUID) (string, error) {
	r, err := s.Get(ctx, kind, id)
	if err != nil {
		return "", err
	}
	if r.Status != models.ReportStatusCompleted || r.Content == nil {
		return "", fmt.Errorf("%w: report %s is %s", ErrNotReady, id, r.Status)
	}
	return *r.Content, nil
}

// Convert returns the PDF rendering of a completed report, converting at most
// once. Concurrent calls for the same kind and report share one conversion,
// which outlives any single caller and is bounded by the convert timeout.
// Conversion failures leave the report untouched.
func (s *Service) Convert(ctx context.Context, kind models.ReportKind, id uuid.UUID) (*Artifact, error) {
	ch := s.converts.DoChan(string(kind)+":"+id.String(), func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.convertTTL)
		defer cancel()
		return s.convert(flightCtx, kind, id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		a := *res.Val.(*Artifact)
		return &a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) convert(ctx context.Context, kind models.ReportKind, id uuid.UUID) (*Artifact, error) {
	r, err := s.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if r.Status != models.ReportStatusCompleted || r.Content == nil {
		return nil, fmt.Errorf("%w: report %s is %s", ErrNotReady, id, r.Status)
	}

	if r.HasArtifact() {
		filename := ArtifactFilename(r)
		if r.ArtifactFilename != nil && *r.ArtifactFilename != "" {
			filename = *r.ArtifactFilename
		}
		return &Artifact{ReportID: r.ID, Filename: filename, ContentType: convert.ContentTypePDF, Data: r.Artifact, Cached: true}, nil
	}

	start := s.now()
	data, err := s.converter.Convert(ctx, ArtifactTitle(r), *r.Content)
	if err != nil {
		slog.Warn("report conversion failed", "report_id", id, "converter", s.converter.Name(), "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	filename := ArtifactFilename(r)
	if err := s.store.SetReportArtifact(context.WithoutCancel(ctx), r.ID, data, filename); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Deleted or regenerated while converting.
			return nil, fmt.Errorf("%w: report %s changed during conversion", ErrNotReady, id)
		}
		return nil, internalError("storing artifact", err)
	}

	slog.Info("report converted", "report_id", id, "converter", s.converter.Name(),
		"bytes", len(data), "duration_ms", s.now().Sub(start).Milliseconds())
	return &Artifact{ReportID: r.ID, Filename: filename, ContentType: convert.ContentTypePDF, Data: data}, nil
}

// Delete removes the report permanently.
func (s *Service) Delete(ctx context.Context, kind models.ReportKind, id uuid.UUID) error {
	if _, err := s.Get(ctx, kind, id); err != nil {
		return err
	}
	if err := s.store.DeleteReport(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: report %s", ErrNotFound, id)
		}
		return internalError("deleting report", err)
	}
	if s.cache != nil {
		if err := s.cache.DeleteReportStatus(ctx, id); err != nil {
			slog.Warn("clearing report status mirror", "report_id", id, "error", err)
		}
	}
	slog.Info("report deleted", "report_id", id, "kind", kind)
	return nil
}

// List returns one page of a customer's reports of kind, newest first.
func (s *Service) List(ctx context.Context, kind models.ReportKind, p ListParams) ([]*models.ReportSummary, int, error) {
	customerID := strings.TrimSpace(p.CustomerID)
	if customerID == "" {
		return nil, 0, validationError("customerId is required")
	}
	if p.Status != "" && !p.Status.Valid() {
		return nil, 0, validationError("status must be one of pending, processing, completed, failed")
	}

	exists, err := s.store.CustomerExists(ctx, customerID)
	if err != nil {
		return nil, 0, internalError("checking customer", err)
	}
	if !exists {
		return nil, 0, fmt.Errorf("%w: customer %s", ErrNotFound, customerID)
	}

	reports, total, err := s.store.ListReports(ctx, store.ReportFilter{
		CustomerID: customerID,
		Kind:       kind,
		Status:     p.Status,
		Page:       p.Page,
		Limit:      p.Limit,
	})
	if err != nil {
		return nil, 0, internalError("listing reports", err)
	}
	return reports, total, nil
}

// ArtifactTitle is the heading rendered at the top of a converted report.
func ArtifactTitle(r *models.Report) string {
	kind := string(r.Kind)
	if kind != "" {
		kind = strings.ToUpper(kind[:1]) + kind[1:]
	}
	return fmt.Sprintf("%s report for customer %s", kind, r.CustomerID)
}

// ArtifactFilename is the suggested download name for a converted report.
func ArtifactFilename(r *models.Report) string {
	return fmt.Sprintf("%s-report-%s-%s.pdf", r.Kind, sanitizeFilename(r.CustomerID), r.CreatedAt.UTC().Format("20060102"))
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
