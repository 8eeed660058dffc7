package models

import (
	"time"

	"github.com/google/uuid"
)

// ReportStatus is the lifecycle state of a report. The string values are the only
// representation stored or returned by the API.
type ReportStatus string

const (
	ReportStatusPending    ReportStatus = "pending"
	ReportStatusProcessing ReportStatus = "processing"
	ReportStatusCompleted  ReportStatus = "completed"
	ReportStatusFailed     ReportStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s ReportStatus) Valid() bool {
	switch s {
	case ReportStatusPending, ReportStatusProcessing, ReportStatusCompleted, ReportStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further worker-driven transition can occur from s.
func (s ReportStatus) Terminal() bool {
	return s == ReportStatusCompleted || s == ReportStatusFailed
}

// ReportKind selects the prompt and default execution mode of a report.
type ReportKind string

const (
	// ReportKindAnalysis is a single-pass health assessment over the selected exams.
	ReportKindAnalysis ReportKind = "analysis"
	// ReportKindComparison compares the selected exams over time.
	ReportKindComparison ReportKind = "comparison"
)

// ParseReportKind returns the kind named by s, or false if s is not a known kind.
func ParseReportKind(s string) (ReportKind, bool) {
	switch k := ReportKind(s); k {
	case ReportKindAnalysis, ReportKindComparison:
		return k, true
	}
	return "", false
}

// Async reports whether generation for this kind returns before the worker finishes
// unless the caller asks otherwise.
func (k ReportKind) Async() bool {
	return k == ReportKindComparison
}

// Report is one AI-assisted analysis request and its outcome.
//
// A completed report has Content set and ErrorMessage nil; a failed report has the
// reverse. Artifact is a cached rendering of Content and is never authoritative.
type Report struct {
	ID               uuid.UUID    `db:"id"                 json:"id"`
	Kind             ReportKind   `db:"kind"               json:"kind"`
	CustomerID       string       `db:"customer_id"        json:"customer_id"`
	InputIDs         []string     `db:"input_ids"          json:"input_ids"`
	InputKey         string       `db:"input_key"          json:"-"`
	Status           ReportStatus `db:"status"             json:"status"`
	Content          *string      `db:"content"            json:"content,omitempty"`
	Artifact         []byte       `db:"artifact"           json:"-"`
	ArtifactFilename *string      `db:"artifact_filename"  json:"-"`
	ErrorMessage     *string      `db:"error_message"      json:"error_message,omitempty"`
	ProcessingTimeMs *int64       `db:"processing_time_ms" json:"processing_time_ms,omitempty"`
	ModelIdentifier  *string      `db:"model_identifier"   json:"model_identifier,omitempty"`
	TokenCount       *int         `db:"token_count"        json:"token_count,omitempty"`
	CreatedAt        time.Time    `db:"created_at"         json:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"         json:"updated_at"`
}

// HasArtifact reports whether a converted document is cached on the report.
func (r *Report) HasArtifact() bool {
	return len(r.Artifact) > 0
}

// ReportSummary is the list-view projection of a report, without content or artifact.
type ReportSummary struct {
	ID          uuid.UUID    `json:"id"`
	Kind        ReportKind   `json:"kind"`
	CustomerID  string       `json:"customer_id"`
	InputIDs    []string     `json:"input_ids"`
	Status      ReportStatus `json:"status"`
	HasArtifact bool         `json:"has_artifact"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// GenerationOutcome is the terminal result of one worker run.
type GenerationOutcome struct {
	Content          string
	ModelIdentifier  string
	TokenCount       int
	ProcessingTimeMs int64
}
