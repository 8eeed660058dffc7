package report

import (
	"errors"
	"fmt"

	"github.com/celltrack/reportd/pkg/models"
)

// Error taxonomy surfaced to callers. The HTTP layer maps each to a status code.
var (
	ErrValidation = errors.New("invalid request")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("duplicate request")
	ErrNotReady   = errors.New("report not ready")
	ErrUpstream   = errors.New("upstream service error")
	ErrInternal   = errors.New("internal error")
)

// DuplicateError is returned when the duplicate guard matched a recent report.
// Report is nil when a concurrent request holds the claim but its row is not
// visible yet.
type DuplicateError struct {
	Report *models.Report
}

func (e *DuplicateError) Error() string {
	if e.Report == nil {
		return "duplicate request: an identical report is being created"
	}
	return fmt.Sprintf("duplicate request: report %s is %s", e.Report.ID, e.Report.Status)
}

func (e *DuplicateError) Unwrap() error { return ErrConflict }

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func internalError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInternal, op, err)
}
