// Package analysis assembles the text payload an analysis provider receives from
// a customer's exams.
package analysis

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/celltrack/reportd/pkg/models"
)

const truncatedMarker = "\n[truncated]"

// minFindingsBytes keeps every exam readable when many are selected.
const minFindingsBytes = 256

// ExamReader is the subset of the store the payload builder needs.
type ExamReader interface {
	GetExams(ctx context.Context, customerID string, examIDs []string) ([]*models.MedicalExam, error)
}

// Source builds provider payloads from stored exams.
type Source struct {
	exams    ExamReader
	maxChars func() int
}

// NewSource returns a Source reading from exams. maxChars is consulted on every call
// so settings reloads take effect without a restart.
func NewSource(exams ExamReader, maxChars func() int) *Source {
	return &Source{exams: exams, maxChars: maxChars}
}

// InputContent fetches the exams and renders them into one payload.
func (s *Source) InputContent(ctx context.Context, kind models.ReportKind, customerID string, inputIDs []string) (string, error) {
	exams, err := s.exams.GetExams(ctx, customerID, inputIDs)
	if err != nil {
		return "", fmt.Errorf("loading exams: %w", err)
	}
	limit := 0
	if s.maxChars != nil {
		limit = s.maxChars()
	}
	return BuildPayload(kind, customerID, exams, limit), nil
}

// BuildPayload renders exams oldest first. When maxBytes is positive the findings
// budget is split evenly across exams and each block is cut on a rune boundary.
func BuildPayload(kind models.ReportKind, customerID string, exams []*models.MedicalExam, maxBytes int) string {
	sorted := make([]*models.MedicalExam, len(exams))
	copy(sorted, exams)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ExamDate.Equal(sorted[j].ExamDate) {
			return sorted[i].ExamDate.Before(sorted[j].ExamDate)
		}
		return sorted[i].ID < sorted[j].ID
	})

	perExam := 0
	if maxBytes > 0 && len(sorted) > 0 {
		perExam = maxBytes / len(sorted)
		if perExam < minFindingsBytes {
			perExam = minFindingsBytes
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Customer: %s\n", customerID)
	fmt.Fprintf(&b, "Report kind: %s\n", kind)
	fmt.Fprintf(&b, "Exams: %d\n", len(sorted))

	for i, e := range sorted {
		findings := NormalizeText(e.Findings)
		if findings == "" {
			findings = "(no findings recorded)"
		}
		if perExam > 0 && len(findings) > perExam {
			findings = TruncateString(findings, perExam) + truncatedMarker
		}

		fmt.Fprintf(&b, "\n## Exam %d: %s\n", i+1, e.ID)
		fmt.Fprintf(&b, "Type: %s\n", NormalizeText(e.ExamType))
		fmt.Fprintf(&b, "Date: %s\n", e.ExamDate.UTC().Format("2006-01-02"))
		b.WriteString("Findings:\n")
		b.WriteString(findings)
		b.WriteString("\n")
	}

	return b.String()
}
