package cache

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/celltrack/reportd/pkg/models"
)

func ReportStatusKey(reportID uuid.UUID) string {
	return fmt.Sprintf("report:status:%s", reportID)
}

// GuardKey identifies one (kind, customer, input set) generation request. The
// fingerprint is a hash of the normalized input key.
func GuardKey(kind models.ReportKind, customerID, fingerprint string) string {
	return fmt.Sprintf("report:guard:%s:%s:%s", kind, customerID, fingerprint)
}

// RateLimitKey names the request counter of one API key for the window that
// starts at windowStart.
func RateLimitKey(keyPrefix string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", keyPrefix, windowStart.Unix())
}
