package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/celltrack/reportd/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Customers and exams ---

func (s *PostgresStore) CustomerExists(ctx context.Context, customerID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM customers WHERE id = $1)`, customerID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check customer exists: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) GetExams(ctx context.Context, customerID string, examIDs []string) ([]*models.MedicalExam, error) {
	if len(examIDs) == 0 {
		return []*models.MedicalExam{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, customer_id, exam_type, exam_date, findings, created_at
		 FROM medical_exams WHERE customer_id = $1 AND id = ANY($2)
		 ORDER BY exam_date, id`, customerID, examIDs)
	if err != nil {
		return nil, fmt.Errorf("get exams: %w", err)
	}
	defer rows.Close()

	var exams []*models.MedicalExam
	found := make(map[string]bool, len(examIDs))
	for rows.Next() {
		var e models.MedicalExam
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.ExamType, &e.ExamDate, &e.Findings, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exam: %w", err)
		}
		found[e.ID] = true
		exams = append(exams, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get exams: %w", err)
	}

	var missing []string
	for _, id := range examIDs {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: exams %s for customer %s", ErrNotFound, strings.Join(missing, ","), customerID)
	}
	return exams, nil
}

// --- Reports ---

const reportColumns = `id, kind, customer_id, input_ids, input_key, status, content, %s, artifact_filename,
	error_message, processing_time_ms, model_identifier, token_count, created_at, updated_at`

// reportSelect returns the report column list. The artifact blob is only read when
// the caller needs it.
func reportSelect(withArtifact bool) string {
	if withArtifact {
		return fmt.Sprintf(reportColumns, "artifact")
	}
	return fmt.Sprintf(reportColumns, "NULL::bytea")
}

func scanReport(row pgx.Row) (*models.Report, error) {
	var r models.Report
	err := row.Scan(&r.ID, &r.Kind, &r.CustomerID, &r.InputIDs, &r.InputKey, &r.Status,
		&r.Content, &r.Artifact, &r.ArtifactFilename, &r.ErrorMessage, &r.ProcessingTimeMs,
		&r.ModelIdentifier, &r.TokenCount, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateReport(ctx context.Context, report *models.Report) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reports (id, kind, customer_id, input_ids, input_key, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		report.ID, report.Kind, report.CustomerID, report.InputIDs, report.InputKey,
		report.Status, report.CreatedAt, report.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create report: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReport(ctx context.Context, id uuid.UUID) (*models.Report, error) {
	r, err := scanReport(s.pool.QueryRow(ctx,
		`SELECT `+reportSelect(true)+` FROM reports WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) FindRecentReport(ctx context.Context, kind models.ReportKind, customerID, inputKey string, since time.Time) (*models.Report, error) {
	r, err := scanReport(s.pool.QueryRow(ctx,
		`SELECT `+reportSelect(false)+` FROM reports
		 WHERE kind = $1 AND customer_id = $2 AND input_key = $3 AND created_at >= $4
		 ORDER BY created_at DESC LIMIT 1`, kind, customerID, inputKey, since))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find recent report: %w", err)
	}
	return r, nil
}

// StartReport refreshes updated_at when a worker begins, so staleness is measured
// from the start of generation rather than from creation.
func (s *PostgresStore) StartReport(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $2, updated_at = $3
		 WHERE id = $1 AND status IN ($4, $2)`,
		id, models.ReportStatusProcessing, time.Now().UTC(), models.ReportStatusPending)
	if err != nil {
		return fmt.Errorf("start report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteReport writes the completed terminal state. Writing again for the same id
// overwrites the previous outcome and drops any cached artifact.
func (s *PostgresStore) CompleteReport(ctx context.Context, id uuid.UUID, outcome models.GenerationOutcome) error {
	var model *string
	if outcome.ModelIdentifier != "" {
		model = &outcome.ModelIdentifier
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $2, content = $3, error_message = NULL,
		   model_identifier = $4, token_count = $5, processing_time_ms = $6,
		   artifact = NULL, artifact_filename = NULL, updated_at = $7
		 WHERE id = $1`,
		id, models.ReportStatusCompleted, outcome.Content, model, outcome.TokenCount,
		outcome.ProcessingTimeMs, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("complete report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailReport writes the failed terminal state. Like CompleteReport it overwrites.
func (s *PostgresStore) FailReport(ctx context.Context, id uuid.UUID, errorMessage string, opts ...ReportUpdateOption) error {
	params := &reportUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $2, content = NULL, error_message = $3,
		   model_identifier = $4, token_count = NULL, processing_time_ms = $5,
		   artifact = NULL, artifact_filename = NULL, updated_at = $6
		 WHERE id = $1`,
		id, models.ReportStatusFailed, errorMessage, params.ModelIdentifier,
		params.ProcessingTimeMs, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("fail report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetReportArtifact caches a converted document on a completed report. It does not
// change status or updated_at.
func (s *PostgresStore) SetReportArtifact(ctx context.Context, id uuid.UUID, artifact []byte, filename string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET artifact = $2, artifact_filename = $3
		 WHERE id = $1 AND status = $4`,
		id, artifact, filename, models.ReportStatusCompleted)
	if err != nil {
		return fmt.Errorf("set report artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteReport(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reports WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListReports(ctx context.Context, filter ReportFilter) ([]*models.ReportSummary, int, error) {
	conditions := []string{"customer_id = $1"}
	args := []any{filter.CustomerID}
	argIdx := 2

	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argIdx))
		args = append(args, filter.Kind)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM reports WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reports: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT id, kind, customer_id, input_ids, status, artifact IS NOT NULL, created_at, updated_at
		 FROM reports WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	reports := []*models.ReportSummary{}
	for rows.Next() {
		var r models.ReportSummary
		if err := rows.Scan(&r.ID, &r.Kind, &r.CustomerID, &r.InputIDs, &r.Status,
			&r.HasArtifact, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan report summary: %w", err)
		}
		reports = append(reports, &r)
	}
	return reports, total, rows.Err()
}

// FailStaleReports marks every in-flight report last touched before updatedBefore as
// failed and returns their ids.
func (s *PostgresStore) FailStaleReports(ctx context.Context, updatedBefore time.Time, errorMessage string) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE reports SET status = $1, content = NULL, error_message = $2, updated_at = $3
		 WHERE status IN ($4, $5) AND updated_at < $6
		 RETURNING id`,
		models.ReportStatusFailed, errorMessage, time.Now().UTC(),
		models.ReportStatusPending, models.ReportStatusProcessing, updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("fail stale reports: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale report id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Settings ---

func (s *PostgresStore) ListSettings(ctx context.Context) ([]*models.Setting, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value, updated_at FROM system_settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var settings []*models.Setting
	for rows.Next() {
		var st models.Setting
		if err := rows.Scan(&st.Key, &st.Value, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings = append(settings, &st)
	}
	return settings, rows.Err()
}

func (s *PostgresStore) UpsertSetting(ctx context.Context, key, value string) (*models.Setting, error) {
	var st models.Setting
	err := s.pool.QueryRow(ctx,
		`INSERT INTO system_settings (key, value, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
		 RETURNING key, value, updated_at`, key, value,
	).Scan(&st.Key, &st.Value, &st.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert setting: %w", err)
	}
	return &st, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
