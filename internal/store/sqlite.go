package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/crevhq/crev/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent requests.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// toJSON marshals v for a TEXT column. A nil v stores SQL NULL.
func toJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal json column: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// fromJSON unmarshals a TEXT column into v; NULL and empty leave v untouched.
func fromJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), v); err != nil {
		return fmt.Errorf("unmarshal json column: %w", err)
	}
	return nil
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Contracts ---

func (s *SQLiteStore) CreateContract(ctx context.Context, c *models.Contract) error {
	if c.ID == "" {
		c.ID = newULID()
	}
	if c.Status == "" {
		c.Status = models.ContractStatusDraft
	}
	if c.CurrentVersion == 0 {
		c.CurrentVersion = 1
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contracts (id, contract_no, title, type, industry, status, content, drafter_id, current_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ContractNo, c.Title, string(c.Type), c.Industry, string(c.Status),
		c.Content, c.DrafterID, c.CurrentVersion, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create contract: %w", err)
	}
	return nil
}

const contractCols = `id, contract_no, title, type, industry, status, content, drafter_id, current_version, created_at, updated_at`

func scanContract(row interface{ Scan(...any) error }) (*models.Contract, error) {
	c := &models.Contract{}
	var ctype, status string
	if err := row.Scan(&c.ID, &c.ContractNo, &c.Title, &ctype, &c.Industry, &status,
		&c.Content, &c.DrafterID, &c.CurrentVersion, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Type = models.ContractType(ctype)
	c.Status = models.ContractStatus(status)
	return c, nil
}

func (s *SQLiteStore) GetContract(ctx context.Context, id string) (*models.Contract, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contractCols+` FROM contracts WHERE id = ?`, id)
	c, err := scanContract(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get contract: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetContractByNo(ctx context.Context, no string) (*models.Contract, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contractCols+` FROM contracts WHERE contract_no = ?`, no)
	c, err := scanContract(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("contract %s: %w", no, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get contract by no: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListContracts(ctx context.Context, status models.ContractStatus) ([]*models.Contract, error) {
	query := `SELECT ` + contractCols + ` FROM contracts`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var contracts []*models.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

func (s *SQLiteStore) UpdateContract(ctx context.Context, c *models.Contract) error {
	c.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE contracts SET contract_no=?, title=?, type=?, industry=?, status=?, content=?, drafter_id=?, current_version=?, updated_at=?
		WHERE id=?`,
		c.ContractNo, c.Title, string(c.Type), c.Industry, string(c.Status),
		c.Content, c.DrafterID, c.CurrentVersion, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update contract: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("contract %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) CreateContractVersion(ctx context.Context, v *models.ContractVersion) error {
	if v.ID == "" {
		v.ID = newULID()
	}
	v.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contract_versions (id, contract_id, version, content, change_summary, changed_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.ContractID, v.Version, v.Content, v.ChangeSummary, v.ChangedBy, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create contract version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListContractVersions(ctx context.Context, contractID string) ([]*models.ContractVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, contract_id, version, content, change_summary, changed_by, created_at
		FROM contract_versions WHERE contract_id = ? ORDER BY version`, contractID)
	if err != nil {
		return nil, fmt.Errorf("list contract versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []*models.ContractVersion
	for rows.Next() {
		v := &models.ContractVersion{}
		if err := rows.Scan(&v.ID, &v.ContractID, &v.Version, &v.Content, &v.ChangeSummary, &v.ChangedBy, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan contract version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Review tasks ---

const taskCols = `id, contract_id, contract_version, type, status, priority, reviewer_id, reviewer_tier, assignments, review_levels, progress, correlation_id, error_message, created_by, started_at, completed_at, created_at, updated_at`

func (s *SQLiteStore) CreateTask(ctx context.Context, t *models.ReviewTask) error {
	if t.ID == "" {
		t.ID = newULID()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusPending
	}
	if t.Type == "" {
		t.Type = models.TaskTypeAuto
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	assignments, err := toJSON(t.Assignments)
	if err != nil {
		return err
	}
	levels, err := toJSON(t.ReviewLevels)
	if err != nil {
		return err
	}
	progress, err := toJSON(t.Progress)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO review_tasks (`+taskCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ContractID, t.ContractVersion, string(t.Type), string(t.Status), t.Priority,
		t.ReviewerID, string(t.ReviewerTier), assignments, levels, progress,
		t.CorrelationID, t.ErrorMessage, t.CreatedBy, t.StartedAt, t.CompletedAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func scanTask(row interface{ Scan(...any) error }) (*models.ReviewTask, error) {
	t := &models.ReviewTask{}
	var taskType, status, tier string
	var assignments, levels, progress sql.NullString
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(&t.ID, &t.ContractID, &t.ContractVersion, &taskType, &status, &t.Priority,
		&t.ReviewerID, &tier, &assignments, &levels, &progress,
		&t.CorrelationID, &t.ErrorMessage, &t.CreatedBy, &startedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}

	t.Type = models.TaskType(taskType)
	t.Status = models.TaskStatus(status)
	t.ReviewerTier = models.Tier(tier)
	if err := fromJSON(assignments, &t.Assignments); err != nil {
		return nil, err
	}
	if err := fromJSON(levels, &t.ReviewLevels); err != nil {
		return nil, err
	}
	if progress.Valid && progress.String != "" && progress.String != "null" {
		t.Progress = &models.Progress{}
		if err := fromJSON(progress, t.Progress); err != nil {
			return nil, err
		}
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.ReviewTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM review_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskListFilter) ([]*models.ReviewTask, error) {
	query := `SELECT ` + taskCols + ` FROM review_tasks`
	var conditions []string
	var args []any

	if filter.ContractID != "" {
		conditions = append(conditions, "contract_id = ?")
		args = append(args, filter.ContractID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, string(filter.Type))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.ReviewTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) ListStaleTasks(ctx context.Context, statuses []models.TaskStatus, before time.Time) ([]*models.ReviewTask, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, before.UTC())

	query := `SELECT ` + taskCols + ` FROM review_tasks
		WHERE status IN (` + strings.Join(placeholders, ", ") + `)
		AND COALESCE(started_at, created_at) < ?
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.ReviewTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, t *models.ReviewTask) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	t.UpdatedAt = time.Now().UTC()

	assignments, err := toJSON(t.Assignments)
	if err != nil {
		return err
	}
	levels, err := toJSON(t.ReviewLevels)
	if err != nil {
		return err
	}
	progress, err := toJSON(t.Progress)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE review_tasks SET contract_version=?, type=?, status=?, priority=?, reviewer_id=?, reviewer_tier=?, assignments=?, review_levels=?, progress=?, correlation_id=?, error_message=?, started_at=?, completed_at=?, updated_at=?
		WHERE id=?`,
		t.ContractVersion, string(t.Type), string(t.Status), t.Priority,
		t.ReviewerID, string(t.ReviewerTier), assignments, levels, progress,
		t.CorrelationID, t.ErrorMessage, t.StartedAt, t.CompletedAt, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// --- Review results ---

const resultCols = `id, task_id, contract_id, overall_score, risk_level, risk_count, summary, report_path, report_format, data, created_at, updated_at`

func (s *SQLiteStore) CreateResult(ctx context.Context, r *models.ReviewResult) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	data, err := toJSON(r.Data)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO review_results (`+resultCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.ContractID, r.OverallScore, string(r.RiskLevel), r.RiskCount,
		r.Summary, r.ReportPath, r.ReportFormat, data, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create result: %w", err)
	}
	return nil
}

func scanResult(row interface{ Scan(...any) error }) (*models.ReviewResult, error) {
	r := &models.ReviewResult{}
	var riskLevel string
	var data sql.NullString

	if err := row.Scan(&r.ID, &r.TaskID, &r.ContractID, &r.OverallScore, &riskLevel, &r.RiskCount,
		&r.Summary, &r.ReportPath, &r.ReportFormat, &data, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.RiskLevel = models.RiskLevel(riskLevel)
	if data.Valid && data.String != "" && data.String != "null" {
		r.Data = &models.ReviewData{}
		if err := fromJSON(data, r.Data); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (s *SQLiteStore) GetResult(ctx context.Context, id string) (*models.ReviewResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resultCols+` FROM review_results WHERE id = ?`, id)
	r, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("result %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) GetResultByTask(ctx context.Context, taskID string) (*models.ReviewResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resultCols+` FROM review_results WHERE task_id = ?`, taskID)
	r, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("result for task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get result by task: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) UpdateResult(ctx context.Context, r *models.ReviewResult) error {
	r.UpdatedAt = time.Now().UTC()

	data, err := toJSON(r.Data)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE review_results SET overall_score=?, risk_level=?, risk_count=?, summary=?, report_path=?, report_format=?, data=?, updated_at=?
		WHERE id=?`,
		r.OverallScore, string(r.RiskLevel), r.RiskCount, r.Summary,
		r.ReportPath, r.ReportFormat, data, r.UpdatedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update result: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("result %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

// --- Review opinions ---

const opinionCols = `id, result_id, reviewer_id, reviewer_tier, clause_id, clause_content, type, severity, content, legal_basis, suggestion, status, source, created_at, updated_at`

func (s *SQLiteStore) CreateOpinion(ctx context.Context, o *models.ReviewOpinion) error {
	if o.ID == "" {
		o.ID = newULID()
	}
	if o.Status == "" {
		o.Status = models.OpinionPending
	}
	if o.Source == "" {
		o.Source = models.OpinionSourceManual
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_opinions (`+opinionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ResultID, o.ReviewerID, string(o.ReviewerTier), o.ClauseID, o.ClauseContent,
		string(o.Type), string(o.Severity), o.Content, o.LegalBasis, o.Suggestion,
		string(o.Status), string(o.Source), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create opinion: %w", err)
	}
	return nil
}

func scanOpinion(row interface{ Scan(...any) error }) (*models.ReviewOpinion, error) {
	o := &models.ReviewOpinion{}
	var tier, otype, severity, status, source string
	if err := row.Scan(&o.ID, &o.ResultID, &o.ReviewerID, &tier, &o.ClauseID, &o.ClauseContent,
		&otype, &severity, &o.Content, &o.LegalBasis, &o.Suggestion, &status, &source, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.ReviewerTier = models.Tier(tier)
	o.Type = models.OpinionType(otype)
	o.Severity = models.RiskLevel(severity)
	o.Status = models.OpinionStatus(status)
	o.Source = models.OpinionSource(source)
	return o, nil
}

func (s *SQLiteStore) ListOpinionsByResult(ctx context.Context, resultID string) ([]*models.ReviewOpinion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+opinionCols+` FROM review_opinions WHERE result_id = ? ORDER BY created_at`, resultID)
	if err != nil {
		return nil, fmt.Errorf("list opinions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var opinions []*models.ReviewOpinion
	for rows.Next() {
		o, err := scanOpinion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan opinion: %w", err)
		}
		opinions = append(opinions, o)
	}
	return opinions, rows.Err()
}

func (s *SQLiteStore) ListOpinionsByContract(ctx context.Context, contractID string) ([]*models.ReviewOpinion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT o.id, o.result_id, o.reviewer_id, o.reviewer_tier, o.clause_id, o.clause_content, o.type, o.severity, o.content, o.legal_basis, o.suggestion, o.status, o.source, o.created_at, o.updated_at
		FROM review_opinions o
		JOIN review_results r ON r.id = o.result_id
		WHERE r.contract_id = ?
		ORDER BY o.created_at`, contractID)
	if err != nil {
		return nil, fmt.Errorf("list opinions by contract: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var opinions []*models.ReviewOpinion
	for rows.Next() {
		o, err := scanOpinion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan opinion: %w", err)
		}
		opinions = append(opinions, o)
	}
	return opinions, rows.Err()
}

func (s *SQLiteStore) UpdateOpinionStatus(ctx context.Context, id string, status models.OpinionStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE review_opinions SET status=?, updated_at=? WHERE id=?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update opinion status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("opinion %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Rules ---

const ruleCols = `id, code, name, type, industry, contract_type, category, priority, content, risk_level, legal_basis, description, is_active, version, is_deleted, created_at, updated_at`

func (s *SQLiteStore) CreateRule(ctx context.Context, r *models.ReviewRule) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	if r.Version == 0 {
		r.Version = 1
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	content, err := toJSON(r.Content)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO review_rules (`+ruleCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Code, r.Name, string(r.Type), r.Industry, r.ContractType, r.Category, r.Priority,
		content, string(r.RiskLevel), r.LegalBasis, r.Description,
		boolToInt(r.Active), r.Version, boolToInt(r.Deleted), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

func scanRule(row interface{ Scan(...any) error }) (*models.ReviewRule, error) {
	r := &models.ReviewRule{}
	var rtype, riskLevel string
	var content sql.NullString
	var active, deleted int

	if err := row.Scan(&r.ID, &r.Code, &r.Name, &rtype, &r.Industry, &r.ContractType, &r.Category, &r.Priority,
		&content, &riskLevel, &r.LegalBasis, &r.Description, &active, &r.Version, &deleted, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Type = models.RuleType(rtype)
	r.RiskLevel = models.RiskLevel(riskLevel)
	r.Active = active != 0
	r.Deleted = deleted != 0
	if err := fromJSON(content, &r.Content); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) GetRule(ctx context.Context, id string) (*models.ReviewRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleCols+` FROM review_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListRules(ctx context.Context, filter RuleListFilter) ([]*models.ReviewRule, error) {
	query := `SELECT ` + ruleCols + ` FROM review_rules WHERE is_deleted = 0`
	var args []any
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.ActiveOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY priority DESC, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []*models.ReviewRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// ListApplicableRules returns active rules that apply to a contract:
// general rules always, industry rules when the rule's industry is empty or
// matches, enterprise rules unconditionally. Contract-type scoping applies
// across all rule types.
func (s *SQLiteStore) ListApplicableRules(ctx context.Context, industry string, contractType models.ContractType) ([]*models.ReviewRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleCols+` FROM review_rules
		WHERE is_deleted = 0 AND is_active = 1
		AND (type = 'general' OR type = 'enterprise' OR (type = 'industry' AND (industry = '' OR industry = ?)))
		AND (contract_type = '' OR contract_type = ?)
		ORDER BY priority DESC, created_at DESC`,
		industry, string(contractType))
	if err != nil {
		return nil, fmt.Errorf("list applicable rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []*models.ReviewRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *SQLiteStore) CreateRuleMatch(ctx context.Context, m *models.RuleMatch) error {
	if m.ID == "" {
		m.ID = newULID()
	}
	m.CreatedAt = time.Now().UTC()

	detail, err := toJSON(m.Detail)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rule_matches (id, task_id, rule_id, contract_id, matched_clause, score, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TaskID, m.RuleID, m.ContractID, m.MatchedClause, m.Score, detail, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create rule match: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRuleMatchesByTask(ctx context.Context, taskID string) ([]*models.RuleMatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, rule_id, contract_id, matched_clause, score, detail, created_at
		FROM rule_matches WHERE task_id = ? ORDER BY score DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list rule matches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []*models.RuleMatch
	for rows.Next() {
		m := &models.RuleMatch{}
		var detail sql.NullString
		if err := rows.Scan(&m.ID, &m.TaskID, &m.RuleID, &m.ContractID, &m.MatchedClause, &m.Score, &detail, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule match: %w", err)
		}
		if err := fromJSON(detail, &m.Detail); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// --- Focus configs ---

const focusCols = `id, tier, tier_name, focus_points, description, standards, attention_items, is_active, created_at, updated_at`

func (s *SQLiteStore) UpsertFocusConfig(ctx context.Context, c *models.ReviewFocusConfig) error {
	if c.ID == "" {
		c.ID = newULID()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	points, err := toJSON(c.FocusPoints)
	if err != nil {
		return err
	}
	items, err := toJSON(c.AttentionItems)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO focus_configs (`+focusCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tier) DO UPDATE SET
			tier_name=excluded.tier_name, focus_points=excluded.focus_points,
			description=excluded.description, standards=excluded.standards,
			attention_items=excluded.attention_items, is_active=excluded.is_active,
			updated_at=excluded.updated_at`,
		c.ID, string(c.Tier), c.TierName, points, c.Description, c.Standards, items,
		boolToInt(c.Active), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert focus config: %w", err)
	}
	return nil
}

func scanFocusConfig(row interface{ Scan(...any) error }) (*models.ReviewFocusConfig, error) {
	c := &models.ReviewFocusConfig{}
	var tier string
	var points, items sql.NullString
	var active int

	if err := row.Scan(&c.ID, &tier, &c.TierName, &points, &c.Description, &c.Standards, &items, &active, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Tier = models.Tier(tier)
	c.Active = active != 0
	if err := fromJSON(points, &c.FocusPoints); err != nil {
		return nil, err
	}
	if err := fromJSON(items, &c.AttentionItems); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) GetFocusConfig(ctx context.Context, tier models.Tier) (*models.ReviewFocusConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+focusCols+` FROM focus_configs WHERE tier = ? AND is_active = 1`, string(tier))
	c, err := scanFocusConfig(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("focus config for %s: %w", tier, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get focus config: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListFocusConfigs(ctx context.Context) ([]*models.ReviewFocusConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+focusCols+` FROM focus_configs ORDER BY tier`)
	if err != nil {
		return nil, fmt.Errorf("list focus configs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var configs []*models.ReviewFocusConfig
	for rows.Next() {
		c, err := scanFocusConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan focus config: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// --- Review cycles ---

const cycleCols = `id, contract_id, cycle_no, opinion_summary, modification_summary, status, submitted_by, submitted_at, modified_by, modified_at, created_at, updated_at`

func (s *SQLiteStore) CreateCycle(ctx context.Context, c *models.ReviewCycle) error {
	if c.ID == "" {
		c.ID = newULID()
	}
	if c.Status == "" {
		c.Status = models.CycleReviewing
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_cycles (`+cycleCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ContractID, c.CycleNo, c.OpinionSummary, c.ModificationSummary, string(c.Status),
		c.SubmittedBy, c.SubmittedAt, c.ModifiedBy, c.ModifiedAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create cycle: %w", err)
	}
	return nil
}

func scanCycle(row interface{ Scan(...any) error }) (*models.ReviewCycle, error) {
	c := &models.ReviewCycle{}
	var status string
	var submittedAt, modifiedAt sql.NullTime

	if err := row.Scan(&c.ID, &c.ContractID, &c.CycleNo, &c.OpinionSummary, &c.ModificationSummary, &status,
		&c.SubmittedBy, &submittedAt, &c.ModifiedBy, &modifiedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = models.CycleStatus(status)
	if submittedAt.Valid {
		c.SubmittedAt = &submittedAt.Time
	}
	if modifiedAt.Valid {
		c.ModifiedAt = &modifiedAt.Time
	}
	return c, nil
}

func (s *SQLiteStore) ListCyclesByContract(ctx context.Context, contractID string) ([]*models.ReviewCycle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cycleCols+` FROM review_cycles WHERE contract_id = ? ORDER BY cycle_no`, contractID)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cycles []*models.ReviewCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

func (s *SQLiteStore) UpdateCycle(ctx context.Context, c *models.ReviewCycle) error {
	c.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE review_cycles SET opinion_summary=?, modification_summary=?, status=?, submitted_by=?, submitted_at=?, modified_by=?, modified_at=?, updated_at=?
		WHERE id=?`,
		c.OpinionSummary, c.ModificationSummary, string(c.Status),
		c.SubmittedBy, c.SubmittedAt, c.ModifiedBy, c.ModifiedAt, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update cycle: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("cycle %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) NextCycleNo(ctx context.Context, contractID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(cycle_no) FROM review_cycles WHERE contract_id = ?`, contractID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("next cycle no: %w", err)
	}
	return int(max.Int64) + 1, nil
}

// --- Reviewers ---

func (s *SQLiteStore) CreateReviewer(ctx context.Context, r *models.Reviewer) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	r.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reviewers (id, name, tier, created_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.Name, string(r.Tier), r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create reviewer: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetReviewer(ctx context.Context, id string) (*models.Reviewer, error) {
	r := &models.Reviewer{}
	var tier string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, tier, created_at FROM reviewers WHERE id = ?`, id,
	).Scan(&r.ID, &r.Name, &tier, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("reviewer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reviewer: %w", err)
	}
	r.Tier = models.Tier(tier)
	return r, nil
}

func (s *SQLiteStore) ListReviewers(ctx context.Context) ([]*models.Reviewer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, tier, created_at FROM reviewers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list reviewers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reviewers []*models.Reviewer
	for rows.Next() {
		r := &models.Reviewer{}
		var tier string
		if err := rows.Scan(&r.ID, &r.Name, &tier, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reviewer: %w", err)
		}
		r.Tier = models.Tier(tier)
		reviewers = append(reviewers, r)
	}
	return reviewers, rows.Err()
}
