// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides job/log/user/audit persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/BGirginn/rasp-pi-webUI/internal/jobs"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	logger = logger.With("component", "store")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			state TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			config_json TEXT,
			result_json TEXT,
			error TEXT,
			started_by TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,

			CHECK (state IN ('pending', 'running', 'completed', 'failed', 'rolled_back', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
		CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at DESC);

		CREATE TABLE IF NOT EXISTS job_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TEXT NOT NULL,

			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id, created_at);

		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (role IN ('admin', 'operator', 'viewer'))
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			action TEXT NOT NULL,
			target_id TEXT NOT NULL,
			detail TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateJob inserts a new job row.
// Returns ErrDuplicateJob if the id is already taken.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	configJSON, resultJSON, err := encodeJobJSON(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (id, name, type, state, progress, config_json, result_json,
			error, started_by, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.Name,
		job.Type,
		string(job.State),
		job.Progress,
		configJSON,
		resultJSON,
		nullString(job.Error),
		nullString(job.StartedBy),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateJob
		}
		return fmt.Errorf("inserting job: %w", err)
	}

	s.logger.Debug("created job", "id", job.ID, "type", job.Type)
	return nil
}

// UpsertJob inserts the job or overwrites the mutable columns of an existing
// row. Used by the reconciler to mirror agent state.
func (s *SQLiteStore) UpsertJob(ctx context.Context, job *Job) error {
	configJSON, resultJSON, err := encodeJobJSON(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (id, name, type, state, progress, config_json, result_json,
			error, started_by, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			progress = excluded.progress,
			result_json = excluded.result_json,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.Name,
		job.Type,
		string(job.State),
		job.Progress,
		configJSON,
		resultJSON,
		nullString(job.Error),
		nullString(job.StartedBy),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id.
// Returns ErrNotFound if the job doesn't exist.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `
		SELECT id, name, type, state, progress, config_json, result_json,
			error, started_by, started_at, completed_at, created_at
		FROM jobs
		WHERE id = ?
	`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first, optionally filtered by state.
// limit <= 0 means no limit.
func (s *SQLiteStore) ListJobs(ctx context.Context, state jobs.State, limit int) ([]*Job, error) {
	query := `
		SELECT id, name, type, state, progress, config_json, result_json,
			error, started_by, started_at, completed_at, created_at
		FROM jobs
	`
	args := []any{}
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var result []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

// DeleteJob removes a job and, via the foreign key cascade, its logs.
// Returns ErrNotFound for an unknown id.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted job", "id", id)
	return nil
}

// AppendJobLogs persists log lines for a job, preserving their order.
func (s *SQLiteStore) AppendJobLogs(ctx context.Context, jobID string, entries []jobs.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO job_logs (job_id, level, message, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing log insert: %w", err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		_, err := stmt.ExecContext(ctx, jobID, entry.Level, entry.Message,
			entry.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("inserting job log: %w", err)
		}
	}
	return tx.Commit()
}

// ListJobLogs returns a job's log lines oldest first.
// limit <= 0 means no limit.
func (s *SQLiteStore) ListJobLogs(ctx context.Context, jobID string, limit int) ([]JobLog, error) {
	query := `
		SELECT id, job_id, level, message, created_at
		FROM job_logs
		WHERE job_id = ?
		ORDER BY id ASC
	`
	args := []any{jobID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying job logs: %w", err)
	}
	defer rows.Close()

	var result []JobLog
	for rows.Next() {
		var entry JobLog
		var createdAtStr string
		if err := rows.Scan(&entry.ID, &entry.JobID, &entry.Level, &entry.Message, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning job log: %w", err)
		}
		entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing log created_at: %w", err)
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// LatestLogTime returns the timestamp of the newest persisted log line for a
// job, or nil when the job has no logs yet.
func (s *SQLiteStore) LatestLogTime(ctx context.Context, jobID string) (*time.Time, error) {
	var createdAtStr sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM job_logs WHERE job_id = ?`, jobID).Scan(&createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("querying latest log time: %w", err)
	}
	if !createdAtStr.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, createdAtStr.String)
	if err != nil {
		return nil, fmt.Errorf("parsing latest log time: %w", err)
	}
	return &t, nil
}

// CreateUser inserts a login account.
// Returns ErrDuplicateUser when the username is taken.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID,
		user.Username,
		user.PasswordHash,
		user.Role,
		user.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUserByUsername retrieves a user for login.
// Returns ErrNotFound for an unknown username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	var createdAtStr string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`,
		username,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &createdAtStr)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing user created_at: %w", err)
	}
	return &user, nil
}

// AppendAudit records one mutating API action.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (username, action, target_id, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.Username,
		entry.Action,
		entry.TargetID,
		nullString(entry.Detail),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	query := `SELECT id, username, action, target_id, detail, created_at FROM audit_log ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var result []*AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var detail sql.NullString
		var createdAtStr string
		if err := rows.Scan(&entry.ID, &entry.Username, &entry.Action, &entry.TargetID, &detail, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		entry.Detail = detail.String
		entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing audit created_at: %w", err)
		}
		result = append(result, &entry)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var state string
	var configJSON, resultJSON, errMsg, startedBy, startedAt, completedAt sql.NullString
	var createdAtStr string

	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Type,
		&state,
		&job.Progress,
		&configJSON,
		&resultJSON,
		&errMsg,
		&startedBy,
		&startedAt,
		&completedAt,
		&createdAtStr,
	)
	if err != nil {
		return nil, err
	}

	job.State = jobs.State(state)
	job.Error = errMsg.String
	job.StartedBy = startedBy.String

	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &job.Config); err != nil {
			return nil, fmt.Errorf("decoding config_json: %w", err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &job.Result); err != nil {
			return nil, fmt.Errorf("decoding result_json: %w", err)
		}
	}

	if job.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if job.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &job, nil
}

func encodeJobJSON(job *Job) (config, result sql.NullString, err error) {
	if job.Config != nil {
		raw, err := json.Marshal(job.Config)
		if err != nil {
			return config, result, fmt.Errorf("encoding config_json: %w", err)
		}
		config = sql.NullString{String: string(raw), Valid: true}
	}
	if job.Result != nil {
		raw, err := json.Marshal(job.Result)
		if err != nil {
			return config, result, fmt.Errorf("encoding result_json: %w", err)
		}
		result = sql.NullString{String: string(raw), Valid: true}
	}
	return config, result, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
