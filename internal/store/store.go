// ABOUTME: Store interface and data types for pi-panel persistence
// ABOUTME: Defines the durable Job mirror, job logs, users, and audit entries

package store

import (
	"context"
	"errors"
	"time"

	"github.com/BGirginn/rasp-pi-webUI/internal/jobs"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateJob is returned when inserting a job id that already exists
var ErrDuplicateJob = errors.New("job already exists")

// ErrDuplicateUser is returned when inserting a username that already exists
var ErrDuplicateUser = errors.New("user already exists")

// Job is the panel's durable mirror of an agent job record. It survives
// agent restarts and is served when the agent is unreachable.
type Job struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	State       jobs.State     `json:"state"`
	Progress    int            `json:"progress"`
	Config      map[string]any `json:"config,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedBy   string         `json:"started_by,omitempty"`
	StartedAt   *time.Time     `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	CreatedAt   time.Time      `json:"created_at"`
}

// JobLog is one persisted log line belonging to a job.
type JobLog struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// User roles, most to least privileged.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// User is a panel login account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditEntry records a mutating action taken through the panel API.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	TargetID  string    `json:"target_id"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store defines the interface for panel persistence.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *Job) error
	UpsertJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, state jobs.State, limit int) ([]*Job, error)
	DeleteJob(ctx context.Context, id string) error

	// Job logs
	AppendJobLogs(ctx context.Context, jobID string, entries []jobs.LogEntry) error
	ListJobLogs(ctx context.Context, jobID string, limit int) ([]JobLog, error)
	LatestLogTime(ctx context.Context, jobID string) (*time.Time, error)

	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// Audit
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error)

	// Close releases any resources held by the store
	Close() error
}
