// ABOUTME: Mutex-guarded in-memory table of job records and their logs
// ABOUTME: Single owner of all job state on the agent; workers mutate through it

package jobs

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrJobNotFound indicates the requested job id is unknown to the store.
var ErrJobNotFound = errors.New("job not found")

// ErrDuplicateJob indicates a job with the same id already exists.
var ErrDuplicateJob = errors.New("job already exists")

// Store holds all job records and log entries on the agent. It is constructed
// once at startup and shared by reference between the runner, its workers,
// and the RPC handlers. All access goes through one internal mutex; workers
// never hold a record outside of an update closure.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*Job
	logs map[string][]LogEntry
}

// NewStore creates an empty job store.
func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*Job),
		logs: make(map[string][]LogEntry),
	}
}

// Add inserts a new job record. The record's state must be Pending.
func (s *Store) Add(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

// Get returns a copy of the job record, or false if unknown.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// List returns copies of all jobs, newest first, optionally filtered by
// state. A non-positive limit means no limit.
func (s *Store) List(state State, limit int) []Job {
	s.mu.Lock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if state != "" && job.State != state {
			continue
		}
		jobs = append(jobs, *job)
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

// Update applies fn to the job under the store lock. Returns ErrJobNotFound
// if the id is unknown.
func (s *Store) Update(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	fn(job)
	return nil
}

// MarkRunning transitions a Pending job to Running and stamps started_at.
// Returns false if the job is unknown or no longer Pending (for example
// cancelled while still queued), in which case the worker must skip it.
func (s *Store) MarkRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.State != StatePending {
		return false
	}
	now := time.Now().UTC()
	job.State = StateRunning
	job.StartedAt = &now
	return true
}

// Finish transitions a Running job into the given terminal state, recording
// the error string and result, and stamps completed_at exactly once. It is a
// no-op if the job already reached a terminal state (for example via Cancel),
// preserving the single-terminal-transition invariant.
func (s *Store) Finish(id string, state State, errMsg string, result map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.State.Terminal() {
		return
	}
	job.State = state
	job.Error = errMsg
	job.Result = result
	if job.CompletedAt == nil {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
}

// Cancel marks a Pending or Running job Cancelled and stamps completed_at.
// Returns false if the job is unknown or already terminal.
func (s *Store) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.State.Terminal() {
		return false
	}
	now := time.Now().UTC()
	job.State = StateCancelled
	job.CompletedAt = &now
	return true
}

// AppendLog adds a log entry to a job's audit trail.
func (s *Store) AppendLog(id, level, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[id] = append(s.logs[id], LogEntry{
		Level:     level,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	})
}

// Logs returns a copy of a job's log entries in append order.
func (s *Store) Logs(id string) []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.logs[id]
	out := make([]LogEntry, len(entries))
	copy(out, entries)
	return out
}

// Delete removes a terminal job and its logs. Active jobs cannot be deleted.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !job.State.Terminal() {
		return errors.New("cannot delete active job")
	}
	delete(s.jobs, id)
	delete(s.logs, id)
	return nil
}
