// ABOUTME: RPC method table exposed by the agent on its control socket
// ABOUTME: Maps job.* and system.* methods onto the runner and job store

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/BGirginn/rasp-pi-webUI/internal/jobs"
	"github.com/BGirginn/rasp-pi-webUI/internal/rpc"
)

const defaultListLimit = 50

// Methods binds the RPC method handlers to the agent's runner and store.
type Methods struct {
	runner  *jobs.Runner
	store   *jobs.Store
	logger  *slog.Logger
	started time.Time
}

func NewMethods(runner *jobs.Runner, store *jobs.Store, logger *slog.Logger) *Methods {
	return &Methods{
		runner:  runner,
		store:   store,
		logger:  logger.With("component", "methods"),
		started: time.Now(),
	}
}

// RegisterAll installs every agent method on the registry.
func (m *Methods) RegisterAll(registry *rpc.Registry) {
	registry.Register("job.run", m.jobRun)
	registry.Register("job.status", m.jobStatus)
	registry.Register("job.cancel", m.jobCancel)
	registry.Register("job.logs", m.jobLogs)
	registry.Register("job.list", m.jobList)
	registry.Register("system.info", m.systemInfo)
	registry.Register("system.health", m.systemHealth)
}

// jobRun queues a new job and returns the created record.
func (m *Methods) jobRun(ctx context.Context, params map[string]any) (any, error) {
	jobType, ok := params["type"].(string)
	if !ok || jobType == "" {
		return nil, invalidParams("type is required")
	}
	name, _ := params["name"].(string)
	if name == "" {
		name = jobType
	}
	config, _ := params["config"].(map[string]any)

	job, err := m.runner.RunJob(jobType, name, config)
	if err != nil {
		if errors.Is(err, jobs.ErrDuplicateJob) {
			return nil, fmt.Errorf("job id already in use")
		}
		return nil, err
	}
	return job, nil
}

// jobStatus returns one job record, or null when the id is unknown.
func (m *Methods) jobStatus(ctx context.Context, params map[string]any) (any, error) {
	id, ok := params["job_id"].(string)
	if !ok || id == "" {
		return nil, invalidParams("job_id is required")
	}

	job, found := m.store.Get(id)
	if !found {
		return nil, nil
	}
	return job, nil
}

// jobCancel requests cancellation and reports the outcome in the result,
// matching the success/message shape callers display directly.
func (m *Methods) jobCancel(ctx context.Context, params map[string]any) (any, error) {
	id, ok := params["job_id"].(string)
	if !ok || id == "" {
		return nil, invalidParams("job_id is required")
	}

	msg, err := m.runner.Cancel(id)
	if err != nil {
		return map[string]any{"success": false, "message": err.Error()}, nil
	}
	return map[string]any{"success": true, "message": msg}, nil
}

// jobLogs returns a job's ordered log trail. An unknown id yields an empty list.
func (m *Methods) jobLogs(ctx context.Context, params map[string]any) (any, error) {
	id, ok := params["job_id"].(string)
	if !ok || id == "" {
		return nil, invalidParams("job_id is required")
	}

	entries := m.store.Logs(id)
	if entries == nil {
		entries = []jobs.LogEntry{}
	}
	return entries, nil
}

// jobList returns job records newest first with an optional state filter.
func (m *Methods) jobList(ctx context.Context, params map[string]any) (any, error) {
	var state jobs.State
	if raw, ok := params["state"].(string); ok && raw != "" {
		state = jobs.State(raw)
		if !state.Valid() {
			return nil, invalidParams(fmt.Sprintf("unknown state %q", raw))
		}
	}

	// An absent limit gets the default; an explicit 0 means unlimited so
	// the panel reconciler can sweep every job.
	limit := defaultListLimit
	switch v := params["limit"].(type) {
	case float64:
		limit = int(v)
	case int:
		limit = v
	}

	records := m.store.List(state, limit)
	if records == nil {
		records = []jobs.Job{}
	}
	return records, nil
}

// systemInfo returns static facts about the host the agent runs on.
func (m *Methods) systemInfo(ctx context.Context, params map[string]any) (any, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return map[string]any{
		"hostname":       hostname,
		"platform":       runtime.GOOS,
		"arch":           runtime.GOARCH,
		"cpus":           runtime.NumCPU(),
		"uptime_seconds": int(time.Since(m.started).Seconds()),
	}, nil
}

// systemHealth returns the agent's liveness summary.
func (m *Methods) systemHealth(ctx context.Context, params map[string]any) (any, error) {
	status := "ok"
	if !m.runner.Healthy() {
		status = "degraded"
	}
	return map[string]any{
		"status":         status,
		"jobs_running":   len(m.store.List(jobs.StateRunning, 0)),
		"jobs_pending":   len(m.store.List(jobs.StatePending, 0)),
		"uptime_seconds": int(time.Since(m.started).Seconds()),
	}, nil
}

func invalidParams(msg string) *rpc.Error {
	return &rpc.Error{Code: rpc.CodeInvalidParams, Message: msg}
}
