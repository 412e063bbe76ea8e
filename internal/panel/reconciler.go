// ABOUTME: Reconciles the panel's durable job mirror against the agent's live state
// ABOUTME: Merges state deltas and newer log lines, then fans updates out to stream subscribers

package panel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BGirginn/rasp-pi-webUI/internal/agentclient"
	"github.com/BGirginn/rasp-pi-webUI/internal/jobs"
	"github.com/BGirginn/rasp-pi-webUI/internal/store"
)

// AgentCaller is the slice of the agent client the reconciler depends on.
type AgentCaller interface {
	JobStatus(ctx context.Context, id string) (*jobs.Job, error)
	JobLogs(ctx context.Context, id string) ([]jobs.LogEntry, error)
	ListJobs(ctx context.Context, state jobs.State, limit int) ([]jobs.Job, error)
}

// Reconciler keeps the SQLite mirror of agent jobs current and publishes
// changes to the broadcaster. When the agent is unreachable the mirror is
// left untouched and keeps serving reads.
type Reconciler struct {
	agent       AgentCaller
	store       store.Store
	broadcaster *Broadcaster
	logger      *slog.Logger
	interval    time.Duration
}

func NewReconciler(agent AgentCaller, st store.Store, b *Broadcaster, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Reconciler{
		agent:       agent,
		store:       st,
		broadcaster: b,
		logger:      logger.With("component", "reconciler"),
		interval:    interval,
	}
}

// Run polls the agent on the configured cadence until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			if err := r.syncOnce(ctx); err != nil {
				r.logger.Debug("sync skipped", "error", err)
			}
		}
	}
}

// syncOnce pulls every job the agent knows and merges each into the mirror.
func (r *Reconciler) syncOnce(ctx context.Context) error {
	agentJobs, err := r.agent.ListJobs(ctx, "", 0)
	if err != nil {
		return err
	}

	for i := range agentJobs {
		if _, err := r.merge(ctx, &agentJobs[i]); err != nil {
			r.logger.Warn("merging job failed", "job_id", agentJobs[i].ID, "error", err)
		}
	}
	return nil
}

// FetchJob returns the freshest view of one job: the agent's record merged
// into the mirror when the agent answers, otherwise the last persisted copy.
// The bool reports whether the copy is live.
func (r *Reconciler) FetchJob(ctx context.Context, id string) (*store.Job, bool, error) {
	agentJob, err := r.agent.JobStatus(ctx, id)
	if err != nil {
		if errors.Is(err, agentclient.ErrUnreachable) {
			stored, storeErr := r.store.GetJob(ctx, id)
			if storeErr != nil {
				return nil, false, storeErr
			}
			return stored, false, nil
		}
		return nil, false, err
	}

	if agentJob == nil {
		// The agent forgot the job (restart wipes its in-memory store); the
		// mirror is the only remaining record.
		stored, storeErr := r.store.GetJob(ctx, id)
		if storeErr != nil {
			return nil, false, storeErr
		}
		return stored, false, nil
	}

	merged, err := r.merge(ctx, agentJob)
	if err != nil {
		return nil, false, err
	}
	return merged, true, nil
}

// merge upserts one agent record into the mirror, appends log lines newer
// than the last persisted one, and publishes deltas to subscribers.
func (r *Reconciler) merge(ctx context.Context, agentJob *jobs.Job) (*store.Job, error) {
	stored, err := r.store.GetJob(ctx, agentJob.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	stateChanged := stored == nil || stored.State != agentJob.State

	mirror := &store.Job{
		ID:          agentJob.ID,
		Name:        agentJob.Name,
		Type:        agentJob.Type,
		State:       agentJob.State,
		Config:      agentJob.Config,
		Result:      agentJob.Result,
		Error:       agentJob.Error,
		StartedAt:   agentJob.StartedAt,
		CompletedAt: agentJob.CompletedAt,
		CreatedAt:   agentJob.CreatedAt,
	}
	if stored != nil {
		mirror.StartedBy = stored.StartedBy
		mirror.Progress = stored.Progress
	}
	if err := r.store.UpsertJob(ctx, mirror); err != nil {
		return nil, err
	}

	newLogs, err := r.mergeLogs(ctx, agentJob.ID)
	if err != nil {
		r.logger.Warn("merging logs failed", "job_id", agentJob.ID, "error", err)
	}

	key := JobKey(agentJob.ID)
	if stateChanged {
		update := &JobUpdate{Event: EventState, Job: mirror}
		r.broadcaster.Publish(key, update)
		r.broadcaster.Publish(AllJobsKey, update)
	}
	if len(newLogs) > 0 {
		r.broadcaster.Publish(key, &JobUpdate{Event: EventLogs, Logs: newLogs})
	}
	return mirror, nil
}

// mergeLogs appends agent log lines newer than the latest persisted line and
// returns the appended entries in order.
func (r *Reconciler) mergeLogs(ctx context.Context, jobID string) ([]jobs.LogEntry, error) {
	latest, err := r.store.LatestLogTime(ctx, jobID)
	if err != nil {
		return nil, err
	}

	entries, err := r.agent.JobLogs(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var fresh []jobs.LogEntry
	for _, entry := range entries {
		if latest == nil || entry.CreatedAt.After(*latest) {
			fresh = append(fresh, entry)
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	if err := r.store.AppendJobLogs(ctx, jobID, fresh); err != nil {
		return nil, fmt.Errorf("persisting merged logs: %w", err)
	}
	return fresh, nil
}
