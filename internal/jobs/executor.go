// ABOUTME: Phase executor driving one job through precheck/snapshot/execute/verify/rollback
// ABOUTME: Each phase has its own timeout; verification failure triggers rollback when possible

package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Per-phase timeouts. The execute phase uses the runner's default or a
// job-config override instead.
const (
	precheckTimeout = 60 * time.Second
	snapshotTimeout = 300 * time.Second
	verifyTimeout   = 60 * time.Second
)

// errPhaseTimeout carries the exact error string recorded on a timed-out job.
var errPhaseTimeout = errors.New("Job timed out")

// executeJob claims the job, runs its phase sequence, and guarantees a
// terminal state, a completion timestamp, and a final log line no matter how
// the phases end.
func (r *Runner) executeJob(ctx context.Context, id string) {
	job, ok := r.store.Get(id)
	if !ok {
		return
	}

	// Claim: only a Pending job may start. A job cancelled while queued
	// stays Cancelled and is skipped here.
	if !r.store.MarkRunning(id) {
		return
	}
	job.State = StateRunning

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.trackActive(id, cancel)
	defer r.untrackActive(id)

	r.store.AppendLog(id, LogLevelInfo, fmt.Sprintf("Job started: %s (%s)", job.Name, job.Type))

	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("job panicked: %v", rec)
			r.logger.Error("job panicked", "job_id", id, "panic", rec)
			r.store.AppendLog(id, LogLevelError, msg)
			r.store.Finish(id, StateFailed, msg, nil)
		}

		final, _ := r.store.Get(id)
		if !final.State.Terminal() {
			// Should be unreachable; never leave a touched job without a
			// terminal state and completion timestamp.
			r.store.Finish(id, StateFailed, "job ended without terminal state", nil)
			final, _ = r.store.Get(id)
		}
		r.store.AppendLog(id, LogLevelInfo, fmt.Sprintf("Job finished with state: %s", final.State))
		if r.metrics != nil {
			r.metrics.JobsFinished.WithLabelValues(string(final.State)).Inc()
		}
	}()

	r.runPhases(jobCtx, job)
}

// runPhases drives the phase state machine, strictly in order once Running
// begins. Every phase outcome is appended to the job's audit trail.
func (r *Runner) runPhases(ctx context.Context, job Job) {
	resolved, ok := r.registry.Resolve(job.Type)
	if !ok {
		r.failJob(job.ID, fmt.Errorf("unknown job type: %s", job.Type))
		return
	}

	// 1. Precheck. Not-passed or timed out fails the job outright; no
	// further phases run.
	v, err := runPhase(ctx, precheckTimeout, func(ctx context.Context) (any, error) {
		return resolved.Capability.Precheck(ctx, job)
	})
	if err != nil {
		r.failJob(job.ID, err)
		return
	}
	if pre := v.(PhaseResult); !pre.Passed {
		msg := "Precheck failed: " + orUnknown(pre.Reason)
		r.store.AppendLog(job.ID, LogLevelError, msg)
		r.store.Finish(job.ID, StateFailed, msg, nil)
		return
	}
	r.store.AppendLog(job.ID, LogLevelInfo, "Precheck passed")

	// 2. Snapshot, when the capability declares one. Held in memory for this
	// job only; failure is a hard failure since rollback depends on it.
	var snapshot any
	if resolved.Snapshot != nil {
		snapshot, err = runPhase(ctx, snapshotTimeout, func(ctx context.Context) (any, error) {
			return resolved.Snapshot.Snapshot(ctx, job)
		})
		if err != nil {
			r.failJob(job.ID, err)
			return
		}
		r.store.AppendLog(job.ID, LogLevelInfo, "Snapshot captured")
	}

	// 3. Execute.
	execTimeout := r.defaultTimeout
	if override, ok := timeoutOverride(job.Config); ok {
		execTimeout = override
	}
	v, err = runPhase(ctx, execTimeout, func(ctx context.Context) (any, error) {
		return resolved.Capability.Execute(ctx, job)
	})
	if err != nil {
		r.failJob(job.ID, err)
		return
	}
	result, _ := v.(map[string]any)
	if output, ok := result["output"].(string); ok && output != "" {
		r.store.AppendLog(job.ID, LogLevelInfo, output)
	}

	// 4. Verify, when present. A failed verification rolls back if a
	// snapshot exists and the capability can roll back; the execute result
	// is discarded either way.
	if resolved.Verify != nil {
		v, err = runPhase(ctx, verifyTimeout, func(ctx context.Context) (any, error) {
			return resolved.Verify.Verify(ctx, job, result)
		})
		if err != nil {
			r.failJob(job.ID, err)
			return
		}
		if ver := v.(PhaseResult); !ver.Passed {
			msg := "Verification failed: " + orUnknown(ver.Reason)
			r.store.AppendLog(job.ID, LogLevelError, msg)

			if snapshot != nil && resolved.Rollback != nil {
				if rbErr := resolved.Rollback.Rollback(ctx, job, snapshot); rbErr != nil {
					r.store.AppendLog(job.ID, LogLevelError, "Rollback failed: "+rbErr.Error())
					r.store.Finish(job.ID, StateFailed, msg+"; rollback failed: "+rbErr.Error(), nil)
					return
				}
				r.store.AppendLog(job.ID, LogLevelWarn, "Rolled back to snapshot")
				r.store.Finish(job.ID, StateRolledBack, msg, nil)
				return
			}

			r.store.Finish(job.ID, StateFailed, msg, nil)
			return
		}
		r.store.AppendLog(job.ID, LogLevelInfo, "Verification passed")
	}

	// 5. Success.
	r.store.Finish(job.ID, StateCompleted, "", result)
	r.store.AppendLog(job.ID, LogLevelInfo, "Job completed")
}

// failJob records a phase error as the job's terminal failure. Cancellation
// is not a failure: an explicit cancel already marked the record Cancelled
// (Finish no-ops on terminal states), and a worker-shutdown cancel must
// leave the job Cancelled rather than Failed.
func (r *Runner) failJob(id string, err error) {
	if errors.Is(err, context.Canceled) {
		r.store.Finish(id, StateCancelled, "", nil)
		return
	}
	msg := err.Error()
	r.store.AppendLog(id, LogLevelError, msg)
	r.store.Finish(id, StateFailed, msg, nil)
	if errors.Is(err, errPhaseTimeout) {
		r.logger.Error("job timed out", "job_id", id)
	} else {
		r.logger.Error("job failed", "job_id", id, "error", msg)
	}
}

// runPhase invokes one phase with its own deadline. The phase runs in a
// goroutine so a phase that ignores its context cannot hold the worker past
// the deadline; an abandoned phase keeps its context cancelled.
func runPhase(ctx context.Context, timeout time.Duration, fn func(context.Context) (any, error)) (any, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("phase panicked: %v", rec)}
			}
		}()
		value, err := fn(phaseCtx)
		done <- outcome{value, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return nil, errPhaseTimeout
		}
		return out.value, out.err
	case <-phaseCtx.Done():
		if errors.Is(phaseCtx.Err(), context.DeadlineExceeded) {
			return nil, errPhaseTimeout
		}
		return nil, context.Canceled
	}
}

// timeoutOverride reads a per-job execute timeout (seconds) from the config map.
func timeoutOverride(config map[string]any) (time.Duration, bool) {
	switch v := config["timeout"].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second)), true
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second, true
		}
	}
	return 0, false
}

func orUnknown(reason string) string {
	if reason == "" {
		return "Unknown"
	}
	return reason
}
