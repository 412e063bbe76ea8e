// ABOUTME: Job queue and bounded worker pool for administrative operations
// ABOUTME: N workers each own one job at a time for its full phase sequence

package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxConcurrent bounds simultaneous administrative operations on
	// the host. The pool is deliberately small and fixed.
	DefaultMaxConcurrent = 2

	// DefaultExecuteTimeout applies to the execute phase when the job config
	// carries no override.
	DefaultExecuteTimeout = 600 * time.Second

	// queuePollInterval is how long an idle worker blocks before re-checking
	// the queue and its shutdown signal.
	queuePollInterval = time.Second
)

// Runner owns the job queue and worker pool. Create with NewRunner, then
// Start; RunJob may be called before Start (jobs queue up) and concurrently
// from any goroutine.
type Runner struct {
	store    *Store
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics

	maxConcurrent  int
	defaultTimeout time.Duration

	queueMu sync.Mutex
	queue   []string
	wake    chan struct{}

	runMu   sync.Mutex
	active  map[string]context.CancelFunc
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Options tunes the runner. Zero values fall back to defaults.
type Options struct {
	MaxConcurrent  int
	DefaultTimeout time.Duration
	Metrics        *Metrics
}

// NewRunner creates a runner over the given store and capability registry.
func NewRunner(store *Store, registry *Registry, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultExecuteTimeout
	}
	return &Runner{
		store:          store,
		registry:       registry,
		logger:         logger.With("component", "job-runner"),
		metrics:        opts.Metrics,
		maxConcurrent:  opts.MaxConcurrent,
		defaultTimeout: opts.DefaultTimeout,
		wake:           make(chan struct{}, 1),
		active:         make(map[string]context.CancelFunc),
	}
}

// Start launches the worker pool. Workers run until Stop is called or ctx is
// cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.started {
		return
	}
	r.started = true

	workerCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for i := 0; i < r.maxConcurrent; i++ {
		r.wg.Add(1)
		go r.worker(workerCtx, i)
	}
	r.logger.Info("job runner started", "workers", r.maxConcurrent)
}

// Stop cancels all workers, waits for them to drain, and marks any job still
// Pending or Running as Cancelled. No new phases start after Stop returns.
func (r *Runner) Stop() {
	r.runMu.Lock()
	if !r.started {
		r.runMu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	r.runMu.Unlock()

	cancel()
	r.wg.Wait()

	for _, job := range r.store.List("", 0) {
		if job.State.Terminal() {
			continue
		}
		if r.store.Cancel(job.ID) {
			r.store.AppendLog(job.ID, LogLevelWarn, "Job cancelled: runner shutting down")
		}
	}
	r.logger.Info("job runner stopped")
}

// Workers reports the configured pool size.
func (r *Runner) Workers() int {
	return r.maxConcurrent
}

// Healthy reports whether the pool is running and not oversubscribed.
func (r *Runner) Healthy() bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.started && len(r.active) <= r.maxConcurrent
}

// RunJob creates a Pending record, stores it, and enqueues its id. It never
// blocks, regardless of queue depth. The job id is taken from config
// ("job_id") when the caller supplies one, otherwise generated.
func (r *Runner) RunJob(jobType, name string, config map[string]any) (Job, error) {
	if config == nil {
		config = map[string]any{}
	}

	id, _ := config["job_id"].(string)
	if id == "" {
		id = uuid.New().String()[:8]
	}

	job := Job{
		ID:        id,
		Name:      name,
		Type:      jobType,
		State:     StatePending,
		Config:    config,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.Add(&job); err != nil {
		return Job{}, fmt.Errorf("storing job %s: %w", id, err)
	}

	r.enqueue(id)
	r.store.AppendLog(id, LogLevelInfo, fmt.Sprintf("Job queued: %s (%s)", name, jobType))
	r.logger.Info("job queued", "job_id", id, "type", jobType, "name", name)
	if r.metrics != nil {
		r.metrics.JobsQueued.Inc()
	}
	return job, nil
}

// Cancel marks a job Cancelled and best-effort interrupts its executing
// phase. Interruption is cooperative: a phase that ignores its context will
// still hit its own timeout.
func (r *Runner) Cancel(jobID string) (string, error) {
	if _, ok := r.store.Get(jobID); !ok {
		return "", ErrJobNotFound
	}

	if !r.store.Cancel(jobID) {
		return "", fmt.Errorf("job %s already finished", jobID)
	}

	r.runMu.Lock()
	if cancel, ok := r.active[jobID]; ok {
		cancel()
	}
	r.runMu.Unlock()

	r.store.AppendLog(jobID, LogLevelWarn, "Job cancelled")
	r.logger.Info("job cancelled", "job_id", jobID)
	return fmt.Sprintf("Job %s cancelled", jobID), nil
}

// enqueue appends an id and nudges an idle worker.
func (r *Runner) enqueue(id string) {
	r.queueMu.Lock()
	r.queue = append(r.queue, id)
	r.queueMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// dequeue pops the oldest queued id, blocking with a short timeout so the
// worker can notice shutdown. Returns false when ctx is done.
func (r *Runner) dequeue(ctx context.Context) (string, bool) {
	for {
		r.queueMu.Lock()
		if len(r.queue) > 0 {
			id := r.queue[0]
			r.queue = r.queue[1:]
			r.queueMu.Unlock()
			return id, true
		}
		r.queueMu.Unlock()

		select {
		case <-ctx.Done():
			return "", false
		case <-r.wake:
		case <-time.After(queuePollInterval):
		}
	}
}

// worker claims queued ids one at a time and runs each job's full phase
// sequence synchronously.
func (r *Runner) worker(ctx context.Context, workerID int) {
	defer r.wg.Done()

	for {
		id, ok := r.dequeue(ctx)
		if !ok {
			return
		}

		job, found := r.store.Get(id)
		if !found {
			// Deleted between queue and claim; skip.
			continue
		}

		r.logger.Info("worker processing job",
			"worker", workerID,
			"job_id", id,
			"type", job.Type,
		)
		r.executeJob(ctx, id)
	}
}

// trackActive registers the cancel func for a running job so Cancel can
// interrupt it. Exclusive ownership: one worker per job id.
func (r *Runner) trackActive(id string, cancel context.CancelFunc) {
	r.runMu.Lock()
	r.active[id] = cancel
	r.runMu.Unlock()
	if r.metrics != nil {
		r.metrics.JobsRunning.Inc()
	}
}

func (r *Runner) untrackActive(id string) {
	r.runMu.Lock()
	delete(r.active, id)
	r.runMu.Unlock()
	if r.metrics != nil {
		r.metrics.JobsRunning.Dec()
	}
}
