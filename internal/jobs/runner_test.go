// ABOUTME: Tests for the bounded worker pool around the phase executor
// ABOUTME: Covers concurrency limits, non-blocking submission, cancellation, and shutdown

package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingCapability tracks how many executes run at once and blocks until
// its hold elapses or the phase context is cancelled.
type blockingCapability struct {
	mu      sync.Mutex
	current int
	peak    int
	hold    time.Duration
}

func (c *blockingCapability) Precheck(ctx context.Context, job Job) (PhaseResult, error) {
	return PhaseResult{Passed: true}, nil
}

func (c *blockingCapability) Execute(ctx context.Context, job Job) (map[string]any, error) {
	c.mu.Lock()
	c.current++
	if c.current > c.peak {
		c.peak = c.current
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.current--
		c.mu.Unlock()
	}()

	select {
	case <-time.After(c.hold):
		return map[string]any{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *blockingCapability) peakConcurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

func TestRunner_BoundedConcurrency(t *testing.T) {
	blocker := &blockingCapability{hold: 100 * time.Millisecond}
	registry := NewCapabilityRegistry()
	require.NoError(t, registry.Register("sleep", blocker))

	r := newTestRunner(t, registry, Options{MaxConcurrent: 2})
	r.Start(context.Background())
	defer r.Stop()

	const submitted = 6
	for i := 0; i < submitted; i++ {
		_, err := r.RunJob("sleep", "batch", map[string]any{"n": i})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		for _, job := range r.store.List("", 0) {
			if !job.State.Terminal() {
				return false
			}
		}
		return len(r.store.List("", 0)) == submitted
	}, 10*time.Second, 10*time.Millisecond)

	assert.LessOrEqual(t, blocker.peakConcurrency(), 2, "worker pool must never exceed its limit")
	for _, job := range r.store.List("", 0) {
		assert.Equal(t, StateCompleted, job.State)
	}
}

func TestRunner_RunJobDoesNotBlock(t *testing.T) {
	registry := NewCapabilityRegistry()
	require.NoError(t, registry.Register("sleep", &blockingCapability{hold: time.Minute}))
	r := newTestRunner(t, registry, Options{})

	// No workers running at all; submission must still return instantly.
	start := time.Now()
	for i := 0; i < 50; i++ {
		_, err := r.RunJob("sleep", "burst", nil)
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), time.Second)

	pending := r.store.List(StatePending, 0)
	assert.Len(t, pending, 50)
}

func TestRunner_CallerSuppliedJobID(t *testing.T) {
	registry := NewCapabilityRegistry()
	r := newTestRunner(t, registry, Options{})

	job, err := r.RunJob("backup", "weekly", map[string]any{"job_id": "abc12345"})
	require.NoError(t, err)
	assert.Equal(t, "abc12345", job.ID)

	_, err = r.RunJob("backup", "weekly-again", map[string]any{"job_id": "abc12345"})
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestRunner_CancelQueuedJob(t *testing.T) {
	spy := newPhaseSpy()
	registry := NewCapabilityRegistry()
	require.NoError(t, registry.Register("backup", basicOnly{spy}))
	r := newTestRunner(t, registry, Options{})

	job, err := r.RunJob("backup", "weekly", nil)
	require.NoError(t, err)

	msg, err := r.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "Job "+job.ID+" cancelled", msg)

	// A worker picking the id up later must skip it.
	r.executeJob(context.Background(), job.ID)

	final, ok := r.store.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, StateCancelled, final.State)
	assert.Nil(t, final.StartedAt, "a job cancelled while queued never starts")
	require.NotNil(t, final.CompletedAt)

	precheck, _, execute, _, _ := spy.counts()
	assert.Zero(t, precheck)
	assert.Zero(t, execute)
}

func TestRunner_CancelRunningJob(t *testing.T) {
	blocker := &blockingCapability{hold: time.Minute}
	registry := NewCapabilityRegistry()
	require.NoError(t, registry.Register("sleep", blocker))

	r := newTestRunner(t, registry, Options{MaxConcurrent: 1})
	r.Start(context.Background())
	defer r.Stop()

	job, err := r.RunJob("sleep", "long", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, _ := r.store.Get(job.ID)
		return current.State == StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	_, err = r.Cancel(job.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		final, _ := r.store.Get(job.ID)
		return final.State == StateCancelled && final.CompletedAt != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunner_CancelUnknownJob(t *testing.T) {
	r := newTestRunner(t, NewCapabilityRegistry(), Options{})

	_, err := r.Cancel("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRunner_CancelFinishedJobRejected(t *testing.T) {
	spy := newPhaseSpy()
	registry := NewCapabilityRegistry()
	require.NoError(t, registry.Register("cleanup", basicOnly{spy}))
	r := newTestRunner(t, registry, Options{})

	final := runOne(t, r, "cleanup", "nightly", nil)
	require.Equal(t, StateCompleted, final.State)

	_, err := r.Cancel(final.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already finished")
}

func TestRunner_StopCancelsInFlightAndQueuedJobs(t *testing.T) {
	blocker := &blockingCapability{hold: time.Minute}
	registry := NewCapabilityRegistry()
	require.NoError(t, registry.Register("sleep", blocker))

	r := newTestRunner(t, registry, Options{MaxConcurrent: 1})
	r.Start(context.Background())

	running, err := r.RunJob("sleep", "in-flight", nil)
	require.NoError(t, err)
	queued, err := r.RunJob("sleep", "still-queued", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, _ := r.store.Get(running.ID)
		return current.State == StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	r.Stop()

	for _, id := range []string{running.ID, queued.ID} {
		final, ok := r.store.Get(id)
		require.True(t, ok)
		assert.Equal(t, StateCancelled, final.State, "job %s", id)
		require.NotNil(t, final.CompletedAt)
	}
	assert.False(t, r.Healthy())
}

func TestRunner_HealthyLifecycle(t *testing.T) {
	r := newTestRunner(t, NewCapabilityRegistry(), Options{})

	assert.False(t, r.Healthy(), "not healthy before Start")
	r.Start(context.Background())
	assert.True(t, r.Healthy())
	r.Stop()
	assert.False(t, r.Healthy())
}
