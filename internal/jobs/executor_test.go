// ABOUTME: Tests for the phase executor state machine
// ABOUTME: Uses instrumented fake capabilities to assert phase ordering and call counts

package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// phaseSpy implements every phase and counts invocations. Wrapper types
// below expose subsets so the registry resolves only the wanted phases.
type phaseSpy struct {
	mu sync.Mutex

	precheckCalls int
	snapshotCalls int
	executeCalls  int
	verifyCalls   int
	rollbackCalls int

	precheckResult PhaseResult
	snapshotValue  any
	snapshotErr    error
	executeResult  map[string]any
	executeErr     error
	executeDelay   time.Duration
	executePanic   bool
	verifyResult   PhaseResult
	rollbackGot    any
	rollbackErr    error
}

func newPhaseSpy() *phaseSpy {
	return &phaseSpy{
		precheckResult: PhaseResult{Passed: true},
		verifyResult:   PhaseResult{Passed: true},
		executeResult:  map[string]any{},
	}
}

func (s *phaseSpy) Precheck(ctx context.Context, job Job) (PhaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.precheckCalls++
	return s.precheckResult, nil
}

func (s *phaseSpy) Snapshot(ctx context.Context, job Job) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotCalls++
	return s.snapshotValue, s.snapshotErr
}

func (s *phaseSpy) Execute(ctx context.Context, job Job) (map[string]any, error) {
	s.mu.Lock()
	s.executeCalls++
	panicking := s.executePanic
	delay := s.executeDelay
	result, err := s.executeResult, s.executeErr
	s.mu.Unlock()

	if panicking {
		panic("capability blew up")
	}
	if delay > 0 {
		// Deliberately ignores ctx: the executor must regain control via
		// its own deadline.
		time.Sleep(delay)
	}
	return result, err
}

func (s *phaseSpy) Verify(ctx context.Context, job Job, result map[string]any) (PhaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyCalls++
	return s.verifyResult, nil
}

func (s *phaseSpy) Rollback(ctx context.Context, job Job, snapshot any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackCalls++
	s.rollbackGot = snapshot
	return s.rollbackErr
}

func (s *phaseSpy) counts() (precheck, snapshot, execute, verify, rollback int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.precheckCalls, s.snapshotCalls, s.executeCalls, s.verifyCalls, s.rollbackCalls
}

// basicOnly exposes just the mandatory phases of the underlying spy.
type basicOnly struct{ spy *phaseSpy }

func (b basicOnly) Precheck(ctx context.Context, job Job) (PhaseResult, error) {
	return b.spy.Precheck(ctx, job)
}

func (b basicOnly) Execute(ctx context.Context, job Job) (map[string]any, error) {
	return b.spy.Execute(ctx, job)
}

// verifyNoRollback exposes verify but neither snapshot nor rollback.
type verifyNoRollback struct{ basicOnly }

func (v verifyNoRollback) Verify(ctx context.Context, job Job, result map[string]any) (PhaseResult, error) {
	return v.basicOnly.spy.Verify(ctx, job, result)
}

// runOne queues a job and drives it through the executor synchronously.
func runOne(t *testing.T, r *Runner, jobType, name string, config map[string]any) Job {
	t.Helper()
	job, err := r.RunJob(jobType, name, config)
	require.NoError(t, err)
	r.executeJob(context.Background(), job.ID)
	final, ok := r.store.Get(job.ID)
	require.True(t, ok)
	return final
}

func newTestRunner(t *testing.T, registry *Registry, opts Options) *Runner {
	t.Helper()
	return NewRunner(NewStore(), registry, opts, testLogger())
}

func TestExecutor_CompletedJobWithoutVerify(t *testing.T) {
	spy := newPhaseSpy()
	spy.executeResult = map[string]any{"freed_mb": 120}

	registry := NewCapabilityRegistry()
	require.NoError(t, registry.Register("cleanup", basicOnly{spy}))
	r := newTestRunner(t, registry, Options{})

	final := runOne(t, r, "cleanup", "nightly", map[string]any{})

	assert.Equal(t, StateCompleted, final.State)
	assert.Equal(t, map[string]any{"freed_mb": 120}, final.Result)
	assert.Empty(t, final.Error)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)

	logs := r.store.Logs(final.ID)
	require.GreaterOrEqual(t, len(logs), 2)
	assert.Contains(t, logs[1].Message, "Job started: nightly (cleanup)")
	assert.Equal(t, "Job finished with state: completed", logs[len(logs)-1].Message)

	precheck, _, execute, _, _ := spy.counts()
	assert.Equal(t, 1, precheck)
	assert.Equal(t, 1, execute)
}

func TestExecutor_PrecheckFailureShortCircuits(t *testing.T) {
	spy := newPhaseSpy()
	spy.precheckResult = PhaseResult{Passed: false, Reason: "disk full"}

	registry := NewCapabilityRegistry()
	require.NoError(t, registry.Register("backup", spy))
	r := newTestRunner(t, registry, Options{})

	final := runOne(t, r, "backup", "weekly", nil)

	assert.Equal(t, StateFailed, final.State)
	assert.Equal(t, "Precheck failed: disk full", final.Error)

	precheck, snapshot, execute, verify, rollback := spy.counts()
	assert.Equal(t, 1, precheck)
	assert.Zero(t, snapshot, "snapshot must not run after a failed precheck")
	assert.Zero(t, execute, "execute must not run after a failed precheck")
	assert.Zero(t, verify)
	assert.Zero(t, rollback)
}

func TestExecutor_ExecuteTimeout(t *testing.T) {
	spy := newPhaseSpy()
	spy.executeDelay = 2 * time.Second

	registry := NewCapabilityRegistry()
	require.NoError(t, registry.Register("backup", spy))
	r := newTestRunner(t, registry, Options{DefaultTimeout: 50 * time.Millisecond})

	final := runOne(t, r, "backup", "slow", nil)

	assert.Equal(t, StateFailed, final.State)
	assert.Contains(t, final.Error, "timed out")

	_, _, _, verify, rollback := spy.counts()
	assert.Zero(t, verify, "verify must not run after a timed-out execute")
	assert.Zero(t, rollback, "rollback must not run after a timed-out execute")
}

func TestExecutor_ConfigTimeoutOverride(t *testing.T) {
	spy := newPhaseSpy()
	spy.executeDelay = 2 * time.Second

	registry := NewCapabilityRegistry()
	require.NoError(t, registry.Register("backup", basicOnly{spy}))
	// Generous default; the per-job override must win.
	r := newTestRunner(t, registry, Options{DefaultTimeout: time.Hour})

	start := time.Now()
	final := runOne(t, r, "backup", "slow", map[string]any{"timeout": 0.05})
	elapsed := time.Since(start)

	assert.Equal(t, StateFailed, final.State)
	assert.Contains(t, final.Error, "timed out")
	assert.Less(t, elapsed, time.Second, "override timeout should fire well before the default")
}

func TestExecutor_VerifyFailureRollsBackWithSnapshot(t *testing.T) {
	spy := newPhaseSpy()
	spy.snapshotValue = "snapshot-42"
	spy.executeResult = map[string]any{"updated": 3}
	spy.verifyResult = PhaseResult{Passed: false, Reason: "checksum mismatch"}

	registry := NewCapabilityRegistry()
	require.NoError(t, registry.Register("update", spy))
	r := newTestRunner(t, registry, Options{})

	final := runOne(t, r, "update", "containers", nil)

	assert.Equal(t, StateRolledBack, final.State)
	assert.Equal(t, "Verification failed: checksum mismatch", final.Error)
	assert.Nil(t, final.Result, "execute result must be discarded on rollback")

	_, snapshot, _, verify, rollback := spy.counts()
	assert.Equal(t, 1, snapshot)
	assert.Equal(t, 1, verify)
	assert.Equal(t, 1, rollback, "rollback must run exactly once")
	assert.Equal(t, "snapshot-42", spy.rollbackGot, "rollback must receive the snapshot value")
}

func TestExecutor_VerifyFailureWithoutRollbackFails(t *testing.T) {
	spy := newPhaseSpy()
	spy.verifyResult = PhaseResult{Passed: false, Reason: "service not healthy"}

	registry := NewCapabilityRegistry()
	require.NoError(t, registry.Register("update", verifyNoRollback{basicOnly{spy}}))
	r := newTestRunner(t, registry, Options{})

	final := runOne(t, r, "update", "containers", nil)

	assert.Equal(t, StateFailed, final.State)
	assert.Equal(t, "Verification failed: service not healthy", final.Error)

	_, _, _, _, rollback := spy.counts()
	assert.Zero(t, rollback)
}

func TestExecutor_SnapshotFailureIsHardFailure(t *testing.T) {
	spy := newPhaseSpy()
	spy.snapshotErr = errors.New("no space for snapshot")

	registry := NewCapabilityRegistry()
	require.NoError(t, registry.Register("restore", spy))
	r := newTestRunner(t, registry, Options{})

	final := runOne(t, r, "restore", "from-archive", nil)

	assert.Equal(t, StateFailed, final.State)
	assert.Contains(t, final.Error, "no space for snapshot")

	_, _, execute, _, _ := spy.counts()
	assert.Zero(t, execute, "execute must not run after a failed snapshot")
}

func TestExecutor_ExecuteErrorRecorded(t *testing.T) {
	spy := newPhaseSpy()
	spy.executeErr = errors.New("tar: archive corrupt")

	registry := NewCapabilityRegistry()
	require.NoError(t, registry.Register("restore", basicOnly{spy}))
	r := newTestRunner(t, registry, Options{})

	final := runOne(t, r, "restore", "from-archive", nil)

	assert.Equal(t, StateFailed, final.State)
	assert.Equal(t, "tar: archive corrupt", final.Error)
}

func TestExecutor_UnknownJobTypeFails(t *testing.T) {
	r := newTestRunner(t, NewCapabilityRegistry(), Options{})

	final := runOne(t, r, "mystery", "whatever", nil)

	assert.Equal(t, StateFailed, final.State)
	assert.Contains(t, final.Error, "unknown job type")
	assert.NotNil(t, final.CompletedAt)
}

func TestExecutor_OutputResultLineIsLogged(t *testing.T) {
	spy := newPhaseSpy()
	spy.executeResult = map[string]any{"output": "pruned 3 images"}

	registry := NewCapabilityRegistry()
	require.NoError(t, registry.Register("cleanup", basicOnly{spy}))
	r := newTestRunner(t, registry, Options{})

	final := runOne(t, r, "cleanup", "nightly", nil)

	messages := make([]string, 0)
	for _, entry := range r.store.Logs(final.ID) {
		messages = append(messages, entry.Message)
	}
	assert.Contains(t, messages, "pruned 3 images")
}

func TestExecutor_PanicLeavesTerminalStateAndTimestamp(t *testing.T) {
	spy := newPhaseSpy()
	spy.executePanic = true

	registry := NewCapabilityRegistry()
	require.NoError(t, registry.Register("backup", basicOnly{spy}))
	r := newTestRunner(t, registry, Options{})

	final := runOne(t, r, "backup", "weekly", nil)

	assert.Equal(t, StateFailed, final.State)
	assert.Contains(t, final.Error, "capability blew up")
	require.NotNil(t, final.CompletedAt, "a panicked job must still get a completion timestamp")

	logs := r.store.Logs(final.ID)
	assert.Equal(t, "Job finished with state: failed", logs[len(logs)-1].Message)

	// The runner must outlive the panic and keep executing jobs.
	spy.executePanic = false
	next := runOne(t, r, "backup", "weekly-2", nil)
	assert.Equal(t, StateCompleted, next.State)
}
