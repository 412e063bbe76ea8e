// ABOUTME: Tests for the agent-to-mirror reconciler
// ABOUTME: uses a scripted fake agent to cover merges, log sync, and fallbacks

package panel

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BGirginn/rasp-pi-webUI/internal/agentclient"
	"github.com/BGirginn/rasp-pi-webUI/internal/jobs"
	"github.com/BGirginn/rasp-pi-webUI/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAgent serves scripted job records, or ErrUnreachable when down.
type fakeAgent struct {
	mu   sync.Mutex
	jobs map[string]*jobs.Job
	logs map[string][]jobs.LogEntry
	down bool
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		jobs: make(map[string]*jobs.Job),
		logs: make(map[string][]jobs.LogEntry),
	}
}

func (f *fakeAgent) setJob(job *jobs.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

func (f *fakeAgent) setLogs(jobID string, entries []jobs.LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[jobID] = entries
}

func (f *fakeAgent) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeAgent) JobStatus(ctx context.Context, id string) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, agentclient.ErrUnreachable
	}
	return f.jobs[id], nil
}

func (f *fakeAgent) JobLogs(ctx context.Context, id string) ([]jobs.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, agentclient.ErrUnreachable
	}
	return f.logs[id], nil
}

func (f *fakeAgent) ListJobs(ctx context.Context, state jobs.State, limit int) ([]jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, agentclient.ErrUnreachable
	}
	var out []jobs.Job
	for _, job := range f.jobs {
		if state != "" && job.State != state {
			continue
		}
		out = append(out, *job)
	}
	return out, nil
}

func newTestReconciler(t *testing.T, agent *fakeAgent) (*Reconciler, store.Store, *Broadcaster) {
	t.Helper()
	st, err := store.NewSQLiteStore(t.TempDir()+"/panel.db", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := NewBroadcaster(testLogger())
	t.Cleanup(b.Close)

	return NewReconciler(agent, st, b, 20*time.Millisecond, testLogger()), st, b
}

func agentJob(id string, state jobs.State) *jobs.Job {
	now := time.Now().UTC()
	return &jobs.Job{
		ID:        id,
		Name:      "nightly",
		Type:      "cleanup",
		State:     state,
		CreatedAt: now,
	}
}

func TestFetchJob_MergesLiveRecordIntoMirror(t *testing.T) {
	agent := newFakeAgent()
	r, st, _ := newTestReconciler(t, agent)

	agent.setJob(agentJob("j1", jobs.StateRunning))

	job, live, err := r.FetchJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, jobs.StateRunning, job.State)

	mirrored, err := st.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateRunning, mirrored.State)
}

func TestFetchJob_PreservesPanelOwnedFields(t *testing.T) {
	agent := newFakeAgent()
	r, st, _ := newTestReconciler(t, agent)

	require.NoError(t, st.CreateJob(context.Background(), &store.Job{
		ID:        "j1",
		Name:      "nightly",
		Type:      "cleanup",
		State:     jobs.StatePending,
		StartedBy: "admin",
		CreatedAt: time.Now().UTC(),
	}))
	agent.setJob(agentJob("j1", jobs.StateCompleted))

	job, live, err := r.FetchJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, jobs.StateCompleted, job.State)
	assert.Equal(t, "admin", job.StartedBy)
}

func TestFetchJob_UnreachableAgentServesMirror(t *testing.T) {
	agent := newFakeAgent()
	r, st, _ := newTestReconciler(t, agent)

	require.NoError(t, st.CreateJob(context.Background(), &store.Job{
		ID:        "j1",
		Name:      "nightly",
		Type:      "cleanup",
		State:     jobs.StateCompleted,
		CreatedAt: time.Now().UTC(),
	}))
	agent.setDown(true)

	job, live, err := r.FetchJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.False(t, live)
	assert.Equal(t, jobs.StateCompleted, job.State)
}

func TestFetchJob_AgentForgotJobFallsBackToMirror(t *testing.T) {
	agent := newFakeAgent()
	r, st, _ := newTestReconciler(t, agent)

	require.NoError(t, st.CreateJob(context.Background(), &store.Job{
		ID:        "j1",
		Name:      "nightly",
		Type:      "cleanup",
		State:     jobs.StateFailed,
		CreatedAt: time.Now().UTC(),
	}))

	job, live, err := r.FetchJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.False(t, live)
	assert.Equal(t, jobs.StateFailed, job.State)
}

func TestFetchJob_UnknownEverywhere(t *testing.T) {
	agent := newFakeAgent()
	r, _, _ := newTestReconciler(t, agent)

	_, _, err := r.FetchJob(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFetchJob_MergesOnlyNewLogLines(t *testing.T) {
	agent := newFakeAgent()
	r, st, _ := newTestReconciler(t, agent)

	base := time.Now().UTC().Add(-time.Minute)
	agent.setJob(agentJob("j1", jobs.StateRunning))
	agent.setLogs("j1", []jobs.LogEntry{
		{Level: jobs.LogLevelInfo, Message: "Job queued: nightly (cleanup)", CreatedAt: base},
		{Level: jobs.LogLevelInfo, Message: "Job started: nightly (cleanup)", CreatedAt: base.Add(time.Second)},
	})

	_, _, err := r.FetchJob(context.Background(), "j1")
	require.NoError(t, err)

	logs, err := st.ListJobLogs(context.Background(), "j1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	// Second pass with one extra line must not duplicate the first two.
	agent.setLogs("j1", []jobs.LogEntry{
		{Level: jobs.LogLevelInfo, Message: "Job queued: nightly (cleanup)", CreatedAt: base},
		{Level: jobs.LogLevelInfo, Message: "Job started: nightly (cleanup)", CreatedAt: base.Add(time.Second)},
		{Level: jobs.LogLevelInfo, Message: "Job completed", CreatedAt: base.Add(2 * time.Second)},
	})

	_, _, err = r.FetchJob(context.Background(), "j1")
	require.NoError(t, err)

	logs, err = st.ListJobLogs(context.Background(), "j1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "Job completed", logs[2].Message)
}

func TestFetchJob_PublishesStateDelta(t *testing.T) {
	agent := newFakeAgent()
	r, _, b := newTestReconciler(t, agent)

	updates, subID := b.Subscribe(context.Background(), JobKey("j1"))
	defer b.Unsubscribe(JobKey("j1"), subID)

	agent.setJob(agentJob("j1", jobs.StateRunning))
	_, _, err := r.FetchJob(context.Background(), "j1")
	require.NoError(t, err)

	select {
	case update := <-updates:
		assert.Equal(t, EventState, update.Event)
		require.NotNil(t, update.Job)
		assert.Equal(t, jobs.StateRunning, update.Job.State)
	case <-time.After(time.Second):
		t.Fatal("no state update published")
	}

	// Same state again publishes nothing.
	_, _, err = r.FetchJob(context.Background(), "j1")
	require.NoError(t, err)
	select {
	case update := <-updates:
		if update.Event == EventState {
			t.Fatalf("unexpected duplicate state update: %+v", update)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRun_SyncsAllAgentJobs(t *testing.T) {
	agent := newFakeAgent()
	r, st, _ := newTestReconciler(t, agent)

	agent.setJob(agentJob("j1", jobs.StateRunning))
	agent.setJob(agentJob("j2", jobs.StateCompleted))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.Eventually(t, func() bool {
		records, err := st.ListJobs(context.Background(), "", 0)
		return err == nil && len(records) == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRun_SurvivesUnreachableAgent(t *testing.T) {
	agent := newFakeAgent()
	agent.setDown(true)
	r, st, _ := newTestReconciler(t, agent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	agent.setDown(false)
	agent.setJob(agentJob("j1", jobs.StateRunning))

	require.Eventually(t, func() bool {
		_, err := st.GetJob(context.Background(), "j1")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}
