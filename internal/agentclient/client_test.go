// ABOUTME: End-to-end tests for the typed agent client against a real socket server
// ABOUTME: Covers the full submit/poll/cancel cycle and the unreachable fallback path

package agentclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BGirginn/rasp-pi-webUI/internal/agent"
	"github.com/BGirginn/rasp-pi-webUI/internal/config"
	"github.com/BGirginn/rasp-pi-webUI/internal/jobs"
	"github.com/BGirginn/rasp-pi-webUI/internal/rpc"
)

func startAgent(t *testing.T) (string, *Client) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	socketPath := filepath.Join(t.TempDir(), "agent.sock")
	cfg := &config.AgentConfig{}
	cfg.Socket.Path = socketPath
	cfg.Socket.Mode = "0600"
	require.NoError(t, cfg.Validate())

	a, err := agent.New(cfg, logger)
	require.NoError(t, err)

	go a.Run(context.Background())

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond, "agent socket never came up")

	client := New(socketPath, 5*time.Second, logger)
	t.Cleanup(func() { client.Close() })
	return socketPath, client
}

func TestClient_FullJobCycle(t *testing.T) {
	dir := t.TempDir()
	_, client := startAgent(t)

	job, err := client.RunJob(context.Background(), "cleanup", "nightly", map[string]any{
		"paths": []any{dir},
	})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, "nightly", job.Name)

	require.Eventually(t, func() bool {
		current, err := client.JobStatus(context.Background(), job.ID)
		return err == nil && current != nil && current.State.Terminal()
	}, 10*time.Second, 50*time.Millisecond)

	final, err := client.JobStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, final.State)
	require.NotNil(t, final.CompletedAt)

	// The final log line lands just after the state flips; poll briefly.
	var logs []jobs.LogEntry
	require.Eventually(t, func() bool {
		logs, err = client.JobLogs(context.Background(), job.ID)
		return err == nil && len(logs) > 0 &&
			logs[len(logs)-1].Message == "Job finished with state: completed"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "Job queued: nightly (cleanup)", logs[0].Message)

	listed, err := client.ListJobs(context.Background(), jobs.StateCompleted, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, job.ID, listed[0].ID)
}

func TestClient_StatusForUnknownJobIsNil(t *testing.T) {
	_, client := startAgent(t)

	job, err := client.JobStatus(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClient_CancelUnknownJob(t *testing.T) {
	_, client := startAgent(t)

	res, err := client.CancelJob(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Message)
}

func TestClient_SystemMethods(t *testing.T) {
	_, client := startAgent(t)

	info, err := client.SystemInfo(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, info["hostname"])

	health, err := client.SystemHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health["status"])
}

func TestClient_BusinessErrorKeepsConnection(t *testing.T) {
	_, client := startAgent(t)

	// Missing required param yields a JSON-RPC error, not a transport error.
	_, err := client.RunJob(context.Background(), "", "x", nil)
	var rpcErr *rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpc.CodeInvalidParams, rpcErr.Code)

	// The same client keeps working afterwards.
	_, err = client.SystemHealth(context.Background())
	require.NoError(t, err)
}

func TestClient_UnreachableSocket(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := New(filepath.Join(t.TempDir(), "missing.sock"), time.Second, logger)

	_, err := client.SystemHealth(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreachable), "error = %v, want ErrUnreachable", err)
}

func TestClient_ReconnectsAfterAgentRestart(t *testing.T) {
	socketPath, client := startAgent(t)

	_, err := client.SystemHealth(context.Background())
	require.NoError(t, err)

	// Simulate a dropped agent connection; the next call redials.
	client.mu.Lock()
	client.rpc.Close()
	client.mu.Unlock()

	require.Eventually(t, func() bool {
		_, err := client.SystemHealth(context.Background())
		return err == nil
	}, 5*time.Second, 50*time.Millisecond, "client never reconnected to %s", socketPath)
}
