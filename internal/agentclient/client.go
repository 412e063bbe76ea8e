// ABOUTME: Panel-side typed client for the agent's Unix-socket RPC methods
// ABOUTME: Connects on demand, redials after transport failures, and decodes into job types

package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BGirginn/rasp-pi-webUI/internal/jobs"
	"github.com/BGirginn/rasp-pi-webUI/internal/rpc"
)

// ErrUnreachable indicates the agent socket could not be reached or the
// connection failed mid-call. Callers fall back to their local copy.
var ErrUnreachable = errors.New("agent unreachable")

const dialTimeout = 2 * time.Second

// Client wraps the framed RPC client with typed agent methods. The underlying
// connection is established lazily and replaced after any transport failure,
// so a restarting agent only costs callers one failed round trip.
type Client struct {
	socketPath  string
	callTimeout time.Duration
	logger      *slog.Logger

	mu  sync.Mutex
	rpc *rpc.Client
}

func New(socketPath string, callTimeout time.Duration, logger *slog.Logger) *Client {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Client{
		socketPath:  socketPath,
		callTimeout: callTimeout,
		logger:      logger.With("component", "agent-client"),
	}
}

// RunJob submits a job to the agent and returns the created record.
func (c *Client) RunJob(ctx context.Context, jobType, name string, config map[string]any) (*jobs.Job, error) {
	params := map[string]any{
		"type":   jobType,
		"name":   name,
		"config": config,
	}
	var job jobs.Job
	if err := c.call(ctx, "job.run", params, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// JobStatus fetches one job record. A nil job with nil error means the agent
// does not know the id.
func (c *Client) JobStatus(ctx context.Context, id string) (*jobs.Job, error) {
	var job *jobs.Job
	if err := c.call(ctx, "job.status", map[string]any{"job_id": id}, &job); err != nil {
		return nil, err
	}
	return job, nil
}

// CancelResult is the agent's answer to a cancel request.
type CancelResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CancelJob asks the agent to cancel a job.
func (c *Client) CancelJob(ctx context.Context, id string) (*CancelResult, error) {
	var res CancelResult
	if err := c.call(ctx, "job.cancel", map[string]any{"job_id": id}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// JobLogs fetches a job's full ordered log trail.
func (c *Client) JobLogs(ctx context.Context, id string) ([]jobs.LogEntry, error) {
	var entries []jobs.LogEntry
	if err := c.call(ctx, "job.logs", map[string]any{"job_id": id}, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ListJobs fetches job records newest first, optionally filtered by state.
func (c *Client) ListJobs(ctx context.Context, state jobs.State, limit int) ([]jobs.Job, error) {
	// limit is always sent: an explicit 0 asks for everything, while an
	// absent limit lets the agent apply its own default.
	params := map[string]any{"limit": limit}
	if state != "" {
		params["state"] = string(state)
	}
	var records []jobs.Job
	if err := c.call(ctx, "job.list", params, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// SystemInfo fetches static host facts from the agent.
func (c *Client) SystemInfo(ctx context.Context) (map[string]any, error) {
	var info map[string]any
	if err := c.call(ctx, "system.info", nil, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// SystemHealth fetches the agent's liveness summary.
func (c *Client) SystemHealth(ctx context.Context) (map[string]any, error) {
	var health map[string]any
	if err := c.call(ctx, "system.health", nil, &health); err != nil {
		return nil, err
	}
	return health, nil
}

// Close drops the current connection if one exists.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc == nil {
		return nil
	}
	err := c.rpc.Close()
	c.rpc = nil
	return err
}

// call runs one RPC round trip with the configured per-call timeout and
// decodes the result into out (when out is non-nil). A JSON-RPC error object
// from the agent is returned as *rpc.Error; transport failures drop the
// connection and come back wrapped in ErrUnreachable.
func (c *Client) call(ctx context.Context, method string, params map[string]any, out any) error {
	client, err := c.ensure()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	raw, err := client.Call(callCtx, method, params)
	if err != nil {
		var rpcErr *rpc.Error
		if errors.As(err, &rpcErr) {
			// The agent answered; the connection is fine.
			return rpcErr
		}
		c.drop(client)
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, method, err)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

// ensure returns the live connection, dialing if necessary.
func (c *Client) ensure() (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		return c.rpc, nil
	}

	client, err := rpc.Dial(c.socketPath, dialTimeout, c.logger)
	if err != nil {
		return nil, err
	}
	c.logger.Info("connected to agent", "socket", c.socketPath)
	c.rpc = client
	return client, nil
}

// drop discards a failed connection so the next call redials. Only the exact
// client that failed is dropped; a concurrent caller may already have
// replaced it.
func (c *Client) drop(failed *rpc.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc == failed {
		c.rpc.Close()
		c.rpc = nil
		c.logger.Warn("agent connection dropped")
	}
}
