// ABOUTME: RPC client with correlation-id multiplexing over one framed connection
// ABOUTME: Supports concurrent in-flight calls; responses are matched by id regardless of arrival order

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClientClosed indicates the connection was closed before a response arrived.
var ErrClientClosed = errors.New("rpc client closed")

// clientResponse mirrors Response but keeps the result raw so callers can
// decode into their own types.
type clientResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Client issues JSON-RPC calls over a single framed connection. Correlation
// ids increment monotonically per client; a pending-response slot is kept for
// each in-flight call and resolved by the read loop when the matching
// response arrives. Safe for concurrent use.
type Client struct {
	conn   net.Conn
	logger *slog.Logger
	nextID atomic.Uint64

	writeMu sync.Mutex

	// mu guards pending and closed; distinct from any store locks held by callers.
	mu      sync.Mutex
	pending map[uint64]chan *clientResponse
	closed  bool
	readErr error
}

// NewClient wraps an established connection and starts its read loop.
func NewClient(conn net.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn:    conn,
		logger:  logger.With("component", "rpc-client"),
		pending: make(map[uint64]chan *clientResponse),
	}
	go c.readLoop()
	return c
}

// Dial connects to a Unix domain socket and returns a ready client.
func Dial(socketPath string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", socketPath, err)
	}
	return NewClient(conn, logger), nil
}

// Call invokes a remote method and blocks until the matching response
// arrives, ctx is done, or the connection fails. The raw result is returned
// for the caller to decode; a response error object is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	ch := make(chan *clientResponse, 1)
	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = ErrClientClosed
		}
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	req := Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  params,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	c.writeMu.Lock()
	err = WriteFrame(c.conn, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("sending request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			if err == nil {
				err = ErrClientClosed
			}
			return nil, err
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Close shuts the connection down. Any in-flight calls fail with ErrClientClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.fail(ErrClientClosed)
	return err
}

// readLoop reads framed responses and resolves the matching pending slot.
func (c *Client) readLoop() {
	for {
		payload, err := ReadFrame(c.conn)
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrClientClosed, err))
			return
		}

		var resp clientResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			c.logger.Warn("discarding unparseable response", "error", err)
			continue
		}

		id, ok := correlationID(resp.ID)
		if !ok {
			c.logger.Warn("discarding response with unusable id", "id", resp.ID)
			continue
		}

		c.mu.Lock()
		ch, found := c.pending[id]
		if found {
			delete(c.pending, id)
		}
		c.mu.Unlock()

		if !found {
			c.logger.Warn("received response for unknown request", "request_id", id)
			continue
		}
		ch <- &resp
	}
}

// fail closes all pending slots with the given error.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.readErr = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// correlationID normalizes a decoded JSON id back to the uint64 the client sent.
func correlationID(v any) (uint64, bool) {
	switch id := v.(type) {
	case float64:
		if id < 0 || id != float64(uint64(id)) {
			return 0, false
		}
		return uint64(id), true
	case string:
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
