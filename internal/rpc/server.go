// ABOUTME: Unix domain socket RPC server for the agent control interface
// ABOUTME: Reads framed JSON-RPC requests sequentially per connection and dispatches to the registry

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// Server accepts connections on a Unix domain socket and serves framed
// JSON-RPC requests against a method registry. Requests on a single
// connection are handled sequentially: one framed request is read, one
// framed response is written, then the next request is read.
type Server struct {
	socketPath  string
	permissions os.FileMode
	registry    *Registry
	logger      *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// NewServer creates a server for the given socket path.
func NewServer(socketPath string, permissions os.FileMode, registry *Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath:  socketPath,
		permissions: permissions,
		registry:    registry,
		logger:      logger.With("component", "rpc-server"),
		conns:       make(map[net.Conn]struct{}),
	}
}

// Serve listens on the socket and accepts connections until ctx is cancelled.
// A stale socket file from a previous run is removed before listening.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, s.permissions); err != nil {
		listener.Close()
		return fmt.Errorf("setting socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("socket server started", "path", s.socketPath)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.handleConn(ctx, conn)
	}
}

// Close stops the listener, closes all open connections, and removes the
// socket file. In-flight jobs on the agent are unaffected.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	for conn := range s.conns {
		conn.Close()
		delete(s.conns, conn)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("removing socket file", "error", err)
	}
}

// handleConn serves one client connection until it disconnects or sends a
// malformed frame. Transport errors are fatal to the connection only.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	s.logger.Debug("client connected")

	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				s.logger.Debug("client disconnected")
			case errors.Is(err, ErrFrameTooLarge):
				s.logger.Warn("oversized frame, closing connection", "error", err)
			default:
				s.logger.Debug("read failed, closing connection", "error", err)
			}
			return
		}

		resp := s.dispatch(ctx, payload)

		out, err := json.Marshal(resp)
		if err != nil {
			// Result value was not serializable; report instead of dropping.
			out, _ = json.Marshal(errorResponse(resp.ID, CodeInternalError, "response serialization failed"))
		}
		if err := WriteFrame(conn, out); err != nil {
			s.logger.Debug("write failed, closing connection", "error", err)
			return
		}
	}
}

// dispatch parses and validates one request payload and invokes its handler.
func (s *Server) dispatch(ctx context.Context, payload []byte) *Response {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResponse(nil, CodeParseError, fmt.Sprintf("parse error: %v", err))
	}

	if req.Method == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "method required")
	}
	if req.JSONRPC != "" && req.JSONRPC != Version {
		return errorResponse(req.ID, CodeInvalidRequest, fmt.Sprintf("unsupported protocol version %q", req.JSONRPC))
	}

	handler, ok := s.registry.Lookup(req.Method)
	if !ok {
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}

	result, err := s.invoke(ctx, req.Method, handler, params)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			return errorResponse(req.ID, rpcErr.Code, rpcErr.Message)
		}
		return errorResponse(req.ID, CodeHandlerError, err.Error())
	}

	return &Response{JSONRPC: Version, ID: req.ID, Result: result}
}

// invoke runs a handler, converting panics into internal errors so a broken
// handler never takes down the accept loop.
func (s *Server) invoke(ctx context.Context, method string, handler Handler, params map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "method", method, "panic", r)
			err = &Error{Code: CodeInternalError, Message: fmt.Sprintf("internal error: %v", r)}
		}
	}()
	return handler(ctx, params)
}
