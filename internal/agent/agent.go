// ABOUTME: Agent daemon wiring: capability registry, job runner, and socket server
// ABOUTME: Run blocks until the context is cancelled, then drains workers cleanly

package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BGirginn/rasp-pi-webUI/internal/capability"
	"github.com/BGirginn/rasp-pi-webUI/internal/config"
	"github.com/BGirginn/rasp-pi-webUI/internal/jobs"
	"github.com/BGirginn/rasp-pi-webUI/internal/rpc"
)

// Agent assembles the device-side daemon: the in-memory job store, the
// capability registry, the bounded runner, and the Unix-socket RPC server.
type Agent struct {
	cfg    *config.AgentConfig
	logger *slog.Logger

	store    *jobs.Store
	runner   *jobs.Runner
	server   *rpc.Server
	registry *prometheus.Registry
}

// New builds an agent from configuration. Built-in capabilities are
// registered here; callers needing more register them before Run via the
// returned agent's runner store.
func New(cfg *config.AgentConfig, logger *slog.Logger) (*Agent, error) {
	logger = logger.With("component", "agent")

	store := jobs.NewStore()

	caps := jobs.NewCapabilityRegistry()
	if err := caps.Register("cleanup", capability.NewCleanup(logger)); err != nil {
		return nil, fmt.Errorf("registering cleanup capability: %w", err)
	}
	if err := caps.Register("healthcheck", capability.NewHealthcheck(logger)); err != nil {
		return nil, fmt.Errorf("registering healthcheck capability: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metrics := jobs.NewMetrics(promRegistry)

	runner := jobs.NewRunner(store, caps, jobs.Options{
		MaxConcurrent:  cfg.Jobs.MaxConcurrent,
		DefaultTimeout: cfg.Jobs.DefaultTimeout,
		Metrics:        metrics,
	}, logger)

	mode, err := cfg.SocketMode()
	if err != nil {
		return nil, err
	}

	rpcRegistry := rpc.NewRegistry()
	NewMethods(runner, store, logger).RegisterAll(rpcRegistry)
	server := rpc.NewServer(cfg.Socket.Path, mode, rpcRegistry, logger)

	return &Agent{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		runner:   runner,
		server:   server,
		registry: promRegistry,
	}, nil
}

// Run starts the worker pool and serves the control socket until ctx is
// cancelled. Running jobs are marked Cancelled on the way out.
func (a *Agent) Run(ctx context.Context) error {
	a.runner.Start(ctx)
	defer a.runner.Stop()

	a.logger.Info("agent starting",
		"socket", a.cfg.Socket.Path,
		"max_concurrent", a.runner.Workers())

	return a.server.Serve(ctx)
}

// Metrics exposes the agent's Prometheus registry for scrapers embedded by
// the caller.
func (a *Agent) Metrics() *prometheus.Registry {
	return a.registry
}
