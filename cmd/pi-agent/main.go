// ABOUTME: Entry point for the pi-agent device daemon
// ABOUTME: Serves the job engine over a Unix socket on the device

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/BGirginn/rasp-pi-webUI/internal/agent"
	"github.com/BGirginn/rasp-pi-webUI/internal/agentclient"
	"github.com/BGirginn/rasp-pi-webUI/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

// getConfigPath returns the path to the agent config file.
// Priority: PI_AGENT_CONFIG env var > /etc/pi-agent/agent.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PI_AGENT_CONFIG"); envPath != "" {
		return envPath
	}
	return "/etc/pi-agent/agent.yaml"
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: pi-agent <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the agent daemon")
		fmt.Println("  init      Write a default config file")
		fmt.Println("  health    Query a running agent over its socket")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("  ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("  ▶ ")
	fmt.Printf("Socket:  %s\n", cfg.Socket.Path)
	green.Print("  ▶ ")
	fmt.Printf("Version: %s\n", version)
	fmt.Println()

	logger.Info("starting pi-agent",
		"config", configPath,
		"socket", cfg.Socket.Path,
		"version", version,
	)

	a, err := agent.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	return a.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configContent := `# pi-agent configuration
# Generated by pi-agent init

socket:
  path: "/run/pi-agent/agent.sock"
  mode: "0660"

jobs:
  max_concurrent: 2
  default_timeout: "10m"

logging:
  level: "info"
  format: "text"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	fmt.Println("To start the agent:")
	fmt.Println("  pi-agent serve")

	return nil
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client := agentclient.New(cfg.Socket.Path, 0, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	defer client.Close()

	health, err := client.SystemHealth(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	out, err := json.MarshalIndent(health, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
