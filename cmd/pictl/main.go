// ABOUTME: Operator CLI for the pi-panel HTTP API
// ABOUTME: Handles login, job submission, cancellation, logs, and live streams

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"
)

const banner = `
        _      _   _
  _ __ (_) ___| |_| |
 | '_ \| |/ __| __| |
 | |_) | | (__| |_| |
 | .__/|_|\___|\__|_|
 |_|
`

// cliConfig is persisted to ~/.config/pictl/config.toml after login.
type cliConfig struct {
	Panel string `toml:"panel"`
	Token string `toml:"token"`
}

func configPath() string {
	if envPath := os.Getenv("PICTL_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "pictl", "config.toml")
}

func loadConfig() (*cliConfig, error) {
	cfg := &cliConfig{Panel: "http://localhost:8080"}
	if _, err := toml.DecodeFile(configPath(), cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", configPath(), err)
	}
	if env := os.Getenv("PICTL_PANEL"); env != "" {
		cfg.Panel = env
	}
	return cfg, nil
}

func saveConfig(cfg *cliConfig) error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	// Token lives in this file, keep it private.
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = cmdLogin(ctx, args)
	case "jobs":
		err = cmdJobs(ctx, args)
	case "types":
		err = cmdTypes(ctx)
	case "run":
		err = cmdRun(ctx, args)
	case "cancel":
		err = cmdCancel(ctx, args)
	case "logs":
		err = cmdLogs(ctx, args)
	case "watch":
		err = cmdWatch(ctx, args)
	case "status":
		err = cmdStatus(ctx)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: pictl <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  login <username>              Log in and save a token")
	fmt.Println("  jobs [state]                  List jobs, optionally filtered by state")
	fmt.Println("  types                         List available job types")
	fmt.Println("  run <type> [key=value ...]    Submit a job")
	fmt.Println("  cancel <id>                   Cancel a running or pending job")
	fmt.Println("  logs <id>                     Print a job's log lines")
	fmt.Println("  watch <id>                    Stream live updates for a job")
	fmt.Println("  status                        Show device info and health")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  PICTL_PANEL    Panel base URL (default: http://localhost:8080)")
	fmt.Println("  PICTL_CONFIG   Config file path (default: ~/.config/pictl/config.toml)")
}

// request performs one authenticated API call and decodes the response into out.
func request(ctx context.Context, cfg *cliConfig, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.Panel+path, &buf)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling panel: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			if resp.StatusCode == http.StatusUnauthorized {
				return fmt.Errorf("%s (try: pictl login <username>)", apiErr.Error)
			}
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("panel returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func cmdLogin(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: pictl login <username>")
	}
	username := args[0]

	fmt.Print("Password: ")
	reader := bufio.NewReader(os.Stdin)
	password, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	password = strings.TrimSpace(password)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var result struct {
		Token string `json:"token"`
		User  struct {
			Username string `json:"username"`
			Role     string `json:"role"`
		} `json:"user"`
	}
	if err := request(ctx, cfg, http.MethodPost, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &result); err != nil {
		return err
	}

	cfg.Token = result.Token
	if err := saveConfig(cfg); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Logged in as %s (%s)\n", result.User.Username, result.User.Role)
	return nil
}

type jobRecord struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	State       string         `json:"state"`
	Error       string         `json:"error"`
	StartedBy   string         `json:"started_by"`
	Result      map[string]any `json:"result"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	Live        bool           `json:"live"`
}

func stateColor(state string) *color.Color {
	switch state {
	case "running":
		return color.New(color.FgCyan)
	case "completed":
		return color.New(color.FgGreen)
	case "failed", "rolled_back":
		return color.New(color.FgRed)
	case "cancelled":
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgHiBlack)
	}
}

func cmdJobs(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := "/api/jobs"
	if len(args) > 0 {
		path += "?state=" + args[0]
	}

	var records []jobRecord
	if err := request(ctx, cfg, http.MethodGet, path, nil, &records); err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No jobs.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATE\tSTARTED BY\tCREATED")
	for _, job := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			job.ID,
			job.Name,
			job.Type,
			stateColor(job.State).Sprint(job.State),
			job.StartedBy,
			job.CreatedAt.Local().Format("Jan 02 15:04:05"),
		)
	}
	return w.Flush()
}

func cmdTypes(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var types []struct {
		Type        string `json:"type"`
		Label       string `json:"label"`
		Description string `json:"description"`
		Fields      []struct {
			Name        string `json:"name"`
			Type        string `json:"type"`
			Required    bool   `json:"required"`
			Description string `json:"description"`
		} `json:"fields"`
	}
	if err := request(ctx, cfg, http.MethodGet, "/api/jobs/types", nil, &types); err != nil {
		return err
	}

	yellow := color.New(color.FgYellow)
	for _, jt := range types {
		yellow.Printf("%s", jt.Type)
		fmt.Printf("  %s\n", jt.Description)
		for _, f := range jt.Fields {
			required := ""
			if f.Required {
				required = " (required)"
			}
			fmt.Printf("    %s (%s)%s  %s\n", f.Name, f.Type, required, f.Description)
		}
		fmt.Println()
	}
	return nil
}

// parseConfigArgs turns key=value pairs into a job config map. Values that
// parse as JSON keep their type, everything else stays a string.
func parseConfigArgs(args []string) (map[string]any, error) {
	config := map[string]any{}
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			config[key] = parsed
		} else {
			config[key] = value
		}
	}
	return config, nil
}

func cmdRun(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pictl run <type> [name=NAME] [key=value ...]")
	}
	jobType := args[0]

	config, err := parseConfigArgs(args[1:])
	if err != nil {
		return err
	}
	name, _ := config["name"].(string)
	delete(config, "name")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var created jobRecord
	if err := request(ctx, cfg, http.MethodPost, "/api/jobs", map[string]any{
		"type":   jobType,
		"name":   name,
		"config": config,
	}, &created); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Job %s started\n", created.ID)
	fmt.Printf("    pictl watch %s\n", created.ID)
	return nil
}

func cmdCancel(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: pictl cancel <id>")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var result struct {
		Message string `json:"message"`
	}
	if err := request(ctx, cfg, http.MethodPost, "/api/jobs/"+args[0]+"/cancel", nil, &result); err != nil {
		return err
	}

	fmt.Println(result.Message)
	return nil
}

func cmdLogs(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: pictl logs <id>")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var logs []struct {
		Level     string    `json:"level"`
		Message   string    `json:"message"`
		CreatedAt time.Time `json:"created_at"`
	}
	if err := request(ctx, cfg, http.MethodGet, "/api/jobs/"+args[0]+"/logs", nil, &logs); err != nil {
		return err
	}

	for _, line := range logs {
		printLogLine(line.CreatedAt, line.Level, line.Message)
	}
	return nil
}

func printLogLine(at time.Time, level, message string) {
	gray := color.New(color.FgHiBlack)
	gray.Printf("%s ", at.Local().Format("15:04:05"))
	switch level {
	case "warning":
		color.New(color.FgYellow).Print("WRN ")
	case "error":
		color.New(color.FgRed).Print("ERR ")
	default:
		color.New(color.FgCyan).Print("INF ")
	}
	fmt.Println(message)
}

// cmdWatch follows the job's SSE stream until it ends or ctx is cancelled.
func cmdWatch(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: pictl watch <id>")
	}
	id := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Panel+"/api/jobs/"+id+"/stream", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("panel returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if done := printStreamData(event, strings.TrimPrefix(line, "data: ")); done {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}

// printStreamData renders one SSE payload and reports whether the job reached
// a terminal state.
func printStreamData(event, data string) bool {
	var payload struct {
		Job *struct {
			State string `json:"state"`
			Error string `json:"error"`
		} `json:"job"`
		Logs []struct {
			Level     string    `json:"level"`
			Message   string    `json:"message"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"logs"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return false
	}

	for _, line := range payload.Logs {
		printLogLine(line.CreatedAt, line.Level, line.Message)
	}

	if event == "state" && payload.Job != nil {
		state := payload.Job.State
		stateColor(state).Printf("=> %s\n", state)
		if payload.Job.Error != "" {
			color.Red("   %s", payload.Job.Error)
		}
		switch state {
		case "completed", "failed", "rolled_back", "cancelled":
			return true
		}
	}
	return false
}

func cmdStatus(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var info map[string]any
	if err := request(ctx, cfg, http.MethodGet, "/api/system/info", nil, &info); err != nil {
		fmt.Println("Device: unreachable")
	} else {
		cyan := color.New(color.FgCyan)
		cyan.Println("Device")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, key := range []string{"hostname", "platform", "arch", "cpus", "uptime_seconds"} {
			if value, ok := info[key]; ok {
				fmt.Fprintf(w, "  %s\t%v\n", key, value)
			}
		}
		w.Flush()
	}

	var health map[string]any
	if err := request(ctx, cfg, http.MethodGet, "/api/system/health", nil, &health); err != nil {
		return err
	}

	fmt.Println()
	status, _ := health["status"].(string)
	switch status {
	case "ok":
		color.Green("Health: ok")
	case "degraded":
		color.Yellow("Health: degraded")
	default:
		color.Red("Health: %s", status)
	}
	if running, ok := health["jobs_running"]; ok {
		fmt.Printf("  jobs running: %v\n", running)
	}
	if pending, ok := health["jobs_pending"]; ok {
		fmt.Printf("  jobs pending: %v\n", pending)
	}
	return nil
}
