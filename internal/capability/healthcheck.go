// ABOUTME: Healthcheck capability sampling disk usage and load average
// ABOUTME: Mandatory phases only; the result map carries the collected readings

package capability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/BGirginn/rasp-pi-webUI/internal/jobs"
)

// diskUsageWarnPercent marks the healthcheck result degraded, it does not
// fail the job.
const diskUsageWarnPercent = 90.0

// Healthcheck samples disk usage on the root filesystem and the system load
// averages. No config is required.
type Healthcheck struct {
	logger *slog.Logger

	// overridable in tests
	statfsPath  string
	loadavgPath string
}

func NewHealthcheck(logger *slog.Logger) *Healthcheck {
	return &Healthcheck{
		logger:      logger.With("capability", "healthcheck"),
		statfsPath:  "/",
		loadavgPath: "/proc/loadavg",
	}
}

func (h *Healthcheck) Precheck(ctx context.Context, job jobs.Job) (jobs.PhaseResult, error) {
	if _, err := os.Stat(h.statfsPath); err != nil {
		return jobs.PhaseResult{Reason: fmt.Sprintf("filesystem root %s: %v", h.statfsPath, err)}, nil
	}
	return jobs.PhaseResult{Passed: true}, nil
}

func (h *Healthcheck) Execute(ctx context.Context, job jobs.Job) (map[string]any, error) {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(h.statfsPath, &fs); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", h.statfsPath, err)
	}

	totalMB := float64(fs.Blocks) * float64(fs.Bsize) / (1024 * 1024)
	freeMB := float64(fs.Bavail) * float64(fs.Bsize) / (1024 * 1024)
	usedPercent := 0.0
	if totalMB > 0 {
		usedPercent = (totalMB - freeMB) / totalMB * 100
	}

	result := map[string]any{
		"disk_total_mb":     totalMB,
		"disk_free_mb":      freeMB,
		"disk_used_percent": usedPercent,
		"healthy":           usedPercent < diskUsageWarnPercent,
	}

	if load1, load5, load15, err := h.loadAverages(); err == nil {
		result["load_1m"] = load1
		result["load_5m"] = load5
		result["load_15m"] = load15
	} else {
		h.logger.Warn("could not read load averages", "error", err)
	}

	if hostname, err := os.Hostname(); err == nil {
		result["hostname"] = hostname
	}

	result["output"] = fmt.Sprintf("Disk %.1f%% used, %.0f MB free", usedPercent, freeMB)
	return result, nil
}

func (h *Healthcheck) loadAverages() (float64, float64, float64, error) {
	raw, err := os.ReadFile(h.loadavgPath)
	if err != nil {
		return 0, 0, 0, err
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 3 {
		return 0, 0, 0, fmt.Errorf("unexpected loadavg format: %q", string(raw))
	}
	var loads [3]float64
	for i := 0; i < 3; i++ {
		loads[i], err = strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("parsing loadavg field %d: %w", i, err)
		}
	}
	return loads[0], loads[1], loads[2], nil
}
