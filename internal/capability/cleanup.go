// ABOUTME: Cleanup capability pruning aged files from configured directories
// ABOUTME: Precheck validates the target paths, execute removes and reports freed space

package capability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BGirginn/rasp-pi-webUI/internal/jobs"
)

const defaultRetentionDays = 7

// Cleanup prunes files older than a retention window from a set of
// directories. Config keys: "paths" (list of directories, default /tmp)
// and "older_than_days" (number, default 7). It declares no snapshot or
// verify phase; deleted files are gone.
type Cleanup struct {
	logger *slog.Logger
}

func NewCleanup(logger *slog.Logger) *Cleanup {
	return &Cleanup{logger: logger.With("capability", "cleanup")}
}

func (c *Cleanup) Precheck(ctx context.Context, job jobs.Job) (jobs.PhaseResult, error) {
	for _, path := range cleanupPaths(job.Config) {
		info, err := os.Stat(path)
		if err != nil {
			return jobs.PhaseResult{Reason: fmt.Sprintf("path %s: %v", path, err)}, nil
		}
		if !info.IsDir() {
			return jobs.PhaseResult{Reason: fmt.Sprintf("path %s is not a directory", path)}, nil
		}
	}
	return jobs.PhaseResult{Passed: true}, nil
}

func (c *Cleanup) Execute(ctx context.Context, job jobs.Job) (map[string]any, error) {
	cutoff := time.Now().Add(-retention(job.Config))

	var removed int
	var freedBytes int64
	for _, root := range cleanupPaths(job.Config) {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", root, err)
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(root, entry.Name())
			if err := os.Remove(path); err != nil {
				c.logger.Warn("could not remove file", "path", path, "error", err)
				continue
			}
			removed++
			freedBytes += info.Size()
		}
	}

	freedMB := float64(freedBytes) / (1024 * 1024)
	return map[string]any{
		"removed":  removed,
		"freed_mb": freedMB,
		"output":   fmt.Sprintf("Removed %d files, freed %.1f MB", removed, freedMB),
	}, nil
}

func cleanupPaths(config map[string]any) []string {
	raw, ok := config["paths"].([]any)
	if !ok || len(raw) == 0 {
		return []string{os.TempDir()}
	}
	paths := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			paths = append(paths, s)
		}
	}
	if len(paths) == 0 {
		return []string{os.TempDir()}
	}
	return paths
}

func retention(config map[string]any) time.Duration {
	days := float64(defaultRetentionDays)
	switch v := config["older_than_days"].(type) {
	case float64:
		if v >= 0 {
			days = v
		}
	case int:
		if v >= 0 {
			days = float64(v)
		}
	}
	return time.Duration(days * 24 * float64(time.Hour))
}
