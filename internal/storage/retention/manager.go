// Package retention expires archive files older than the archive retention.
package retention

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/gridpulse/internal/logging"
	"github.com/xtxerr/gridpulse/internal/storage/archive"
)

var log = logging.Component("retention")

// Manager handles cleanup of expired archive files.
type Manager struct {
	mu        sync.RWMutex
	dir       string
	retention time.Duration
	stats     Stats
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime  time.Time
	LastCutoffMs int64
	FilesDeleted int64
	BytesFreed   int64
	FilesSkipped int64
	Errors       int64
}

// CleanupResult holds the result of a cleanup operation.
type CleanupResult struct {
	Tier         string
	FilesDeleted int
	BytesFreed   int64
	FilesSkipped int
	Errors       []error
}

// New creates a retention manager for the archive rooted at dir.
// A zero retention keeps files forever.
func New(dir string, retention time.Duration) *Manager {
	return &Manager{
		dir:       dir,
		retention: retention,
	}
}

// RunCleanup deletes files whose newest bucket ended before
// nowMs - retention. nowMs is data time, normally the engine's as-of.
func (m *Manager) RunCleanup(nowMs int64) []CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.LastRunTime = time.Now()

	results := m.cleanup(nowMs, false)
	for _, r := range results {
		m.stats.FilesDeleted += int64(r.FilesDeleted)
		m.stats.BytesFreed += r.BytesFreed
		m.stats.FilesSkipped += int64(r.FilesSkipped)
		m.stats.Errors += int64(len(r.Errors))
		if r.FilesDeleted > 0 {
			log.Info("archive files expired",
				"tier", r.Tier,
				"files", r.FilesDeleted,
				"bytes", r.BytesFreed)
		}
		for _, err := range r.Errors {
			log.Warn("archive cleanup failed", "tier", r.Tier, "error", err)
		}
	}
	return results
}

// DryRun reports what RunCleanup would delete.
func (m *Manager) DryRun(nowMs int64) []CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanup(nowMs, true)
}

func (m *Manager) cleanup(nowMs int64, dryRun bool) []CleanupResult {
	if m.retention <= 0 {
		return nil
	}

	cutoff := nowMs - m.retention.Milliseconds()
	m.stats.LastCutoffMs = cutoff

	files, err := archive.ListFiles(m.dir)
	if err != nil {
		return []CleanupResult{{Errors: []error{fmt.Errorf("list files: %w", err)}}}
	}

	byTier := make(map[string]*CleanupResult)
	var order []string
	for _, f := range files {
		r, ok := byTier[f.Tier]
		if !ok {
			r = &CleanupResult{Tier: f.Tier}
			byTier[f.Tier] = r
			order = append(order, f.Tier)
		}

		if f.EndMs > cutoff {
			r.FilesSkipped++
			continue
		}

		if !dryRun {
			if err := os.Remove(f.Path); err != nil {
				r.Errors = append(r.Errors, fmt.Errorf("delete %s: %w", f.Path, err))
				continue
			}
		}
		r.FilesDeleted++
		r.BytesFreed += f.Size
	}

	results := make([]CleanupResult, 0, len(order))
	for _, tier := range order {
		results = append(results, *byTier[tier])
	}
	return results
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// DiskUsage holds disk usage information.
type DiskUsage struct {
	FileCount int
	TotalSize int64
}

// GetDiskUsage returns disk usage per tier.
func (m *Manager) GetDiskUsage() (map[string]DiskUsage, error) {
	files, err := archive.ListFiles(m.dir)
	if err != nil {
		return nil, err
	}

	usage := make(map[string]DiskUsage)
	for _, f := range files {
		u := usage[f.Tier]
		u.FileCount++
		u.TotalSize += f.Size
		usage[f.Tier] = u
	}
	return usage, nil
}

// FormatDiskUsage returns a formatted string of disk usage.
func (m *Manager) FormatDiskUsage() string {
	usage, err := m.GetDiskUsage()
	if err != nil {
		return fmt.Sprintf("Disk Usage: unavailable (%v)\n", err)
	}

	tiers := make([]string, 0, len(usage))
	for tier := range usage {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)

	var sb strings.Builder
	var totalSize int64
	var totalFiles int

	sb.WriteString("Disk Usage:\n")
	for _, tier := range tiers {
		u := usage[tier]
		totalSize += u.TotalSize
		totalFiles += u.FileCount
		fmt.Fprintf(&sb, "  %s: %d files, %s\n", tier, u.FileCount, formatBytes(u.TotalSize))
	}
	fmt.Fprintf(&sb, "  Total: %d files, %s\n", totalFiles, formatBytes(totalSize))

	return sb.String()
}

// formatBytes formats bytes as human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
