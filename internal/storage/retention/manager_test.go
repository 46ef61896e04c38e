package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func touch(t *testing.T, dir, tier string, startMs, endMs int64, size int) {
	t.Helper()
	tierDir := filepath.Join(dir, tier)
	if err := os.MkdirAll(tierDir, 0755); err != nil {
		t.Fatal(err)
	}
	name := fmt.Sprintf("%d_%d.parquet", startMs, endMs)
	if err := os.WriteFile(filepath.Join(tierDir, name), make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
}

const hour = int64(time.Hour / time.Millisecond)

func TestManager_RunCleanup(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "base", 0, 1*hour, 100)
	touch(t, dir, "base", 1*hour, 2*hour, 100)
	touch(t, dir, "base", 2*hour, 30*hour, 100)
	touch(t, dir, "hourly", 0, 3*hour, 50)

	m := New(dir, 24*time.Hour)

	// cutoff = 2h
	results := m.RunCleanup(26 * hour)

	var deleted, skipped int
	var freed int64
	for _, r := range results {
		deleted += r.FilesDeleted
		skipped += r.FilesSkipped
		freed += r.BytesFreed
		if len(r.Errors) > 0 {
			t.Errorf("tier %s: unexpected errors %v", r.Tier, r.Errors)
		}
	}
	if deleted != 2 || skipped != 2 {
		t.Errorf("expected 2 deleted and 2 skipped, got %d and %d", deleted, skipped)
	}
	if freed != 200 {
		t.Errorf("expected 200 bytes freed, got %d", freed)
	}

	remaining, _ := filepath.Glob(filepath.Join(dir, "*", "*.parquet"))
	if len(remaining) != 2 {
		t.Errorf("expected 2 remaining files, got %d", len(remaining))
	}

	stats := m.Stats()
	if stats.FilesDeleted != 2 || stats.LastCutoffMs != 2*hour {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestManager_DryRun(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "base", 0, hour, 10)

	m := New(dir, time.Hour)
	results := m.DryRun(10 * hour)

	if len(results) != 1 || results[0].FilesDeleted != 1 {
		t.Fatalf("unexpected dry run %+v", results)
	}
	if _, err := os.Stat(filepath.Join(dir, "base", fmt.Sprintf("0_%d.parquet", hour))); err != nil {
		t.Error("dry run must not delete files")
	}
	if m.Stats().FilesDeleted != 0 {
		t.Error("dry run must not update stats")
	}
}

func TestManager_ZeroRetentionKeepsEverything(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "base", 0, hour, 10)

	m := New(dir, 0)
	if results := m.RunCleanup(1000 * hour); len(results) != 0 {
		t.Errorf("expected no cleanup, got %+v", results)
	}
}

func TestManager_MissingDir(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "missing"), time.Hour)
	for _, r := range m.RunCleanup(10 * hour) {
		if len(r.Errors) > 0 {
			t.Errorf("missing dir should not error: %v", r.Errors)
		}
	}
}

func TestManager_DiskUsage(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "base", 0, hour, 1024)
	touch(t, dir, "base", hour, 2*hour, 1024)
	touch(t, dir, "hourly", 0, 2*hour, 10)

	m := New(dir, time.Hour)
	usage, err := m.GetDiskUsage()
	if err != nil {
		t.Fatal(err)
	}
	if usage["base"].FileCount != 2 || usage["base"].TotalSize != 2048 {
		t.Errorf("unexpected base usage %+v", usage["base"])
	}

	out := m.FormatDiskUsage()
	if !strings.Contains(out, "base: 2 files, 2.00 KB") || !strings.Contains(out, "Total: 3 files") {
		t.Errorf("unexpected format:\n%s", out)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.00 KB"},
		{3 * 1024 * 1024, "3.00 MB"},
		{5 * 1024 * 1024 * 1024, "5.00 GB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
