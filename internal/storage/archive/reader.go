package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/gridpulse/internal/storage/types"
)

// ReadFile reads all buckets from an archive file.
func ReadFile(path string) ([]types.RollupBucket, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[BucketRow](f)
	defer reader.Close()

	rows := make([]BucketRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	buckets := make([]types.RollupBucket, n)
	for i := 0; i < n; i++ {
		buckets[i] = RowToBucket(&rows[i])
	}
	return buckets, nil
}

// FileInfo describes one archive file.
type FileInfo struct {
	Path    string
	Tier    string
	StartMs int64
	EndMs   int64
	Size    int64
}

// fileName returns the archive file name for a range of buckets.
func fileName(startMs, endMs int64) string {
	return fmt.Sprintf("%d_%d.parquet", startMs, endMs)
}

// parseFileName extracts the covered range from an archive file name.
func parseFileName(name string) (startMs, endMs int64, err error) {
	if filepath.Ext(name) != ".parquet" {
		return 0, 0, fmt.Errorf("not a parquet file: %s", name)
	}
	base := name[:len(name)-len(".parquet")]
	if _, err := fmt.Sscanf(base, "%d_%d", &startMs, &endMs); err != nil {
		return 0, 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if endMs < startMs {
		return 0, 0, fmt.Errorf("parse %s: end before start", name)
	}
	return startMs, endMs, nil
}

// ListFiles returns the archive files of every tier under dir, oldest
// first within each tier. Files with unrecognised names are skipped.
func ListFiles(dir string) ([]FileInfo, error) {
	tiers, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []FileInfo
	for _, tierEntry := range tiers {
		if !tierEntry.IsDir() {
			continue
		}
		tierDir := filepath.Join(dir, tierEntry.Name())

		entries, err := os.ReadDir(tierDir)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			start, end, err := parseFileName(entry.Name())
			if err != nil {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			files = append(files, FileInfo{
				Path:    filepath.Join(tierDir, entry.Name()),
				Tier:    tierEntry.Name(),
				StartMs: start,
				EndMs:   end,
				Size:    info.Size(),
			})
		}
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Tier != files[j].Tier {
			return files[i].Tier < files[j].Tier
		}
		return files[i].StartMs < files[j].StartMs
	})
	return files, nil
}
