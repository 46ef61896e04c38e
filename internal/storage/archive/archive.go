package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/gridpulse/internal/logging"
	"github.com/xtxerr/gridpulse/internal/storage/config"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

var log = logging.Component("archive")

// Archive persists evicted rollup buckets and answers queries over them.
type Archive struct {
	mu sync.Mutex

	dir     string
	opts    Options
	querier *Querier

	filesWritten   atomic.Int64
	bucketsWritten atomic.Int64
	filesSkipped   atomic.Int64
	errors         atomic.Int64
}

// Stats holds archive statistics.
type Stats struct {
	FilesWritten   int64
	BucketsWritten int64
	FilesSkipped   int64
	Errors         int64
	Queries        QuerierStats
}

// New opens an archive rooted at dir.
func New(dir string, cfg config.ArchiveConfig) (*Archive, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	q, err := NewQuerier(dir, cfg.Query)
	if err != nil {
		return nil, err
	}

	return &Archive{
		dir: dir,
		opts: Options{
			Compression:      ParseCompressionType(cfg.Compression.Algorithm),
			CompressionLevel: cfg.Compression.Level,
		},
		querier: q,
	}, nil
}

// Dir returns the archive root directory.
func (a *Archive) Dir() string {
	return a.dir
}

// Write stores buckets, one file per tier. Empty buckets are skipped.
// Ranges that are already archived are left untouched.
func (a *Archive) Write(buckets []types.RollupBucket) error {
	byTier := make(map[string][]types.RollupBucket)
	for _, b := range buckets {
		if b.IsEmpty() {
			continue
		}
		byTier[b.Tier] = append(byTier[b.Tier], b)
	}
	if len(byTier) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var all []error
	for tier, tb := range byTier {
		if err := a.writeTier(tier, tb); err != nil {
			a.errors.Add(1)
			all = append(all, fmt.Errorf("tier %s: %w", tier, err))
		}
	}
	return errors.Join(all...)
}

func (a *Archive) writeTier(tier string, buckets []types.RollupBucket) error {
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].BucketStart != buckets[j].BucketStart {
			return buckets[i].BucketStart < buckets[j].BucketStart
		}
		return buckets[i].Channel < buckets[j].Channel
	})

	start := buckets[0].BucketStart
	end := buckets[0].BucketEnd
	for _, b := range buckets[1:] {
		if b.BucketEnd > end {
			end = b.BucketEnd
		}
	}

	path := filepath.Join(a.dir, tier, fileName(start, end))
	w, err := NewWriter(path, a.opts)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			a.filesSkipped.Add(1)
			log.Debug("archive file exists, skipping", "path", path)
			return nil
		}
		return err
	}

	if err := w.Write(buckets); err != nil {
		w.Close()
		os.Remove(path)
		return err
	}
	if err := w.Close(); err != nil {
		os.Remove(path)
		return err
	}

	a.filesWritten.Add(1)
	a.bucketsWritten.Add(int64(len(buckets)))
	log.Debug("archive file written",
		"path", path,
		"buckets", len(buckets))
	return nil
}

// Query returns archived buckets matching q.
func (a *Archive) Query(ctx context.Context, q Query) ([]types.RollupBucket, error) {
	return a.querier.Query(ctx, q)
}

// Close releases the query engine.
func (a *Archive) Close() error {
	return a.querier.Close()
}

// Stats returns archive statistics.
func (a *Archive) Stats() Stats {
	return Stats{
		FilesWritten:   a.filesWritten.Load(),
		BucketsWritten: a.bucketsWritten.Load(),
		FilesSkipped:   a.filesSkipped.Load(),
		Errors:         a.errors.Load(),
		Queries:        a.querier.Stats(),
	}
}
