package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/parquet-go/parquet-go/compress/zstd"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// CompressionLevel for zstd (1-22)
	CompressionLevel int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:      CompressionZstd,
		CompressionLevel: 3,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "lz4":
		return CompressionLZ4
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// String returns the configuration name of the algorithm.
func (c CompressionType) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "none"
	}
}

func codec(opts Options) compress.Codec {
	switch opts.Compression {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &zstd.Codec{Level: zstdLevel(opts.CompressionLevel)}
	case CompressionLZ4:
		return &parquet.Lz4Raw
	default:
		return &parquet.Uncompressed
	}
}

// zstdLevel maps a 1-22 zstd level onto the encoder's speed presets.
func zstdLevel(level int) zstd.Level {
	switch {
	case level <= 0:
		return zstd.DefaultLevel
	case level <= 2:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	case level <= 11:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// BucketRow represents a rollup bucket in Parquet format.
type BucketRow struct {
	Channel     string   `parquet:"channel,dict,zstd"`
	Tier        string   `parquet:"tier,dict,zstd"`
	BucketStart int64    `parquet:"bucket_start"`
	BucketEnd   int64    `parquet:"bucket_end"`
	Count       int64    `parquet:"count"`
	Sum         float64  `parquet:"sum"`
	Min         float64  `parquet:"min"`
	Max         float64  `parquet:"max"`
	Avg         float64  `parquet:"avg"`
	P50         *float64 `parquet:"p50,optional"`
	P90         *float64 `parquet:"p90,optional"`
	P95         *float64 `parquet:"p95,optional"`
	P99         *float64 `parquet:"p99,optional"`
	FirstTs     int64    `parquet:"first_ts"`
	LastTs      int64    `parquet:"last_ts"`
}

// BucketToRow converts a RollupBucket to a BucketRow.
func BucketToRow(b *types.RollupBucket) BucketRow {
	return BucketRow{
		Channel:     string(b.Channel),
		Tier:        b.Tier,
		BucketStart: b.BucketStart,
		BucketEnd:   b.BucketEnd,
		Count:       b.Count,
		Sum:         b.Sum,
		Min:         b.Min,
		Max:         b.Max,
		Avg:         b.Avg,
		P50:         b.P50,
		P90:         b.P90,
		P95:         b.P95,
		P99:         b.P99,
		FirstTs:     b.FirstTs,
		LastTs:      b.LastTs,
	}
}

// RowToBucket converts a BucketRow to a RollupBucket.
func RowToBucket(r *BucketRow) types.RollupBucket {
	return types.RollupBucket{
		Channel:     types.ChannelID(r.Channel),
		Tier:        r.Tier,
		BucketStart: r.BucketStart,
		BucketEnd:   r.BucketEnd,
		Count:       r.Count,
		Sum:         r.Sum,
		Min:         r.Min,
		Max:         r.Max,
		Avg:         r.Avg,
		P50:         r.P50,
		P90:         r.P90,
		P95:         r.P95,
		P99:         r.P99,
		FirstTs:     r.FirstTs,
		LastTs:      r.LastTs,
	}
}

// Writer writes rollup buckets to one Parquet file.
type Writer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[BucketRow]
	rowCount int64
	closed   bool
}

// NewWriter creates a Parquet file at path. It fails with os.ErrExist if
// the file is already present.
func NewWriter(path string, opts Options) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[BucketRow](f, parquet.Compression(codec(opts)))

	return &Writer{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write appends buckets to the file.
func (w *Writer) Write(buckets []types.RollupBucket) error {
	if len(buckets) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errs.ErrClosed
	}

	rows := make([]BucketRow, len(buckets))
	for i := range buckets {
		rows[i] = BucketToRow(&buckets[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close flushes the footer and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *Writer) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}
