package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

var errBadLength = fmt.Errorf("bad record length: %w", errs.ErrCorrupt)

// Reader reads readings from one segment file.
type Reader struct {
	path string
	file *os.File

	stats ReaderStats
}

// ReaderStats holds journal reader statistics.
type ReaderStats struct {
	RecordsRead    int64
	ReadingsRead   int64
	BytesRead      int64
	CorruptRecords int64
	TornTail       bool
}

// NewReader opens a segment file and verifies its header.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w: %v", errs.ErrCorrupt, err)
	}

	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != journalMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic %x: %w", magic, errs.ErrCorrupt)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != journalVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version %d: %w", version, errs.ErrCorrupt)
	}

	return &Reader{path: path, file: f}, nil
}

// ReadRecord reads the next record. Returns io.EOF at the clean end of the
// segment and io.ErrUnexpectedEOF for a partially written tail.
func (r *Reader) ReadRecord() ([]types.Reading, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.file, header[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	if length > maxRecordSize {
		return nil, fmt.Errorf("record too large (%d bytes): %w", length, errBadLength)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.file, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if actual := crc32.ChecksumIEEE(payload); actual != expectedCRC {
		return nil, fmt.Errorf("crc mismatch: expected %x, got %x: %w", expectedCRC, actual, errs.ErrCorrupt)
	}

	readings, err := decodeReadings(payload)
	if err != nil {
		return nil, fmt.Errorf("decode readings: %w: %v", errs.ErrCorrupt, err)
	}

	r.stats.RecordsRead++
	r.stats.ReadingsRead += int64(len(readings))
	r.stats.BytesRead += int64(recordHeaderSize + len(payload))
	return readings, nil
}

// ReadAll reads every intact record. Corrupt records are skipped; a torn
// tail ends the segment.
func (r *Reader) ReadAll() ([]types.Reading, error) {
	var all []types.Reading

	for {
		readings, err := r.ReadRecord()
		if err == io.EOF {
			return all, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			r.stats.TornTail = true
			return all, nil
		}
		if err != nil {
			r.stats.CorruptRecords++
			if errors.Is(err, errBadLength) {
				// Record boundaries are lost past a bad length
				return all, nil
			}
			if !errs.Is(err, errs.ErrCorrupt) {
				return all, err
			}
			continue
		}
		all = append(all, readings...)
	}
}

// Close closes the reader.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Path returns the segment path.
func (r *Reader) Path() string {
	return r.path
}

// ReadSegment reads all readings from a segment file.
func ReadSegment(path string) ([]types.Reading, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return r.ReadAll()
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Checkpoint bool
	Segments   int
	Readings   int
	Applied    int
	Skipped    int
}

// Replay rebuilds state from dir. The checkpoint, if any, is passed to
// restore first; then every reading in the segments it does not cover is
// fed to fn, oldest first. Readings fn rejects with a validation error are
// counted as skipped; any other error stops the replay.
func Replay(dir string, restore func(state []byte) error, fn func(types.Reading) error) (ReplayStats, error) {
	var stats ReplayStats

	cp, ok, err := ReadCheckpoint(dir)
	if err != nil {
		return stats, err
	}
	if ok {
		if restore != nil {
			if err := restore(cp.State); err != nil {
				return stats, fmt.Errorf("restore checkpoint: %w", err)
			}
		}
		stats.Checkpoint = true
	}

	segments, err := listSegments(dir)
	if err != nil {
		return stats, fmt.Errorf("list segments: %w", err)
	}

	for _, s := range segments {
		if ok && s.seq < cp.Segment {
			// Covered by the checkpoint; left over from an interrupted prune
			continue
		}
		readings, err := ReadSegment(s.path)
		if err != nil {
			if errs.Is(err, errs.ErrCorrupt) {
				log.Warn("skipping corrupt segment", "path", s.path, "error", err)
				continue
			}
			return stats, fmt.Errorf("read segment %s: %w", s.path, err)
		}
		stats.Segments++

		for _, r := range readings {
			stats.Readings++
			if err := fn(r); err != nil {
				if errs.IsValidation(err) {
					stats.Skipped++
					continue
				}
				return stats, fmt.Errorf("replay reading: %w", err)
			}
			stats.Applied++
		}
	}

	log.Info("journal replayed",
		"checkpoint", stats.Checkpoint,
		"segments", stats.Segments,
		"readings", stats.Readings,
		"applied", stats.Applied,
		"skipped", stats.Skipped)
	return stats, nil
}
