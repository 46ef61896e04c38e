package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	errs "github.com/xtxerr/gridpulse/internal/errors"
)

const (
	checkpointMagic      = 0x47504A434B500001 // "GPJCKP" + version 1
	checkpointName       = "checkpoint"
	checkpointHeaderSize = 8 + 4 + 8 + recordHeaderSize // magic, version, segment, record header
	maxCheckpointSize    = 1 << 30
)

// Checkpoint is engine state that covers every reading in segments
// numbered below Segment.
type Checkpoint struct {
	Segment int64
	State   []byte
}

// Checkpoint starts a new segment and records state as covering every
// segment before it, then deletes those segments. state must reflect
// exactly the readings appended so far. Returns the number of segments
// deleted.
func (w *Writer) Checkpoint(state []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, errs.ErrClosed
	}
	if err := w.rotateUnlocked(); err != nil {
		w.stats.Errors++
		return 0, fmt.Errorf("rotate segment: %w", err)
	}
	seq := w.segmentSeq - 1

	if err := writeCheckpoint(w.dir, Checkpoint{Segment: seq, State: state}); err != nil {
		w.stats.Errors++
		return 0, err
	}
	w.stats.Checkpoints++

	segments, err := listSegments(w.dir)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, s := range segments {
		if s.seq >= seq {
			break
		}
		if err := os.Remove(s.path); err != nil {
			return deleted, fmt.Errorf("remove segment %s: %w", s.path, err)
		}
		deleted++
	}
	w.stats.SegmentsDeleted += int64(deleted)

	log.Info("journal checkpointed",
		"segment", seq,
		"state_bytes", len(state),
		"pruned", deleted)
	return deleted, nil
}

// writeCheckpoint replaces the checkpoint in dir atomically.
func writeCheckpoint(dir string, cp Checkpoint) error {
	buf := make([]byte, checkpointHeaderSize, checkpointHeaderSize+len(cp.State))
	binary.LittleEndian.PutUint64(buf[0:8], checkpointMagic)
	binary.LittleEndian.PutUint32(buf[8:12], journalVersion)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(cp.Segment))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(cp.State)))
	binary.LittleEndian.PutUint32(buf[24:28], crc32.ChecksumIEEE(cp.State))
	buf = append(buf, cp.State...)

	final := filepath.Join(dir, checkpointName)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install checkpoint: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// ReadCheckpoint returns the checkpoint stored in dir. ok is false when
// there is none. A damaged checkpoint matches errs.ErrCorrupt.
func ReadCheckpoint(dir string) (cp Checkpoint, ok bool, err error) {
	f, err := os.Open(filepath.Join(dir, checkpointName))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	var header [checkpointHeaderSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return Checkpoint{}, false, fmt.Errorf("read checkpoint header: %w: %v", errs.ErrCorrupt, err)
	}
	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != checkpointMagic {
		return Checkpoint{}, false, fmt.Errorf("invalid checkpoint magic %x: %w", magic, errs.ErrCorrupt)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != journalVersion {
		return Checkpoint{}, false, fmt.Errorf("unsupported checkpoint version %d: %w", version, errs.ErrCorrupt)
	}

	cp.Segment = int64(binary.LittleEndian.Uint64(header[12:20]))
	length := binary.LittleEndian.Uint32(header[20:24])
	if length > maxCheckpointSize {
		return Checkpoint{}, false, fmt.Errorf("checkpoint too large (%d bytes): %w", length, errs.ErrCorrupt)
	}

	cp.State = make([]byte, length)
	if _, err := io.ReadFull(f, cp.State); err != nil {
		return Checkpoint{}, false, fmt.Errorf("read checkpoint: %w: %v", errs.ErrCorrupt, err)
	}
	if crc := crc32.ChecksumIEEE(cp.State); crc != binary.LittleEndian.Uint32(header[24:28]) {
		return Checkpoint{}, false, fmt.Errorf("checkpoint crc mismatch: %w", errs.ErrCorrupt)
	}
	return cp, true, nil
}
