package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/storage/config"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

func syncOptions() Options {
	opts := DefaultOptions()
	opts.SyncMode = "sync"
	return opts
}

func TestEncodeDecode(t *testing.T) {
	readings := []types.Reading{
		{Channel: "solar", TimestampMs: 1234567890123, Value: 42.5},
		{Channel: "demand", TimestampMs: 1234567890456, Value: -0.25},
	}

	data, err := encodeReadings(readings)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := decodeReadings(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(decoded) != len(readings) {
		t.Fatalf("expected %d readings, got %d", len(readings), len(decoded))
	}
	for i, r := range readings {
		if decoded[i] != r {
			t.Errorf("reading %d: expected %+v, got %+v", i, r, decoded[i])
		}
	}
}

func TestDecode_Truncated(t *testing.T) {
	data, _ := encodeReadings([]types.Reading{{Channel: "wind", TimestampMs: 1, Value: 1}})
	for _, n := range []int{0, 3, 5, len(data) - 1} {
		if _, err := decodeReadings(data[:n]); err == nil {
			t.Errorf("expected error decoding %d of %d bytes", n, len(data))
		}
	}
}

func TestWriter_AppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, syncOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	for i := int64(1); i <= 5; i++ {
		if err := w.Append(types.Reading{Channel: "solar", TimestampMs: i, Value: float64(i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got []types.Reading
	stats, err := Replay(dir, nil, func(r types.Reading) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if stats.Applied != 5 || len(got) != 5 {
		t.Fatalf("expected 5 readings, got %d (%+v)", len(got), stats)
	}
	for i, r := range got {
		if r.TimestampMs != int64(i+1) {
			t.Errorf("reading %d out of order: %+v", i, r)
		}
	}
}

func TestWriter_AppendAfterClose(t *testing.T) {
	w, err := NewWriter(t.TempDir(), syncOptions())
	if err != nil {
		t.Fatal(err)
	}
	w.Close()

	err = w.Append(types.Reading{Channel: "solar", TimestampMs: 1})
	if !errs.Is(err, errs.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}

func TestWriter_Rotation(t *testing.T) {
	dir := t.TempDir()

	opts := syncOptions()
	opts.MaxSegmentSize = 128

	w, err := NewWriter(dir, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	for i := int64(0); i < 50; i++ {
		if err := w.Append(types.Reading{Channel: "demand", TimestampMs: i, Value: 1}); err != nil {
			t.Fatal(err)
		}
	}

	segments, err := w.ListSegments()
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) < 2 {
		t.Errorf("expected rotation, got %d segments", len(segments))
	}
	if w.Stats().SegmentsCreated != int64(len(segments)) {
		t.Errorf("stats disagree with directory: %d vs %d", w.Stats().SegmentsCreated, len(segments))
	}
}

func TestWriter_ReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()

	w1, err := NewWriter(dir, syncOptions())
	if err != nil {
		t.Fatal(err)
	}
	w1.Append(types.Reading{Channel: "wind", TimestampMs: 1, Value: 1})
	first := w1.CurrentSegment()
	w1.Close()

	w2, err := NewWriter(dir, syncOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer w2.Close()

	if w2.CurrentSegment() == first {
		t.Error("reopened journal must not overwrite the previous segment")
	}
	w2.Append(types.Reading{Channel: "wind", TimestampMs: 2, Value: 2})
	w2.Sync()

	stats, err := Replay(dir, nil, func(types.Reading) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if stats.Applied != 2 {
		t.Errorf("expected 2 readings across segments, got %d", stats.Applied)
	}
}

func TestReplay_SkipsRejected(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewWriter(dir, syncOptions())
	w.Append(
		types.Reading{Channel: "solar", TimestampMs: 2, Value: 1},
		types.Reading{Channel: "solar", TimestampMs: 1, Value: 1},
	)
	w.Close()

	var last int64
	stats, err := Replay(dir, nil, func(r types.Reading) error {
		if r.TimestampMs <= last {
			return errs.NewRejection("solar", errs.ErrOutOfOrder, "ts %d", r.TimestampMs)
		}
		last = r.TimestampMs
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Applied != 1 || stats.Skipped != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestReader_TornTail(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewWriter(dir, syncOptions())
	w.Append(types.Reading{Channel: "solar", TimestampMs: 1, Value: 1})
	w.Append(types.Reading{Channel: "solar", TimestampMs: 2, Value: 2})
	path := w.CurrentSegment()
	w.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	got, err := r.ReadAll()
	if err != nil {
		t.Fatalf("torn tail should not fail: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 intact reading, got %d", len(got))
	}
	if !r.Stats().TornTail {
		t.Error("expected torn tail to be reported")
	}
}

func TestReader_CorruptRecordSkipped(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewWriter(dir, syncOptions())
	w.Append(types.Reading{Channel: "solar", TimestampMs: 1, Value: 1})
	w.Append(types.Reading{Channel: "solar", TimestampMs: 2, Value: 2})
	path := w.CurrentSegment()
	w.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Flip a byte inside the first payload
	data[headerSize+recordHeaderSize+1] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	got, _ := r.ReadAll()
	if len(got) != 1 || got[0].TimestampMs != 2 {
		t.Errorf("expected only the second reading, got %+v", got)
	}
	if r.Stats().CorruptRecords != 1 {
		t.Errorf("expected 1 corrupt record, got %d", r.Stats().CorruptRecords)
	}
}

func TestReader_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0000000000000000.jrn")
	if err := os.WriteFile(path, []byte("not a journal file"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewReader(path); !errs.Is(err, errs.ErrCorrupt) {
		t.Errorf("expected corrupt error, got %v", err)
	}

	// Replay skips it
	stats, err := Replay(filepath.Dir(path), nil, func(types.Reading) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if stats.Segments != 0 {
		t.Errorf("expected no readable segments, got %d", stats.Segments)
	}
}

func TestWriter_Checkpoint(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewWriter(dir, syncOptions())
	defer w.Close()

	w.Append(types.Reading{Channel: "solar", TimestampMs: 1_000, Value: 1})
	w.Rotate()
	w.Append(types.Reading{Channel: "solar", TimestampMs: 5_000, Value: 2})

	deleted, err := w.Checkpoint([]byte("state@5000"))
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 covered segments pruned, got %d", deleted)
	}

	w.Append(types.Reading{Channel: "solar", TimestampMs: 9_000, Value: 3})

	segments, _ := w.ListSegments()
	if len(segments) != 1 || segments[0] != w.CurrentSegment() {
		t.Errorf("only the current segment should remain, got %v", segments)
	}
	if st := w.Stats(); st.Checkpoints != 1 || st.SegmentsDeleted != 2 {
		t.Errorf("unexpected stats %+v", st)
	}

	var restored string
	var got []int64
	stats, err := Replay(dir, func(state []byte) error {
		restored = string(state)
		return nil
	}, func(r types.Reading) error {
		got = append(got, r.TimestampMs)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !stats.Checkpoint || restored != "state@5000" {
		t.Errorf("checkpoint not restored: %+v %q", stats, restored)
	}
	if len(got) != 1 || got[0] != 9_000 {
		t.Errorf("expected only the reading after the checkpoint, got %v", got)
	}
}

func TestReplay_IgnoresCoveredSegments(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewWriter(dir, syncOptions())
	w.Append(types.Reading{Channel: "wind", TimestampMs: 1, Value: 1})
	w.Append(types.Reading{Channel: "wind", TimestampMs: 2, Value: 2})
	w.Close()

	// A crash between installing the checkpoint and pruning leaves the
	// covered segment behind
	if err := writeCheckpoint(dir, Checkpoint{Segment: 1, State: []byte("{}")}); err != nil {
		t.Fatal(err)
	}

	stats, err := Replay(dir, func([]byte) error { return nil }, func(types.Reading) error {
		t.Error("covered reading replayed")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !stats.Checkpoint || stats.Segments != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestReadCheckpoint(t *testing.T) {
	dir := t.TempDir()

	if _, ok, err := ReadCheckpoint(dir); ok || err != nil {
		t.Fatalf("empty dir: ok=%v err=%v", ok, err)
	}

	if err := writeCheckpoint(dir, Checkpoint{Segment: 7, State: []byte("abc")}); err != nil {
		t.Fatal(err)
	}
	cp, ok, err := ReadCheckpoint(dir)
	if err != nil || !ok || cp.Segment != 7 || string(cp.State) != "abc" {
		t.Fatalf("round trip: %+v ok=%v err=%v", cp, ok, err)
	}

	path := filepath.Join(dir, checkpointName)
	data, _ := os.ReadFile(path)
	data[len(data)-1] ^= 0xFF
	os.WriteFile(path, data, 0644)

	if _, _, err := ReadCheckpoint(dir); !errs.Is(err, errs.ErrCorrupt) {
		t.Errorf("expected corrupt checkpoint, got %v", err)
	}
	if _, err := Replay(dir, nil, func(types.Reading) error { return nil }); !errs.Is(err, errs.ErrCorrupt) {
		t.Errorf("replay must not silently drop a damaged checkpoint, got %v", err)
	}
}

func TestWriter_CheckpointAfterClose(t *testing.T) {
	w, _ := NewWriter(t.TempDir(), syncOptions())
	w.Close()
	if _, err := w.Checkpoint(nil); !errs.Is(err, errs.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestWriter_AsyncSyncLoop(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.SyncInterval = 10 * time.Millisecond

	w, err := NewWriter(dir, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.Append(types.Reading{Channel: "tariff", TimestampMs: 1, Value: 0.3})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := ReadSegment(w.CurrentSegment())
		if len(got) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("async journal was never flushed")
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.JournalConfig{
		SyncMode:       "sync",
		SyncInterval:   3 * time.Second,
		MaxSegmentSize: 1024,
	})
	if opts.SyncMode != "sync" || opts.SyncInterval != 3*time.Second || opts.MaxSegmentSize != 1024 {
		t.Errorf("unexpected options %+v", opts)
	}

	def := OptionsFromConfig(config.JournalConfig{})
	if def != DefaultOptions() {
		t.Errorf("empty config should yield defaults, got %+v", def)
	}
}

func BenchmarkWriter_Append(b *testing.B) {
	w, err := NewWriter(b.TempDir(), DefaultOptions())
	if err != nil {
		b.Fatal(err)
	}
	defer w.Close()

	r := types.Reading{Channel: "demand", Value: 42}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.TimestampMs = int64(i)
		w.Append(r)
	}
}
