package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/xtxerr/gridpulse/internal/storage/aggregate"
	"github.com/xtxerr/gridpulse/internal/storage/derive"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

// engineState is everything replay would otherwise rebuild from the
// readings a checkpoint lets the journal drop.
type engineState struct {
	AsOfMs     int64                              `json:"as_of_ms"`
	Generation uint64                             `json:"generation"`
	LastTs     map[types.ChannelID]int64          `json:"last_ts"`
	Windows    map[types.ChannelID][]types.Sample `json:"windows"`
	Derived    derive.State                       `json:"derived"`
	Rollups    []aggregate.ManagerState           `json:"rollups"`
}

// captureState must run on the worker.
func (s *Service) captureState() engineState {
	st := engineState{
		AsOfMs:     s.asOf.Load(),
		Generation: s.snapshots.GetSnapshot().Generation,
		LastTs:     s.validator.LastTimestamps(),
		Windows:    make(map[types.ChannelID][]types.Sample, len(s.buffers)),
		Derived:    s.derived.State(),
		Rollups:    s.rollups.State(),
	}
	for ch, rb := range s.buffers {
		if w := rb.Snapshot(); len(w) > 0 {
			st.Windows[ch] = w
		}
	}
	return st
}

// restoreState runs before the worker starts.
func (s *Service) restoreState(data []byte) error {
	var st engineState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode engine state: %w", err)
	}

	if err := s.rollups.Restore(st.Rollups); err != nil {
		return err
	}
	s.validator.Restore(st.LastTs)
	s.derived.Restore(st.Derived)
	for ch, window := range st.Windows {
		rb, ok := s.buffers[ch]
		if !ok {
			continue
		}
		for _, smp := range window {
			rb.Push(smp)
		}
	}
	s.asOf.Store(st.AsOfMs)
	s.snapshots.Restore(st.Generation, st.AsOfMs)

	log.Info("engine state restored",
		"generation", st.Generation,
		"as_of_ms", st.AsOfMs,
		"soc", st.Derived.SOC)
	return nil
}

// checkpoint must run on the worker. It is skipped when nothing was
// journaled since the last one.
func (s *Service) checkpoint() error {
	written := s.journal.Stats().RecordsWritten
	if written == s.checkpointedAt {
		return nil
	}

	data, err := json.Marshal(s.captureState())
	if err != nil {
		return fmt.Errorf("encode engine state: %w", err)
	}
	if _, err := s.journal.Checkpoint(data); err != nil {
		return fmt.Errorf("journal checkpoint: %w", err)
	}
	s.checkpointedAt = written
	return nil
}

// requestCheckpoint asks the worker to checkpoint and waits for it.
func (s *Service) requestCheckpoint() {
	done := make(chan error, 1)
	select {
	case s.checkpoints <- done:
	case <-s.workerDone:
		return
	}

	select {
	case err := <-done:
		if err != nil {
			s.stats.Errors.Add(1)
			log.Warn("checkpoint failed", "error", err)
		}
	case <-s.workerDone:
	}
}
