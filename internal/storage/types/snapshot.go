package types

// ChannelView is one channel's part of a Snapshot.
type ChannelView struct {
	// Latest is nil while the channel has no data.
	Latest *Sample `json:"latest"`
	// Window is the channel's recent samples, oldest first.
	Window []Sample `json:"window"`
}

// Snapshot is an immutable point-in-time view of every channel.
// It never aliases live buffers; consumers must not modify it.
type Snapshot struct {
	// Generation increments once per accepted ingestion event.
	Generation uint64 `json:"generation"`
	// AsOfMs is the timestamp of the reading that produced this snapshot.
	AsOfMs   int64                     `json:"as_of_ms"`
	Channels map[ChannelID]ChannelView `json:"channels"`
}

// Latest returns the newest sample of channel c, if any.
func (s *Snapshot) Latest(c ChannelID) (Sample, bool) {
	if s == nil {
		return Sample{}, false
	}
	v, ok := s.Channels[c]
	if !ok || v.Latest == nil {
		return Sample{}, false
	}
	return *v.Latest, true
}

// Window returns the recent samples of channel c, oldest first.
func (s *Snapshot) Window(c ChannelID) []Sample {
	if s == nil {
		return nil
	}
	return s.Channels[c].Window
}

// NewerThan reports whether s is a later generation than other.
func (s *Snapshot) NewerThan(other *Snapshot) bool {
	if other == nil {
		return s != nil
	}
	return s != nil && s.Generation > other.Generation
}
