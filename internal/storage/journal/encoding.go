package journal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/xtxerr/gridpulse/internal/storage/types"
)

// Reading encoding format (binary, little-endian):
// - Count (4 bytes)
// - Per reading:
//   - Channel length (2 bytes) + Channel string
//   - TimestampMs (8 bytes)
//   - Value (8 bytes, float64)

// encodeReadings encodes a slice of readings into a record payload.
func encodeReadings(readings []types.Reading) ([]byte, error) {
	if len(readings) == 0 {
		return nil, nil
	}

	buf := make([]byte, 0, 4+len(readings)*32)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(readings)))

	for _, r := range readings {
		if len(r.Channel) > math.MaxUint16 {
			return nil, fmt.Errorf("channel name too long: %d bytes", len(r.Channel))
		}
		buf = appendString(buf, r.Channel)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.TimestampMs))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(r.Value))
	}

	return buf, nil
}

// decodeReadings decodes a record payload.
func decodeReadings(data []byte) ([]types.Reading, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for reading count")
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	if count == 0 {
		return nil, nil
	}
	// Each reading needs at least 18 bytes
	if count > (len(data)-4)/18 {
		return nil, fmt.Errorf("reading count %d exceeds payload", count)
	}

	readings := make([]types.Reading, count)
	offset := 4

	for i := 0; i < count; i++ {
		var r types.Reading
		var err error

		r.Channel, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("reading %d channel: %w", i, err)
		}

		if offset+16 > len(data) {
			return nil, fmt.Errorf("reading %d: data too short for timestamp and value", i)
		}
		r.TimestampMs = int64(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		r.Value = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8

		readings[i] = r
	}

	return readings, nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	return string(data[offset : offset+length]), offset + length, nil
}
