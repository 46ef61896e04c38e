package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

func TestConn_RequestResponse(t *testing.T) {
	var buf bytes.Buffer
	c := NewConn(&buf)

	req := Request{
		ID: 7,
		Op: OpIngest,
		Reading: types.Reading{
			Channel:     "solar",
			TimestampMs: 1_700_000_000_123,
			Value:       42.5,
		},
	}
	require.NoError(t, c.WriteRequest(req))
	require.NoError(t, c.WriteResponse(NewAck(7, 19)))

	got, err := c.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, req, got)

	resp, err := c.ReadResponse()
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, uint64(7), resp.ID)
	assert.Equal(t, uint64(19), resp.Generation)
	assert.NoError(t, resp.Err())

	_, err = c.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeRequest_DefaultsToIngest(t *testing.T) {
	msg, err := structpb.NewStruct(map[string]interface{}{
		"channel": "wind",
		"ts_ms":   1000,
		"value":   3.5,
	})
	require.NoError(t, err)

	req, err := DecodeRequest(msg)
	require.NoError(t, err)
	assert.Equal(t, OpIngest, req.Op)
	assert.Equal(t, types.Reading{Channel: "wind", TimestampMs: 1000, Value: 3.5}, req.Reading)
}

func TestDecodeRequest_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]interface{}
	}{
		{"missing channel", map[string]interface{}{"ts_ms": 1, "value": 1}},
		{"missing ts", map[string]interface{}{"channel": "solar", "value": 1}},
		{"fractional ts", map[string]interface{}{"channel": "solar", "ts_ms": 1.5, "value": 1}},
		{"string value", map[string]interface{}{"channel": "solar", "ts_ms": 1, "value": "x"}},
		{"missing value", map[string]interface{}{"channel": "solar", "ts_ms": 1}},
		{"unknown op", map[string]interface{}{"op": "delete"}},
		{"negative id", map[string]interface{}{"id": -1, "op": "ping"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := structpb.NewStruct(tt.fields)
			require.NoError(t, err)

			_, err = DecodeRequest(msg)
			assert.ErrorIs(t, err, errors.ErrInvalidRequest)
		})
	}
}

func TestDecodeRequest_KeepsIDOnError(t *testing.T) {
	msg, err := structpb.NewStruct(map[string]interface{}{"id": 42, "op": "ingest"})
	require.NoError(t, err)

	req, err := DecodeRequest(msg)
	assert.Error(t, err)
	assert.Equal(t, uint64(42), req.ID)
}

func TestResponse_ErrorRoundTrip(t *testing.T) {
	err := errors.NewRejection("solar", errors.ErrOutOfOrder, "ts=%d last=%d", 1, 2)

	resp := DecodeResponse(EncodeResponse(NewErrorFromErr(3, err)))
	assert.False(t, resp.OK)
	assert.Equal(t, errors.CodeOutOfOrder, resp.Code)
	assert.Contains(t, resp.Error, "solar")
	assert.ErrorIs(t, resp.Err(), errors.ErrOutOfOrder)
}

func TestResponse_Snapshot(t *testing.T) {
	in := Response{
		ID:         1,
		OK:         true,
		Generation: 5,
		AsOfMs:     3000,
		Latest:     map[string]float64{"grid_import": 20, "battery_soc": 56},
	}
	out := DecodeResponse(EncodeResponse(in))
	assert.Equal(t, in, out)
}

func TestReader_MaxSize(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteRequest(Request{
		Op:      OpIngest,
		Reading: types.Reading{Channel: string(bytes.Repeat([]byte("x"), 512)), TimestampMs: 1},
	}))

	r := NewReader(&buf)
	r.SetMaxSize(64)
	_, err := r.Read()
	assert.Error(t, err)
}
