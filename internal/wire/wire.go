// Package wire provides protobuf message framing for the gridpulse
// ingestion protocol.
//
// Messages are google.protobuf.Struct values, length-delimited using
// protobuf's standard varint encoding. This allows efficient streaming of
// variable-length messages over TCP without a generated schema.
//
// A request carries an id, an op and, for ingest, a reading:
//
//	{"id": 7, "op": "ingest", "channel": "solar", "ts_ms": 1700000000000, "value": 42.5}
//
// Every request gets one response with the same id:
//
//	{"id": 7, "ok": true, "generation": 19}
//	{"id": 7, "ok": false, "code": 4, "error": "solar: timestamp not after last accepted"}
package wire

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sync"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/gridpulse/config"
	"github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

// Ops understood by the server.
const (
	OpIngest   = "ingest"
	OpSnapshot = "snapshot"
	OpPing     = "ping"
)

// Reader reads length-delimited protobuf messages from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r       *bufio.Reader
	mu      sync.Mutex
	maxSize int64
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), maxSize: config.DefaultMaxMessageSize}
}

// SetMaxSize overrides the message size limit.
func (r *Reader) SetMaxSize(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxSize = n
}

// Read reads and unmarshals the next message.
// Returns an error if the message exceeds the size limit.
func (r *Reader) Read() (*structpb.Struct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{
		MaxSize: r.maxSize,
	}
	if err := opts.UnmarshalFrom(r.r, msg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, fmt.Errorf("read message: %w", err)
	}
	return msg, nil
}

// ReadRequest reads the next message as a Request.
func (r *Reader) ReadRequest() (Request, error) {
	msg, err := r.Read()
	if err != nil {
		return Request{}, err
	}
	return DecodeRequest(msg)
}

// ReadResponse reads the next message as a Response.
func (r *Reader) ReadResponse() (Response, error) {
	msg, err := r.Read()
	if err != nil {
		return Response{}, err
	}
	return DecodeResponse(msg), nil
}

// Writer writes length-delimited protobuf messages to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write marshals and writes a message with length prefix.
func (w *Writer) Write(msg *structpb.Struct) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := protodelim.MarshalTo(w.w, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// WriteRequest encodes and writes req.
func (w *Writer) WriteRequest(req Request) error {
	return w.Write(EncodeRequest(req))
}

// WriteResponse encodes and writes resp.
func (w *Writer) WriteResponse(resp Response) error {
	return w.Write(EncodeResponse(resp))
}

// Conn combines Reader and Writer for bidirectional communication.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g., net.Conn).
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		Reader: NewReader(rw),
		Writer: NewWriter(rw),
	}
}

// =============================================================================
// Messages
// =============================================================================

// Request is one client message.
type Request struct {
	ID      uint64
	Op      string
	Reading types.Reading
}

// Response answers one Request.
type Response struct {
	ID         uint64
	OK         bool
	Generation uint64
	Code       int32
	Error      string

	// Set for OpSnapshot.
	AsOfMs int64
	Latest map[string]float64
}

// Err returns the sentinel error matching the response code, or nil.
func (r Response) Err() error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("%s: %w", r.Error, errors.CodeToError(r.Code))
}

// EncodeRequest converts req to a Struct.
func EncodeRequest(req Request) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"id": structpb.NewNumberValue(float64(req.ID)),
		"op": structpb.NewStringValue(req.Op),
	}
	if req.Op == OpIngest || req.Op == "" {
		fields["channel"] = structpb.NewStringValue(req.Reading.Channel)
		fields["ts_ms"] = structpb.NewNumberValue(float64(req.Reading.TimestampMs))
		fields["value"] = structpb.NewNumberValue(req.Reading.Value)
	}
	return &structpb.Struct{Fields: fields}
}

// DecodeRequest converts a Struct to a Request. A missing op means
// ingest. Malformed messages return errors.ErrInvalidRequest; the id is
// still set when present so the error can be answered.
func DecodeRequest(msg *structpb.Struct) (Request, error) {
	var req Request
	if msg == nil {
		return req, fmt.Errorf("empty message: %w", errors.ErrInvalidRequest)
	}
	f := msg.GetFields()

	if v, ok := f["id"]; ok {
		n, ok := integer(v)
		if !ok || n < 0 {
			return req, fmt.Errorf("id: %w", errors.ErrInvalidRequest)
		}
		req.ID = uint64(n)
	}

	req.Op = OpIngest
	if v, ok := f["op"]; ok {
		req.Op = v.GetStringValue()
	}

	switch req.Op {
	case OpSnapshot, OpPing:
		return req, nil
	case OpIngest:
	default:
		return req, fmt.Errorf("op %q: %w", req.Op, errors.ErrInvalidRequest)
	}

	ch, ok := f["channel"]
	if !ok || ch.GetStringValue() == "" {
		return req, fmt.Errorf("channel: %w", errors.ErrInvalidRequest)
	}
	ts, ok := f["ts_ms"]
	if !ok {
		return req, fmt.Errorf("ts_ms: %w", errors.ErrInvalidRequest)
	}
	tsMs, ok := integer(ts)
	if !ok {
		return req, fmt.Errorf("ts_ms: %w", errors.ErrInvalidRequest)
	}
	val, ok := f["value"]
	if !ok {
		return req, fmt.Errorf("value: %w", errors.ErrInvalidRequest)
	}
	if _, isNum := val.GetKind().(*structpb.Value_NumberValue); !isNum {
		return req, fmt.Errorf("value: %w", errors.ErrInvalidRequest)
	}

	req.Reading = types.Reading{
		Channel:     ch.GetStringValue(),
		TimestampMs: tsMs,
		Value:       val.GetNumberValue(),
	}
	return req, nil
}

// EncodeResponse converts resp to a Struct.
func EncodeResponse(resp Response) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"id": structpb.NewNumberValue(float64(resp.ID)),
		"ok": structpb.NewBoolValue(resp.OK),
	}
	if resp.OK {
		fields["generation"] = structpb.NewNumberValue(float64(resp.Generation))
	} else {
		fields["code"] = structpb.NewNumberValue(float64(resp.Code))
		fields["error"] = structpb.NewStringValue(resp.Error)
	}
	if resp.Latest != nil {
		latest := make(map[string]*structpb.Value, len(resp.Latest))
		for ch, v := range resp.Latest {
			latest[ch] = structpb.NewNumberValue(v)
		}
		fields["as_of_ms"] = structpb.NewNumberValue(float64(resp.AsOfMs))
		fields["latest"] = structpb.NewStructValue(&structpb.Struct{Fields: latest})
	}
	return &structpb.Struct{Fields: fields}
}

// DecodeResponse converts a Struct to a Response.
func DecodeResponse(msg *structpb.Struct) Response {
	f := msg.GetFields()
	resp := Response{
		ID:         uint64(f["id"].GetNumberValue()),
		OK:         f["ok"].GetBoolValue(),
		Generation: uint64(f["generation"].GetNumberValue()),
		Code:       int32(f["code"].GetNumberValue()),
		Error:      f["error"].GetStringValue(),
		AsOfMs:     int64(f["as_of_ms"].GetNumberValue()),
	}
	if latest := f["latest"].GetStructValue(); latest != nil {
		resp.Latest = make(map[string]float64, len(latest.GetFields()))
		for ch, v := range latest.GetFields() {
			resp.Latest[ch] = v.GetNumberValue()
		}
	}
	return resp
}

// integer returns v as an int64 if it is a whole number.
func integer(v *structpb.Value) (int64, bool) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	f := n.NumberValue
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}

// =============================================================================
// Response Helpers
// =============================================================================

// NewAck creates a success response.
func NewAck(id, generation uint64) Response {
	return Response{ID: id, OK: true, Generation: generation}
}

// NewError creates an error response with the given request ID, error code, and message.
// Error codes should be from the errors package (errors.Code*).
func NewError(id uint64, code int32, msg string) Response {
	return Response{ID: id, Code: code, Error: msg}
}

// NewErrorFromErr creates an error response from a Go error.
// It maps the error to the appropriate wire code using errors.ErrorToCode.
func NewErrorFromErr(id uint64, err error) Response {
	return NewError(id, errors.ErrorToCode(err), err.Error())
}

// NewErrorf creates an error response with a formatted message.
func NewErrorf(id uint64, code int32, format string, args ...interface{}) Response {
	return NewError(id, code, fmt.Sprintf(format, args...))
}
