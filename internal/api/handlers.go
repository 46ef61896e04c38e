package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/logging"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// IngestResult is the outcome of one submitted reading.
type IngestResult struct {
	OK         bool           `json:"ok"`
	Generation uint64         `json:"generation,omitempty"`
	Derived    []types.Sample `json:"derived,omitempty"`
	Code       string         `json:"code,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// BatchResponse answers a batch ingest. Results are in request order.
type BatchResponse struct {
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Results  []IngestResult `json:"results"`
}

// ChannelResponse is the view of one channel.
type ChannelResponse struct {
	Channel types.ChannelID     `json:"channel"`
	AsOfMs  int64               `json:"as_of_ms"`
	Latest  *types.Sample       `json:"latest"`
	Window  []types.Sample      `json:"window"`
	Open    *types.RollupBucket `json:"open_bucket,omitempty"`
}

// HistoryResponse carries closed rollup buckets, oldest first.
type HistoryResponse struct {
	Channel types.ChannelID      `json:"channel"`
	Tier    string               `json:"tier"`
	FromMs  int64                `json:"from_ms"`
	ToMs    int64                `json:"to_ms,omitempty"`
	Buckets []types.RollupBucket `json:"buckets"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errs.ErrorToCode(err)
	writeJSON(w, errs.HTTPStatus(err), ErrorResponse{
		Error: err.Error(),
		Code:  errs.CodeName(code),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.GetSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"generation": snap.Generation,
		"as_of_ms":   snap.AsOfMs,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.GetSnapshot()

	channels, err := parseChannels(r.URL.Query().Get("channels"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, filterSnapshot(snap, channels))
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := types.ParseChannel(mux.Vars(r)["channel"])
	if err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, errs.ErrNotFound))
		return
	}

	snap := s.engine.GetSnapshot()
	view := snap.Channels[ch]
	resp := ChannelResponse{
		Channel: ch,
		AsOfMs:  snap.AsOfMs,
		Latest:  view.Latest,
		Window:  view.Window,
	}
	if resp.Window == nil {
		resp.Window = []types.Sample{}
	}
	if open, ok := s.engine.Open(ch); ok {
		resp.Open = &open
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	ch, err := types.ParseChannel(q.Get("channel"))
	if err != nil {
		writeError(w, err)
		return
	}
	fromMs, err := parseTime("from", q.Get("from"))
	if err != nil {
		writeError(w, err)
		return
	}
	toMs, err := parseTime("to", q.Get("to"))
	if err != nil {
		writeError(w, err)
		return
	}
	tier := q.Get("tier")
	if tier == "" {
		tier = types.BaseTier
	}

	buckets, err := s.engine.History(r.Context(), tier, ch, fromMs, toMs)
	if err != nil {
		if !errs.IsValidation(err) && !errs.IsNotFound(err) && !errs.Is(err, errs.ErrInvalidRequest) {
			logging.WithContext(r.Context()).Error("history query failed", "component", "api", "channel", ch, "error", err)
		}
		writeError(w, err)
		return
	}
	if buckets == nil {
		buckets = []types.RollupBucket{}
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		Channel: ch,
		Tier:    tier,
		FromMs:  fromMs,
		ToMs:    toMs,
		Buckets: buckets,
	})
}

func (s *Server) handleTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Tiers())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"engine":            s.engine.Stats(),
		"websocket_clients": s.hub.ClientCount(),
	})
}

// handleIngest accepts a single reading object or an array of readings.
// A single reading answers with the status of its outcome; a batch always
// answers 200 with one result per reading, applied in array order.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := logging.ContextWithSource(logging.ContextWithRemote(r.Context(), r.RemoteAddr), "http")

	body := bufio.NewReader(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))
	first, err := peekNonSpace(body)
	if err != nil {
		writeError(w, fmt.Errorf("read body: %v: %w", err, errs.ErrInvalidRequest))
		return
	}

	if first != '[' {
		var reading types.Reading
		if err := json.NewDecoder(body).Decode(&reading); err != nil {
			writeError(w, asInvalid(err))
			return
		}
		res := s.ingest(ctx, reading)
		if !res.OK {
			writeJSON(w, errs.HTTPStatus(res.err), res.IngestResult)
			return
		}
		writeJSON(w, http.StatusOK, res.IngestResult)
		return
	}

	var batch []types.Reading
	if err := json.NewDecoder(body).Decode(&batch); err != nil {
		writeError(w, asInvalid(err))
		return
	}
	if len(batch) > s.cfg.MaxBatchSize {
		writeError(w, fmt.Errorf("batch of %d exceeds %d: %w", len(batch), s.cfg.MaxBatchSize, errs.ErrInvalidRequest))
		return
	}

	resp := BatchResponse{Results: make([]IngestResult, 0, len(batch))}
	for _, reading := range batch {
		res := s.ingest(ctx, reading)
		if res.OK {
			resp.Accepted++
		} else {
			resp.Rejected++
		}
		resp.Results = append(resp.Results, res.IngestResult)
	}
	writeJSON(w, http.StatusOK, resp)
}

type ingestOutcome struct {
	IngestResult
	err error
}

func (s *Server) ingest(ctx context.Context, reading types.Reading) ingestOutcome {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IngestTimeout)
	defer cancel()

	res, err := s.engine.Ingest(ctx, reading)
	if err != nil {
		if !errs.IsValidation(err) {
			logging.WithContext(ctx).Warn("ingest failed", "component", "api", "channel", reading.Channel, "error", err)
		}
		return ingestOutcome{
			IngestResult: IngestResult{
				Code:  errs.CodeName(errs.ErrorToCode(err)),
				Error: err.Error(),
			},
			err: err,
		}
	}
	return ingestOutcome{IngestResult: IngestResult{
		OK:         true,
		Generation: res.Generation,
		Derived:    res.Derived,
	}}
}

func asInvalid(err error) error {
	if errs.Is(err, errs.ErrInvalidRequest) {
		return err
	}
	return fmt.Errorf("decode body: %v: %w", err, errs.ErrInvalidRequest)
}

func peekNonSpace(r *bufio.Reader) (byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errs.Is(err, io.EOF) {
				return 0, fmt.Errorf("empty body")
			}
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, r.UnreadByte()
	}
}

// parseTime accepts Unix milliseconds or RFC 3339. Empty is zero.
func parseTime(name, s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("%s %q: want unix ms or RFC 3339: %w", name, s, errs.ErrInvalidRequest)
	}
	return t.UnixMilli(), nil
}

// parseChannels parses a comma-separated channel list. Empty means all.
func parseChannels(s string) ([]types.ChannelID, error) {
	if s == "" {
		return nil, nil
	}
	var out []types.ChannelID
	for _, part := range strings.Split(s, ",") {
		ch, err := types.ParseChannel(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// filterSnapshot returns snap restricted to channels. The result shares
// the immutable windows of snap.
func filterSnapshot(snap *types.Snapshot, channels []types.ChannelID) *types.Snapshot {
	if len(channels) == 0 {
		return snap
	}
	out := &types.Snapshot{
		Generation: snap.Generation,
		AsOfMs:     snap.AsOfMs,
		Channels:   make(map[types.ChannelID]types.ChannelView, len(channels)),
	}
	for _, ch := range channels {
		out.Channels[ch] = snap.Channels[ch]
	}
	return out
}
