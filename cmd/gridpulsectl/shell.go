package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/c-bata/go-prompt"

	"github.com/xtxerr/gridpulse/internal/client"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

// shell executes console commands against one daemon.
type shell struct {
	out    io.Writer
	http   *client.HTTPClient
	tcpCfg *client.Config
	tcp    *client.Client
}

func newShell(out io.Writer, hc *client.HTTPClient, tcpCfg *client.Config) *shell {
	return &shell{out: out, http: hc, tcpCfg: tcpCfg}
}

// Close drops the TCP connection, if one was opened.
func (s *shell) Close() error {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Close()
}

type command struct {
	usage string
	help  string
	run   func(s *shell, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"snapshot": {"snapshot [channel...]", "latest value of every channel", (*shell).snapshot},
		"channel":  {"channel <channel>", "latest sample, window and open bucket", (*shell).channel},
		"history":  {"history <channel> [from] [to] [tier]", "closed rollup buckets", (*shell).history},
		"tiers":    {"tiers", "configured rollup tiers", (*shell).tiers},
		"stats":    {"stats", "engine statistics", (*shell).stats},
		"ingest":   {"ingest <channel> <value> [ts_ms]", "submit one reading over TCP", (*shell).ingest},
		"ping":     {"ping", "round trip over TCP", (*shell).ping},
		"watch":    {"watch [n] [channel...]", "stream snapshots, n of them or until Ctrl-C", (*shell).watch},
		"help":     {"help", "this list", (*shell).help},
	}
}

// ExecLine runs one console line. Errors are printed, not returned.
func (s *shell) ExecLine(line string) {
	args := strings.Fields(line)
	if len(args) == 0 || isExit(line) {
		return
	}
	if err := s.Exec(context.Background(), args); err != nil {
		fmt.Fprintln(s.out, "error:", err)
	}
}

// Exec runs the command named by args[0].
func (s *shell) Exec(ctx context.Context, args []string) error {
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q (try 'help')", args[0])
	}
	return cmd.run(s, ctx, args[1:])
}

// Complete suggests commands for the first word and channels after it.
func (s *shell) Complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	word := d.GetWordBeforeCursor()
	if !strings.Contains(before, " ") {
		sug := make([]prompt.Suggest, 0, len(commands))
		for name, c := range commands {
			sug = append(sug, prompt.Suggest{Text: name, Description: c.help})
		}
		return prompt.FilterHasPrefix(sug, word, true)
	}

	var sug []prompt.Suggest
	for _, ch := range types.AllChannels() {
		sug = append(sug, prompt.Suggest{Text: string(ch)})
	}
	return prompt.FilterHasPrefix(sug, word, true)
}

// =============================================================================
// Commands
// =============================================================================

func (s *shell) snapshot(ctx context.Context, args []string) error {
	channels, err := parseChannels(args)
	if err != nil {
		return err
	}
	snap, err := s.http.Snapshot(ctx, channels...)
	if err != nil {
		return err
	}
	s.printSnapshot(snap)
	return nil
}

func (s *shell) printSnapshot(snap *types.Snapshot) {
	fmt.Fprintf(s.out, "generation %d as of %s\n", snap.Generation, formatMs(snap.AsOfMs))

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tVALUE\tTIMESTAMP\tWINDOW")
	for _, ch := range types.AllChannels() {
		view, ok := snap.Channels[ch]
		if !ok || view.Latest == nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%.3f\t%s\t%d\n", ch, view.Latest.Value, formatMs(view.Latest.TimestampMs), len(view.Window))
	}
	tw.Flush()
}

func (s *shell) channel(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("channel")
	}
	ch, err := types.ParseChannel(args[0])
	if err != nil {
		return err
	}
	res, err := s.http.Channel(ctx, ch)
	if err != nil {
		return err
	}

	if res.Latest == nil {
		fmt.Fprintf(s.out, "%s: no data\n", ch)
		return nil
	}
	fmt.Fprintf(s.out, "%s = %.3f at %s\n", ch, res.Latest.Value, formatMs(res.Latest.TimestampMs))

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tVALUE")
	for _, smp := range res.Window {
		fmt.Fprintf(tw, "%s\t%.3f\n", formatMs(smp.TimestampMs), smp.Value)
	}
	tw.Flush()

	if res.Open != nil {
		b := res.Open
		fmt.Fprintf(s.out, "open bucket %s: count=%d avg=%.3f min=%.3f max=%.3f\n",
			formatMs(b.BucketStart), b.Count, b.Avg, b.Min, b.Max)
	}
	return nil
}

func (s *shell) history(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 4 {
		return usage("history")
	}
	ch, err := types.ParseChannel(args[0])
	if err != nil {
		return err
	}

	now := time.Now()
	var fromMs, toMs int64
	if len(args) > 1 {
		if fromMs, err = parseTime(args[1], now); err != nil {
			return fmt.Errorf("from: %w", err)
		}
	}
	if len(args) > 2 {
		if toMs, err = parseTime(args[2], now); err != nil {
			return fmt.Errorf("to: %w", err)
		}
	}
	tier := ""
	if len(args) > 3 {
		tier = args[3]
	}

	res, err := s.http.History(ctx, tier, ch, fromMs, toMs)
	if err != nil {
		return err
	}
	if len(res.Buckets) == 0 {
		fmt.Fprintf(s.out, "%s/%s: no closed buckets\n", res.Channel, res.Tier)
		return nil
	}

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tCOUNT\tAVG\tMIN\tMAX\tP95")
	for _, b := range res.Buckets {
		p95 := "-"
		if b.P95 != nil {
			p95 = strconv.FormatFloat(*b.P95, 'f', 3, 64)
		}
		fmt.Fprintf(tw, "%s\t%d\t%.3f\t%.3f\t%.3f\t%s\n",
			formatMs(b.BucketStart), b.Count, b.Avg, b.Min, b.Max, p95)
	}
	return tw.Flush()
}

func (s *shell) tiers(ctx context.Context, _ []string) error {
	tiers, err := s.http.Tiers(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tWIDTH\tRETENTION")
	for _, t := range tiers {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, t.Width, t.Retention)
	}
	return tw.Flush()
}

func (s *shell) stats(ctx context.Context, _ []string) error {
	stats, err := s.http.Stats(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(s.out)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func (s *shell) ingest(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return usage("ingest")
	}
	value, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("value: %w", err)
	}
	ts := time.Now().UnixMilli()
	if len(args) == 3 {
		if ts, err = strconv.ParseInt(args[2], 10, 64); err != nil {
			return fmt.Errorf("ts_ms: %w", err)
		}
	}

	c, err := s.connect(ctx)
	if err != nil {
		return err
	}
	gen, err := c.Ingest(ctx, types.Reading{Channel: args[0], TimestampMs: ts, Value: value})
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "accepted, generation %d\n", gen)
	return nil
}

func (s *shell) ping(ctx context.Context, _ []string) error {
	c, err := s.connect(ctx)
	if err != nil {
		return err
	}
	rtt, err := c.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "pong from %s in %s\n", s.tcpCfg.Addr, rtt.Round(time.Microsecond))
	return nil
}

var errWatchDone = errors.New("watch done")

func (s *shell) watch(ctx context.Context, args []string) error {
	n := 0
	if len(args) > 0 {
		if v, err := strconv.Atoi(args[0]); err == nil {
			n = v
			args = args[1:]
		}
	}
	channels, err := parseChannels(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	seen := 0
	err = s.http.Watch(ctx, func(snap *types.Snapshot) error {
		s.printSnapshot(snap)
		fmt.Fprintln(s.out)
		seen++
		if n > 0 && seen >= n {
			return errWatchDone
		}
		return nil
	}, channels...)
	if errors.Is(err, errWatchDone) {
		return nil
	}
	return err
}

func (s *shell) help(_ context.Context, _ []string) error {
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	for _, name := range commandNames() {
		c := commands[name]
		fmt.Fprintf(tw, "  %s\t%s\n", c.usage, c.help)
	}
	fmt.Fprintf(tw, "  exit\tleave the console\n")
	return tw.Flush()
}

// =============================================================================
// Helpers
// =============================================================================

// connect opens the TCP connection on first use and reopens it after the
// server dropped it.
func (s *shell) connect(ctx context.Context) (*client.Client, error) {
	if s.tcp != nil && s.tcp.IsConnected() {
		return s.tcp, nil
	}
	if s.tcp != nil {
		s.tcp.Close()
	}
	s.tcp = client.New(s.tcpCfg)
	if err := s.tcp.Connect(ctx); err != nil {
		return nil, err
	}
	return s.tcp, nil
}

func commandNames() []string {
	return []string{"snapshot", "channel", "history", "tiers", "stats", "ingest", "ping", "watch", "help"}
}

func usage(name string) error {
	return fmt.Errorf("usage: %s", commands[name].usage)
}

func parseChannels(args []string) ([]types.ChannelID, error) {
	channels := make([]types.ChannelID, 0, len(args))
	for _, a := range args {
		ch, err := types.ParseChannel(a)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

// parseTime accepts Unix milliseconds, RFC 3339 or a negative duration
// relative to now, e.g. "-15m".
func parseTime(s string, now time.Time) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	if strings.HasPrefix(s, "-") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, err
		}
		return now.Add(d).UnixMilli(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("want unix ms, RFC 3339 or -duration: %q", s)
	}
	return t.UnixMilli(), nil
}

func formatMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z")
}
