// gridpulsectl is the operator console for a running gridpulsed.
//
// With arguments it runs one command and exits:
//
//	gridpulsectl snapshot
//	gridpulsectl history solar -1h
//
// Without arguments it opens an interactive console on a terminal, or
// reads one command per line when stdin is not a terminal.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/xtxerr/gridpulse/internal/client"
	"github.com/xtxerr/gridpulse/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	httpAddr := flag.String("http", "http://localhost:8080", "API base URL")
	tcpAddr := flag.String("tcp", "localhost:9161", "TCP ingestion address")
	useTLS := flag.Bool("tls", false, "use TLS for the TCP connection")
	skipVerify := flag.Bool("tls-skip-verify", false, "skip TLS certificate verification")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	verbose := flag.Bool("v", false, "log client diagnostics")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logging.InitWriter(os.Stderr, level, false)

	sh := newShell(os.Stdout,
		client.NewHTTP(*httpAddr, *timeout),
		&client.Config{
			Addr:           *tcpAddr,
			TLS:            *useTLS,
			TLSSkipVerify:  *skipVerify,
			ConnectTimeout: *timeout,
			RequestTimeout: *timeout,
		})
	defer sh.Close()

	if args := flag.Args(); len(args) > 0 {
		if err := sh.Exec(context.Background(), args); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		os.Exit(runScript(sh))
	}

	fmt.Printf("gridpulsectl %s connected to %s (type 'help', 'exit' to quit)\n", Version, *httpAddr)
	p := prompt.New(
		sh.ExecLine,
		sh.Complete,
		prompt.OptionTitle("gridpulsectl"),
		prompt.OptionPrefix("gridpulse> "),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && isExit(in)
		}),
	)
	p.Run()
}

// runScript executes stdin line by line and returns the exit code.
func runScript(sh *shell) int {
	code := 0
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if isExit(line) {
			break
		}
		if err := sh.Exec(context.Background(), strings.Fields(line)); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			code = 1
		}
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "read stdin:", err)
		return 1
	}
	return code
}

func isExit(in string) bool {
	switch strings.TrimSpace(in) {
	case "exit", "quit":
		return true
	}
	return false
}
