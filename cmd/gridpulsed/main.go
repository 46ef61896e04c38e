// gridpulsed is the energy-flow ingestion and rollup daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/gridpulse/internal/api"
	"github.com/xtxerr/gridpulse/internal/ingest/kafka"
	"github.com/xtxerr/gridpulse/internal/ingest/tcp"
	"github.com/xtxerr/gridpulse/internal/loader"
	"github.com/xtxerr/gridpulse/internal/logging"
	"github.com/xtxerr/gridpulse/internal/metrics"
	"github.com/xtxerr/gridpulse/internal/storage"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("main")

func main() {
	// CLI flags
	cfgPath := flag.String("config", "gridpulse.yaml", "config file path")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	httpListen := flag.String("http-listen", "", "HTTP listen address (overrides config)")
	tcpListen := flag.String("tcp-listen", "", "TCP listen address (overrides config)")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("gridpulsed", Version)
		return
	}

	// Load config
	cfg, err := loader.Load(*cfgPath)
	missing := false
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loader.DefaultConfig()
		missing = true
	}

	// CLI overrides
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *httpListen != "" {
		cfg.HTTP.Listen = *httpListen
	}
	if *tcpListen != "" {
		cfg.TCP.Listen = *tcpListen
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}

	if err := loader.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.LogLevel(), cfg.JSONLogs())
	log.Info("gridpulsed starting", "version", Version)
	if missing {
		log.Warn("no config file found, using defaults", "path", *cfgPath)
	}

	if err := run(cfg); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
	log.Info("gridpulsed stopped")
}

func run(cfg *loader.Config) error {
	// =========================================================================
	// Engine
	// =========================================================================

	eng, err := storage.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg, eng)
	eng.SetObserver(m)

	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		consumer, err = kafka.New(cfg.ToKafkaConfig(), eng)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
	}

	if err := eng.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	// =========================================================================
	// Boundaries
	// =========================================================================

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	var apiSrv *api.Server
	if cfg.HTTP.Enabled {
		apiSrv = api.New(cfg.ToAPIConfig(m.Handler()), eng)
		if err := apiSrv.Listen(); err != nil {
			eng.Stop(context.Background())
			return fmt.Errorf("http: %w", err)
		}
		g.Go(apiSrv.Serve)
	}

	var tcpSrv *tcp.Server
	if cfg.TCP.Enabled {
		tcpSrv = tcp.New(cfg.ToTCPConfig(), eng)
		if err := tcpSrv.Listen(); err != nil {
			if apiSrv != nil {
				apiSrv.Shutdown(context.Background())
			}
			eng.Stop(context.Background())
			return fmt.Errorf("tcp: %w", err)
		}
		g.Go(tcpSrv.Serve)
	}

	if consumer != nil {
		log.Info("kafka consumer started",
			"brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic, "group", cfg.Kafka.GroupID)
		g.Go(func() error { return consumer.Run(gctx) })
	}

	// =========================================================================
	// Shutdown
	// =========================================================================

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "drain_timeout", cfg.Shutdown.DrainTimeout())

		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.DrainTimeout())
		defer cancel()

		// Stop accepting readings first.
		if apiSrv != nil {
			if err := apiSrv.Shutdown(drainCtx); err != nil {
				log.Warn("http shutdown", "error", err)
			}
		}
		if tcpSrv != nil {
			tcpSrv.Shutdown()
		}
		return nil
	})

	runErr := g.Wait()

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			log.Warn("kafka close", "error", err)
		}
		st := consumer.Stats()
		log.Info("kafka consumer stopped",
			"messages", st.Messages, "accepted", st.Accepted,
			"rejected", st.Rejected, "malformed", st.Malformed)
	}

	// The engine goes last so in-flight readings can finish.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.DrainTimeout())
	defer cancel()
	if err := eng.Stop(drainCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("stop engine: %w", err))
	}
	return runErr
}
