package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"voxelcraft.ai/chunksys/internal/chunksys/scheduling"
	"voxelcraft.ai/chunksys/internal/config"
	"voxelcraft.ai/chunksys/internal/engine"
	"voxelcraft.ai/chunksys/internal/logging"
	"voxelcraft.ai/chunksys/internal/metrics"
	persistlog "voxelcraft.ai/chunksys/internal/persistence/log"
	"voxelcraft.ai/chunksys/internal/persistence/regionio"
	"voxelcraft.ai/chunksys/internal/transport/debug"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config yaml (default: built-in defaults)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		addr       = flag.String("addr", "", "debug listen address (overrides debug.listen; \"off\" disables)")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	base := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	logger := logging.NewSlog(base.With("component", "server"))

	if err := run(*configPath, *dataDir, *addr, base); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(configPath, dataDir, addr string, base *slog.Logger) error {
	logger := logging.NewSlog(base.With("component", "server"))
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Debug.Listen = addr
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	storeOpts := cfg.StorageOptions()
	storeOpts.Log = logging.NewSlog(base.With("component", "storage"))
	store, err := regionio.Open(cfg.Storage.Backend, underData(dataDir, cfg.Storage.Path), storeOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close storage", "err", err)
		}
	}()

	var events scheduling.EventSink
	if cfg.EventLog.Enabled {
		sink := persistlog.NewSink(underData(dataDir, cfg.EventLog.Dir), logger)
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Error("close event log", "err", err)
			}
		}()
		events = sink
		logger.Info("event log enabled", "dir", cfg.EventLog.Dir, "instance", sink.Instance())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng, err := engine.New(cfg, engine.Options{
		Storage: store,
		Log:     logging.NewSlog(base.With("component", "chunksys")),
		Metrics: metrics.NewPrometheus(reg, cfg.Metrics.Namespace),
		Events:  events,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	var wg sync.WaitGroup
	if cfg.Debug.Listen != "" && cfg.Debug.Listen != "off" {
		srv := debug.NewServer(eng, debug.Options{
			StreamInterval: time.Duration(cfg.Debug.StreamIntervalMs) * time.Millisecond,
			Gatherer:       reg,
			Log:            logging.NewSlog(base.With("component", "debug")),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(ctx, cfg.Debug.Listen); err != nil {
				logger.Error("debug server", "err", err)
			}
		}()
	} else {
		logger.Info("debug endpoints disabled")
	}

	logger.Info("starting", "world", cfg.WorldID, "seed", cfg.Seed, "storage", cfg.Storage.Backend, "data", dataDir)
	runErr := eng.Run(ctx)
	// Run returns on its own only for a task failure; stop the debug server too.
	cancel()
	wg.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Minute)
	defer closeCancel()
	closeErr := eng.Close(closeCtx)

	var report *scheduling.FailureReport
	if errors.As(runErr, &report) {
		logger.Error("chunk system failed", "report", report.String())
	}
	return errors.Join(runErr, closeErr)
}

// underData resolves relative paths against the data directory.
func underData(dataDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dataDir, p)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
