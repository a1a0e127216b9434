package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/user/prayerfeed/internal/config"
	"github.com/user/prayerfeed/internal/metrics"
	"github.com/user/prayerfeed/internal/scheduler"
	"github.com/user/prayerfeed/internal/server"
	"github.com/user/prayerfeed/internal/snapshot"
	"github.com/user/prayerfeed/internal/state"
	"github.com/user/prayerfeed/internal/stream"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the live stream server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(cfg *config.Config) (string, error) {
	pidPath := cfg.PIDPath()
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Content store
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// Metrics
	collector := metrics.NewCollector()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Snapshot pipeline and hub
	clk := clock.WallClock
	cache := snapshot.NewCache(snapshot.NewProber(store, clk), cfg.Stream.CacheTTL.Std(), clk, collector)
	events := state.NewEventLog(cfg.Stream.LogCapacity)
	hub := stream.NewHub(cache, events, stream.Config{
		TickInterval:    cfg.Stream.TickInterval.Std(),
		MinEmitInterval: cfg.Stream.MinEmitInterval.Std(),
		KeepAlive:       cfg.Stream.KeepAliveInterval.Std(),
		MaxAge:          cfg.Stream.MaxConnectionAge.Std(),
		MaxConnections:  cfg.HTTP.MaxConnections,
	}, clk, collector)
	hub.Start(ctx)
	defer hub.Stop()

	// Janitor
	sched := scheduler.New(
		scheduler.PruneJob(cfg.Janitor.PruneSchedule, cache, cfg.Janitor.CacheMaxAge.Std()),
		scheduler.StatsJob(cfg.Janitor.StatsSchedule, hub.Stats),
	)
	jobs := sched.Start()
	defer sched.Stop()

	// HTTP server
	srv := server.NewServer(hub, server.Options{
		ViewerHeader:   cfg.HTTP.ViewerHeader,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Debug:          cfg.HTTP.Debug,
		Gatherer:       registry,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	slog.Info("prayerfeed started",
		"listen", cfg.HTTP.Listen,
		"store", cfg.Store.Backend,
		"tick_interval", cfg.Stream.TickInterval,
		"min_emit_interval", cfg.Stream.MinEmitInterval,
		"cache_ttl", cfg.Stream.CacheTTL,
		"log_capacity", cfg.Stream.LogCapacity,
		"max_connections", cfg.HTTP.MaxConnections,
		"janitor_jobs", jobs,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-serveErr:
			return fmt.Errorf("http server: %w", err)
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				if err := reexec(pidPath, hub, httpServer); err != nil {
					return fmt.Errorf("restart: %w", err)
				}
				continue
			}
			slog.Info("shutting down", "signal", sig)
			shutdown(hub, httpServer)
			return nil
		}
	}
}

// shutdown ends every live stream, then drains the remaining requests.
func shutdown(hub *stream.Hub, httpServer *http.Server) {
	hub.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
}

// reexec replaces the process with a fresh copy of itself. The listener is
// released first so the new process can bind it, which leaves nothing to
// fall back to when the exec fails.
func reexec(pidPath string, hub *stream.Hub, httpServer *http.Server) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	shutdown(hub, httpServer)
	os.Remove(pidPath)
	return syscall.Exec(execPath, os.Args, os.Environ())
}
