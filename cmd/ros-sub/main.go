// Package main implements ros-sub, a ROS 2 subscriber that joins the graph over a
// Zenoh-style key space carried by NATS or an in-process bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/c360/semstreams-ros/config"
	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/health"
	"github.com/c360/semstreams-ros/liveliness"
	"github.com/c360/semstreams-ros/metric"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "ros-sub"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil
	}

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return err
	}

	logger := setupLogger(firstNonEmpty(cliCfg.LogLevel, cfg.Log.Level), firstNonEmpty(cliCfg.LogFormat, cfg.Log.Format))
	slog.SetDefault(logger)

	if cliCfg.PrintConfig {
		fmt.Println(cfg.String())
		return nil
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid", "topics", len(cfg.Topics), "backend", cfg.Bus.Backend)
		return nil
	}

	logger.Info("Starting ros-sub",
		"version", Version,
		"build_time", BuildTime,
		"config", cliCfg.ConfigPaths,
		"domain", cfg.Node.Domain,
		"backend", cfg.Bus.Backend)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	return serve(signalCtx, cfg, cliCfg, logger)
}

// serve runs until ctx ends, then shuts down within the configured timeout.
func serve(ctx context.Context, cfg *config.Config, cliCfg *CLIConfig, logger *slog.Logger) error {
	registry := metric.NewMetricsRegistry()

	b, err := connect(ctx, cfg.Bus, registry, logger)
	if err != nil {
		return err
	}
	shutdownCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	}
	defer func() {
		sctx, cancel := shutdownCtx()
		defer cancel()
		if err := b.close(sctx); err != nil {
			logger.Warn("Bus close failed", "error", err)
		}
	}()

	// Shared by every node of the process so entity ids never collide.
	ids := liveliness.NewEntityIDs()

	session, err := b.open(ctx)
	if err != nil {
		return err
	}
	sub, err := startSubscriber(ctx, session, ids, cfg, registry.CoreMetrics(), logger)
	if err != nil {
		return err
	}

	var d *demo
	if cliCfg.Demo {
		demoSession, err := b.open(ctx)
		if err == nil {
			d, err = startDemo(ctx, demoSession, ids, cfg, logger)
		}
		if err != nil {
			_ = sub.close(ctx)
			return fmt.Errorf("start demo: %w", err)
		}
	}

	monitor := health.NewMonitor(appName)

	// A failing background task ends the run like a signal does.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watchHealth(gctx, monitor, b, sub)
		return nil
	})

	if cfg.Metrics.Enabled {
		metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		metricsServer.SetHealthHandler(monitor.Handler())
		g.Go(metricsServer.Start)
		g.Go(func() error {
			<-gctx.Done()
			return metricsServer.Stop()
		})
		logger.Info("Serving metrics", "address", metricsServer.Address())
	}

	logger.Info("ros-sub started", "topics", len(cfg.Topics))
	<-gctx.Done()
	if ctx.Err() != nil {
		logger.Info("Received shutdown signal")
	} else {
		logger.Warn("Background task stopped, shutting down")
	}

	sctx, cancel := shutdownCtx()
	defer cancel()
	if d != nil {
		if err := d.close(sctx); err != nil {
			logger.Warn("Demo close failed", "error", err)
		}
	}
	closeErr := sub.close(sctx)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("background task failed: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("graceful shutdown failed: %w", closeErr)
	}

	logger.Info("ros-sub shutdown complete")
	return nil
}

func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range paths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
