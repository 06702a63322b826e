package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360/semstreams-ros/bus"
	"github.com/c360/semstreams-ros/bus/membus"
	"github.com/c360/semstreams-ros/config"
	"github.com/c360/semstreams-ros/metric"
	"github.com/c360/semstreams-ros/natsclient"
	"github.com/c360/semstreams-ros/pkg/retry"
)

// backend owns the bus connection and every session opened on it.
type backend struct {
	cfg      config.BusConfig
	registry *metric.MetricsRegistry
	logger   *slog.Logger

	client  *natsclient.Client
	network *membus.Network

	mu       sync.Mutex
	sessions []bus.Session
}

// connect prepares the configured backend. For NATS it dials the servers,
// retrying transient failures until ctx ends.
func connect(ctx context.Context, cfg config.BusConfig, registry *metric.MetricsRegistry, logger *slog.Logger) (*backend, error) {
	b := &backend{cfg: cfg, registry: registry, logger: logger}

	if cfg.Backend == config.BackendMemory {
		b.network = membus.NewNetwork()
		logger.Info("Using in-process bus")
		return b, nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.ClientName),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry.CoreMetrics()),
		natsclient.WithBucketMetrics(registry, 30*time.Second),
		natsclient.WithReconnectCallback(func() { logger.Info("Bus reconnected") }),
		natsclient.WithDisconnectCallback(func(err error) { logger.Warn("Bus disconnected", "error", err) }),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.ReconnectWait.Std()))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if cfg.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "urls", cfg.URLs)
	startup := retry.Persistent()
	startup.Retryable = retry.Transient
	if err := retry.Do(ctx, startup, func() error { return client.Connect(ctx) }); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	b.client = client
	return b, nil
}

// open opens a new session with its own ZID.
func (b *backend) open(ctx context.Context) (bus.Session, error) {
	var (
		session bus.Session
		err     error
	)
	if b.network != nil {
		session, err = b.network.Open(ctx,
			membus.WithLogger(b.logger),
			membus.WithMetricsRegistry(b.registry))
	} else {
		session, err = natsclient.OpenSession(ctx, b.client,
			natsclient.WithSubjectRoot(b.cfg.SubjectRoot),
			natsclient.WithTokenBucket(b.cfg.TokenBucket, b.cfg.TokenTTL.Std()),
			natsclient.WithQueryQuiet(b.cfg.QueryQuiet.Std()),
			natsclient.WithSessionLogger(b.logger))
	}
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	b.mu.Lock()
	b.sessions = append(b.sessions, session)
	b.mu.Unlock()
	b.logger.Debug("Session opened", "zid", session.ZID())
	return session, nil
}

// close closes the sessions newest first, then the NATS connection.
func (b *backend) close(ctx context.Context) error {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = nil
	b.mu.Unlock()

	var firstErr error
	for i := len(sessions) - 1; i >= 0; i-- {
		if err := sessions[i].Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.client != nil {
		if err := b.client.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
