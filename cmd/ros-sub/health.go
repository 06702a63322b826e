package main

import (
	"context"
	"time"

	"github.com/c360/semstreams-ros/health"
	"github.com/c360/semstreams-ros/natsclient"
)

const healthInterval = 2 * time.Second

// busStatus reports the NATS connection state. The in-process bus is always
// healthy.
func (b *backend) busStatus() health.Status {
	if b.client == nil {
		return health.NewHealthy("bus", "in-process")
	}
	switch status := b.client.Status(); status {
	case natsclient.StatusConnected:
		return health.NewHealthy("bus", status.String())
	case natsclient.StatusConnecting, natsclient.StatusReconnecting:
		return health.NewDegraded("bus", status.String())
	default:
		return health.NewUnhealthy("bus", status.String())
	}
}

// refreshHealth records the bus status and the replay state of every
// transient-local subscription. Volatile subscriptions have nothing to replay.
func refreshHealth(m *health.Monitor, b *backend, sub *subscriber) {
	m.Update("bus", b.busStatus())
	for _, s := range sub.subs {
		if !s.Token().QoS.IsTransientLocal() {
			m.Update(s.Topic(), health.NewHealthy(s.Topic(), "volatile"))
			continue
		}
		m.Update(s.Topic(), health.FromReplayState(s.Topic(), s.State()))
	}
}

func watchHealth(ctx context.Context, m *health.Monitor, b *backend, sub *subscriber) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		refreshHealth(m, b, sub)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
