package node

import (
	"time"

	"github.com/c360/semstreams-ros/history"
	"github.com/c360/semstreams-ros/keyexpr"
	"github.com/c360/semstreams-ros/qos"
)

// DefaultHeartbeat is the heartbeat period of transient-local publishers.
const DefaultHeartbeat = time.Second

// EntityOption configures a subscription or publisher.
type EntityOption func(*entityConfig)

type entityConfig struct {
	qos       qos.Profile
	history   history.Request
	key       keyexpr.KeyExpr
	heartbeat time.Duration
	hook      func(history.Transition)
}

func newEntityConfig(opts []EntityOption) entityConfig {
	cfg := entityConfig{
		qos:       qos.Default(),
		history:   history.DefaultRequest(),
		heartbeat: -1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.heartbeat < 0 {
		cfg.heartbeat = 0
		if cfg.qos.IsTransientLocal() {
			cfg.heartbeat = DefaultHeartbeat
		}
	}
	return cfg
}

// WithQoS sets the advertised profile. Transient-local subscriptions replay history;
// transient-local publishers keep a cache of Depth samples.
func WithQoS(p qos.Profile) EntityOption {
	return func(c *entityConfig) { c.qos = p }
}

// WithHistory sets the replay request of a transient-local subscription.
func WithHistory(req history.Request) EntityOption {
	return func(c *entityConfig) { c.history = req }
}

// WithKey replaces the derived key. Subscriptions take a pattern and publishers a
// concrete key; this bridges peers that do not follow the ROS key layout.
func WithKey(k keyexpr.KeyExpr) EntityOption {
	return func(c *entityConfig) { c.key = k }
}

// WithHeartbeat sets the heartbeat period of a publisher; 0 disables heartbeats.
func WithHeartbeat(period time.Duration) EntityOption {
	return func(c *entityConfig) { c.heartbeat = period }
}

// WithTransitionHook observes the replay state machine of a subscription.
func WithTransitionHook(fn func(history.Transition)) EntityOption {
	return func(c *entityConfig) { c.hook = fn }
}
