package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/c360/semstreams-ros/bus"
	"github.com/c360/semstreams-ros/config"
	"github.com/c360/semstreams-ros/history"
	"github.com/c360/semstreams-ros/keyexpr"
	"github.com/c360/semstreams-ros/liveliness"
	"github.com/c360/semstreams-ros/message"
	"github.com/c360/semstreams-ros/metric"
	"github.com/c360/semstreams-ros/node"
	"github.com/c360/semstreams-ros/qos"
	"github.com/c360/semstreams-ros/router"
	"github.com/c360/semstreams-ros/transform"
)

// subscriber is the ros-sub node with one subscription per configured topic.
type subscriber struct {
	node     *node.Node
	subs     []*node.Subscription
	tf       *transform.Store
	registry *message.Registry
	logger   *slog.Logger

	received atomic.Int64
	dropped  atomic.Int64
}

func startSubscriber(ctx context.Context, session bus.Session, ids *liveliness.EntityIDs, cfg *config.Config,
	metrics *metric.Metrics, logger *slog.Logger) (*subscriber, error) {
	s := &subscriber{
		tf:       transform.NewStore(),
		registry: message.DefaultRegistry(),
		logger:   logger,
	}

	n, err := node.New(ctx, session, ids, node.Config{
		Domain:    cfg.Node.Domain,
		Enclave:   cfg.Node.Enclave,
		Namespace: cfg.Node.Namespace,
		Name:      cfg.Node.Name,
	}, node.WithLogger(logger), node.WithMetrics(metrics), node.WithErrorHandler(s.onDropped))
	if err != nil {
		return nil, fmt.Errorf("start node: %w", err)
	}
	s.node = n

	for _, topic := range cfg.Topics {
		sub, err := s.subscribe(ctx, topic)
		if err != nil {
			_ = n.Close(ctx)
			return nil, fmt.Errorf("subscribe %s: %w", topic.Name, err)
		}
		s.subs = append(s.subs, sub)
	}
	return s, nil
}

func (s *subscriber) subscribe(ctx context.Context, topic config.TopicConfig) (*node.Subscription, error) {
	profile, err := topic.Profile()
	if err != nil {
		return nil, err
	}
	opts := []node.EntityOption{
		node.WithQoS(profile),
		node.WithTransitionHook(func(tr history.Transition) {
			s.logger.Info("History state changed", "topic", topic.Name, "from", tr.From.String(), "to", tr.To.String())
		}),
	}
	if profile.IsTransientLocal() {
		req, err := topic.Request()
		if err != nil {
			return nil, err
		}
		opts = append(opts, node.WithHistory(req))
	}
	if topic.Key != "" {
		key, err := keyexpr.Parse(topic.Key)
		if err != nil {
			return nil, err
		}
		opts = append(opts, node.WithKey(key))
	}

	t, err := message.ParseType(topic.Type)
	if err != nil {
		return nil, err
	}
	switch {
	case t.Equal(message.TFMessageType):
		return node.Subscribe[message.TFMessage](ctx, s.node, topic.Name, message.TFMessageCodec{},
			s.tfHandler(profile), opts...)
	case t.Equal(message.PointCloud2Type):
		return node.Subscribe[message.PointCloud2](ctx, s.node, topic.Name, message.PointCloud2Codec{},
			s.onPointCloud, opts...)
	default:
		desc, err := s.registry.Lookup(topic.Type)
		if err != nil {
			return nil, err
		}
		return node.Subscribe[any](ctx, s.node, topic.Name, desc.Codec(), s.onMessage, opts...)
	}
}

// tfHandler feeds transforms into the store. Transient-local topics carry static
// transforms.
func (s *subscriber) tfHandler(profile qos.Profile) router.Handler[message.TFMessage] {
	static := profile.IsTransientLocal()
	return func(_ context.Context, key keyexpr.KeyExpr, msg message.TFMessage) {
		s.received.Add(1)
		var stored int
		if static {
			stored = s.tf.ApplyStatic(msg)
		} else {
			stored = s.tf.ApplyDynamic(msg)
		}
		for _, tr := range msg.Transforms {
			s.logger.Debug("Transform received",
				"key", key.String(),
				"static", static,
				"parent", tr.Header.FrameID,
				"child", tr.ChildFrameID,
				"stamp", tr.Header.Stamp.AsTime())
		}
		nStatic, nDynamic := s.tf.Len()
		s.logger.Info("TF message",
			"transforms", len(msg.Transforms),
			"stored", stored,
			"static_frames", nStatic,
			"dynamic_frames", nDynamic)
	}
}

func (s *subscriber) onPointCloud(_ context.Context, key keyexpr.KeyExpr, msg message.PointCloud2) {
	s.received.Add(1)
	attrs := []any{
		"key", key.String(),
		"frame", msg.Header.FrameID,
		"width", msg.Width,
		"height", msg.Height,
		"points", msg.NumPoints(),
		"fields", len(msg.Fields),
		"bytes", len(msg.Data),
		"dense", msg.IsDense,
	}
	if err := msg.Validate(); err != nil {
		s.logger.Warn("Inconsistent point cloud", append(attrs, "error", err)...)
		return
	}
	s.logger.Info("Point cloud", attrs...)
}

func (s *subscriber) onMessage(_ context.Context, key keyexpr.KeyExpr, msg any) {
	s.received.Add(1)
	s.logger.Info("Message", "key", key.String(), "type", fmt.Sprintf("%T", msg))
}

func (s *subscriber) onDropped(reg *router.Registration, sample bus.Sample, err error) {
	s.dropped.Add(1)
	s.logger.Warn("Sample dropped", "topic", reg.Topic(), "key", sample.Key.String(), "error", err)
}

// close retracts every subscription token, then the node token.
func (s *subscriber) close(ctx context.Context) error {
	frames := s.tf.Frames()
	s.logger.Info("Subscriber stopping",
		"received", s.received.Load(),
		"dropped", s.dropped.Load(),
		"frames", len(frames))
	return s.node.Close(ctx)
}
