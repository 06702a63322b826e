package node

import (
	"context"
	"sync"

	"github.com/c360/semstreams-ros/bus"
	"github.com/c360/semstreams-ros/history"
	"github.com/c360/semstreams-ros/keyexpr"
	"github.com/c360/semstreams-ros/liveliness"
	"github.com/c360/semstreams-ros/message"
	"github.com/c360/semstreams-ros/router"
)

// Subscription is a typed topic subscription with its liveliness token.
type Subscription struct {
	node    *Node
	topic   string
	pattern keyexpr.KeyExpr
	reg     *router.Registration
	hist    *history.Subscriber
	token   liveliness.Token

	closeOnce sync.Once
	closeErr  error
}

// Subscribe registers handler for topic. Samples are decoded with codec; samples
// that fail to decode are reported to the node error handler and dropped.
func Subscribe[T any](ctx context.Context, n *Node, topic string, codec message.Codec[T], handler router.Handler[T],
	opts ...EntityOption) (*Subscription, error) {
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	cfg := newEntityConfig(opts)
	fqn := n.ResolveName(topic)

	ident := keyexpr.TopicIdentity{
		DomainID:           n.cfg.Domain,
		FullyQualifiedName: fqn,
		TypeName:           codec.Type().DDSName(),
		TypeHash:           codec.TypeHash(),
	}
	pattern := cfg.key
	if pattern.IsZero() {
		var err error
		if pattern, err = ident.Pattern(); err != nil {
			return nil, err
		}
	}

	reg, err := router.Register(n.router, pattern, codec, handler, router.WithTopic(fqn))
	if err != nil {
		return nil, err
	}

	s := &Subscription{
		node:    n,
		topic:   fqn,
		pattern: pattern,
		reg:     reg,
		token:   n.endpointToken(liveliness.RoleSubscriber, n.ids.Next(), fqn, ident.TypeName, ident.TypeHash, cfg.qos),
	}

	// Every subscription owns its bus subscription and dedupe state, so both the
	// live and the replay path run this registration alone.
	deliver := func(ctx context.Context, sample bus.Sample) {
		n.router.Deliver(ctx, reg, sample)
	}
	histOpts := []history.SubscriberOption{
		history.WithSubscriberLogger(n.logger),
		history.WithReplayHandler(deliver),
	}
	if n.metrics != nil {
		histOpts = append(histOpts, history.WithMetrics(n.metrics))
	}
	if cfg.hook != nil {
		histOpts = append(histOpts, history.WithTransitionHook(cfg.hook))
	}

	s.hist, err = history.NewSubscriber(ctx, n.session,
		history.Topic{Name: fqn, TypeName: ident.TypeName, Pattern: pattern, QoS: cfg.qos},
		cfg.history,
		deliver,
		histOpts...)
	if err != nil {
		n.router.Unregister(reg)
		return nil, err
	}

	if err := n.ledger.Declare(ctx, s.token); err != nil {
		_ = s.hist.Close(ctx)
		n.router.Unregister(reg)
		return nil, err
	}
	if err := n.adopt(s); err != nil {
		_ = s.close(ctx)
		return nil, err
	}

	n.logger.Info("Subscribed", "topic", fqn, "pattern", pattern.String(), "type", ident.TypeName,
		"durability", cfg.qos.Durability.String(), "entity_id", s.token.EntityID)
	return s, nil
}

// Topic returns the fully qualified topic name.
func (s *Subscription) Topic() string { return s.topic }

// Pattern returns the key pattern the subscription listens on.
func (s *Subscription) Pattern() keyexpr.KeyExpr { return s.pattern }

// Token returns the subscriber liveliness token.
func (s *Subscription) Token() liveliness.Token { return s.token }

// State returns the history replay state.
func (s *Subscription) State() history.State { return s.hist.State() }

// Policy exposes the replay state machine.
func (s *Subscription) Policy() *history.Policy { return s.hist.Policy() }

// Close stops delivery and retracts the subscriber token.
func (s *Subscription) Close(ctx context.Context) error {
	s.node.release(s)
	return s.close(ctx)
}

func (s *Subscription) close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.hist.Close(ctx)
		s.node.router.Unregister(s.reg)
		if err := s.node.ledger.Retract(ctx, s.token); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		s.node.logger.Debug("Unsubscribed", "topic", s.topic)
	})
	return s.closeErr
}
