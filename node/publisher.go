package node

import (
	"context"
	"sync"

	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/history"
	"github.com/c360/semstreams-ros/keyexpr"
	"github.com/c360/semstreams-ros/liveliness"
	"github.com/c360/semstreams-ros/message"
)

// Publisher publishes typed messages on one topic.
type Publisher[T any] struct {
	node  *Node
	codec message.Codec[T]
	topic string
	hist  *history.Publisher
	token liveliness.Token

	closeOnce sync.Once
	closeErr  error
}

// Advertise creates a publisher for topic. A transient-local profile keeps the last
// Depth samples for late-joining subscribers.
func Advertise[T any](ctx context.Context, n *Node, topic string, codec message.Codec[T],
	opts ...EntityOption) (*Publisher[T], error) {
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
	key := cfg.key
	if key.IsZero() {
		var err error
		if key, err = ident.Key(); err != nil {
			return nil, err
		}
	}

	id := n.ids.Next()
	histOpts := []history.PublisherOption{
		history.WithPublisherLogger(n.logger),
		history.WithHeartbeat(cfg.heartbeat),
	}
	if cfg.qos.IsTransientLocal() {
		depth := cfg.qos.Depth
		if depth <= 0 {
			depth = 1
		}
		histOpts = append(histOpts, history.WithCache(depth))
	}

	// The cache answers queries before the token advertises it.
	hist, err := history.NewPublisher(ctx, n.session, key, uint64(id), histOpts...)
	if err != nil {
		return nil, err
	}

	p := &Publisher[T]{
		node:  n,
		codec: codec,
		topic: fqn,
		hist:  hist,
		token: n.endpointToken(liveliness.RolePublisher, id, fqn, ident.TypeName, ident.TypeHash, cfg.qos),
	}
	if err := n.ledger.Declare(ctx, p.token); err != nil {
		_ = hist.Close(ctx)
		return nil, err
	}
	if err := n.adopt(p); err != nil {
		_ = p.close(ctx)
		return nil, err
	}

	n.logger.Info("Advertised", "topic", fqn, "key", key.String(), "type", ident.TypeName,
		"durability", cfg.qos.Durability.String(), "entity_id", id)
	return p, nil
}

// Publish encodes msg and puts it on the topic key.
func (p *Publisher[T]) Publish(ctx context.Context, msg T) error {
	payload, err := message.Marshal(p.codec, msg)
	if err != nil {
		return errors.WrapInvalid(err, "Publisher", "Publish", "encode "+p.codec.Type().String())
	}
	return p.hist.Put(ctx, payload)
}

// Topic returns the fully qualified topic name.
func (p *Publisher[T]) Topic() string { return p.topic }

// Key returns the data key.
func (p *Publisher[T]) Key() keyexpr.KeyExpr { return p.hist.Key() }

// Token returns the publisher liveliness token.
func (p *Publisher[T]) Token() liveliness.Token { return p.token }

// Sequence returns the last published sequence number.
func (p *Publisher[T]) Sequence() uint64 { return p.hist.Sequence() }

// Close retracts the publisher token and drops the cache.
func (p *Publisher[T]) Close(ctx context.Context) error {
	p.node.release(p)
	return p.close(ctx)
}

func (p *Publisher[T]) close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closeErr = p.node.ledger.Retract(ctx, p.token)
		if err := p.hist.Close(ctx); err != nil && p.closeErr == nil {
			p.closeErr = err
		}
	})
	return p.closeErr
}
