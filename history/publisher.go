package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/semstreams-ros/bus"
	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/keyexpr"
)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the publisher logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithHeartbeat sends the last sequence number every period while it changes.
// A zero period disables heartbeats.
func WithHeartbeat(period time.Duration) PublisherOption {
	return func(p *Publisher) { p.heartbeatPeriod = period }
}

// WithCache keeps the last depth samples and serves them to history queries.
// A depth of 0 disables the cache.
func WithCache(depth int) PublisherOption {
	return func(p *Publisher) { p.depth = depth }
}

// Publisher stamps samples with a per-publisher sequence number and, when caching,
// retains the most recent ones for late joiners.
type Publisher struct {
	session         bus.Session
	key             keyexpr.KeyExpr
	eid             uint64
	depth           int
	heartbeatPeriod time.Duration
	logger          *slog.Logger

	cacheKey     keyexpr.KeyExpr
	heartbeatKey keyexpr.KeyExpr
	queryable    bus.Declaration

	mu     sync.Mutex
	seq    uint64
	ring   []bus.Sample
	next   int
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPublisher creates a publisher on a concrete key. eid identifies it among the
// publishers of the session and appears in its liveliness token.
func NewPublisher(ctx context.Context, session bus.Session, key keyexpr.KeyExpr, eid uint64,
	opts ...PublisherOption) (*Publisher, error) {
	if key.IsZero() || key.IsWild() {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: publisher key %q must be concrete", errors.ErrMalformedKey, key),
			"history", "NewPublisher", "key check")
	}

	p := &Publisher{
		session: session,
		key:     key,
		eid:     eid,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("key", key.String(), "eid", eid)

	var err error
	if p.cacheKey, err = CacheKey(key, session.ZID(), eid); err != nil {
		return nil, err
	}
	if p.heartbeatKey, err = HeartbeatKey(key, session.ZID(), eid); err != nil {
		return nil, err
	}

	if p.depth > 0 {
		p.ring = make([]bus.Sample, 0, p.depth)
		p.queryable, err = session.DeclareQueryable(ctx, p.cacheKey, p.answer)
		if err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrSubscriptionCreation, err),
				"history", "NewPublisher", "cache queryable declaration")
		}
	}

	if p.heartbeatPeriod > 0 {
		hbCtx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.wg.Add(1)
		go p.heartbeatLoop(hbCtx)
	}

	p.logger.Debug("History publisher created", "depth", p.depth, "heartbeat", p.heartbeatPeriod)
	return p, nil
}

// Key returns the data key.
func (p *Publisher) Key() keyexpr.KeyExpr { return p.key }

// Sequence returns the last sequence number published.
func (p *Publisher) Sequence() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Put publishes payload with the next sequence number.
func (p *Publisher) Put(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.WrapTransient(errors.ErrSessionClosed, "history", "Publisher.Put", "publisher state check")
	}
	p.seq++
	sample := bus.Sample{
		Key:     p.key,
		Payload: payload,
		Source:  &bus.Source{ZID: p.session.ZID(), EntityID: p.eid, Sequence: p.seq},
	}
	if p.depth > 0 {
		cached := sample
		cached.Payload = append([]byte(nil), payload...)
		if len(p.ring) < p.depth {
			p.ring = append(p.ring, cached)
		} else {
			p.ring[p.next] = cached
		}
		p.next = (p.next + 1) % p.depth
	}
	p.mu.Unlock()

	return p.session.Put(ctx, sample)
}

// cached returns the retained samples, oldest first.
func (p *Publisher) cached() []bus.Sample {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]bus.Sample, 0, len(p.ring))
	if len(p.ring) < p.depth {
		return append(out, p.ring...)
	}
	out = append(out, p.ring[p.next:]...)
	return append(out, p.ring[:p.next]...)
}

// answer serves a history query: the samples in the requested range, newest
// MaxSamples of them, keyed on the cache key.
func (p *Publisher) answer(_ context.Context, q bus.Query) ([]bus.Sample, error) {
	all := p.cached()
	selected := make([]bus.Sample, 0, len(all))
	for _, s := range all {
		seq := s.Source.Sequence
		if q.Params.FromSeq > 0 && seq < q.Params.FromSeq {
			continue
		}
		if q.Params.ToSeq > 0 && seq > q.Params.ToSeq {
			continue
		}
		src := *s.Source
		selected = append(selected, bus.Sample{Key: p.cacheKey, Payload: s.Payload, Source: &src})
	}
	if q.Params.MaxSamples > 0 && len(selected) > q.Params.MaxSamples {
		selected = selected[len(selected)-q.Params.MaxSamples:]
	}
	return selected, nil
}

func (p *Publisher) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatPeriod)
	defer ticker.Stop()

	var sent uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq := p.Sequence()
			if seq == 0 || seq == sent {
				continue
			}
			if err := p.session.Put(ctx, bus.Sample{Key: p.heartbeatKey, Payload: EncodeHeartbeat(seq)}); err != nil {
				p.logger.Debug("Heartbeat failed", "error", err)
				continue
			}
			sent = seq
		}
	}
}

// Close stops heartbeats and withdraws the cache queryable.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	if p.queryable != nil {
		if err := p.queryable.Undeclare(ctx); err != nil {
			return errors.WrapTransient(err, "history", "Publisher.Close", "queryable undeclaration")
		}
	}
	return nil
}
