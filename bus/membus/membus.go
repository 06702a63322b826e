// Package membus is an in-process bus.Session backend. Sessions opened on the same
// Network see each other's samples, queryables and liveliness tokens, which makes it
// the transport for tests and for single-process deployments.
package membus

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/semstreams-ros/bus"
	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/keyexpr"
	"github.com/c360/semstreams-ros/metric"
	"github.com/c360/semstreams-ros/pkg/worker"
)

// Network connects in-process sessions.
type Network struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	subs       map[uint64]*subscriber
	queryables map[uint64]*queryable
	watchers   map[uint64]*watcher
	tokens     map[string]*tokenEntry
	nextID     uint64
}

type subscriber struct {
	id      uint64
	owner   *Session
	pattern keyexpr.KeyExpr
	handler bus.Handler
}

type queryable struct {
	id      uint64
	owner   *Session
	key     keyexpr.KeyExpr
	handler bus.QueryHandler
}

type watcher struct {
	id      uint64
	owner   *Session
	pattern keyexpr.KeyExpr
	handler bus.TokenHandler
}

type tokenEntry struct {
	key    keyexpr.KeyExpr
	owners map[uint64]*Session
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		sessions:   make(map[string]*Session),
		subs:       make(map[uint64]*subscriber),
		queryables: make(map[uint64]*queryable),
		watchers:   make(map[uint64]*watcher),
		tokens:     make(map[string]*tokenEntry),
	}
}

// Option configures a Session.
type Option func(*options)

type options struct {
	zid         string
	logger      *slog.Logger
	workers     int
	queueSize   int
	registry    *metric.MetricsRegistry
	stopTimeout time.Duration
}

// WithZID overrides the generated session identifier.
func WithZID(zid string) Option {
	return func(o *options) { o.zid = zid }
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDispatch sizes the delivery worker pool.
func WithDispatch(workers, queueSize int) Option {
	return func(o *options) {
		o.workers = workers
		o.queueSize = queueSize
	}
}

// WithMetricsRegistry exports the delivery pool metrics.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(o *options) { o.registry = registry }
}

// delivery is one handler invocation queued on the session pool.
type delivery struct {
	route string
	run   func(ctx context.Context)
}

// Session is an in-process bus.Session.
type Session struct {
	net    *Network
	zid    string
	logger *slog.Logger
	pool   *worker.Pool[delivery]
	ctx    context.Context
	cancel context.CancelFunc

	stopTimeout time.Duration

	mu     sync.Mutex
	closed bool
	owned  map[uint64]func()
}

var _ bus.Session = (*Session)(nil)

// Open creates a session on the network. The session stays usable until Close.
func (n *Network) Open(ctx context.Context, opts ...Option) (*Session, error) {
	o := options{
		logger:      slog.Default(),
		workers:     4,
		queueSize:   1024,
		stopTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.zid == "" {
		id := uuid.New()
		o.zid = hex.EncodeToString(id[:])
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "membus", "Open", "context check")
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		net:         n,
		zid:         o.zid,
		logger:      o.logger.With("zid", o.zid),
		ctx:         sessionCtx,
		cancel:      cancel,
		stopTimeout: o.stopTimeout,
		owned:       make(map[uint64]func()),
	}

	poolOpts := []worker.Option[delivery]{
		worker.WithKeyFunc(func(d delivery) string { return d.route }),
		worker.WithErrorHandler(func(d delivery, err error) {
			s.logger.Error("Delivery handler failed", "route", d.route, "error", err)
		}),
	}
	if o.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[delivery](o.registry, "membus_"+metricSafe(o.zid)))
	}
	s.pool = worker.NewPool(o.workers, o.queueSize, func(ctx context.Context, d delivery) error {
		d.run(ctx)
		return nil
	}, poolOpts...)

	n.mu.Lock()
	if _, exists := n.sessions[o.zid]; exists {
		n.mu.Unlock()
		cancel()
		return nil, errors.WrapFatal(fmt.Errorf("%w: zid %s already in use", errors.ErrSessionOpen, o.zid),
			"membus", "Open", "zid uniqueness check")
	}
	n.sessions[o.zid] = s
	n.mu.Unlock()

	if err := s.pool.Start(sessionCtx); err != nil {
		n.mu.Lock()
		delete(n.sessions, o.zid)
		n.mu.Unlock()
		cancel()
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrSessionOpen, err), "membus", "Open", "pool start")
	}

	s.logger.Debug("Session opened")
	return s, nil
}

func metricSafe(zid string) string {
	if len(zid) > 8 {
		zid = zid[:8]
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, zid)
}

// Sessions returns the identifiers of the open sessions.
func (n *Network) Sessions() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]string, 0, len(n.sessions))
	for zid := range n.sessions {
		out = append(out, zid)
	}
	sort.Strings(out)
	return out
}

// ZID returns the session identifier.
func (s *Session) ZID() string { return s.zid }

// Stats returns the delivery pool statistics.
func (s *Session) Stats() worker.PoolStats { return s.pool.Stats() }

func (s *Session) checkOpen(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.WrapTransient(errors.ErrSessionClosed, "membus", op, "session state check")
	}
	return nil
}

// track records an undeclare function so Close can release it.
func (s *Session) track(id uint64, release func()) {
	s.mu.Lock()
	s.owned[id] = release
	s.mu.Unlock()
}

func (s *Session) untrack(id uint64) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, ok := s.owned[id]
	if ok {
		delete(s.owned, id)
	}
	return release, ok
}

// enqueue schedules fn on the pool under route, blocking while the route's queue is full.
func (s *Session) enqueue(ctx context.Context, route string, fn func(ctx context.Context)) error {
	err := s.pool.SubmitWait(ctx, delivery{route: route, run: fn})
	if errors.Is(err, worker.ErrPoolStopped) {
		return nil
	}
	return err
}

// Put delivers sample to every matching subscriber on the network.
func (s *Session) Put(ctx context.Context, sample bus.Sample) error {
	if err := s.checkOpen("Put"); err != nil {
		return err
	}
	if sample.Key.IsZero() || sample.Key.IsWild() {
		return errors.WrapInvalid(fmt.Errorf("%w: put needs a concrete key, got %q", errors.ErrMalformedKey, sample.Key),
			"membus", "Put", "key check")
	}

	payload := make([]byte, len(sample.Payload))
	copy(payload, sample.Payload)
	out := bus.Sample{Key: sample.Key, Payload: payload}
	if sample.Source != nil {
		src := *sample.Source
		out.Source = &src
	}

	s.net.mu.RLock()
	targets := make([]*subscriber, 0, len(s.net.subs))
	for _, sub := range s.net.subs {
		if keyexpr.Matches(sub.pattern, sample.Key) {
			targets = append(targets, sub)
		}
	}
	s.net.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	for _, sub := range targets {
		sub := sub
		if err := sub.owner.enqueue(ctx, fmt.Sprintf("sub/%d", sub.id), func(ctx context.Context) {
			sub.handler(ctx, out)
		}); err != nil {
			return errors.WrapTransient(err, "membus", "Put", "sample delivery")
		}
	}
	return nil
}

func (n *Network) allocID() uint64 {
	n.nextID++
	return n.nextID
}

// DeclareSubscriber delivers every sample whose key matches pattern.
func (s *Session) DeclareSubscriber(
	_ context.Context, pattern keyexpr.KeyExpr, handler bus.Handler,
) (bus.Declaration, error) {
	if err := s.checkOpen("DeclareSubscriber"); err != nil {
		return nil, err
	}
	if pattern.IsZero() || handler == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: empty pattern or nil handler", errors.ErrSubscriptionCreation),
			"membus", "DeclareSubscriber", "argument check")
	}

	s.net.mu.Lock()
	id := s.net.allocID()
	s.net.subs[id] = &subscriber{id: id, owner: s, pattern: pattern, handler: handler}
	s.net.mu.Unlock()

	release := func() {
		s.net.mu.Lock()
		delete(s.net.subs, id)
		s.net.mu.Unlock()
	}
	s.track(id, release)
	s.logger.Debug("Subscriber declared", "pattern", pattern.String(), "id", id)
	return s.newDeclaration(id, pattern), nil
}

// DeclareQueryable answers queries whose selector intersects key.
func (s *Session) DeclareQueryable(
	_ context.Context, key keyexpr.KeyExpr, handler bus.QueryHandler,
) (bus.Declaration, error) {
	if err := s.checkOpen("DeclareQueryable"); err != nil {
		return nil, err
	}
	if key.IsZero() || handler == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: empty key or nil handler", errors.ErrSubscriptionCreation),
			"membus", "DeclareQueryable", "argument check")
	}

	s.net.mu.Lock()
	id := s.net.allocID()
	s.net.queryables[id] = &queryable{id: id, owner: s, key: key, handler: handler}
	s.net.mu.Unlock()

	s.track(id, func() {
		s.net.mu.Lock()
		delete(s.net.queryables, id)
		s.net.mu.Unlock()
	})
	s.logger.Debug("Queryable declared", "key", key.String(), "id", id)
	return s.newDeclaration(id, key), nil
}

type reply struct {
	samples []bus.Sample
	err     error
}

// Get queries every queryable intersecting selector concurrently. Replies whose key
// does not intersect selector are discarded. When ctx ends first the replies
// collected so far are returned with the context error.
func (s *Session) Get(ctx context.Context, selector keyexpr.KeyExpr, params bus.QueryParams) ([]bus.Sample, error) {
	if err := s.checkOpen("Get"); err != nil {
		return nil, err
	}

	s.net.mu.RLock()
	targets := make([]*queryable, 0)
	for _, q := range s.net.queryables {
		if keyexpr.Intersects(q.key, selector) {
			targets = append(targets, q)
		}
	}
	s.net.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	replies := make(chan reply, len(targets))
	query := bus.Query{Selector: selector, Params: params}
	for _, q := range targets {
		go func(q *queryable) {
			samples, err := q.handler(ctx, query)
			replies <- reply{samples: samples, err: err}
		}(q)
	}

	var out []bus.Sample
	for range targets {
		select {
		case r := <-replies:
			if r.err != nil {
				s.logger.Debug("Queryable returned error", "selector", selector.String(), "error", r.err)
				continue
			}
			for _, sample := range r.samples {
				if keyexpr.Intersects(selector, sample.Key) {
					out = append(out, sample)
				}
			}
		case <-ctx.Done():
			return out, errors.WrapTransient(ctx.Err(), "membus", "Get", "waiting for replies")
		}
	}
	return out, nil
}

// DeclareToken asserts key until undeclared. Watchers see a put only for the first
// declaration of a key and a delete only when its last owner goes away.
func (s *Session) DeclareToken(_ context.Context, key keyexpr.KeyExpr) (bus.Declaration, error) {
	if err := s.checkOpen("DeclareToken"); err != nil {
		return nil, err
	}
	if key.IsZero() || key.IsWild() {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: token key %q must be concrete", errors.ErrMalformedKey, key),
			"membus", "DeclareToken", "key check")
	}

	s.net.mu.Lock()
	id := s.net.allocID()
	entry, exists := s.net.tokens[key.String()]
	if !exists {
		entry = &tokenEntry{key: key, owners: make(map[uint64]*Session)}
		s.net.tokens[key.String()] = entry
	}
	entry.owners[id] = s
	var notify []*watcher
	if !exists {
		notify = s.net.matchingWatchersLocked(key)
	}
	s.net.mu.Unlock()

	s.net.notify(notify, bus.TokenEvent{Kind: bus.TokenPut, Key: key})

	s.track(id, func() {
		s.net.mu.Lock()
		var gone []*watcher
		if e, ok := s.net.tokens[key.String()]; ok {
			delete(e.owners, id)
			if len(e.owners) == 0 {
				delete(s.net.tokens, key.String())
				gone = s.net.matchingWatchersLocked(key)
			}
		}
		s.net.mu.Unlock()
		s.net.notify(gone, bus.TokenEvent{Kind: bus.TokenDelete, Key: key})
	})
	return s.newDeclaration(id, key), nil
}

func (n *Network) matchingWatchersLocked(key keyexpr.KeyExpr) []*watcher {
	var out []*watcher
	for _, w := range n.watchers {
		if keyexpr.Matches(w.pattern, key) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (n *Network) notify(watchers []*watcher, event bus.TokenEvent) {
	for _, w := range watchers {
		w := w
		if err := w.owner.enqueue(context.Background(), fmt.Sprintf("watch/%d", w.id), func(ctx context.Context) {
			w.handler(ctx, event)
		}); err != nil {
			w.owner.logger.Warn("Dropped liveliness event", "key", event.Key.String(), "error", err)
		}
	}
}

// WatchTokens reports token changes matching pattern from now on.
func (s *Session) WatchTokens(
	_ context.Context, pattern keyexpr.KeyExpr, handler bus.TokenHandler,
) (bus.Declaration, error) {
	if err := s.checkOpen("WatchTokens"); err != nil {
		return nil, err
	}
	if pattern.IsZero() || handler == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: empty pattern or nil handler", errors.ErrSubscriptionCreation),
			"membus", "WatchTokens", "argument check")
	}

	s.net.mu.Lock()
	id := s.net.allocID()
	s.net.watchers[id] = &watcher{id: id, owner: s, pattern: pattern, handler: handler}
	s.net.mu.Unlock()

	s.track(id, func() {
		s.net.mu.Lock()
		delete(s.net.watchers, id)
		s.net.mu.Unlock()
	})
	return s.newDeclaration(id, pattern), nil
}

// GetTokens returns the declared tokens matching pattern, sorted by key.
func (s *Session) GetTokens(_ context.Context, pattern keyexpr.KeyExpr) ([]keyexpr.KeyExpr, error) {
	if err := s.checkOpen("GetTokens"); err != nil {
		return nil, err
	}

	s.net.mu.RLock()
	out := make([]keyexpr.KeyExpr, 0)
	for _, e := range s.net.tokens {
		if keyexpr.Matches(pattern, e.key) {
			out = append(out, e.key)
		}
	}
	s.net.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// Close undeclares everything the session owns, drains pending deliveries and
// leaves the network. Calling Close again is a no-op.
func (s *Session) Close(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]uint64, 0, len(s.owned))
	for id := range s.owned {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	// Newest first, so endpoint tokens go before the node token they belong to.
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	for _, id := range ids {
		if release, ok := s.untrack(id); ok {
			release()
		}
	}

	s.net.mu.Lock()
	delete(s.net.sessions, s.zid)
	s.net.mu.Unlock()

	err := s.pool.Stop(s.stopTimeout)
	s.cancel()
	if err != nil {
		return errors.WrapTransient(err, "membus", "Close", "delivery drain")
	}
	s.logger.Debug("Session closed")
	return nil
}

type declaration struct {
	session *Session
	id      uint64
	key     keyexpr.KeyExpr
}

func (s *Session) newDeclaration(id uint64, key keyexpr.KeyExpr) *declaration {
	return &declaration{session: s, id: id, key: key}
}

func (d *declaration) Key() keyexpr.KeyExpr { return d.key }

// Undeclare releases the declaration. Undeclaring twice is a no-op.
func (d *declaration) Undeclare(_ context.Context) error {
	if release, ok := d.session.untrack(d.id); ok {
		release()
	}
	return nil
}
