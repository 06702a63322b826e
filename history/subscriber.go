package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/semstreams-ros/bus"
	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/keyexpr"
	"github.com/c360/semstreams-ros/liveliness"
	"github.com/c360/semstreams-ros/metric"
	"github.com/c360/semstreams-ros/qos"
)

// Topic names what a subscriber listens to.
type Topic struct {
	// Name is the ROS topic name matched against publisher tokens.
	Name string
	// TypeName is the DDS type name; empty accepts publishers of any type.
	TypeName string
	// Pattern is the data key pattern.
	Pattern keyexpr.KeyExpr
	// QoS is the subscription profile; only TransientLocal durability replays history.
	QoS qos.Profile
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the subscriber logger.
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records state, replay outcomes and recoveries under the topic label.
func WithMetrics(m *metric.Metrics) SubscriberOption {
	return func(s *Subscriber) { s.metrics = m }
}

// WithRecoveryLimit throttles gap recovery queries.
func WithRecoveryLimit(limit rate.Limit, burst int) SubscriberOption {
	return func(s *Subscriber) { s.limiter = rate.NewLimiter(limit, burst) }
}

// WithReplayHandler routes replayed and recovered samples to fn instead of the
// live handler.
func WithReplayHandler(fn bus.Handler) SubscriberOption {
	return func(s *Subscriber) { s.replayHandler = fn }
}

// WithTransitionHook observes every state transition.
func WithTransitionHook(fn func(Transition)) SubscriberOption {
	return func(s *Subscriber) { s.policy.OnTransition(fn) }
}

// Subscriber delivers live samples of a topic and, for transient-local topics,
// replays the history retained by caching publishers.
type Subscriber struct {
	session       bus.Session
	topic         Topic
	req           Request
	handler       bus.Handler
	replayHandler bus.Handler
	logger        *slog.Logger
	metrics       *metric.Metrics
	limiter       *rate.Limiter
	policy        *Policy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu serializes delivery, sequence tracking and state transitions.
	mu       sync.Mutex
	closed   bool
	track    bool
	tracker  *tracker
	replayed map[string]bool
	pending  int
	failed   bool

	data      bus.Declaration
	watch     bus.Declaration
	heartbeat bus.Declaration
}

// NewSubscriber declares the data subscription and, for transient-local topics,
// starts publisher discovery. The handler receives live and replayed samples, one
// at a time.
func NewSubscriber(ctx context.Context, session bus.Session, topic Topic, req Request, handler bus.Handler,
	opts ...SubscriberOption) (*Subscriber, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if handler == nil || topic.Pattern.IsZero() {
		return nil, errors.WrapFatal(fmt.Errorf("%w: nil handler or empty pattern", errors.ErrSubscriptionCreation),
			"history", "NewSubscriber", "argument check")
	}

	s := &Subscriber{
		session:  session,
		topic:    topic,
		req:      req,
		handler:  handler,
		logger:   slog.Default(),
		limiter:  rate.NewLimiter(rate.Limit(10), 5),
		policy:   NewPolicy(),
		track:    topic.QoS.IsTransientLocal(),
		tracker:  newTracker(),
		replayed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.replayHandler == nil {
		s.replayHandler = handler
	}
	s.logger = s.logger.With("topic", topic.Name, "pattern", topic.Pattern.String())
	if s.metrics != nil {
		s.metrics.RecordHistoryState(topic.Name, int(StateIdle))
		s.policy.OnTransition(func(t Transition) {
			s.metrics.RecordHistoryState(topic.Name, int(t.To))
		})
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var err error
	s.data, err = session.DeclareSubscriber(ctx, topic.Pattern, s.onSample)
	if err != nil {
		s.cancel()
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrSubscriptionCreation, err),
			"history", "NewSubscriber", "data subscription")
	}

	if !topic.QoS.IsTransientLocal() {
		return s, nil
	}

	if err := s.discover(ctx); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// Policy exposes the replay state machine.
func (s *Subscriber) Policy() *Policy { return s.policy }

// State returns the current replay state.
func (s *Subscriber) State() State { return s.policy.State() }

func (s *Subscriber) discover(ctx context.Context) error {
	s.mu.Lock()
	s.policy.transition(StateDiscovering, "transient-local subscription")
	s.mu.Unlock()

	if s.req.MissDetection == MissHeartbeat {
		hbPattern, err := HeartbeatPattern(s.topic.Pattern)
		if err != nil {
			return err
		}
		s.heartbeat, err = s.session.DeclareSubscriber(ctx, hbPattern, s.onHeartbeat)
		if err != nil {
			return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrSubscriptionCreation, err),
				"history", "NewSubscriber", "heartbeat subscription")
		}
	}

	pattern, err := liveliness.EndpointPattern(liveliness.RolePublisher, s.topic.Name)
	if err != nil {
		return err
	}

	// Watch before the snapshot so a publisher appearing in between is not missed;
	// the replayed set absorbs the overlap.
	s.watch, err = s.session.WatchTokens(ctx, pattern, s.onToken)
	if err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrSubscriptionCreation, err),
			"history", "NewSubscriber", "liveliness watch")
	}

	keys, err := s.session.GetTokens(ctx, pattern)
	if err != nil {
		return errors.WrapTransient(err, "history", "NewSubscriber", "liveliness snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	started := 0
	for _, key := range keys {
		if tok, ok := s.cachingPublisher(key); ok && s.startReplayLocked(tok, "caching publisher in snapshot") {
			started++
		}
	}
	if started == 0 && s.pending == 0 {
		s.policy.transition(StateLive, "no caching publisher")
	}
	return nil
}

// cachingPublisher parses a token and reports whether it is a caching publisher of
// this topic. Tokens from non-conforming peers are ignored.
func (s *Subscriber) cachingPublisher(key keyexpr.KeyExpr) (liveliness.Token, bool) {
	tok, err := liveliness.Parse(key)
	if err != nil {
		s.logger.Debug("Ignoring unparseable liveliness token", "key", key.String(), "error", err)
		return liveliness.Token{}, false
	}
	if !tok.IsCachingPublisher() || tok.Topic != s.topic.Name {
		return liveliness.Token{}, false
	}
	if s.topic.TypeName != "" && tok.TypeName != s.topic.TypeName {
		return liveliness.Token{}, false
	}
	return tok, true
}

func (s *Subscriber) onToken(_ context.Context, event bus.TokenEvent) {
	tok, ok := s.cachingPublisher(event.Key)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	pub := publisherID(tok.SessionZID, uint64(tok.EntityID))
	if event.Kind == bus.TokenDelete {
		s.tracker.forget(pub)
		return
	}
	if !s.req.DetectLatePublishers {
		return
	}
	s.startReplayLocked(tok, "late publisher detected")
}

// startReplayLocked issues a history query to one publisher unless it was already
// replayed. Callers hold s.mu.
func (s *Subscriber) startReplayLocked(tok liveliness.Token, reason string) bool {
	pub := publisherID(tok.SessionZID, uint64(tok.EntityID))
	if s.closed || s.replayed[pub] {
		return false
	}
	s.replayed[pub] = true

	selector, err := CacheKey(s.topic.Pattern, tok.SessionZID, uint64(tok.EntityID))
	if err != nil {
		s.logger.Warn("Cannot build history selector", "publisher", pub, "error", err)
		return false
	}

	s.beginQueryLocked(reason)
	s.wg.Add(1)
	go s.query(selector, pub, s.req.Params(), false)
	return true
}

func (s *Subscriber) beginQueryLocked(reason string) {
	if s.pending == 0 {
		s.failed = false
	}
	s.pending++
	s.policy.transition(StateReplaying, reason)
}

// query runs one history request and delivers its result. gap marks a missed
// sample recovery rather than a full replay.
func (s *Subscriber) query(selector keyexpr.KeyExpr, pub string, params bus.QueryParams, gap bool) {
	defer s.wg.Done()

	ctx := s.ctx
	if s.req.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.req.QueryTimeout)
		defer cancel()
	}

	samples, err := s.session.Get(ctx, selector, params)
	if s.ctx.Err() != nil {
		// Closed mid-query: no delivery, no transition.
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	outcome := "completed"
	if err != nil {
		outcome = "timeout"
		if !errors.Is(err, context.DeadlineExceeded) {
			outcome = "error"
		}
		s.failed = true
		s.logger.Warn("History replay unavailable, continuing with live samples",
			"publisher", pub, "selector", selector.String(),
			"error", errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrHistoryUnavailable, err),
				"history", "Subscriber.query", "history query"))
	}
	n := s.deliverReplayLocked(samples, params.MaxSamples)
	if s.metrics != nil {
		s.metrics.RecordReplay(s.topic.Name, outcome)
		s.metrics.RecordReplayedSamples(s.topic.Name, n)
	}
	s.logger.Debug("History query finished", "publisher", pub, "gap", gap, "outcome", outcome, "delivered", n)

	s.pending--
	if s.pending > 0 {
		return
	}
	if s.failed {
		s.policy.transition(StateIdle, "history query "+outcome)
		return
	}
	s.policy.transition(StateLive, "history recovered")
}

// deliverReplayLocked hands historical samples to the handler in sequence order,
// per publisher, skipping anything already delivered. At most maxSamples per
// publisher are accepted, the newest ones.
func (s *Subscriber) deliverReplayLocked(samples []bus.Sample, maxSamples int) int {
	byPub := make(map[string][]bus.Sample)
	var unsequenced []bus.Sample
	for _, sample := range samples {
		if topic, kind, _, _, ok := splitAdv(sample.Key); ok && kind == cacheSegment {
			sample.Key = topic
		}
		if sample.Source == nil {
			unsequenced = append(unsequenced, sample)
			continue
		}
		pub := sample.Source.PublisherID()
		byPub[pub] = append(byPub[pub], sample)
	}

	pubs := make([]string, 0, len(byPub))
	for pub := range byPub {
		pubs = append(pubs, pub)
	}
	sort.Strings(pubs)

	delivered := 0
	for _, pub := range pubs {
		batch := byPub[pub]
		sort.Slice(batch, func(i, j int) bool { return batch[i].Source.Sequence < batch[j].Source.Sequence })
		if maxSamples > 0 && len(batch) > maxSamples {
			batch = batch[len(batch)-maxSamples:]
		}

		seqs := make([]uint64, len(batch))
		index := make(map[uint64]bus.Sample, len(batch))
		for i, sample := range batch {
			seqs[i] = sample.Source.Sequence
			index[sample.Source.Sequence] = sample
		}
		for _, seq := range s.tracker.backfill(pub, seqs) {
			s.replayHandler(s.ctx, index[seq])
			delivered++
		}
	}
	if maxSamples > 0 && len(unsequenced) > maxSamples {
		unsequenced = unsequenced[len(unsequenced)-maxSamples:]
	}
	for _, sample := range unsequenced {
		s.replayHandler(s.ctx, sample)
		delivered++
	}
	return delivered
}

func (s *Subscriber) onSample(ctx context.Context, sample bus.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	// Publisher state is forgotten on token retraction, which only transient-local
	// subscriptions watch.
	if s.track && sample.Source != nil {
		deliver, gap := s.tracker.observe(sample.Source.PublisherID(), sample.Source.Sequence)
		if !deliver {
			return
		}
		if gap != nil {
			s.recoverLocked(sample.Key, sample.Source.ZID, sample.Source.EntityID, *gap)
		}
	}
	s.handler(ctx, sample)
}

func (s *Subscriber) onHeartbeat(_ context.Context, sample bus.Sample) {
	topic, kind, zid, eid, ok := splitAdv(sample.Key)
	if !ok || kind != heartbeatSegment {
		return
	}
	last, err := DecodeHeartbeat(sample.Payload)
	if err != nil {
		s.logger.Debug("Ignoring malformed heartbeat", "key", sample.Key.String(), "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if gap := s.tracker.heartbeat(publisherID(zid, eid), last); gap != nil {
		s.recoverLocked(topic, zid, eid, *gap)
	}
}

// recoverLocked queries a publisher's cache for a missed range, subject to the
// recovery rate limit.
func (s *Subscriber) recoverLocked(topic keyexpr.KeyExpr, zid string, eid uint64, gap Range) {
	if s.req.MissDetection != MissHeartbeat {
		return
	}
	pub := publisherID(zid, eid)
	if !s.limiter.Allow() {
		s.logger.Debug("Gap recovery throttled", "publisher", pub, "from", gap.From, "to", gap.To)
		return
	}
	selector, err := CacheKey(topic, zid, eid)
	if err != nil {
		s.logger.Debug("Cannot build recovery selector", "publisher", pub, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordGapRecovery(s.topic.Name)
	}
	s.logger.Debug("Recovering missed samples", "publisher", pub, "from", gap.From, "to", gap.To)

	s.beginQueryLocked(fmt.Sprintf("missed samples %d-%d from %s", gap.From, gap.To, pub))
	s.wg.Add(1)
	go s.query(selector, pub, bus.QueryParams{FromSeq: gap.From, ToSeq: gap.To}, true)
}

// Close cancels pending queries, withdraws the liveliness watch and heartbeat
// subscription, then the data subscription. The handler is not invoked after
// Close returns.
func (s *Subscriber) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	var firstErr error
	for _, decl := range []bus.Declaration{s.watch, s.heartbeat, s.data} {
		if decl == nil {
			continue
		}
		if err := decl.Undeclare(ctx); err != nil && firstErr == nil {
			firstErr = errors.WrapTransient(err, "history", "Subscriber.Close", "undeclare "+decl.Key().String())
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = errors.WrapTransient(ctx.Err(), "history", "Subscriber.Close", "waiting for queries")
		}
	case <-time.After(5 * time.Second):
		s.logger.Warn("History queries still running after close")
	}
	return firstErr
}

func publisherID(zid string, eid uint64) string {
	return zid + "/" + strconv.FormatUint(eid, 10)
}
