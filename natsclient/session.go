package natsclient

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/semstreams-ros/bus"
	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/keyexpr"
	"github.com/c360/semstreams-ros/pkg/retry"
)

// Sample source headers.
const (
	HeaderZID      = "Ros-Zid"
	HeaderEntityID = "Ros-Eid"
	HeaderSequence = "Ros-Sn"
)

// DefaultQueryQuiet is how long Get waits after the last reply before it
// assumes every queryable has answered.
const DefaultQueryQuiet = 250 * time.Millisecond

// SessionOption configures a Session.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	root        string
	zid         string
	tokenBucket string
	tokenTTL    time.Duration
	queryQuiet  time.Duration
	logger      *slog.Logger
}

// WithSubjectRoot sets the first subject token of every data subject.
func WithSubjectRoot(root string) SessionOption {
	return func(c *sessionConfig) {
		if root != "" {
			c.root = root
		}
	}
}

// WithSessionZID overrides the generated session identifier.
func WithSessionZID(zid string) SessionOption {
	return func(c *sessionConfig) { c.zid = zid }
}

// WithTokenBucket sets the liveliness bucket and the TTL after which entries of a
// vanished session expire.
func WithTokenBucket(name string, ttl time.Duration) SessionOption {
	return func(c *sessionConfig) {
		if name != "" {
			c.tokenBucket = name
		}
		if ttl > 0 {
			c.tokenTTL = ttl
		}
	}
}

// WithQueryQuiet sets the reply quiet period used by Get.
func WithQueryQuiet(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		if d > 0 {
			c.queryQuiet = d
		}
	}
}

// WithSessionLogger sets the session logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(c *sessionConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type queryRequest struct {
	Selector string          `json:"selector"`
	Params   bus.QueryParams `json:"params"`
}

type wireSample struct {
	Key     string      `json:"key"`
	Payload []byte      `json:"payload,omitempty"`
	Source  *bus.Source `json:"source,omitempty"`
}

type replyBatch struct {
	Samples []wireSample `json:"samples"`
}

type queryable struct {
	id      uint64
	key     keyexpr.KeyExpr
	handler bus.QueryHandler
}

// Session is a bus.Session over a NATS connection. Data keys map onto subjects
// under the subject root, queries are broadcast on "<root>_query" and answered
// with JSON reply batches, and liveliness tokens live in a JetStream KV bucket.
type Session struct {
	client *Client
	conn   *nats.Conn
	cfg    sessionConfig
	logger *slog.Logger
	tokens *tokenStore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	querySub *nats.Subscription

	mu         sync.Mutex
	closed     bool
	nextID     uint64
	owned      map[uint64]func(ctx context.Context) error
	queryables map[uint64]*queryable
}

var _ bus.Session = (*Session)(nil)

// OpenSession opens a session on a connected client. The client stays owned by
// the caller and must outlive the session.
func OpenSession(ctx context.Context, client *Client, opts ...SessionOption) (*Session, error) {
	cfg := sessionConfig{
		root:        DefaultSubjectRoot,
		tokenBucket: DefaultTokenBucket,
		tokenTTL:    DefaultTokenTTL,
		queryQuiet:  DefaultQueryQuiet,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.zid == "" {
		id := uuid.New()
		cfg.zid = hex.EncodeToString(id[:])
	}
	if client == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: nil client", errors.ErrSessionOpen), "natsclient", "OpenSession", "argument check")
	}

	conn, err := client.Conn()
	if err != nil {
		return nil, errors.WrapTransient(err, "natsclient", "OpenSession", "connection check")
	}

	kv, err := retry.DoWithResult(ctx, retry.Bus(), func() (jetstream.KeyValue, error) {
		return client.KeyValue(ctx, tokenBucketConfig(cfg.tokenBucket, cfg.tokenTTL))
	})
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSessionOpen, err),
			"natsclient", "OpenSession", "open liveliness bucket")
	}

	logger := cfg.logger.With("component", "natsclient", "zid", cfg.zid)
	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		client:     client,
		conn:       conn,
		cfg:        cfg,
		logger:     logger,
		tokens:     newTokenStore(kv, cfg.zid, cfg.tokenTTL, logger),
		ctx:        sessionCtx,
		cancel:     cancel,
		owned:      make(map[uint64]func(context.Context) error),
		queryables: make(map[uint64]*queryable),
	}

	s.querySub, err = conn.Subscribe(s.querySubject(), s.handleQuery)
	if err != nil {
		cancel()
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSessionOpen, err),
			"natsclient", "OpenSession", "query subscription")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tokens.runRefresh(sessionCtx)
	}()

	logger.Info("Session opened", "root", cfg.root, "token_bucket", cfg.tokenBucket)
	return s, nil
}

// ZID returns the session identifier.
func (s *Session) ZID() string { return s.cfg.zid }

func (s *Session) querySubject() string { return s.cfg.root + "_query" }

func (s *Session) checkOpen(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.WrapTransient(errors.ErrSessionClosed, "natsclient", op, "session state check")
	}
	return nil
}

func (s *Session) track(release func(context.Context) error) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.owned[s.nextID] = release
	return s.nextID
}

func (s *Session) untrack(id uint64) (func(context.Context) error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, ok := s.owned[id]
	if ok {
		delete(s.owned, id)
	}
	return release, ok
}

// Put publishes sample on the subject of its key with the source in headers.
func (s *Session) Put(_ context.Context, sample bus.Sample) error {
	if err := s.checkOpen("Put"); err != nil {
		return err
	}
	subject, err := KeySubject(s.cfg.root, sample.Key)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(subject)
	msg.Data = sample.Payload
	if src := sample.Source; src != nil {
		msg.Header.Set(HeaderZID, src.ZID)
		msg.Header.Set(HeaderEntityID, strconv.FormatUint(src.EntityID, 10))
		msg.Header.Set(HeaderSequence, strconv.FormatUint(src.Sequence, 10))
	}
	if err := s.conn.PublishMsg(msg); err != nil {
		return errors.WrapTransient(err, "natsclient", "Put", "publish "+subject)
	}
	return nil
}

func sourceFromHeader(h nats.Header) *bus.Source {
	zid := h.Get(HeaderZID)
	if zid == "" {
		return nil
	}
	eid, err := strconv.ParseUint(h.Get(HeaderEntityID), 10, 64)
	if err != nil {
		return nil
	}
	sn, err := strconv.ParseUint(h.Get(HeaderSequence), 10, 64)
	if err != nil {
		return nil
	}
	return &bus.Source{ZID: zid, EntityID: eid, Sequence: sn}
}

// DeclareSubscriber subscribes to the subjects covering pattern. Each subject
// subscription delivers in order on its own goroutine.
func (s *Session) DeclareSubscriber(
	_ context.Context, pattern keyexpr.KeyExpr, handler bus.Handler,
) (bus.Declaration, error) {
	if err := s.checkOpen("DeclareSubscriber"); err != nil {
		return nil, err
	}
	if pattern.IsZero() || handler == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: empty pattern or nil handler", errors.ErrSubscriptionCreation),
			"natsclient", "DeclareSubscriber", "argument check")
	}

	deliver := func(msg *nats.Msg) {
		key, err := SubjectKey(s.cfg.root, msg.Subject)
		if err != nil {
			s.logger.Debug("Ignoring unmappable subject", "subject", msg.Subject, "error", err)
			return
		}
		// NATS wildcards are coarser than key patterns: '>' covers everything
		// after a '**' and '*' also matches verbatim segments.
		if !keyexpr.Matches(pattern, key) {
			return
		}
		handler(s.ctx, bus.Sample{Key: key, Payload: msg.Data, Source: sourceFromHeader(msg.Header)})
	}

	subjects := PatternSubjects(s.cfg.root, pattern)
	subs := make([]*nats.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := s.conn.Subscribe(subject, deliver)
		if err != nil {
			for _, prev := range subs {
				_ = prev.Unsubscribe()
			}
			return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSubscriptionCreation, err),
				"natsclient", "DeclareSubscriber", "subscribe "+subject)
		}
		subs = append(subs, sub)
	}

	id := s.track(func(context.Context) error {
		var firstErr error
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil && firstErr == nil && !errors.Is(err, nats.ErrConnectionClosed) {
				firstErr = err
			}
		}
		return firstErr
	})
	s.logger.Debug("Subscriber declared", "pattern", pattern.String(), "subjects", subjects)
	return &declaration{session: s, id: id, key: pattern}, nil
}

// DeclareQueryable answers broadcast queries whose selector intersects key.
func (s *Session) DeclareQueryable(
	_ context.Context, key keyexpr.KeyExpr, handler bus.QueryHandler,
) (bus.Declaration, error) {
	if err := s.checkOpen("DeclareQueryable"); err != nil {
		return nil, err
	}
	if key.IsZero() || handler == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: empty key or nil handler", errors.ErrSubscriptionCreation),
			"natsclient", "DeclareQueryable", "argument check")
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.queryables[id] = &queryable{id: id, key: key, handler: handler}
	s.owned[id] = func(context.Context) error {
		s.mu.Lock()
		delete(s.queryables, id)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.logger.Debug("Queryable declared", "key", key.String())
	return &declaration{session: s, id: id, key: key}, nil
}

func (s *Session) handleQuery(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	var req queryRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Debug("Ignoring malformed query", "error", err)
		return
	}
	selector, err := keyexpr.Parse(req.Selector)
	if err != nil {
		s.logger.Debug("Ignoring query with malformed selector", "selector", req.Selector, "error", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	targets := make([]*queryable, 0, len(s.queryables))
	for _, q := range s.queryables {
		if keyexpr.Intersects(q.key, selector) {
			targets = append(targets, q)
		}
	}
	// Added under mu so Close never waits on a group that is still growing.
	s.wg.Add(len(targets))
	s.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	query := bus.Query{Selector: selector, Params: req.Params}
	for _, q := range targets {
		q := q
		go func() {
			defer s.wg.Done()
			samples, err := q.handler(s.ctx, query)
			if err != nil {
				s.logger.Debug("Queryable returned error", "key", q.key.String(), "error", err)
				return
			}
			if err := s.reply(msg.Reply, samples); err != nil {
				s.logger.Warn("Query reply failed", "key", q.key.String(), "error", err)
			}
		}()
	}
}

// reply sends samples in batches that fit the server's payload limit.
func (s *Session) reply(inbox string, samples []bus.Sample) error {
	limit := int(s.conn.MaxPayload() / 2)
	if limit <= 0 {
		limit = 512 * 1024
	}

	batch := replyBatch{}
	size := 0
	flush := func() error {
		if len(batch.Samples) == 0 {
			return nil
		}
		data, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		batch = replyBatch{}
		size = 0
		return s.conn.Publish(inbox, data)
	}

	for _, sample := range samples {
		ws := wireSample{Key: sample.Key.String(), Payload: sample.Payload, Source: sample.Source}
		est := len(ws.Key) + len(ws.Payload)*4/3 + 128
		if size+est > limit {
			if err := flush(); err != nil {
				return err
			}
		}
		batch.Samples = append(batch.Samples, ws)
		size += est
	}
	return flush()
}

// Get broadcasts a query and collects replies until none arrived for the quiet
// period. When ctx ends first the replies collected so far are returned with
// the context error.
func (s *Session) Get(ctx context.Context, selector keyexpr.KeyExpr, params bus.QueryParams) ([]bus.Sample, error) {
	if err := s.checkOpen("Get"); err != nil {
		return nil, err
	}
	body, err := json.Marshal(queryRequest{Selector: selector.String(), Params: params})
	if err != nil {
		return nil, errors.WrapInvalid(err, "natsclient", "Get", "encode query")
	}

	inbox := s.conn.NewRespInbox()
	replies := make(chan *nats.Msg, 64)
	sub, err := s.conn.ChanSubscribe(inbox, replies)
	if err != nil {
		return nil, errors.WrapTransient(err, "natsclient", "Get", "reply subscription")
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := s.conn.PublishRequest(s.querySubject(), inbox, body); err != nil {
		return nil, errors.WrapTransient(err, "natsclient", "Get", "publish query")
	}

	quiet := time.NewTimer(s.cfg.queryQuiet)
	defer quiet.Stop()

	var out []bus.Sample
	for {
		select {
		case msg := <-replies:
			var batch replyBatch
			if err := json.Unmarshal(msg.Data, &batch); err != nil {
				s.logger.Debug("Ignoring malformed query reply", "error", err)
			}
			for _, ws := range batch.Samples {
				key, err := keyexpr.Parse(ws.Key)
				if err != nil || !keyexpr.Intersects(selector, key) {
					continue
				}
				out = append(out, bus.Sample{Key: key, Payload: ws.Payload, Source: ws.Source})
			}
			quiet.Reset(s.cfg.queryQuiet)
		case <-quiet.C:
			return out, nil
		case <-ctx.Done():
			return out, errors.WrapTransient(ctx.Err(), "natsclient", "Get", "waiting for replies")
		}
	}
}

// DeclareToken writes the token to the liveliness bucket until undeclared.
func (s *Session) DeclareToken(ctx context.Context, key keyexpr.KeyExpr) (bus.Declaration, error) {
	if err := s.checkOpen("DeclareToken"); err != nil {
		return nil, err
	}
	if key.IsZero() || key.IsWild() {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: token key %q must be concrete", errors.ErrMalformedKey, key),
			"natsclient", "DeclareToken", "key check")
	}
	if err := s.tokens.declare(ctx, key); err != nil {
		return nil, err
	}
	id := s.track(func(ctx context.Context) error { return s.tokens.retract(ctx, key) })
	return &declaration{session: s, id: id, key: key}, nil
}

// WatchTokens reports token changes matching pattern from now on. Tokens of a
// session that vanished without retracting expire with the bucket TTL, which
// the bucket does not report as a delete.
func (s *Session) WatchTokens(
	_ context.Context, pattern keyexpr.KeyExpr, handler bus.TokenHandler,
) (bus.Declaration, error) {
	if err := s.checkOpen("WatchTokens"); err != nil {
		return nil, err
	}
	if pattern.IsZero() || handler == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: empty pattern or nil handler", errors.ErrSubscriptionCreation),
			"natsclient", "WatchTokens", "argument check")
	}

	watchCtx, stop := context.WithCancel(s.ctx)
	done := make(chan struct{})
	if err := s.tokens.watch(watchCtx, newTokenWatch(pattern, handler), done); err != nil {
		stop()
		return nil, err
	}

	id := s.track(func(ctx context.Context) error {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return nil
	})
	return &declaration{session: s, id: id, key: pattern}, nil
}

// GetTokens returns the declared tokens matching pattern, sorted by key.
func (s *Session) GetTokens(ctx context.Context, pattern keyexpr.KeyExpr) ([]keyexpr.KeyExpr, error) {
	if err := s.checkOpen("GetTokens"); err != nil {
		return nil, err
	}
	return s.tokens.list(ctx, pattern)
}

// Close releases every declaration newest first, so endpoint tokens are retracted
// before their node token. The underlying client is left connected.
func (s *Session) Close(ctx context.Context) error {
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

	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	var firstErr error
	for _, id := range ids {
		release, ok := s.untrack(id)
		if !ok {
			continue
		}
		if err := release(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.querySub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && firstErr == nil {
		firstErr = err
	}
	s.cancel()
	s.wg.Wait()

	if firstErr != nil {
		return errors.WrapTransient(firstErr, "natsclient", "Close", "release declarations")
	}
	s.logger.Info("Session closed")
	return nil
}

type declaration struct {
	session *Session
	id      uint64
	key     keyexpr.KeyExpr
}

func (d *declaration) Key() keyexpr.KeyExpr { return d.key }

// Undeclare releases the declaration. Undeclaring twice is a no-op.
func (d *declaration) Undeclare(ctx context.Context) error {
	if release, ok := d.session.untrack(d.id); ok {
		return release(ctx)
	}
	return nil
}
