// Package node ties the bridge together. A Node owns a liveliness node token on a
// bus session, a router shared by its subscriptions, and the publishers and
// subscriptions created through it. Every entity announces itself with an endpoint
// token; tokens are withdrawn entities first, node last.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/c360/semstreams-ros/bus"
	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/liveliness"
	"github.com/c360/semstreams-ros/metric"
	"github.com/c360/semstreams-ros/qos"
	"github.com/c360/semstreams-ros/router"
)

// Config identifies a node in the ROS graph.
type Config struct {
	Domain    uint32
	Enclave   string
	Namespace string
	Name      string
}

func (c Config) withDefaults() Config {
	if c.Enclave == "" {
		c.Enclave = "/"
	}
	if c.Namespace == "" {
		c.Namespace = "/"
	}
	return c
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the node logger. Subscriptions and publishers derive theirs from it.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithMetrics records router, history and liveliness metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithErrorHandler receives samples dropped by the router.
func WithErrorHandler(fn router.ErrorHandler) Option {
	return func(n *Node) { n.onError = fn }
}

// entity is a subscription or publisher owned by the node.
type entity interface {
	Close(ctx context.Context) error
}

// Node is a named participant on a bus session.
type Node struct {
	session bus.Session
	ids     *liveliness.EntityIDs
	cfg     Config
	token   liveliness.Token
	ledger  *liveliness.Ledger
	router  *router.Router
	logger  *slog.Logger
	metrics *metric.Metrics
	onError router.ErrorHandler

	graph bus.Declaration

	mu       sync.Mutex
	closed   bool
	entities []entity
}

// New declares a node token on session. ids is shared by every node of the process
// so entity identifiers stay unique.
func New(ctx context.Context, session bus.Session, ids *liveliness.EntityIDs, cfg Config, opts ...Option) (*Node, error) {
	if session == nil || ids == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: nil session or entity ids", errors.ErrSessionOpen),
			"Node", "New", "argument check")
	}
	cfg = cfg.withDefaults()

	n := &Node{
		session: session,
		ids:     ids,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("node", cfg.Name, "namespace", cfg.Namespace, "zid", session.ZID())

	routerOpts := []router.Option{router.WithLogger(n.logger)}
	if n.metrics != nil {
		routerOpts = append(routerOpts, router.WithMetrics(n.metrics))
	}
	if n.onError != nil {
		routerOpts = append(routerOpts, router.WithErrorHandler(n.onError))
	}
	n.router = router.New(routerOpts...)

	ledgerOpts := []liveliness.LedgerOption{liveliness.WithLedgerLogger(n.logger)}
	if n.metrics != nil {
		ledgerOpts = append(ledgerOpts, liveliness.WithDeclaredGauge(n.metrics.RecordTokensDeclared))
	}
	n.ledger = liveliness.NewLedger(session, ledgerOpts...)

	id := ids.Next()
	n.token = liveliness.Token{
		Domain:     cfg.Domain,
		SessionZID: session.ZID(),
		NodeID:     id,
		EntityID:   id,
		Role:       liveliness.RoleNode,
		Enclave:    cfg.Enclave,
		Namespace:  cfg.Namespace,
		NodeName:   cfg.Name,
	}
	if err := n.ledger.Declare(ctx, n.token); err != nil {
		return nil, err
	}

	if n.metrics != nil {
		graph, err := session.WatchTokens(ctx, liveliness.AllPattern(), func(_ context.Context, ev bus.TokenEvent) {
			n.metrics.RecordTokenEvent(ev.Kind.String())
		})
		if err != nil {
			n.logger.Warn("Liveliness events will not be counted", "error", err)
		} else {
			n.graph = graph
		}
	}

	n.logger.Info("Node started", "domain", cfg.Domain, "node_id", id)
	return n, nil
}

// Name returns the node name.
func (n *Node) Name() string { return n.cfg.Name }

// Token returns the node liveliness token.
func (n *Node) Token() liveliness.Token { return n.token }

// Session returns the bus session the node runs on.
func (n *Node) Session() bus.Session { return n.session }

// Router returns the router shared by the node's subscriptions.
func (n *Node) Router() *router.Router { return n.router }

// Declared returns the liveliness tokens currently held by the node.
func (n *Node) Declared() []liveliness.Token { return n.ledger.Declared() }

// ResolveName expands a relative topic name against the node namespace.
func (n *Node) ResolveName(topic string) string {
	if strings.HasPrefix(topic, "/") {
		return topic
	}
	if n.cfg.Namespace == "/" {
		return "/" + topic
	}
	return strings.TrimSuffix(n.cfg.Namespace, "/") + "/" + topic
}

// endpointToken builds the token of a new entity of this node.
func (n *Node) endpointToken(role liveliness.Role, id liveliness.EntityID, topic, typeName, typeHash string,
	profile qos.Profile) liveliness.Token {
	tok := n.token
	tok.Role = role
	tok.EntityID = id
	tok.Topic = topic
	tok.TypeName = typeName
	tok.TypeHash = typeHash
	tok.QoS = profile
	return tok
}

func (n *Node) adopt(e entity) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.WrapTransient(errors.ErrSessionClosed, "Node", "adopt", "node state check")
	}
	n.entities = append(n.entities, e)
	return nil
}

func (n *Node) release(e entity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, existing := range n.entities {
		if existing == e {
			n.entities = append(n.entities[:i], n.entities[i+1:]...)
			return
		}
	}
}

func (n *Node) checkOpen() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.WrapTransient(errors.ErrSessionClosed, "Node", "checkOpen", "node state check")
	}
	return nil
}

// Close closes every subscription and publisher, newest first, then retracts the
// node token. The session stays open.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	entities := make([]entity, len(n.entities))
	copy(entities, n.entities)
	n.mu.Unlock()

	var firstErr error
	for i := len(entities) - 1; i >= 0; i-- {
		if err := entities[i].Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n.graph != nil {
		if err := n.graph.Undeclare(ctx); err != nil && firstErr == nil {
			firstErr = errors.WrapTransient(err, "Node", "Close", "liveliness watch undeclaration")
		}
	}
	if err := n.ledger.RetractAll(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	n.logger.Info("Node stopped")
	return firstErr
}
