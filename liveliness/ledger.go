package liveliness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/semstreams-ros/bus"
	"github.com/c360/semstreams-ros/errors"
)

// Ledger declares tokens on a session and enforces that a node token outlives the
// endpoint tokens of the node.
type Ledger struct {
	session  bus.Session
	logger   *slog.Logger
	onChange func(declared int)

	mu       sync.Mutex
	entries  map[string]*ledgerEntry
	order    []string
	children map[string]int
}

type ledgerEntry struct {
	token Token
	key   string
	decl  bus.Declaration
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerLogger sets the logger used for declaration events.
func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithDeclaredGauge registers a callback invoked with the number of declared tokens
// after every change.
func WithDeclaredGauge(fn func(declared int)) LedgerOption {
	return func(l *Ledger) { l.onChange = fn }
}

// NewLedger creates a ledger declaring tokens on session.
func NewLedger(session bus.Session, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		session:  session,
		logger:   slog.Default(),
		entries:  make(map[string]*ledgerEntry),
		children: make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Declare asserts tok. Endpoint tokens require their node token to be declared first.
func (l *Ledger) Declare(ctx context.Context, tok Token) error {
	key, err := tok.Key()
	if err != nil {
		return err
	}

	var parentKey string
	if tok.Role.IsEntity() {
		parent, err := tok.NodeToken().Key()
		if err != nil {
			return err
		}
		parentKey = parent.String()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[key.String()]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: token %s already declared", errors.ErrMalformedToken, key),
			"Ledger", "Declare", "duplicate token check")
	}
	if parentKey != "" {
		if _, ok := l.entries[parentKey]; !ok {
			return errors.WrapInvalid(fmt.Errorf("%w: node token %s not declared", errors.ErrMalformedToken, parentKey),
				"Ledger", "Declare", "parent node check")
		}
	}

	decl, err := l.session.DeclareToken(ctx, key)
	if err != nil {
		return errors.WrapTransient(err, "Ledger", "Declare", "token declaration")
	}

	l.entries[key.String()] = &ledgerEntry{token: tok, key: key.String(), decl: decl}
	l.order = append(l.order, key.String())
	if parentKey != "" {
		l.children[parentKey]++
	}
	l.logger.Debug("Liveliness token declared", "key", key.String(), "role", string(tok.Role))
	l.changedLocked()
	return nil
}

// Retract undeclares tok. A node token cannot be retracted while any of its endpoint
// tokens is still declared.
func (l *Ledger) Retract(ctx context.Context, tok Token) error {
	key, err := tok.Key()
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retractLocked(ctx, key.String())
}

func (l *Ledger) retractLocked(ctx context.Context, key string) error {
	entry, ok := l.entries[key]
	if !ok {
		return nil
	}
	if entry.token.Role == RoleNode && l.children[key] > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %d endpoint tokens remain for %s", errors.ErrChildrenDeclared, l.children[key], key),
			"Ledger", "Retract", "child token check")
	}

	if err := entry.decl.Undeclare(ctx); err != nil {
		return errors.WrapTransient(err, "Ledger", "Retract", "token undeclaration")
	}

	delete(l.entries, key)
	for i, k := range l.order {
		if k == key {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	if entry.token.Role.IsEntity() {
		if parent, err := entry.token.NodeToken().Key(); err == nil {
			l.children[parent.String()]--
			if l.children[parent.String()] <= 0 {
				delete(l.children, parent.String())
			}
		}
	}
	l.logger.Debug("Liveliness token retracted", "key", key, "role", string(entry.token.Role))
	l.changedLocked()
	return nil
}

// RetractAll undeclares every token in reverse declaration order, so endpoint tokens
// disappear before the node that owns them. All tokens are attempted; the first
// error is returned.
func (l *Ledger) RetractAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	keys := make([]string, len(l.order))
	copy(keys, l.order)
	for i := len(keys) - 1; i >= 0; i-- {
		if err := l.retractLocked(ctx, keys[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Declared returns the declared tokens in declaration order.
func (l *Ledger) Declared() []Token {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Token, 0, len(l.order))
	for _, k := range l.order {
		out = append(out, l.entries[k].token)
	}
	return out
}

func (l *Ledger) changedLocked() {
	if l.onChange != nil {
		l.onChange(len(l.entries))
	}
}
