// Package bus defines the narrow session interface the bridge needs from a pub/sub
// transport: publish, subscribe, queryables for history, and liveliness tokens.
// Backends live in sub-packages (membus) and in natsclient.
package bus

import (
	"context"
	"fmt"

	"github.com/c360/semstreams-ros/keyexpr"
)

// Source identifies the publisher of a sample and its position in the publisher's
// sequence. A nil *Source means the publisher does not track sequences.
type Source struct {
	ZID      string `json:"zid"`
	EntityID uint64 `json:"eid"`
	Sequence uint64 `json:"sn"`
}

// PublisherID returns the "<zid>/<eid>" identity of the publisher.
func (s Source) PublisherID() string {
	return fmt.Sprintf("%s/%d", s.ZID, s.EntityID)
}

// Sample is one message delivered on a key.
type Sample struct {
	Key     keyexpr.KeyExpr
	Payload []byte
	Source  *Source
}

// Handler receives samples. Handlers may be invoked concurrently from the
// backend's dispatch goroutines.
type Handler func(ctx context.Context, sample Sample)

// QueryParams narrows a history query.
type QueryParams struct {
	// MaxSamples bounds the number of samples returned per queryable; 0 means all.
	MaxSamples int `json:"max,omitempty"`
	// FromSeq and ToSeq select an inclusive sequence range; 0 leaves the bound open.
	FromSeq uint64 `json:"from,omitempty"`
	ToSeq   uint64 `json:"to,omitempty"`
}

// Query is delivered to a queryable.
type Query struct {
	Selector keyexpr.KeyExpr
	Params   QueryParams
}

// QueryHandler answers a query with zero or more samples.
type QueryHandler func(ctx context.Context, query Query) ([]Sample, error)

// TokenEventKind distinguishes token appearance from retraction.
type TokenEventKind int

const (
	// TokenPut is reported when a token is declared.
	TokenPut TokenEventKind = iota
	// TokenDelete is reported when a token is undeclared or its owner disappears.
	TokenDelete
)

// String returns the event kind name.
func (k TokenEventKind) String() string {
	if k == TokenDelete {
		return "delete"
	}
	return "put"
}

// TokenEvent reports a liveliness change.
type TokenEvent struct {
	Kind TokenEventKind
	Key  keyexpr.KeyExpr
}

// TokenHandler receives liveliness changes.
type TokenHandler func(ctx context.Context, event TokenEvent)

// Declaration is a handle on a subscriber, queryable, token or watch.
type Declaration interface {
	Key() keyexpr.KeyExpr
	Undeclare(ctx context.Context) error
}

// Session is the bus connection used by the bridge.
type Session interface {
	// ZID returns the session identifier advertised in liveliness tokens.
	ZID() string
	// Put publishes a sample on a concrete key.
	Put(ctx context.Context, sample Sample) error
	// DeclareSubscriber delivers every sample whose key matches pattern.
	DeclareSubscriber(ctx context.Context, pattern keyexpr.KeyExpr, handler Handler) (Declaration, error)
	// DeclareQueryable answers queries whose selector intersects key.
	DeclareQueryable(ctx context.Context, key keyexpr.KeyExpr, handler QueryHandler) (Declaration, error)
	// Get queries every matching queryable and returns the collected replies.
	// It returns when all queryables answered or ctx is done.
	Get(ctx context.Context, selector keyexpr.KeyExpr, params QueryParams) ([]Sample, error)
	// DeclareToken asserts a liveliness token until it is undeclared or the session closes.
	DeclareToken(ctx context.Context, key keyexpr.KeyExpr) (Declaration, error)
	// WatchTokens reports token changes matching pattern from now on.
	WatchTokens(ctx context.Context, pattern keyexpr.KeyExpr, handler TokenHandler) (Declaration, error)
	// GetTokens returns the currently declared tokens matching pattern.
	GetTokens(ctx context.Context, pattern keyexpr.KeyExpr) ([]keyexpr.KeyExpr, error)
	// Close undeclares everything owned by the session.
	Close(ctx context.Context) error
}
