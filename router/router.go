// Package router fans bus samples out to typed handlers. Every registration whose
// pattern matches a sample's key decodes the payload with its own codec and runs its
// handler; a decode failure or panic in one registration never affects the others.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/semstreams-ros/bus"
	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/keyexpr"
	"github.com/c360/semstreams-ros/message"
	"github.com/c360/semstreams-ros/metric"
)

// Handler receives decoded messages together with the key they arrived on.
type Handler[T any] func(ctx context.Context, key keyexpr.KeyExpr, msg T)

// ErrorHandler is told about samples a registration could not handle.
type ErrorHandler func(reg *Registration, sample bus.Sample, err error)

// Registration is one pattern bound to a codec and handler.
type Registration struct {
	id      uint64
	pattern keyexpr.KeyExpr
	typ     message.Type
	topic   string
	invoke  func(ctx context.Context, sample bus.Sample) error
}

// ID returns the registration identifier. Identifiers increase with registration order.
func (r *Registration) ID() uint64 { return r.id }

// Pattern returns the key pattern.
func (r *Registration) Pattern() keyexpr.KeyExpr { return r.pattern }

// Type returns the message type decoded by the registration.
func (r *Registration) Type() message.Type { return r.typ }

// Topic returns the label used in logs and metrics.
func (r *Registration) Topic() string { return r.topic }

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records received samples, decode errors, panics and handler latency.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithErrorHandler reports decode failures and handler panics.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(r *Router) { r.onError = fn }
}

// Router holds the registration table. Dispatch reads an immutable snapshot;
// Register and Unregister publish a new one.
type Router struct {
	logger  *slog.Logger
	metrics *metric.Metrics
	onError ErrorHandler

	mu     sync.Mutex
	nextID uint64
	table  atomic.Pointer[[]*Registration]
}

// New creates an empty router.
func New(opts ...Option) *Router {
	r := &Router{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	empty := make([]*Registration, 0)
	r.table.Store(&empty)
	return r
}

// RegisterOption configures one registration.
type RegisterOption func(*Registration)

// WithTopic sets the label used in logs and metrics. It defaults to the pattern.
func WithTopic(topic string) RegisterOption {
	return func(reg *Registration) { reg.topic = topic }
}

// Register binds handler to every sample matching pattern, decoded with codec.
func Register[T any](r *Router, pattern keyexpr.KeyExpr, codec message.Codec[T], handler Handler[T],
	opts ...RegisterOption) (*Registration, error) {
	if pattern.IsZero() || codec == nil || handler == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: empty pattern, nil codec or nil handler", errors.ErrSubscriptionCreation),
			"Router", "Register", "argument check")
	}

	reg := &Registration{
		pattern: pattern,
		typ:     codec.Type(),
		topic:   pattern.String(),
	}
	for _, opt := range opts {
		opt(reg)
	}
	reg.invoke = func(ctx context.Context, sample bus.Sample) error {
		msg, err := message.Unmarshal(codec, sample.Payload)
		if err != nil {
			return err
		}
		handler(ctx, sample.Key, msg)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	reg.id = r.nextID
	current := *r.table.Load()
	next := make([]*Registration, len(current), len(current)+1)
	copy(next, current)
	next = append(next, reg)
	r.table.Store(&next)

	r.logger.Debug("Registration added", "id", reg.id, "pattern", pattern.String(), "type", reg.typ.String())
	return reg, nil
}

// Unregister removes reg. In-flight dispatches holding an older snapshot may still
// run it once more. It reports whether reg was registered.
func (r *Router) Unregister(reg *Registration) bool {
	if reg == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.table.Load()
	next := make([]*Registration, 0, len(current))
	found := false
	for _, existing := range current {
		if existing == reg {
			found = true
			continue
		}
		next = append(next, existing)
	}
	if !found {
		return false
	}
	r.table.Store(&next)
	r.logger.Debug("Registration removed", "id", reg.id, "pattern", reg.pattern.String())
	return true
}

// Registrations returns the current registrations in id order.
func (r *Router) Registrations() []*Registration {
	current := *r.table.Load()
	out := make([]*Registration, len(current))
	copy(out, current)
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Dispatch runs every registration matching the sample key and returns how many ran.
func (r *Router) Dispatch(ctx context.Context, sample bus.Sample) int {
	matched := r.matching(sample.Key)
	for _, reg := range matched {
		r.run(ctx, reg, sample)
	}
	return len(matched)
}

// Deliver runs only reg, for samples that reached its own bus subscription or its
// history replay. It reports false when reg is no longer registered or its pattern
// does not match the sample.
func (r *Router) Deliver(ctx context.Context, reg *Registration, sample bus.Sample) bool {
	if reg == nil || !keyexpr.Matches(reg.pattern, sample.Key) {
		return false
	}
	for _, existing := range *r.table.Load() {
		if existing == reg {
			r.run(ctx, reg, sample)
			return true
		}
	}
	return false
}

// matching returns the registrations matching key in id order.
func (r *Router) matching(key keyexpr.KeyExpr) []*Registration {
	current := *r.table.Load()
	var out []*Registration
	for _, reg := range current {
		if keyexpr.Matches(reg.pattern, key) {
			out = append(out, reg)
		}
	}
	return out
}

func (r *Router) run(ctx context.Context, reg *Registration, sample bus.Sample) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			if r.metrics != nil {
				r.metrics.RecordHandlerPanic(reg.topic)
			}
			r.report(reg, sample, fmt.Errorf("handler panic: %v", p))
		}
	}()

	if r.metrics != nil {
		r.metrics.RecordSampleReceived(reg.topic)
	}

	if err := reg.invoke(ctx, sample); err != nil {
		if r.metrics != nil {
			r.metrics.RecordDecodeError(reg.topic, errors.Classify(err).String())
		}
		r.report(reg, sample, errors.WrapInvalid(err, "Router", "Dispatch", "decode "+reg.typ.String()))
		return
	}

	if r.metrics != nil {
		r.metrics.RecordDispatchDuration(reg.topic, time.Since(start))
	}
}

func (r *Router) report(reg *Registration, sample bus.Sample, err error) {
	if r.onError != nil {
		r.onError(reg, sample, err)
		return
	}
	r.logger.Warn("Dropped sample", "topic", reg.topic, "key", sample.Key.String(), "error", err)
}
