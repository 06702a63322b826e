// Package history implements durable delivery for transient-local topics: a caching
// Publisher that keeps recent samples and advertises its sequence through heartbeats,
// and an advanced Subscriber that discovers caching publishers through liveliness
// tokens, replays their history and recovers missed samples.
package history

import (
	"sync"
	"time"
)

// State is the replay state of one subscription.
type State int32

const (
	// StateIdle means no replay is in progress and none is expected; live samples
	// still flow. A subscription falls back here when a replay times out.
	StateIdle State = iota
	// StateDiscovering means the subscription is looking for caching publishers.
	StateDiscovering
	// StateReplaying means at least one history query is outstanding.
	StateReplaying
	// StateLive means history has been recovered (or there was none to recover).
	StateLive
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateReplaying:
		return "replaying"
	case StateLive:
		return "live"
	default:
		return "unknown"
	}
}

// Transition records one state change.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Policy is the per-subscription state machine. Transitions are serialized; hooks run
// synchronously under the policy lock, in transition order, and must not call back
// into the policy's transition path.
type Policy struct {
	mu          sync.Mutex
	state       State
	transitions []Transition
	hooks       []func(Transition)
	now         func() time.Time
}

// NewPolicy returns a policy in StateIdle.
func NewPolicy() *Policy {
	return &Policy{state: StateIdle, now: time.Now}
}

// State returns the current state.
func (p *Policy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OnTransition registers fn to observe every subsequent transition.
func (p *Policy) OnTransition(fn func(Transition)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, fn)
}

// Transitions returns the recorded transitions, oldest first.
func (p *Policy) Transitions() []Transition {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Transition, len(p.transitions))
	copy(out, p.transitions)
	return out
}

// Path returns the sequence of states visited, starting with the initial state.
func (p *Policy) Path() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []State{StateIdle}
	for _, t := range p.transitions {
		out = append(out, t.To)
	}
	return out
}

// transition moves to the target state. Moving to the current state is a no-op and
// reports false.
func (p *Policy) transition(to State, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == to {
		return false
	}
	t := Transition{From: p.state, To: to, Reason: reason, At: p.now()}
	p.state = to
	p.transitions = append(p.transitions, t)
	for _, hook := range p.hooks {
		hook(t)
	}
	return true
}
