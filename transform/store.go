// Package transform keeps the latest known transform per child frame, fed from
// tf and tf_static messages.
package transform

import (
	"fmt"
	"sort"
	"sync"

	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/message"
)

// maxChain bounds frame tree walks.
const maxChain = 64

// Kind tells where a transform came from.
type Kind int

const (
	// Dynamic transforms arrive on /tf and change over time.
	Dynamic Kind = iota
	// Static transforms arrive on /tf_static and hold until replaced.
	Static
)

// String returns the kind name.
func (k Kind) String() string {
	if k == Static {
		return "static"
	}
	return "dynamic"
}

// Entry is a stored transform.
type Entry struct {
	Kind      Kind
	Transform message.TransformStamped
}

// Parent returns the parent frame of the entry.
func (e Entry) Parent() string { return e.Transform.Header.FrameID }

// Store indexes transforms by child frame. Static transforms replace any earlier
// transform for the same child. Dynamic transforms keep the newest stamp; an older
// stamp arriving late is ignored. A child with both keeps its static transform.
type Store struct {
	mu      sync.RWMutex
	static  map[string]message.TransformStamped
	dynamic map[string]message.TransformStamped
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		static:  make(map[string]message.TransformStamped),
		dynamic: make(map[string]message.TransformStamped),
	}
}

// ApplyStatic stores every transform of msg as static and returns how many were
// stored.
func (s *Store) ApplyStatic(msg message.TFMessage) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, tf := range msg.Transforms {
		if tf.ChildFrameID == "" {
			continue
		}
		s.static[tf.ChildFrameID] = tf
		n++
	}
	return n
}

// ApplyDynamic stores the transforms of msg that are not older than what is
// already known and returns how many were stored.
func (s *Store) ApplyDynamic(msg message.TFMessage) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, tf := range msg.Transforms {
		if tf.ChildFrameID == "" {
			continue
		}
		if prev, ok := s.dynamic[tf.ChildFrameID]; ok && stampBefore(tf.Header.Stamp, prev.Header.Stamp) {
			continue
		}
		s.dynamic[tf.ChildFrameID] = tf
		n++
	}
	return n
}

// Lookup returns the transform of a child frame.
func (s *Store) Lookup(child string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(child)
}

func (s *Store) lookupLocked(child string) (Entry, bool) {
	if tf, ok := s.static[child]; ok {
		return Entry{Kind: Static, Transform: tf}, true
	}
	if tf, ok := s.dynamic[child]; ok {
		return Entry{Kind: Dynamic, Transform: tf}, true
	}
	return Entry{}, false
}

// Chain walks from frame towards the root and returns the transforms crossed,
// child first. It fails when the tree has a cycle.
func (s *Store) Chain(frame string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chain []Entry
	seen := map[string]bool{frame: true}
	for current := frame; len(chain) < maxChain; {
		entry, ok := s.lookupLocked(current)
		if !ok {
			return chain, nil
		}
		chain = append(chain, entry)
		current = entry.Parent()
		if seen[current] {
			return nil, errors.WrapInvalid(fmt.Errorf("frame %q is its own ancestor", current),
				"Store", "Chain", "frame tree walk")
		}
		seen[current] = true
	}
	return nil, errors.WrapInvalid(fmt.Errorf("frame %q is more than %d levels deep", frame, maxChain),
		"Store", "Chain", "frame tree walk")
}

// Frames returns every known child frame, sorted.
func (s *Store) Frames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.static)+len(s.dynamic))
	for child := range s.static {
		out = append(out, child)
	}
	for child := range s.dynamic {
		if _, ok := s.static[child]; !ok {
			out = append(out, child)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of static and dynamic transforms.
func (s *Store) Len() (static, dynamic int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.static), len(s.dynamic)
}

func stampBefore(a, b message.Time) bool {
	if a.Sec != b.Sec {
		return a.Sec < b.Sec
	}
	return a.Nanosec < b.Nanosec
}
