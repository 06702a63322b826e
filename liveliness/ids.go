package liveliness

import (
	"sync/atomic"

	"github.com/c360/semstreams-ros/keyexpr"
)

// EntityIDs issues node and endpoint identifiers. One instance is shared by every
// node created from a session; identifiers start at 0 and are never reused.
type EntityIDs struct {
	next atomic.Uint64
}

// NewEntityIDs creates a counter starting at 0.
func NewEntityIDs() *EntityIDs {
	return &EntityIDs{}
}

// Next returns the next unused identifier. Safe for concurrent use.
func (e *EntityIDs) Next() EntityID {
	return EntityID(e.next.Add(1) - 1)
}

// AllPattern matches every token.
func AllPattern() keyexpr.KeyExpr {
	return keyexpr.MustParse(Prefix + "/**")
}

// EndpointPattern matches every endpoint token of role on the topic with the given
// ROS name, in any domain, session or node.
func EndpointPattern(role Role, topic string) (keyexpr.KeyExpr, error) {
	return keyexpr.FromSegments(Prefix, "*", "*", "*", "*", string(role), "*", "*", "*", mangleName(topic), "*", "*", "*")
}
