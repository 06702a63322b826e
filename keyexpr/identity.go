package keyexpr

import (
	"strconv"
	"strings"

	"github.com/c360/semstreams-ros/errors"
)

// Role selects which form of key Build produces.
type Role int

const (
	// RolePublish builds the concrete data key a publisher writes to.
	RolePublish Role = iota
	// RoleSubscribe builds a pattern that matches the topic in any domain and for any type.
	RoleSubscribe
)

// TopicIdentity names a ROS topic on the bus.
type TopicIdentity struct {
	DomainID           uint32
	FullyQualifiedName string
	TypeName           string
	TypeHash           string
}

// NameSegments returns the fully qualified name split into key segments with the
// leading '/' removed.
func (t TopicIdentity) NameSegments() ([]string, error) {
	name := strings.TrimPrefix(t.FullyQualifiedName, "/")
	if name == "" {
		return nil, errors.WrapInvalid(errors.ErrMalformedKey, "KeyCodec", "NameSegments", "topic name check")
	}
	parts := strings.Split(name, "/")
	for _, p := range parts {
		if err := validateLiteral(p); err != nil {
			return nil, errors.WrapInvalid(err, "KeyCodec", "NameSegments", "name segment "+strconv.Quote(p)+" validation")
		}
	}
	return parts, nil
}

// Key returns the concrete publish key of the topic.
func (t TopicIdentity) Key() (KeyExpr, error) {
	return Build(t, RolePublish)
}

// Pattern returns the subscription pattern of the topic.
func (t TopicIdentity) Pattern() (KeyExpr, error) {
	return Build(t, RoleSubscribe)
}

// MangledName returns the fully qualified name in liveliness-token form, e.g. "%tf".
func (t TopicIdentity) MangledName() string {
	name := t.FullyQualifiedName
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	return Mangle(name)
}

// Build derives the key expression for a topic identity.
//
// Publishers write to <domain>/<name segments>/<type>/<hash>. Subscribers listen on
// */<name segments>/*/* so a single subscription receives the topic from every domain
// and type revision.
func Build(t TopicIdentity, role Role) (KeyExpr, error) {
	name, err := t.NameSegments()
	if err != nil {
		return KeyExpr{}, err
	}

	parts := make([]string, 0, len(name)+3)
	switch role {
	case RolePublish:
		if err := validateLiteral(t.TypeName); err != nil {
			return KeyExpr{}, errors.WrapInvalid(err, "KeyCodec", "Build", "type name validation")
		}
		if err := validateLiteral(t.TypeHash); err != nil {
			return KeyExpr{}, errors.WrapInvalid(err, "KeyCodec", "Build", "type hash validation")
		}
		parts = append(parts, strconv.FormatUint(uint64(t.DomainID), 10))
		parts = append(parts, name...)
		parts = append(parts, t.TypeName, t.TypeHash)
	case RoleSubscribe:
		parts = append(parts, "*")
		parts = append(parts, name...)
		parts = append(parts, "*", "*")
	default:
		return KeyExpr{}, errors.WrapInvalid(errors.ErrMalformedKey, "KeyCodec", "Build", "role check")
	}

	return FromSegments(parts...)
}

// validateLiteral rejects text that would not survive as a single literal segment.
func validateLiteral(s string) error {
	if s == "" || strings.ContainsAny(s, "/*#?$") || s[0] == '@' || s[0] == '%' {
		return errors.ErrMalformedKey
	}
	return nil
}
