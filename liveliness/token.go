// Package liveliness builds and parses the liveliness tokens that announce ROS nodes,
// publishers and subscribers on the bus, and tracks which tokens a process has declared.
package liveliness

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/keyexpr"
	"github.com/c360/semstreams-ros/qos"
)

// Prefix is the admin-space segment every token starts with.
const Prefix = "@ros2_lv"

const (
	nodeFields   = 9
	entityFields = 13
)

// Role is the entity kind carried in a token.
type Role string

const (
	// RoleNode announces a node.
	RoleNode Role = "NN"
	// RolePublisher announces a message publisher.
	RolePublisher Role = "MP"
	// RoleSubscriber announces a message subscriber.
	RoleSubscriber Role = "MS"
)

// IsEntity reports whether the role describes a topic endpoint.
func (r Role) IsEntity() bool {
	return r == RolePublisher || r == RoleSubscriber
}

func (r Role) valid() bool {
	return r == RoleNode || r.IsEntity()
}

// EntityID identifies a node or endpoint within a session.
type EntityID uint64

// Token is the decoded form of a liveliness key. Enclave, Namespace and Topic hold
// ROS names ("/" for the root); they are mangled only in the key form.
type Token struct {
	Domain     uint32
	SessionZID string
	NodeID     EntityID
	EntityID   EntityID
	Role       Role
	Enclave    string
	Namespace  string
	NodeName   string

	// Endpoint fields, empty for node tokens.
	Topic    string
	TypeName string
	TypeHash string
	QoS      qos.Profile
}

// Durability returns the advertised durability of an endpoint.
func (t Token) Durability() qos.Durability { return t.QoS.Durability }

// HistoryDepth returns the advertised history depth of an endpoint.
func (t Token) HistoryDepth() int { return t.QoS.Depth }

// IsCachingPublisher reports whether the token announces a publisher that keeps
// history for late joiners.
func (t Token) IsCachingPublisher() bool {
	return t.Role == RolePublisher && t.QoS.IsTransientLocal()
}

// Identity returns the topic identity of an endpoint token.
func (t Token) Identity() keyexpr.TopicIdentity {
	return keyexpr.TopicIdentity{
		DomainID:           t.Domain,
		FullyQualifiedName: t.Topic,
		TypeName:           t.TypeName,
		TypeHash:           t.TypeHash,
	}
}

// NodeToken returns the token of the node owning t.
func (t Token) NodeToken() Token {
	return Token{
		Domain:     t.Domain,
		SessionZID: t.SessionZID,
		NodeID:     t.NodeID,
		EntityID:   t.NodeID,
		Role:       RoleNode,
		Enclave:    t.Enclave,
		Namespace:  t.Namespace,
		NodeName:   t.NodeName,
	}
}

// Key renders the token as a key expression, validating every field.
func (t Token) Key() (keyexpr.KeyExpr, error) {
	if !t.Role.valid() {
		return keyexpr.KeyExpr{}, malformed("Key", fmt.Sprintf("unknown role %q", t.Role))
	}
	if t.Role == RoleNode && t.EntityID != t.NodeID {
		return keyexpr.KeyExpr{}, malformed("Key", "node token entity id must equal node id")
	}
	if err := validateSegment("session zid", t.SessionZID); err != nil {
		return keyexpr.KeyExpr{}, err
	}
	if err := validateSegment("node name", t.NodeName); err != nil {
		return keyexpr.KeyExpr{}, err
	}

	parts := make([]string, 0, entityFields)
	parts = append(parts,
		Prefix,
		strconv.FormatUint(uint64(t.Domain), 10),
		t.SessionZID,
		strconv.FormatUint(uint64(t.NodeID), 10),
		strconv.FormatUint(uint64(t.EntityID), 10),
		string(t.Role),
		mangleName(t.Enclave),
		mangleName(t.Namespace),
		t.NodeName,
	)

	if t.Role.IsEntity() {
		if t.Topic == "" || t.Topic == "/" {
			return keyexpr.KeyExpr{}, malformed("Key", "endpoint token needs a topic")
		}
		if err := validateSegment("type name", t.TypeName); err != nil {
			return keyexpr.KeyExpr{}, err
		}
		if err := validateSegment("type hash", t.TypeHash); err != nil {
			return keyexpr.KeyExpr{}, err
		}
		parts = append(parts, mangleName(t.Topic), t.TypeName, t.TypeHash, t.QoS.Encode())
	}

	k, err := keyexpr.FromSegments(parts...)
	if err != nil {
		return keyexpr.KeyExpr{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrMalformedToken, err), "Token", "Key", "key construction")
	}
	return k, nil
}

// String returns the key form, or a placeholder when the token is invalid.
func (t Token) String() string {
	k, err := t.Key()
	if err != nil {
		return "<invalid token: " + err.Error() + ">"
	}
	return k.String()
}

// Parse decodes a token key.
func Parse(k keyexpr.KeyExpr) (Token, error) {
	return ParseString(k.String())
}

// ParseString decodes a token from its textual key.
func ParseString(s string) (Token, error) {
	parts := strings.Split(s, "/")
	if parts[0] != Prefix {
		return Token{}, malformed("Parse", "missing "+Prefix+" prefix")
	}
	if len(parts) != nodeFields && len(parts) != entityFields {
		return Token{}, malformed("Parse", fmt.Sprintf("expected %d or %d fields, got %d", nodeFields, entityFields, len(parts)))
	}

	var t Token
	domain, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Token{}, malformed("Parse", "domain id "+strconv.Quote(parts[1]))
	}
	t.Domain = uint32(domain)

	t.SessionZID = parts[2]
	nid, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return Token{}, malformed("Parse", "node id "+strconv.Quote(parts[3]))
	}
	eid, err := strconv.ParseUint(parts[4], 10, 64)
	if err != nil {
		return Token{}, malformed("Parse", "entity id "+strconv.Quote(parts[4]))
	}
	t.NodeID, t.EntityID = EntityID(nid), EntityID(eid)

	t.Role = Role(parts[5])
	if !t.Role.valid() {
		return Token{}, malformed("Parse", "unknown role "+strconv.Quote(parts[5]))
	}
	if t.Role == RoleNode && len(parts) != nodeFields {
		return Token{}, malformed("Parse", "node token with endpoint fields")
	}
	if t.Role.IsEntity() && len(parts) != entityFields {
		return Token{}, malformed("Parse", "endpoint token without topic fields")
	}

	if t.Enclave, err = demangleName(parts[6]); err != nil {
		return Token{}, malformed("Parse", "enclave "+err.Error())
	}
	if t.Namespace, err = demangleName(parts[7]); err != nil {
		return Token{}, malformed("Parse", "namespace "+err.Error())
	}
	t.NodeName = parts[8]
	if t.SessionZID == "" || t.NodeName == "" {
		return Token{}, malformed("Parse", "empty session or node name")
	}

	if t.Role.IsEntity() {
		if t.Topic, err = demangleName(parts[9]); err != nil {
			return Token{}, malformed("Parse", "topic "+err.Error())
		}
		t.TypeName = parts[10]
		t.TypeHash = parts[11]
		if t.QoS, err = qos.Parse(parts[12]); err != nil {
			return Token{}, errors.WrapInvalid(err, "Token", "Parse", "qos field")
		}
	}

	return t, nil
}

func mangleName(name string) string {
	if name == "" {
		return "%"
	}
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	return keyexpr.Mangle(name)
}

func demangleName(seg string) (string, error) {
	if !strings.HasPrefix(seg, "%") {
		return "", fmt.Errorf("%q is not mangled", seg)
	}
	return keyexpr.Demangle(seg), nil
}

func validateSegment(field, s string) error {
	if s == "" || strings.ContainsAny(s, "/*#?$%") || s[0] == '@' {
		return malformed("Key", field+" "+strconv.Quote(s)+" is not a valid segment")
	}
	return nil
}

func malformed(op, reason string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrMalformedToken, reason), "Token", op, "token validation")
}
