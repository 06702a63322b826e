// Package keyexpr implements the key-expression grammar used to address ROS topics on
// the bus: '/'-separated segments where '*' matches exactly one segment, '**' matches
// zero or more, '%'-prefixed segments are mangled names and '@'-prefixed segments are
// verbatim chunks that only an identical segment can match. Even '**' does not match
// a key containing a verbatim segment.
package keyexpr

import (
	"fmt"
	"strings"

	"github.com/c360/semstreams-ros/errors"
)

// SegmentKind identifies how a segment participates in matching.
type SegmentKind uint8

const (
	// Literal matches an identical segment.
	Literal SegmentKind = iota
	// Single is '*' and matches exactly one non-verbatim segment.
	Single
	// Multi is '**' and matches zero or more non-verbatim segments.
	Multi
	// Mangled is a '%'-prefixed segment carrying a name whose '/' were replaced by '%'.
	Mangled
	// Verbatim is an '@'-prefixed segment that wildcards never match.
	Verbatim
)

// String returns the kind name.
func (k SegmentKind) String() string {
	switch k {
	case Literal:
		return "literal"
	case Single:
		return "single"
	case Multi:
		return "multi"
	case Mangled:
		return "mangled"
	case Verbatim:
		return "verbatim"
	default:
		return "unknown"
	}
}

// Segment is one '/'-delimited element of a key expression.
type Segment struct {
	Kind SegmentKind
	Text string
}

// IsWild reports whether the segment is a wildcard.
func (s Segment) IsWild() bool {
	return s.Kind == Single || s.Kind == Multi
}

// KeyExpr is a parsed key expression. The zero value is invalid; use Parse.
type KeyExpr struct {
	segments []Segment
	raw      string
}

// Parse validates s and returns its key expression.
func Parse(s string) (KeyExpr, error) {
	if s == "" {
		return KeyExpr{}, errors.WrapInvalid(errors.ErrMalformedKey, "KeyCodec", "Parse", "empty expression check")
	}

	parts := strings.Split(s, "/")
	segments := make([]Segment, 0, len(parts))
	for i, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return KeyExpr{}, errors.WrapInvalid(err, "KeyCodec", "Parse", fmt.Sprintf("segment %d %q validation", i, part))
		}
		if seg.Kind == Multi && len(segments) > 0 && segments[len(segments)-1].Kind == Multi {
			return KeyExpr{}, errors.WrapInvalid(errors.ErrMalformedKey, "KeyCodec", "Parse", "adjacent '**' in "+s+" validation")
		}
		segments = append(segments, seg)
	}

	return KeyExpr{segments: segments, raw: s}, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) KeyExpr {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

// FromSegments builds a key expression from raw segment strings, validating each.
// Unlike Parse, a segment containing '/' is rejected instead of being split.
func FromSegments(parts ...string) (KeyExpr, error) {
	for _, part := range parts {
		if strings.Contains(part, "/") {
			return KeyExpr{}, errors.WrapInvalid(errors.ErrMalformedKey, "KeyCodec", "FromSegments",
				"segment "+part+" validation")
		}
	}
	return Parse(strings.Join(parts, "/"))
}

func parseSegment(part string) (Segment, error) {
	switch {
	case part == "":
		return Segment{}, errors.ErrMalformedKey
	case part == "*":
		return Segment{Kind: Single, Text: part}, nil
	case part == "**":
		return Segment{Kind: Multi, Text: part}, nil
	case strings.ContainsAny(part, "*#?$"):
		return Segment{}, errors.ErrMalformedKey
	case part[0] == '@':
		return Segment{Kind: Verbatim, Text: part}, nil
	case part[0] == '%':
		return Segment{Kind: Mangled, Text: part}, nil
	default:
		return Segment{Kind: Literal, Text: part}, nil
	}
}

// String returns the expression text.
func (k KeyExpr) String() string {
	return k.raw
}

// Segments returns a copy of the parsed segments.
func (k KeyExpr) Segments() []Segment {
	out := make([]Segment, len(k.segments))
	copy(out, k.segments)
	return out
}

// Len returns the number of segments.
func (k KeyExpr) Len() int {
	return len(k.segments)
}

// IsZero reports whether k is the unparsed zero value.
func (k KeyExpr) IsZero() bool {
	return len(k.segments) == 0
}

// IsWild reports whether any segment is a wildcard.
func (k KeyExpr) IsWild() bool {
	for _, s := range k.segments {
		if s.IsWild() {
			return true
		}
	}
	return false
}

// Join appends segments to k and validates the result.
func (k KeyExpr) Join(parts ...string) (KeyExpr, error) {
	if k.IsZero() {
		return FromSegments(parts...)
	}
	for _, part := range parts {
		if strings.Contains(part, "/") {
			return KeyExpr{}, errors.WrapInvalid(errors.ErrMalformedKey, "KeyCodec", "Join",
				"segment "+part+" validation")
		}
	}
	return Parse(k.raw + "/" + strings.Join(parts, "/"))
}

// HasPrefix reports whether the first segments of k equal prefix segment for segment.
func (k KeyExpr) HasPrefix(prefix KeyExpr) bool {
	if len(prefix.segments) > len(k.segments) {
		return false
	}
	for i, s := range prefix.segments {
		if k.segments[i] != s {
			return false
		}
	}
	return true
}

// TrimPrefix returns the segments of k following prefix, or nil if prefix does not match.
func (k KeyExpr) TrimPrefix(prefix KeyExpr) []string {
	if !k.HasPrefix(prefix) {
		return nil
	}
	rest := k.segments[len(prefix.segments):]
	out := make([]string, len(rest))
	for i, s := range rest {
		out[i] = s.Text
	}
	return out
}

// Mangle replaces every '/' of a ROS name with '%'. The empty name and the root
// namespace both mangle to "%".
func Mangle(name string) string {
	if name == "" {
		return "%"
	}
	return strings.ReplaceAll(name, "/", "%")
}

// Demangle reverses Mangle. "%" demangles to "/".
func Demangle(segment string) string {
	return strings.ReplaceAll(segment, "%", "/")
}
