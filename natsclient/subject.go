package natsclient

import (
	"fmt"
	"strings"

	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/keyexpr"
)

// DefaultSubjectRoot prefixes every subject the session publishes or subscribes to.
const DefaultSubjectRoot = "ros"

const hexDigits = "0123456789ABCDEF"

// escapeToken turns one key segment into a NATS subject token. Bytes NATS treats
// specially are written as "~XX".
func escapeToken(segment string) string {
	var b strings.Builder
	b.Grow(len(segment))
	for i := 0; i < len(segment); i++ {
		c := segment[i]
		switch {
		case c == '.', c == '~', c == '>', c == '*', c <= ' ', c >= 0x7f:
			b.WriteByte('~')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescapeToken(token string) (string, error) {
	if !strings.Contains(token, "~") {
		return token, nil
	}
	var b strings.Builder
	b.Grow(len(token))
	for i := 0; i < len(token); i++ {
		c := token[i]
		if c != '~' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(token) {
			return "", fmt.Errorf("%w: truncated escape in %q", errors.ErrMalformedKey, token)
		}
		hi, lo := unhex(token[i+1]), unhex(token[i+2])
		if hi < 0 || lo < 0 {
			return "", fmt.Errorf("%w: bad escape in %q", errors.ErrMalformedKey, token)
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), nil
}

func unhex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	}
	return -1
}

// KeySubject maps a concrete key onto a subject under root.
func KeySubject(root string, key keyexpr.KeyExpr) (string, error) {
	if key.IsZero() || key.IsWild() {
		return "", errors.WrapInvalid(fmt.Errorf("%w: %q is not a concrete key", errors.ErrMalformedKey, key),
			"natsclient", "KeySubject", "key check")
	}
	segments := key.Segments()
	tokens := make([]string, 0, len(segments)+1)
	tokens = append(tokens, root)
	for _, seg := range segments {
		tokens = append(tokens, escapeToken(seg.Text))
	}
	return strings.Join(tokens, "."), nil
}

// PatternSubjects returns the subjects that cover every key pattern can match.
// '*' maps to the NATS single-token wildcard. A '**' truncates the subject to a
// trailing '>' plus the bare prefix for its zero-segment case, so callers must
// filter deliveries with keyexpr.Matches.
func PatternSubjects(root string, pattern keyexpr.KeyExpr) []string {
	tokens := []string{root}
	for _, seg := range pattern.Segments() {
		switch seg.Kind {
		case keyexpr.Single:
			tokens = append(tokens, "*")
		case keyexpr.Multi:
			prefix := strings.Join(tokens, ".")
			if len(tokens) == 1 {
				return []string{prefix + ".>"}
			}
			return []string{prefix + ".>", prefix}
		default:
			tokens = append(tokens, escapeToken(seg.Text))
		}
	}
	return []string{strings.Join(tokens, ".")}
}

// SubjectKey recovers the key a subject was built from.
func SubjectKey(root, subject string) (keyexpr.KeyExpr, error) {
	rest, ok := strings.CutPrefix(subject, root+".")
	if !ok || rest == "" {
		return keyexpr.KeyExpr{}, errors.WrapInvalid(
			fmt.Errorf("%w: subject %q outside root %q", errors.ErrMalformedKey, subject, root),
			"natsclient", "SubjectKey", "root check")
	}
	tokens := strings.Split(rest, ".")
	segments := make([]string, len(tokens))
	for i, tok := range tokens {
		seg, err := unescapeToken(tok)
		if err != nil {
			return keyexpr.KeyExpr{}, errors.WrapInvalid(err, "natsclient", "SubjectKey", "token unescape")
		}
		segments[i] = seg
	}
	return keyexpr.FromSegments(segments...)
}
