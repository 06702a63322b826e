package keyexpr

// Matches reports whether the concrete key k is matched by pattern. Matching is
// anchored at both ends. '*' consumes exactly one segment, '**' consumes zero or
// more, and verbatim segments are only matched by an identical segment.
//
// '**' alone therefore matches every non-empty key without verbatim segments, but not
// "@ros2_lv/0/x": liveliness tokens and "@adv" cache and heartbeat keys stay out of
// data subscriptions and need a pattern naming their verbatim segment.
//
// If k itself contains wildcards, Matches reports whether pattern includes every
// key that k can match.
func Matches(pattern, k KeyExpr) bool {
	if pattern.IsZero() || k.IsZero() {
		return false
	}
	return includes(pattern.segments, k.segments)
}

// MatchString parses both arguments and reports whether key is matched by pattern.
func MatchString(pattern, key string) (bool, error) {
	p, err := Parse(pattern)
	if err != nil {
		return false, err
	}
	k, err := Parse(key)
	if err != nil {
		return false, err
	}
	return Matches(p, k), nil
}

// Includes reports whether every key matched by b is also matched by a.
func Includes(a, b KeyExpr) bool {
	return Matches(a, b)
}

// Intersects reports whether at least one concrete key is matched by both a and b.
func Intersects(a, b KeyExpr) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	return intersects(a.segments, b.segments)
}

func includes(p, k []Segment) bool {
	for len(p) > 0 {
		if p[0].Kind == Multi {
			// '**' absorbs nothing, or one more segment and tries again.
			if includes(p[1:], k) {
				return true
			}
			if len(k) == 0 || k[0].Kind == Verbatim {
				return false
			}
			k = k[1:]
			continue
		}
		if len(k) == 0 || !segmentIncludes(p[0], k[0]) {
			return false
		}
		p, k = p[1:], k[1:]
	}
	return len(k) == 0
}

func segmentIncludes(p, k Segment) bool {
	switch p.Kind {
	case Single:
		return k.Kind != Verbatim && k.Kind != Multi
	default:
		return k.Kind == p.Kind && k.Text == p.Text
	}
}

func intersects(a, b []Segment) bool {
	switch {
	case len(a) == 0:
		return allMulti(b)
	case len(b) == 0:
		return allMulti(a)
	case a[0].Kind == Multi:
		if intersects(a[1:], b) {
			return true
		}
		return b[0].Kind != Verbatim && intersects(a, b[1:])
	case b[0].Kind == Multi:
		if intersects(a, b[1:]) {
			return true
		}
		return a[0].Kind != Verbatim && intersects(a[1:], b)
	default:
		return segmentIntersects(a[0], b[0]) && intersects(a[1:], b[1:])
	}
}

func segmentIntersects(a, b Segment) bool {
	switch {
	case a.Kind == Single:
		return b.Kind != Verbatim
	case b.Kind == Single:
		return a.Kind != Verbatim
	default:
		return a.Kind == b.Kind && a.Text == b.Text
	}
}

func allMulti(segments []Segment) bool {
	for _, s := range segments {
		if s.Kind != Multi {
			return false
		}
	}
	return true
}
