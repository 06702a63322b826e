package history

import (
	"fmt"
	"strconv"
	"time"

	"github.com/c360/semstreams-ros/bus"
	"github.com/c360/semstreams-ros/cdr"
	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/keyexpr"
)

// MissDetection selects how a subscription notices lost samples.
type MissDetection int

const (
	// MissNone relies on replay only.
	MissNone MissDetection = iota
	// MissHeartbeat tracks publisher heartbeats and sequence numbers and re-queries
	// missing ranges.
	MissHeartbeat
)

// String returns the mode name used in configuration.
func (m MissDetection) String() string {
	if m == MissHeartbeat {
		return "heartbeat"
	}
	return "none"
}

// ParseMissDetection parses "none" or "heartbeat". The empty string is "none".
func ParseMissDetection(s string) (MissDetection, error) {
	switch s {
	case "", "none":
		return MissNone, nil
	case "heartbeat":
		return MissHeartbeat, nil
	default:
		return MissNone, errors.WrapInvalid(fmt.Errorf("%w: unknown miss detection %q", errors.ErrInvalidConfig, s),
			"history", "ParseMissDetection", "mode lookup")
	}
}

// Request describes how a transient-local subscription recovers history.
type Request struct {
	// MaxSamples bounds the samples requested from each caching publisher; 0 means
	// everything the publisher retains.
	MaxSamples int
	// DetectLatePublishers replays from caching publishers that appear after the
	// subscription was created.
	DetectLatePublishers bool
	// MissDetection enables gap recovery.
	MissDetection MissDetection
	// QueryTimeout bounds each history query; 0 waits until the subscription closes.
	QueryTimeout time.Duration
}

// DefaultRequest returns the request used for tf_static: up to 100 samples, late
// publisher detection, heartbeat miss detection and no query timeout.
func DefaultRequest() Request {
	return Request{
		MaxSamples:           100,
		DetectLatePublishers: true,
		MissDetection:        MissHeartbeat,
	}
}

// Params returns the query parameters for a full replay.
func (r Request) Params() bus.QueryParams {
	return bus.QueryParams{MaxSamples: r.MaxSamples}
}

// Validate rejects negative bounds.
func (r Request) Validate() error {
	if r.MaxSamples < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: max samples %d", errors.ErrInvalidConfig, r.MaxSamples),
			"history", "Request.Validate", "max samples check")
	}
	if r.QueryTimeout < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: query timeout %v", errors.ErrInvalidConfig, r.QueryTimeout),
			"history", "Request.Validate", "query timeout check")
	}
	return nil
}

const (
	advSegment       = "@adv"
	cacheSegment     = "cache"
	heartbeatSegment = "hb"
	advSuffixLen     = 4
)

// CacheKey is the key of the queryable serving the cache of one publisher.
func CacheKey(topic keyexpr.KeyExpr, zid string, eid uint64) (keyexpr.KeyExpr, error) {
	return topic.Join(advSegment, cacheSegment, zid, strconv.FormatUint(eid, 10))
}

// HeartbeatKey is the key one publisher sends heartbeats on.
func HeartbeatKey(topic keyexpr.KeyExpr, zid string, eid uint64) (keyexpr.KeyExpr, error) {
	return topic.Join(advSegment, heartbeatSegment, zid, strconv.FormatUint(eid, 10))
}

// HeartbeatPattern matches the heartbeats of every publisher on keys matching pattern.
func HeartbeatPattern(pattern keyexpr.KeyExpr) (keyexpr.KeyExpr, error) {
	return pattern.Join(advSegment, heartbeatSegment, "*", "*")
}

// splitAdv splits "<topic>/@adv/<kind>/<zid>/<eid>" into its parts.
func splitAdv(k keyexpr.KeyExpr) (topic keyexpr.KeyExpr, kind, zid string, eid uint64, ok bool) {
	segs := k.Segments()
	n := len(segs)
	if n <= advSuffixLen || segs[n-4].Text != advSegment {
		return keyexpr.KeyExpr{}, "", "", 0, false
	}
	eid, err := strconv.ParseUint(segs[n-1].Text, 10, 64)
	if err != nil {
		return keyexpr.KeyExpr{}, "", "", 0, false
	}
	parts := make([]string, 0, n-advSuffixLen)
	for _, s := range segs[:n-advSuffixLen] {
		parts = append(parts, s.Text)
	}
	topic, err = keyexpr.FromSegments(parts...)
	if err != nil {
		return keyexpr.KeyExpr{}, "", "", 0, false
	}
	return topic, segs[n-3].Text, segs[n-2].Text, eid, true
}

// EncodeHeartbeat encodes the last published sequence number as a little-endian CDR u64.
func EncodeHeartbeat(seq uint64) []byte {
	w := cdr.NewWriterSize(cdr.CDRLittleEndian, 8)
	w.WriteUint64(seq)
	return w.Bytes()
}

// DecodeHeartbeat decodes a heartbeat payload.
func DecodeHeartbeat(payload []byte) (uint64, error) {
	r, err := cdr.NewReader(payload)
	if err != nil {
		return 0, err
	}
	seq, err := r.ReadUint64()
	if err != nil {
		return 0, errors.NewDecodeError("heartbeat", "sequence", "read u64", err)
	}
	return seq, nil
}
