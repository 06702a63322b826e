// Package qos models the subset of ROS 2 quality-of-service settings that travel in
// liveliness tokens and its compact string encoding.
package qos

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360/semstreams-ros/errors"
)

// Reliability controls message delivery guarantees
type Reliability int

const (
	// ReliabilityReliable retransmits lost messages (default)
	ReliabilityReliable Reliability = 1
	// ReliabilityBestEffort delivers messages without retransmission
	ReliabilityBestEffort Reliability = 2
)

// Durability controls whether late-joining subscribers see past messages
type Durability int

const (
	// DurabilityTransientLocal delivers cached messages to late-joining subscribers
	DurabilityTransientLocal Durability = 1
	// DurabilityVolatile only delivers messages published after subscription (default)
	DurabilityVolatile Durability = 2
)

// String returns the durability name.
func (d Durability) String() string {
	switch d {
	case DurabilityTransientLocal:
		return "transient_local"
	case DurabilityVolatile:
		return "volatile"
	default:
		return "unknown"
	}
}

// History controls how many messages are kept
type History int

const (
	// HistoryKeepLast keeps only the last N messages (default)
	HistoryKeepLast History = 1
	// HistoryKeepAll keeps all messages (limited by system resources)
	HistoryKeepAll History = 2
)

// Liveliness controls how liveliness is asserted
type Liveliness int

const (
	// LivelinessAutomatic asserts liveliness automatically (default)
	LivelinessAutomatic Liveliness = 1
	// LivelinessManualByTopic requires manual liveliness assertion per topic
	LivelinessManualByTopic Liveliness = 3
)

// DefaultDepth is the history depth assumed when a token leaves it empty.
const DefaultDepth = 42

// Duration represents a duration in seconds and nanoseconds. The zero value means
// unspecified.
type Duration struct {
	Sec  uint64
	Nsec uint64
}

// Std converts to a time.Duration, saturating on overflow.
func (d Duration) Std() time.Duration {
	const maxSec = uint64(1<<63-1) / uint64(time.Second)
	if d.Sec >= maxSec {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(d.Sec)*time.Second + time.Duration(d.Nsec)
}

// Profile contains the QoS settings advertised for a publisher or subscriber
type Profile struct {
	Reliability     Reliability
	Durability      Durability
	History         History
	Depth           int
	Deadline        Duration
	Lifespan        Duration
	Liveliness      Liveliness
	LivelinessLease Duration
}

// Default returns the profile every empty token field decodes to
// (Reliable, Volatile, KeepLast(42)).
func Default() Profile {
	return Profile{
		Reliability: ReliabilityReliable,
		Durability:  DurabilityVolatile,
		History:     HistoryKeepLast,
		Depth:       DefaultDepth,
		Liveliness:  LivelinessAutomatic,
	}
}

// KeepLast returns the default profile with the given depth.
func KeepLast(depth int) Profile {
	p := Default()
	p.Depth = depth
	return p
}

// SensorData returns QoS suitable for sensor data (BestEffort, Volatile, KeepLast(5))
func SensorData() Profile {
	p := Default()
	p.Reliability = ReliabilityBestEffort
	p.Depth = 5
	return p
}

// TransientLocal returns QoS with transient local durability (Reliable, TransientLocal, KeepLast(1)).
// Suitable for /tf_static and /robot_description.
func TransientLocal() Profile {
	p := Default()
	p.Durability = DurabilityTransientLocal
	p.Depth = 1
	return p
}

// IsTransientLocal reports whether publishers with this profile keep a history for
// late joiners.
func (p Profile) IsTransientLocal() bool {
	return p.Durability == DurabilityTransientLocal
}

// Encode renders the profile in token form:
//
//	<reliability>:<durability>:<history>,<depth>:<deadline s>,<ns>:<lifespan s>,<ns>:<liveliness>,<lease s>,<ns>
//
// Every value equal to its default is left empty, so Default() encodes as "::,:,:,:,,"
// and TransientLocal() as ":1:,1:,:,:,,".
func (p Profile) Encode() string {
	d := Default()
	var b strings.Builder

	writeInt(&b, int(p.Reliability), int(d.Reliability))
	b.WriteByte(':')
	writeInt(&b, int(p.Durability), int(d.Durability))
	b.WriteByte(':')
	writeInt(&b, int(p.History), int(d.History))
	b.WriteByte(',')
	writeInt(&b, p.Depth, d.Depth)
	b.WriteByte(':')
	writeDuration(&b, p.Deadline)
	b.WriteByte(':')
	writeDuration(&b, p.Lifespan)
	b.WriteByte(':')
	writeInt(&b, int(p.Liveliness), int(d.Liveliness))
	b.WriteByte(',')
	writeDuration(&b, p.LivelinessLease)

	return b.String()
}

func writeInt(b *strings.Builder, v, def int) {
	if v != def {
		b.WriteString(strconv.Itoa(v))
	}
}

func writeDuration(b *strings.Builder, d Duration) {
	if d.Sec != 0 {
		b.WriteString(strconv.FormatUint(d.Sec, 10))
	}
	b.WriteByte(',')
	if d.Nsec != 0 {
		b.WriteString(strconv.FormatUint(d.Nsec, 10))
	}
}

// Parse decodes a profile from token form. Empty fields take their default.
func Parse(s string) (Profile, error) {
	fields := strings.Split(s, ":")
	if len(fields) != 6 {
		return Profile{}, malformed(s, fmt.Sprintf("expected 6 ':' separated fields, got %d", len(fields)))
	}

	p := Default()
	var err error

	if p.Reliability, err = parseEnum(fields[0], p.Reliability, ReliabilityReliable, ReliabilityBestEffort); err != nil {
		return Profile{}, malformed(s, "reliability: "+err.Error())
	}
	if p.Durability, err = parseEnum(fields[1], p.Durability, DurabilityTransientLocal, DurabilityVolatile); err != nil {
		return Profile{}, malformed(s, "durability: "+err.Error())
	}

	history := strings.Split(fields[2], ",")
	if len(history) != 2 {
		return Profile{}, malformed(s, "history needs kind and depth")
	}
	if p.History, err = parseEnum(history[0], p.History, HistoryKeepLast, HistoryKeepAll); err != nil {
		return Profile{}, malformed(s, "history: "+err.Error())
	}
	if history[1] != "" {
		depth, err := strconv.ParseUint(history[1], 10, 31)
		if err != nil {
			return Profile{}, malformed(s, "history depth: "+err.Error())
		}
		p.Depth = int(depth)
	}

	if p.Deadline, err = parseDuration(fields[3]); err != nil {
		return Profile{}, malformed(s, "deadline: "+err.Error())
	}
	if p.Lifespan, err = parseDuration(fields[4]); err != nil {
		return Profile{}, malformed(s, "lifespan: "+err.Error())
	}

	liveliness := strings.SplitN(fields[5], ",", 2)
	if len(liveliness) != 2 {
		return Profile{}, malformed(s, "liveliness needs kind and lease")
	}
	if p.Liveliness, err = parseEnum(liveliness[0], p.Liveliness, LivelinessAutomatic, LivelinessManualByTopic); err != nil {
		return Profile{}, malformed(s, "liveliness: "+err.Error())
	}
	if p.LivelinessLease, err = parseDuration(liveliness[1]); err != nil {
		return Profile{}, malformed(s, "liveliness lease: "+err.Error())
	}

	return p, nil
}

func parseEnum[E ~int](field string, def E, allowed ...E) (E, error) {
	if field == "" {
		return def, nil
	}
	v, err := strconv.Atoi(field)
	if err != nil {
		return def, err
	}
	for _, a := range allowed {
		if E(v) == a {
			return a, nil
		}
	}
	return def, fmt.Errorf("value %d out of range", v)
}

func parseDuration(field string) (Duration, error) {
	parts := strings.Split(field, ",")
	if len(parts) != 2 {
		return Duration{}, fmt.Errorf("expected sec,nsec in %q", field)
	}
	var d Duration
	var err error
	if parts[0] != "" {
		if d.Sec, err = strconv.ParseUint(parts[0], 10, 64); err != nil {
			return Duration{}, err
		}
	}
	if parts[1] != "" {
		if d.Nsec, err = strconv.ParseUint(parts[1], 10, 64); err != nil {
			return Duration{}, err
		}
	}
	return d, nil
}

func malformed(s, reason string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: qos %q: %s", errors.ErrMalformedToken, s, reason),
		"QoS", "Parse", "qos decoding")
}
