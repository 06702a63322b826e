package message

import (
	"time"

	"github.com/c360/semstreams-ros/cdr"
)

// Type names and hashes for the transform topics.
var (
	TFMessageType = Type{Package: "tf2_msgs", Kind: "msg", Name: "TFMessage"}
)

// TFMessageHash is the RIHS01 hash of tf2_msgs/msg/TFMessage.
const TFMessageHash = "RIHS01_e369d0f05a23ae52508854b66f6aa0437f3449d652e8cbf22d5abe85d020f087"

// Time is builtin_interfaces/msg/Time.
type Time struct {
	Sec     int32
	Nanosec uint32
}

// AsTime converts to a time.Time in UTC.
func (t Time) AsTime() time.Time {
	return time.Unix(int64(t.Sec), int64(t.Nanosec)).UTC()
}

// Header is std_msgs/msg/Header.
type Header struct {
	Stamp   Time
	FrameID string
}

// Vector3 is geometry_msgs/msg/Vector3.
type Vector3 struct {
	X, Y, Z float64
}

// Quaternion is geometry_msgs/msg/Quaternion.
type Quaternion struct {
	X, Y, Z, W float64
}

// Transform is geometry_msgs/msg/Transform.
type Transform struct {
	Translation Vector3
	Rotation    Quaternion
}

// TransformStamped is geometry_msgs/msg/TransformStamped.
type TransformStamped struct {
	Header       Header
	ChildFrameID string
	Transform    Transform
}

// TFMessage is tf2_msgs/msg/TFMessage.
type TFMessage struct {
	Transforms []TransformStamped
}

// TFMessageCodec decodes and encodes TFMessage payloads.
type TFMessageCodec struct{}

var _ Codec[TFMessage] = TFMessageCodec{}

// Type implements Codec.
func (TFMessageCodec) Type() Type { return TFMessageType }

// TypeHash implements Codec.
func (TFMessageCodec) TypeHash() string { return TFMessageHash }

// smallest possible encoded TransformStamped: two 4-byte ints, two empty strings
// as bare length prefixes, seven doubles.
const minTransformStampedSize = 4 + 4 + 4 + 4 + 7*8

// Decode implements Codec.
func (TFMessageCodec) Decode(r *cdr.Reader) (TFMessage, error) {
	f := newFieldReader(r, TFMessageType)

	n := f.seqLen("transforms", minTransformStampedSize)
	if f.err != nil {
		return TFMessage{}, f.err
	}

	var msg TFMessage
	if n > 0 {
		msg.Transforms = make([]TransformStamped, n)
	}
	for i := range msg.Transforms {
		ts := &msg.Transforms[i]
		ts.Header = decodeHeader(f, indexed("transforms", i, "header"))
		ts.ChildFrameID = f.str(indexed("transforms", i, "child_frame_id"))

		field := indexed("transforms", i, "transform")
		ts.Transform.Translation.X = f.f64(field + ".translation.x")
		ts.Transform.Translation.Y = f.f64(field + ".translation.y")
		ts.Transform.Translation.Z = f.f64(field + ".translation.z")
		ts.Transform.Rotation.X = f.f64(field + ".rotation.x")
		ts.Transform.Rotation.Y = f.f64(field + ".rotation.y")
		ts.Transform.Rotation.Z = f.f64(field + ".rotation.z")
		ts.Transform.Rotation.W = f.f64(field + ".rotation.w")
		if f.err != nil {
			return TFMessage{}, f.err
		}
	}
	return msg, nil
}

// Encode implements Codec.
func (TFMessageCodec) Encode(w *cdr.Writer, msg TFMessage) error {
	w.WriteSequenceLength(len(msg.Transforms))
	for _, ts := range msg.Transforms {
		encodeHeader(w, ts.Header)
		w.WriteString(ts.ChildFrameID)
		w.WriteFloat64(ts.Transform.Translation.X)
		w.WriteFloat64(ts.Transform.Translation.Y)
		w.WriteFloat64(ts.Transform.Translation.Z)
		w.WriteFloat64(ts.Transform.Rotation.X)
		w.WriteFloat64(ts.Transform.Rotation.Y)
		w.WriteFloat64(ts.Transform.Rotation.Z)
		w.WriteFloat64(ts.Transform.Rotation.W)
	}
	return nil
}

func decodeHeader(f *fieldReader, field string) Header {
	var h Header
	h.Stamp.Sec = f.i32(field + ".stamp.sec")
	h.Stamp.Nanosec = f.u32(field + ".stamp.nanosec")
	h.FrameID = f.str(field + ".frame_id")
	return h
}

func encodeHeader(w *cdr.Writer, h Header) {
	w.WriteInt32(h.Stamp.Sec)
	w.WriteUint32(h.Stamp.Nanosec)
	w.WriteString(h.FrameID)
}
