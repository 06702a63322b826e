package message

import (
	"fmt"

	"github.com/c360/semstreams-ros/cdr"
	"github.com/c360/semstreams-ros/errors"
)

// PointCloud2Type is sensor_msgs/msg/PointCloud2.
var PointCloud2Type = Type{Package: "sensor_msgs", Kind: "msg", Name: "PointCloud2"}

// PointCloud2Hash is the RIHS01 hash of sensor_msgs/msg/PointCloud2.
const PointCloud2Hash = "RIHS01_9198cabf7da3796ae6fe19c4cb3bdd3525492988c70522628af5daa124bae2b5"

// PointField datatypes.
const (
	PointFieldInt8    uint8 = 1
	PointFieldUint8   uint8 = 2
	PointFieldInt16   uint8 = 3
	PointFieldUint16  uint8 = 4
	PointFieldInt32   uint8 = 5
	PointFieldUint32  uint8 = 6
	PointFieldFloat32 uint8 = 7
	PointFieldFloat64 uint8 = 8
)

// PointField is sensor_msgs/msg/PointField.
type PointField struct {
	Name     string
	Offset   uint32
	Datatype uint8
	Count    uint32
}

// Size returns the number of bytes one element of the field occupies.
func (p PointField) Size() int {
	switch p.Datatype {
	case PointFieldInt8, PointFieldUint8:
		return 1
	case PointFieldInt16, PointFieldUint16:
		return 2
	case PointFieldInt32, PointFieldUint32, PointFieldFloat32:
		return 4
	case PointFieldFloat64:
		return 8
	default:
		return 0
	}
}

// PointCloud2 is sensor_msgs/msg/PointCloud2.
type PointCloud2 struct {
	Header      Header
	Height      uint32
	Width       uint32
	Fields      []PointField
	IsBigEndian bool
	PointStep   uint32
	RowStep     uint32
	Data        []byte
	IsDense     bool
}

// NumPoints returns width*height.
func (p PointCloud2) NumPoints() int {
	return int(p.Width) * int(p.Height)
}

// Field returns the named field.
func (p PointCloud2) Field(name string) (PointField, bool) {
	for _, f := range p.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return PointField{}, false
}

// Validate checks that the data buffer and strides are consistent with the
// declared dimensions and that every field fits inside a point.
func (p PointCloud2) Validate() error {
	if stride := uint64(p.Width) * uint64(p.PointStep); uint64(p.RowStep) < stride {
		return errors.WrapInvalid(fmt.Errorf("row_step %d smaller than width*point_step %d", p.RowStep, stride),
			"PointCloud2", "Validate", "stride check")
	}
	if uint64(len(p.Data)) < uint64(p.RowStep)*uint64(p.Height) {
		return errors.WrapInvalid(fmt.Errorf("data holds %d bytes, need %d", len(p.Data), uint64(p.RowStep)*uint64(p.Height)),
			"PointCloud2", "Validate", "data length check")
	}
	for _, f := range p.Fields {
		size := f.Size()
		if size == 0 {
			return errors.WrapInvalid(fmt.Errorf("field %q has unknown datatype %d", f.Name, f.Datatype),
				"PointCloud2", "Validate", "field datatype check")
		}
		if uint64(f.Offset)+uint64(size)*uint64(f.Count) > uint64(p.PointStep) {
			return errors.WrapInvalid(fmt.Errorf("field %q overruns point_step %d", f.Name, p.PointStep),
				"PointCloud2", "Validate", "field layout check")
		}
	}
	return nil
}

// PointCloud2Codec decodes and encodes PointCloud2 payloads.
type PointCloud2Codec struct{}

var _ Codec[PointCloud2] = PointCloud2Codec{}

// Type implements Codec.
func (PointCloud2Codec) Type() Type { return PointCloud2Type }

// TypeHash implements Codec.
func (PointCloud2Codec) TypeHash() string { return PointCloud2Hash }

// string length + offset + datatype (padded) + count
const minPointFieldSize = 4 + 4 + 4 + 4

// Decode implements Codec. Bytes after is_dense are ignored.
func (PointCloud2Codec) Decode(r *cdr.Reader) (PointCloud2, error) {
	f := newFieldReader(r, PointCloud2Type)

	var msg PointCloud2
	msg.Header = decodeHeader(f, "header")
	msg.Height = f.u32("height")
	msg.Width = f.u32("width")

	n := f.seqLen("fields", minPointFieldSize)
	if f.err != nil {
		return PointCloud2{}, f.err
	}
	// Empty sequences decode to nil, as in TFMessage.
	if n > 0 {
		msg.Fields = make([]PointField, n)
	}
	for i := range msg.Fields {
		pf := &msg.Fields[i]
		pf.Name = f.str(indexed("fields", i, "name"))
		pf.Offset = f.u32(indexed("fields", i, "offset"))
		pf.Datatype = f.u8(indexed("fields", i, "datatype"))
		pf.Count = f.u32(indexed("fields", i, "count"))
	}

	msg.IsBigEndian = f.boolean("is_bigendian")
	msg.PointStep = f.u32("point_step")
	msg.RowStep = f.u32("row_step")
	msg.Data = f.octets("data")
	msg.IsDense = f.boolean("is_dense")
	if f.err != nil {
		return PointCloud2{}, f.err
	}
	return msg, nil
}

// Encode implements Codec.
func (PointCloud2Codec) Encode(w *cdr.Writer, msg PointCloud2) error {
	encodeHeader(w, msg.Header)
	w.WriteUint32(msg.Height)
	w.WriteUint32(msg.Width)
	w.WriteSequenceLength(len(msg.Fields))
	for _, pf := range msg.Fields {
		w.WriteString(pf.Name)
		w.WriteUint32(pf.Offset)
		w.WriteUint8(pf.Datatype)
		w.WriteUint32(pf.Count)
	}
	w.WriteBool(msg.IsBigEndian)
	w.WriteUint32(msg.PointStep)
	w.WriteUint32(msg.RowStep)
	w.WriteOctets(msg.Data)
	w.WriteBool(msg.IsDense)
	return nil
}
