package message

import (
	"fmt"

	"github.com/c360/semstreams-ros/cdr"
	"github.com/c360/semstreams-ros/errors"
)

// Codec decodes and encodes one message type. Implementations are stateless and
// safe for concurrent use.
type Codec[T any] interface {
	// Type returns the ROS type the codec handles.
	Type() Type
	// TypeHash returns the RIHS01 hash advertised in keys and tokens.
	TypeHash() string
	// Decode reads a message from the body of r.
	Decode(r *cdr.Reader) (T, error)
	// Encode writes msg into the body of w.
	Encode(w *cdr.Writer, msg T) error
}

// Unmarshal decodes a complete CDR payload, header included.
func Unmarshal[T any](codec Codec[T], payload []byte) (T, error) {
	var zero T
	r, err := cdr.NewReader(payload)
	if err != nil {
		return zero, errors.NewDecodeError(codec.Type().String(), "", "encapsulation header", err)
	}
	return codec.Decode(r)
}

// Marshal encodes msg as a little-endian CDR payload.
func Marshal[T any](codec Codec[T], msg T) ([]byte, error) {
	return MarshalWith(codec, msg, cdr.CDRLittleEndian)
}

// MarshalWith encodes msg with an explicit encapsulation.
func MarshalWith[T any](codec Codec[T], msg T, enc cdr.Encapsulation) ([]byte, error) {
	w := cdr.NewWriter(enc)
	if err := codec.Encode(w, msg); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// fieldReader wraps a cdr.Reader and turns read failures into DecodeErrors that
// name the field being read.
type fieldReader struct {
	r        *cdr.Reader
	typeName string
	err      error
}

func newFieldReader(r *cdr.Reader, t Type) *fieldReader {
	return &fieldReader{r: r, typeName: t.String()}
}

func (f *fieldReader) fail(field string, err error) {
	if f.err == nil {
		f.err = errors.NewDecodeError(f.typeName, field, "", err)
	}
}

func (f *fieldReader) u8(field string) uint8 {
	if f.err != nil {
		return 0
	}
	v, err := f.r.ReadUint8()
	if err != nil {
		f.fail(field, err)
	}
	return v
}

func (f *fieldReader) boolean(field string) bool {
	if f.err != nil {
		return false
	}
	v, err := f.r.ReadBool()
	if err != nil {
		f.fail(field, err)
	}
	return v
}

func (f *fieldReader) i32(field string) int32 {
	if f.err != nil {
		return 0
	}
	v, err := f.r.ReadInt32()
	if err != nil {
		f.fail(field, err)
	}
	return v
}

func (f *fieldReader) u32(field string) uint32 {
	if f.err != nil {
		return 0
	}
	v, err := f.r.ReadUint32()
	if err != nil {
		f.fail(field, err)
	}
	return v
}

func (f *fieldReader) f64(field string) float64 {
	if f.err != nil {
		return 0
	}
	v, err := f.r.ReadFloat64()
	if err != nil {
		f.fail(field, err)
	}
	return v
}

func (f *fieldReader) str(field string) string {
	if f.err != nil {
		return ""
	}
	v, err := f.r.ReadString()
	if err != nil {
		f.fail(field, err)
	}
	return v
}

func (f *fieldReader) seqLen(field string, minElemSize int) int {
	if f.err != nil {
		return 0
	}
	n, err := f.r.ReadSequenceLength(minElemSize)
	if err != nil {
		f.fail(field, err)
	}
	return n
}

func (f *fieldReader) octets(field string) []byte {
	if f.err != nil {
		return nil
	}
	v, err := f.r.ReadOctets()
	if err != nil {
		f.fail(field, err)
	}
	return v
}

func indexed(field string, i int, sub string) string {
	return fmt.Sprintf("%s[%d].%s", field, i, sub)
}
