// Package cdr reads and writes CDR-encoded ROS payloads: a 4-byte encapsulation
// header followed by a body whose primitives are aligned to their own size relative
// to the start of the body.
package cdr

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/c360/semstreams-ros/errors"
)

// HeaderSize is the length of the encapsulation header.
const HeaderSize = 4

// Encapsulation identifies the representation declared in bytes 0-1 of the header.
type Encapsulation uint16

// Known representations. Reader and Writer handle plain CDR only; parameter-list
// bodies are rejected with ErrUnsupportedEncoding.
const (
	CDRBigEndian      Encapsulation = 0x0000
	CDRLittleEndian   Encapsulation = 0x0001
	PLCDRBigEndian    Encapsulation = 0x0002
	PLCDRLittleEndian Encapsulation = 0x0003
)

// ByteOrder returns the byte order selected by the low bit of the representation.
func (e Encapsulation) ByteOrder() binary.ByteOrder {
	if e&0x0001 != 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// String returns the representation name.
func (e Encapsulation) String() string {
	switch e {
	case CDRBigEndian:
		return "CDR_BE"
	case CDRLittleEndian:
		return "CDR_LE"
	case PLCDRBigEndian:
		return "PL_CDR_BE"
	case PLCDRLittleEndian:
		return "PL_CDR_LE"
	default:
		return fmt.Sprintf("0x%04x", uint16(e))
	}
}

// Header is the decoded encapsulation header.
type Header struct {
	Encapsulation Encapsulation
	Options       [2]byte
}

// Reader decodes primitives from a CDR body. It never panics on short input;
// every read past the end returns ErrTruncatedBuffer.
type Reader struct {
	buf    []byte
	pos    int
	header Header
	order  binary.ByteOrder
}

// NewReader validates the encapsulation header of buf and positions the reader at
// the first byte of the body. The buffer is not copied.
func NewReader(buf []byte) (*Reader, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: encapsulation header needs %d bytes, have %d",
			errors.ErrTruncatedBuffer, HeaderSize, len(buf))
	}

	enc := Encapsulation(binary.BigEndian.Uint16(buf[0:2]))
	if enc != CDRBigEndian && enc != CDRLittleEndian {
		return nil, fmt.Errorf("%w: representation %s", errors.ErrUnsupportedEncoding, enc)
	}

	return &Reader{
		buf:    buf,
		pos:    HeaderSize,
		header: Header{Encapsulation: enc, Options: [2]byte{buf[2], buf[3]}},
		order:  enc.ByteOrder(),
	}, nil
}

// Header returns the encapsulation header, options included.
func (r *Reader) Header() Header { return r.header }

// ByteOrder returns the byte order of the body.
func (r *Reader) ByteOrder() binary.ByteOrder { return r.order }

// Offset returns the current position relative to the start of the body.
func (r *Reader) Offset() int { return r.pos - HeaderSize }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Align skips padding so the next read starts at a multiple of n from the body start.
// n must be 1, 2, 4 or 8.
func (r *Reader) Align(n int) error {
	if n != 1 && n != 2 && n != 4 && n != 8 {
		return fmt.Errorf("%w: %d", errors.ErrUnsupportedAlignment, n)
	}
	pad := padding(r.Offset(), n)
	if pad > r.Remaining() {
		return r.truncated(pad)
	}
	r.pos += pad
	if r.Offset()%n != 0 {
		return fmt.Errorf("%w: offset %d not aligned to %d", errors.ErrUnsupportedAlignment, r.Offset(), n)
	}
	return nil
}

func (r *Reader) take(size int) ([]byte, error) {
	if err := r.Align(size); err != nil {
		return nil, err
	}
	if size > r.Remaining() {
		return nil, r.truncated(size)
	}
	b := r.buf[r.pos : r.pos+size]
	r.pos += size
	return b, nil
}

func (r *Reader) truncated(need int) error {
	return fmt.Errorf("%w: need %d bytes at offset %d, have %d",
		errors.ErrTruncatedBuffer, need, r.Offset(), r.Remaining())
}

// ReadUint8 reads an octet.
func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadInt8 reads a signed octet.
func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadUint8()
	return int8(v), err
}

// ReadBool reads a boolean encoded as one octet. Any non-zero value is true.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

// ReadUint16 reads an aligned uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return r.order.Uint16(b), nil
}

// ReadInt16 reads an aligned int16.
func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

// ReadUint32 reads an aligned uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return r.order.Uint32(b), nil
}

// ReadInt32 reads an aligned int32.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadUint64 reads an aligned uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return r.order.Uint64(b), nil
}

// ReadInt64 reads an aligned int64.
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadFloat32 reads an aligned IEEE-754 float32.
func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

// ReadFloat64 reads an IEEE-754 float64 aligned to 8.
func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadString reads a uint32 length that counts the terminating NUL, then the bytes.
// A zero length decodes as the empty string.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	if int64(n) > int64(r.Remaining()) {
		return "", r.truncated(int(min(int64(n), math.MaxInt32)))
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	if b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b), nil
}

// ReadSequenceLength reads a sequence element count and checks that count elements
// of at least minElemSize bytes could fit in the remaining buffer.
func (r *Reader) ReadSequenceLength(minElemSize int) (int, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	if minElemSize < 1 {
		minElemSize = 1
	}
	if int64(n)*int64(minElemSize) > int64(r.Remaining()) {
		return 0, fmt.Errorf("%w: sequence of %d elements exceeds %d remaining bytes",
			errors.ErrTruncatedBuffer, n, r.Remaining())
	}
	return int(n), nil
}

// ReadOctets reads a uint8 sequence and returns a copy of its bytes.
func (r *Reader) ReadOctets() ([]byte, error) {
	n, err := r.ReadSequenceLength(1)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

func padding(offset, n int) int {
	return (n - offset%n) % n
}
