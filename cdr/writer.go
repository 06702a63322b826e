package cdr

import (
	"encoding/binary"
	"math"
)

// Writer encodes primitives into a CDR body with the same alignment rules Reader
// applies. Padding bytes are zero.
type Writer struct {
	buf     []byte
	enc     Encapsulation
	options [2]byte
	order   binary.ByteOrder
}

// NewWriter reserves the encapsulation header for enc. Only the byte order of enc
// affects the body; the options bytes are zero unless set with SetOptions.
func NewWriter(enc Encapsulation) *Writer {
	return NewWriterSize(enc, 256)
}

// NewWriterSize is like NewWriter with an initial capacity hint for the body.
func NewWriterSize(enc Encapsulation, capacity int) *Writer {
	w := &Writer{
		buf:   make([]byte, HeaderSize, HeaderSize+capacity),
		enc:   enc,
		order: enc.ByteOrder(),
	}
	return w
}

// SetOptions sets the header options bytes, for example to carry over those of a
// decoded payload.
func (w *Writer) SetOptions(options [2]byte) { w.options = options }

// Bytes fills in the encapsulation header and returns the complete payload.
// The returned slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte {
	binary.BigEndian.PutUint16(w.buf[0:2], uint16(w.enc))
	w.buf[2], w.buf[3] = w.options[0], w.options[1]
	return w.buf
}

// Offset returns the current length of the body.
func (w *Writer) Offset() int { return len(w.buf) - HeaderSize }

// Align appends zero padding up to a multiple of n from the body start.
func (w *Writer) Align(n int) {
	for i := padding(w.Offset(), n); i > 0; i-- {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) grow(size int) []byte {
	w.Align(size)
	start := len(w.buf)
	w.buf = append(w.buf, make([]byte, size)...)
	return w.buf[start:]
}

// WriteUint8 appends an octet.
func (w *Writer) WriteUint8(v uint8) { w.buf = append(w.buf, v) }

// WriteInt8 appends a signed octet.
func (w *Writer) WriteInt8(v int8) { w.WriteUint8(uint8(v)) }

// WriteBool appends a boolean as one octet.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
		return
	}
	w.WriteUint8(0)
}

// WriteUint16 appends an aligned uint16.
func (w *Writer) WriteUint16(v uint16) { w.order.PutUint16(w.grow(2), v) }

// WriteInt16 appends an aligned int16.
func (w *Writer) WriteInt16(v int16) { w.WriteUint16(uint16(v)) }

// WriteUint32 appends an aligned uint32.
func (w *Writer) WriteUint32(v uint32) { w.order.PutUint32(w.grow(4), v) }

// WriteInt32 appends an aligned int32.
func (w *Writer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }

// WriteUint64 appends an aligned uint64.
func (w *Writer) WriteUint64(v uint64) { w.order.PutUint64(w.grow(8), v) }

// WriteInt64 appends an aligned int64.
func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

// WriteFloat32 appends an aligned float32.
func (w *Writer) WriteFloat32(v float32) { w.WriteUint32(math.Float32bits(v)) }

// WriteFloat64 appends a float64 aligned to 8.
func (w *Writer) WriteFloat64(v float64) { w.WriteUint64(math.Float64bits(v)) }

// WriteString appends the length including the terminating NUL, the bytes and the NUL.
func (w *Writer) WriteString(s string) {
	w.WriteUint32(uint32(len(s) + 1))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// WriteSequenceLength appends a sequence element count.
func (w *Writer) WriteSequenceLength(n int) { w.WriteUint32(uint32(n)) }

// WriteOctets appends a uint8 sequence.
func (w *Writer) WriteOctets(b []byte) {
	w.WriteSequenceLength(len(b))
	w.buf = append(w.buf, b...)
}
