package cdr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-ros/errors"
)

func TestNewReader_ShortBuffer(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		_, err := NewReader(make([]byte, n))
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrTruncatedBuffer), "length %d", n)
	}
}

func TestNewReader_Header(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
		enc    Encapsulation
		little bool
	}{
		{"cdr big endian", []byte{0x00, 0x00, 0x00, 0x00}, CDRBigEndian, false},
		{"cdr little endian", []byte{0x00, 0x01, 0x00, 0x00}, CDRLittleEndian, true},
		{"cdr little endian with options", []byte{0x00, 0x01, 0xAB, 0xCD}, CDRLittleEndian, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewReader(tt.header)
			require.NoError(t, err)
			assert.Equal(t, tt.enc, r.Header().Encapsulation)
			assert.Equal(t, [2]byte{tt.header[2], tt.header[3]}, r.Header().Options)
			assert.Equal(t, 0, r.Remaining())
			if tt.little {
				assert.Equal(t, "LittleEndian", r.ByteOrder().String())
			} else {
				assert.Equal(t, "BigEndian", r.ByteOrder().String())
			}
		})
	}

	for _, header := range [][]byte{{0x00, 0x10, 0, 0}, {0x00, 0x02, 0, 0}, {0x00, 0x03, 0, 0}} {
		_, err := NewReader(header)
		assert.True(t, errors.Is(err, errors.ErrUnsupportedEncoding), "%x", header)
	}
}

func TestWriter_OptionsRoundTrip(t *testing.T) {
	w := NewWriter(CDRBigEndian)
	w.WriteUint32(7)
	assert.Equal(t, []byte{0, 0, 0, 0}, w.Bytes()[:HeaderSize])

	in, err := NewReader([]byte{0x00, 0x01, 0xAB, 0xCD, 7, 0, 0, 0})
	require.NoError(t, err)
	v, err := in.ReadUint32()
	require.NoError(t, err)

	out := NewWriter(in.Header().Encapsulation)
	out.SetOptions(in.Header().Options)
	out.WriteUint32(v)
	assert.Equal(t, []byte{0x00, 0x01, 0xAB, 0xCD, 7, 0, 0, 0}, out.Bytes())
}

func TestRoundTrip_Primitives(t *testing.T) {
	for _, enc := range []Encapsulation{CDRLittleEndian, CDRBigEndian} {
		t.Run(enc.String(), func(t *testing.T) {
			w := NewWriter(enc)
			w.WriteBool(true)
			w.WriteInt8(-3)
			w.WriteUint16(0xBEEF)
			w.WriteInt16(-1234)
			w.WriteUint32(0xDEADBEEF)
			w.WriteInt32(-100)
			w.WriteFloat64(math.Pi)
			w.WriteUint64(math.MaxUint64)
			w.WriteInt64(math.MinInt64)
			w.WriteFloat32(1.5)
			w.WriteString("base_link")
			w.WriteString("")
			w.WriteOctets([]byte{1, 2, 3})
			w.WriteOctets(nil)
			w.WriteUint8(7)

			r, err := NewReader(w.Bytes())
			require.NoError(t, err)
			assert.Equal(t, enc, r.Header().Encapsulation)

			b, err := r.ReadBool()
			require.NoError(t, err)
			assert.True(t, b)
			i8, err := r.ReadInt8()
			require.NoError(t, err)
			assert.Equal(t, int8(-3), i8)
			u16, err := r.ReadUint16()
			require.NoError(t, err)
			assert.Equal(t, uint16(0xBEEF), u16)
			i16, err := r.ReadInt16()
			require.NoError(t, err)
			assert.Equal(t, int16(-1234), i16)
			u32, err := r.ReadUint32()
			require.NoError(t, err)
			assert.Equal(t, uint32(0xDEADBEEF), u32)
			i32, err := r.ReadInt32()
			require.NoError(t, err)
			assert.Equal(t, int32(-100), i32)
			f64, err := r.ReadFloat64()
			require.NoError(t, err)
			assert.Equal(t, math.Pi, f64)
			u64, err := r.ReadUint64()
			require.NoError(t, err)
			assert.Equal(t, uint64(math.MaxUint64), u64)
			i64, err := r.ReadInt64()
			require.NoError(t, err)
			assert.Equal(t, int64(math.MinInt64), i64)
			f32, err := r.ReadFloat32()
			require.NoError(t, err)
			assert.Equal(t, float32(1.5), f32)
			s, err := r.ReadString()
			require.NoError(t, err)
			assert.Equal(t, "base_link", s)
			s, err = r.ReadString()
			require.NoError(t, err)
			assert.Equal(t, "", s)
			octets, err := r.ReadOctets()
			require.NoError(t, err)
			assert.Equal(t, []byte{1, 2, 3}, octets)
			octets, err = r.ReadOctets()
			require.NoError(t, err)
			assert.Empty(t, octets)
			u8, err := r.ReadUint8()
			require.NoError(t, err)
			assert.Equal(t, uint8(7), u8)
			assert.Equal(t, 0, r.Remaining())
		})
	}
}

func TestWriter_AlignmentRelativeToBody(t *testing.T) {
	w := NewWriter(CDRLittleEndian)
	w.WriteUint8(1)
	w.WriteFloat64(2)

	payload := w.Bytes()
	// header + 1 byte + 7 padding + 8 bytes
	require.Len(t, payload, HeaderSize+16)
	assert.Equal(t, []byte{0, 1, 0, 0}, payload[:HeaderSize])
	assert.Equal(t, make([]byte, 7), payload[HeaderSize+1:HeaderSize+8])
}

func TestString_Layout(t *testing.T) {
	w := NewWriter(CDRLittleEndian)
	w.WriteString("tf")
	assert.Equal(t, []byte{0, 1, 0, 0, 3, 0, 0, 0, 't', 'f', 0}, w.Bytes())
}

func TestReader_TruncatedReads(t *testing.T) {
	full := func() []byte {
		w := NewWriter(CDRLittleEndian)
		w.WriteInt32(10)
		w.WriteString("odom")
		w.WriteFloat64(1)
		return w.Bytes()
	}()

	// Every prefix shorter than the payload must fail cleanly.
	for n := HeaderSize; n < len(full); n++ {
		r, err := NewReader(full[:n])
		require.NoError(t, err)

		_, err = r.ReadInt32()
		if err == nil {
			_, err = r.ReadString()
		}
		if err == nil {
			_, err = r.ReadFloat64()
		}
		require.Error(t, err, "prefix %d", n)
		assert.True(t, errors.Is(err, errors.ErrTruncatedBuffer), "prefix %d: %v", n, err)
	}
}

func TestReader_OversizedSequence(t *testing.T) {
	w := NewWriter(CDRLittleEndian)
	w.WriteUint32(math.MaxUint32)

	r, err := NewReader(w.Bytes())
	require.NoError(t, err)
	_, err = r.ReadOctets()
	assert.True(t, errors.Is(err, errors.ErrTruncatedBuffer))

	r, err = NewReader(w.Bytes())
	require.NoError(t, err)
	_, err = r.ReadString()
	assert.True(t, errors.Is(err, errors.ErrTruncatedBuffer))
}

func TestReader_UnsupportedAlignment(t *testing.T) {
	r, err := NewReader([]byte{0, 1, 0, 0, 1, 2, 3})
	require.NoError(t, err)

	err = r.Align(3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnsupportedAlignment))
	assert.True(t, errors.IsFatal(err))
}
