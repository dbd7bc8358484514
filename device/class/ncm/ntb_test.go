package ncm

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softprobe/pkg"
)

func encodeBlock(t *testing.T, datagram []byte) []byte {
	t.Helper()
	var enc Encoder
	buf := make([]byte, PayloadOffset+len(datagram))
	n, err := enc.Encode(buf, datagram)
	require.NoError(t, err)
	return buf[:n]
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	datagram := bytes.Repeat([]byte{0xA5}, 100)
	for i := range datagram {
		datagram[i] = byte(i)
	}

	block := encodeBlock(t, datagram)
	require.Len(t, block, 12+16+100)

	got, err := Decode(block)
	require.NoError(t, err)
	assert.Equal(t, datagram, got)

	h, ok := ReadHeader(block)
	require.True(t, ok)
	assert.Equal(t, Header{Sequence: 0, BlockLength: 128, TableOffset: 12}, h)
}

func TestDecode_TooShort(t *testing.T) {
	block := encodeBlock(t, []byte{1})
	_, err := Decode(block[:28])

	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, CheckLength, ferr.Check)
	assert.ErrorIs(t, err, pkg.ErrMalformedBlock)
}

func TestDecode_Checks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b []byte) []byte
		check  Check
	}{
		{"empty", func(b []byte) []byte { return nil }, CheckLength},
		{"header signature", func(b []byte) []byte {
			b[0] = 'X'
			return b
		}, CheckHeaderSignature},
		{"table offset below header", func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[10:], 8)
			return b
		}, CheckTableOffset},
		{"table offset past end", func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[10:], uint16(len(b)-4))
			return b
		}, CheckTableOffset},
		{"table signature", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[12:], 0x324D434E)
			return b
		}, CheckTableSignature},
		{"table length short", func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[16:], 8)
			return b
		}, CheckTableLength},
		{"table length past end", func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[16:], 0x1000)
			return b
		}, CheckTableLength},
		{"missing terminator", func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[24:], 28)
			binary.LittleEndian.PutUint16(b[26:], 1)
			return b
		}, CheckTerminator},
		{"next table", func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[18:], 64)
			return b
		}, CheckNextTable},
		{"datagram past end", func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[22:], uint16(len(b)))
			return b
		}, CheckDatagramBounds},
		{"empty datagram", func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[22:], 0)
			return b
		}, CheckDatagramBounds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := tt.mutate(encodeBlock(t, []byte("payload")))
			_, err := Decode(block)

			var ferr *FormatError
			require.ErrorAs(t, err, &ferr)
			assert.Equal(t, tt.check, ferr.Check, ferr.Error())
			assert.True(t, errors.Is(err, pkg.ErrMalformedBlock))
		})
	}
}

func TestDecode_AcceptsNCM1(t *testing.T) {
	block := encodeBlock(t, []byte("abc"))
	binary.LittleEndian.PutUint32(block[12:], NDP16Signature1)
	got, err := Decode(block)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

// Truncating a valid block at every length must fail cleanly.
func TestDecode_NeverReadsPastBuffer(t *testing.T) {
	block := encodeBlock(t, bytes.Repeat([]byte{0x5A}, 40))
	for n := 0; n < len(block); n++ {
		_, err := Decode(block[:n:n])
		assert.ErrorIs(t, err, pkg.ErrMalformedBlock, "length %d", n)
	}
}

func TestEncoder_Sequence(t *testing.T) {
	var enc Encoder
	buf := make([]byte, 64)
	for i := 0; i < 3; i++ {
		_, err := enc.Encode(buf, []byte{byte(i)})
		require.NoError(t, err)
		h, ok := ReadHeader(buf)
		require.True(t, ok)
		assert.Equal(t, uint16(i), h.Sequence)
	}

	enc.seq = 0xFFFF
	_, err := enc.Encode(buf, []byte{1})
	require.NoError(t, err)
	assert.Equal(t, uint16(0), enc.Sequence(), "sequence wraps")

	enc.Reset()
	assert.Equal(t, uint16(0), enc.Sequence())
}

func TestEncoder_Errors(t *testing.T) {
	var enc Encoder
	_, err := enc.Encode(make([]byte, 64), nil)
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)

	_, err = enc.Encode(make([]byte, 30), make([]byte, 10))
	require.ErrorIs(t, err, pkg.ErrBufferTooSmall)

	_, err = enc.EncodeFunc(make([]byte, 64), func([]byte) int { return 0 })
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)
	assert.Equal(t, uint16(0), enc.Sequence(), "failed encodes do not advance")
}

func TestEncodeFunc_WritesInPlace(t *testing.T) {
	var enc Encoder
	buf := make([]byte, 256)
	n, err := enc.EncodeFunc(buf, func(payload []byte) int {
		return copy(payload, "frame")
	})
	require.NoError(t, err)
	assert.Equal(t, PayloadOffset+5, n)
	assert.Equal(t, "frame", string(buf[PayloadOffset:n]))
}

func TestDecoder_Multi(t *testing.T) {
	// Header, table with three entries and terminator, two datagrams.
	block := make([]byte, 64)
	binary.LittleEndian.PutUint32(block[0:], NTH16Signature)
	binary.LittleEndian.PutUint16(block[4:], NTH16Size)
	binary.LittleEndian.PutUint16(block[8:], 64)
	binary.LittleEndian.PutUint16(block[10:], 12)
	binary.LittleEndian.PutUint32(block[12:], NDP16Signature0)
	binary.LittleEndian.PutUint16(block[16:], 8+4*4)
	binary.LittleEndian.PutUint16(block[20:], 40)
	binary.LittleEndian.PutUint16(block[22:], 4)
	binary.LittleEndian.PutUint16(block[24:], 48)
	binary.LittleEndian.PutUint16(block[26:], 8)
	copy(block[40:], "one!")
	copy(block[48:], "two two!")

	got, err := Decoder{MaxDatagrams: 4}.DecodeAll(block)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "one!", string(got[0]))
	assert.Equal(t, "two two!", string(got[1]))

	_, err = Decoder{MaxDatagrams: 1}.DecodeAll(block)
	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, CheckTerminator, ferr.Check)

	_, err = Decoder{MaxDatagrams: 4}.DecodeAll(block[:50])
	require.ErrorAs(t, err, &ferr)
}

func TestNTBParameters_MarshalTo(t *testing.T) {
	p := NTBParameters{InMaxSize: 2048, InDivisor: 4, InAlignment: 4, OutMaxSize: 2048, OutMaxDatagrams: 1}
	buf := make([]byte, NTBParametersSize)
	require.Equal(t, NTBParametersSize, p.MarshalTo(buf))
	assert.Equal(t, uint16(28), binary.LittleEndian.Uint16(buf[0:]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(buf[2:]))
	assert.Equal(t, uint32(2048), binary.LittleEndian.Uint32(buf[4:]))
	assert.Equal(t, uint32(2048), binary.LittleEndian.Uint32(buf[16:]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(buf[26:]))
	assert.Zero(t, p.MarshalTo(buf[:10]))
}
