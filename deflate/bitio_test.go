package deflate

import (
	"bytes"
	"testing"
	"testing/iotest"

	"github.com/dargueta/flatpack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bitField struct {
	value uint32
	width uint
}

var bitFields = []bitField{
	{1, 1}, {0, 2}, {5, 3}, {0x1ff, 9}, {0, 1}, {0xabcd, 16}, {3, 2},
	{0x7fffffff, 31}, {0, 7}, {1, 1}, {0x12345678, 32},
}

func TestBitWriterFieldsAreLSBFirst(t *testing.T) {
	var w BitWriter
	w.WriteBits(1, 1)
	w.WriteBits(2, 2)
	w.WriteBits(0x1f, 5)
	assert.Equal(t, []byte{0xfd}, w.Bytes())
	assert.Equal(t, 8, w.BitLen())
	assert.EqualValues(t, 0, w.BitOffset())
}

func TestBitWriterCodesAreMSBFirst(t *testing.T) {
	var w BitWriter
	// 0b110 written MSB first ends up as 0b011 in the low bits.
	w.WriteCode(0x6, 3)
	assert.Equal(t, []byte{0x03}, w.Bytes())
	assert.Equal(t, 3, w.BitLen())
}

func TestBitRoundTrip(t *testing.T) {
	var w BitWriter
	for _, field := range bitFields {
		w.WriteBits(field.value, field.width)
	}
	w.AlignToByte()
	w.WriteBytes([]byte("tail"))

	r := NewBitReader(bytes.NewReader(w.Bytes()), 16)
	for i, field := range bitFields {
		value, err := r.ReadBits(field.width)
		require.NoError(t, err, "field %d", i)
		assert.Equal(t, field.value, value, "field %d", i)
	}
	r.AlignToByte()
	tail := make([]byte, 4)
	require.NoError(t, r.ReadBytes(tail))
	assert.Equal(t, []byte("tail"), tail)
	assert.EqualValues(t, len(w.Bytes()), r.Offset())
}

func TestBitReaderRefillAcrossShortReads(t *testing.T) {
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i * 7)
	}

	r := NewBitReader(iotest.OneByteReader(bytes.NewReader(data)), 16)
	// Read 12-bit fields so values regularly straddle refills.
	var w BitWriter
	for i := 0; i < 200; i++ {
		value, err := r.ReadBits(12)
		require.NoError(t, err)
		w.WriteBits(value, 12)
	}
	assert.Equal(t, data, w.Bytes())
}

func TestBitReaderTruncatedInputIsCorrupt(t *testing.T) {
	r := NewBitReader(bytes.NewReader([]byte{0xff}), 16)
	_, err := r.ReadBits(12)
	assert.ErrorIs(t, err, flatpack.ErrCorruptData)
}

func TestBitReaderUnread(t *testing.T) {
	r := NewBitReader(bytes.NewReader([]byte{0x01, 0xaa, 0xbb, 0xcc}), 16)
	_, err := r.ReadBits(3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc}, r.Unread())
	assert.EqualValues(t, 1, r.Offset())
}

func TestBitWriterSplice(t *testing.T) {
	for offset := uint(0); offset < 8; offset++ {
		var direct, main, scratch BitWriter
		direct.WriteBits(0x55, offset)
		main.WriteBits(0x55, offset)

		scratch.reset(main.BitOffset())
		for _, field := range bitFields {
			direct.WriteBits(field.value, field.width)
			scratch.WriteBits(field.value, field.width)
		}
		main.splice(&scratch)

		assert.Equal(t, direct.Bytes(), main.Bytes(), "offset %d", offset)
		assert.Equal(t, direct.BitLen(), main.BitLen(), "offset %d", offset)
	}
}

func TestBitWriterDrainKeepsPartialByte(t *testing.T) {
	var w BitWriter
	w.WriteBits(0xabc, 12)

	var out bytes.Buffer
	n, err := w.drain(&out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte{0xbc}, out.Bytes())

	n, err = w.flush(&out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte{0xbc, 0x0a}, out.Bytes())
}
