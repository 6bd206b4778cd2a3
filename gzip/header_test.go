package gzip

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/dargueta/flatpack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	original := Header{
		Name:      "café.txt",
		Comment:   "a comment",
		Extra:     []byte{'A', 'B', 2, 0, 1, 2},
		ModTime:   time.Unix(1700000000, 0),
		OS:        3,
		IsText:    true,
		HeaderCRC: true,
	}

	encoded, err := original.Encode()
	require.NoError(t, err)

	decoded, size, err := ReadHeader(bytes.NewReader(encoded))
	require.NoError(t, err)
	assert.EqualValues(t, len(encoded), size)
	assert.Equal(t, original.Name, decoded.Name)
	assert.Equal(t, original.Comment, decoded.Comment)
	assert.Equal(t, original.Extra, decoded.Extra)
	assert.True(t, original.ModTime.Equal(decoded.ModTime))
	assert.Equal(t, original.OS, decoded.OS)
	assert.True(t, decoded.IsText)
	assert.True(t, decoded.HeaderCRC)
}

func TestMinimalHeader(t *testing.T) {
	encoded, err := (&Header{OS: OSUnknown}).Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1f, 0x8b, 8, 0, 0, 0, 0, 0, 0, 0xff}, encoded)

	decoded, size, err := ReadHeader(bytes.NewReader(encoded))
	require.NoError(t, err)
	assert.EqualValues(t, fixedHeaderSize, size)
	assert.True(t, decoded.ModTime.IsZero())
	assert.Empty(t, decoded.Name)
}

func TestHeaderCRCMismatch(t *testing.T) {
	encoded, err := (&Header{Name: "file", HeaderCRC: true}).Encode()
	require.NoError(t, err)
	encoded[len(encoded)-1] ^= 0xff

	_, _, err = ReadHeader(bytes.NewReader(encoded))
	assert.ErrorIs(t, err, flatpack.ErrCorruptData)
}

func TestReadHeaderErrors(t *testing.T) {
	tests := []struct {
		Name     string
		Data     []byte
		Expected error
	}{
		{"bad magic", []byte{0x1f, 0x8c, 8, 0, 0, 0, 0, 0, 0, 0}, flatpack.ErrCorruptData},
		{"bad method", []byte{0x1f, 0x8b, 7, 0, 0, 0, 0, 0, 0, 0}, flatpack.ErrNotSupported},
		{"reserved flag", []byte{0x1f, 0x8b, 8, 0x20, 0, 0, 0, 0, 0, 0}, flatpack.ErrCorruptData},
		{"truncated", []byte{0x1f, 0x8b, 8}, flatpack.ErrCorruptData},
		{"unterminated name", []byte{0x1f, 0x8b, 8, flagName, 0, 0, 0, 0, 0, 0, 'a', 'b'}, flatpack.ErrCorruptData},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			_, _, err := ReadHeader(bytes.NewReader(test.Data))
			assert.ErrorIs(t, err, test.Expected)
		})
	}
}

func TestEncodeRejectsNonLatin1(t *testing.T) {
	_, err := (&Header{Name: "日本"}).Encode()
	assert.ErrorIs(t, err, flatpack.ErrInvalidArgument)

	_, err = (&Header{Comment: "a\x00b"}).Encode()
	assert.ErrorIs(t, err, flatpack.ErrInvalidArgument)
}

func TestReadHeaderDoesNotReadAhead(t *testing.T) {
	encoded, err := (&Header{Name: "x"}).Encode()
	require.NoError(t, err)
	reader := bytes.NewReader(append(encoded, "rest"...))

	_, _, err = ReadHeader(reader)
	require.NoError(t, err)
	assert.Equal(t, 4, reader.Len())
}

func TestModTimeOutOfRangeIsOmitted(t *testing.T) {
	tests := []struct {
		Name     string
		ModTime  time.Time
		Expected []byte
	}{
		{"before 1970", time.Date(1969, 7, 20, 20, 17, 0, 0, time.UTC), []byte{0, 0, 0, 0}},
		{"after 2106", time.Date(2106, 2, 7, 6, 28, 16, 0, time.UTC), []byte{0, 0, 0, 0}},
		{"last representable", time.Unix(math.MaxUint32, 0), []byte{0xff, 0xff, 0xff, 0xff}},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			encoded, err := (&Header{ModTime: test.ModTime}).Encode()
			require.NoError(t, err)
			assert.Equal(t, test.Expected, encoded[4:8])
		})
	}
}
