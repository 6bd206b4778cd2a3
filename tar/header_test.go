package tar

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/dargueta/flatpack"
	"github.com/noxer/bytewriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	original := Header{
		Name:      "dir/file.txt",
		Mode:      0o644,
		UID:       1000,
		GID:       100,
		Size:      1234,
		ModTime:   time.Unix(1700000000, 0),
		TypeFlag:  TypeRegular,
		UserName:  "user",
		GroupName: "group",
	}

	record, err := original.Encode()
	require.NoError(t, err)
	require.Len(t, record, RecordSize)
	assert.Equal(t, "ustar\x00", string(record[offsetMagic:offsetVersion]))
	assert.Equal(t, "00", string(record[offsetVersion:offsetUserName]))
	assert.Equal(t, byte(0), record[offsetChecksum+6])
	assert.Equal(t, byte(' '), record[offsetChecksum+7])
	assert.Equal(t, "0000644\x00", string(record[offsetMode:offsetUID]), "octal field not zero-padded")
	assert.Equal(t, "00000002322\x00", string(record[offsetSize:offsetModTime]))

	decoded, err := DecodeHeader(record)
	require.NoError(t, err)
	assert.Equal(t, original.Name, decoded.Name)
	assert.Equal(t, original.Mode, decoded.Mode)
	assert.Equal(t, original.UID, decoded.UID)
	assert.Equal(t, original.GID, decoded.GID)
	assert.Equal(t, original.Size, decoded.Size)
	assert.True(t, original.ModTime.Equal(decoded.ModTime))
	assert.EqualValues(t, TypeRegular, decoded.TypeFlag)
	assert.Equal(t, "user", decoded.UserName)
	assert.Equal(t, "group", decoded.GroupName)
	assert.False(t, decoded.GNU)
	assert.Equal(t, uint32(flatpack.S_IFREG|0o644), decoded.PosixMode())
}

func TestLongNameUsesPrefix(t *testing.T) {
	prefix := strings.Repeat("a", 120)
	name := strings.Repeat("b", 50)
	hdr := Header{Name: prefix + "/" + name, TypeFlag: TypeRegular}

	record, err := hdr.Encode()
	require.NoError(t, err)
	assert.Equal(t, name, cString(record[offsetName:offsetMode]))
	assert.Equal(t, prefix, cString(record[offsetPrefix:offsetPadding]))

	decoded, err := DecodeHeader(record)
	require.NoError(t, err)
	assert.Equal(t, hdr.Name, decoded.Name)
}

func TestNameTooLong(t *testing.T) {
	names := []string{
		strings.Repeat("a", 200) + "/b",
		"a/" + strings.Repeat("b", 101),
		strings.Repeat("c/", 130),
	}
	for _, name := range names {
		_, err := (&Header{Name: name}).Encode()
		assert.ErrorIs(t, err, flatpack.ErrNameTooLong, "name length %d", len(name))
	}
}

func TestEncodeRejectsOversizedNumbers(t *testing.T) {
	_, err := (&Header{Name: "huge", Size: 1 << 33}).Encode()
	assert.ErrorIs(t, err, flatpack.ErrInvalidArgument)

	_, err = (&Header{Name: "old", ModTime: time.Unix(-1, 0)}).Encode()
	assert.ErrorIs(t, err, flatpack.ErrInvalidArgument)
}

func TestChecksumMismatchIsRejected(t *testing.T) {
	record, err := (&Header{Name: "file", Size: 10}).Encode()
	require.NoError(t, err)

	record[0] ^= 0x01
	_, err = DecodeHeader(record)
	assert.ErrorIs(t, err, flatpack.ErrCorruptData)
	assert.Contains(t, err.Error(), "checksum")
}

func rewriteChecksum(record []byte) {
	sum, _ := computeChecksums(record)
	copy(record[offsetChecksum:offsetTypeFlag], fmt.Sprintf("%06o\x00 ", sum))
}

func TestGNUMagicAccepted(t *testing.T) {
	record, err := (&Header{Name: "gnu.txt", TypeFlag: TypeRegular}).Encode()
	require.NoError(t, err)

	copy(record[offsetMagic:offsetUserName], magicGNU)
	// GNU tar keeps access times here, not a prefix.
	record[offsetPrefix] = '1'
	rewriteChecksum(record)

	decoded, err := DecodeHeader(record)
	require.NoError(t, err)
	assert.True(t, decoded.GNU)
	assert.Equal(t, "gnu.txt", decoded.Name)
}

func TestUnknownMagicRejected(t *testing.T) {
	record, err := (&Header{Name: "file"}).Encode()
	require.NoError(t, err)

	copy(record[offsetMagic:offsetUserName], "nottar\x00\x00")
	rewriteChecksum(record)

	_, err = DecodeHeader(record)
	assert.ErrorIs(t, err, flatpack.ErrCorruptData)
}

func TestSignedChecksumAccepted(t *testing.T) {
	record, err := (&Header{Name: "caf\xe9", TypeFlag: TypeRegular}).Encode()
	require.NoError(t, err)

	_, signed := computeChecksums(record)
	copy(record[offsetChecksum:offsetTypeFlag], fmt.Sprintf("%06o\x00 ", signed))

	decoded, err := DecodeHeader(record)
	require.NoError(t, err)
	assert.Equal(t, "caf\xe9", decoded.Name)
}

func TestParseNumeric(t *testing.T) {
	value, err := parseNumeric([]byte("  755 \x00\x00"), "mode")
	require.NoError(t, err)
	assert.EqualValues(t, 0o755, value)

	value, err = parseNumeric([]byte("\x00\x00\x00\x00"), "uid")
	require.NoError(t, err)
	assert.EqualValues(t, 0, value)

	value, err = parseNumeric([]byte{0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01, 0x00}, "size")
	require.NoError(t, err)
	assert.EqualValues(t, 256, value)

	_, err = parseNumeric([]byte("0000089\x00"), "mode")
	assert.ErrorIs(t, err, flatpack.ErrCorruptData)

	_, err = parseNumeric([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, "uid")
	assert.ErrorIs(t, err, flatpack.ErrNotSupported)
}

func TestHeaderOnlyTypesHaveNoData(t *testing.T) {
	dir := Header{Name: "dir/", TypeFlag: TypeDir, Size: 4096}
	assert.EqualValues(t, 0, dir.dataSize())
	assert.Equal(t, uint32(flatpack.S_IFDIR), dir.PosixMode())

	file := Header{Name: "file", TypeFlag: TypeRegularLegacy, Size: 4096}
	assert.EqualValues(t, 4096, file.dataSize())
}

func TestParsePAXRecords(t *testing.T) {
	var hdr Header
	err := parsePAXRecords([]byte("28 path=some/very/long/name\n13 mtime=123\n"), &hdr)
	require.NoError(t, err)
	assert.Equal(t, "some/very/long/name", hdr.Name)

	err = parsePAXRecords([]byte("99 path=x\n"), &hdr)
	assert.ErrorIs(t, err, flatpack.ErrCorruptData)
}

func TestWriteFieldReportsShortWrites(t *testing.T) {
	record := make([]byte, 12)
	writer := bytewriter.New(record)

	require.NoError(t, writeField(writer, []byte("abc"), 8, "name"))
	assert.Equal(t, "abc\x00\x00\x00\x00\x00", string(record[:8]))

	// Only four bytes are left, so the padding can't all be written.
	err := writeField(writer, []byte("xy"), 8, "link name")
	assert.ErrorIs(t, err, flatpack.ErrIOFailed)
	assert.ErrorIs(t, err, bytewriter.SliceFull)

	err = writeField(writer, []byte("toolong"), 4, "magic")
	assert.ErrorIs(t, err, flatpack.ErrNameTooLong)
}
