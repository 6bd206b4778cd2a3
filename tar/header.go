package tar

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dargueta/flatpack"
	"github.com/noxer/bytewriter"
)

// Type flags.
const (
	TypeRegular       = '0'
	TypeRegularLegacy = '\x00'
	TypeLink          = '1'
	TypeSymlink       = '2'
	TypeChar          = '3'
	TypeBlock         = '4'
	TypeDir           = '5'
	TypeFifo          = '6'
	TypeContiguous    = '7'
	TypeGNULongName   = 'L'
	TypeGNULongLink   = 'K'
	TypePAXHeader     = 'x'
	TypePAXGlobal     = 'g'
)

const (
	magicUSTAR    = "ustar\x00"
	versionUSTAR  = "00"
	magicGNU      = "ustar  \x00"
	maxNameLength = 100
	maxPrefixSize = 155
)

// Byte ranges of the header fields within a record.
const (
	offsetName     = 0
	offsetMode     = 100
	offsetUID      = 108
	offsetGID      = 116
	offsetSize     = 124
	offsetModTime  = 136
	offsetChecksum = 148
	offsetTypeFlag = 156
	offsetLinkName = 157
	offsetMagic    = 257
	offsetVersion  = 263
	offsetUserName = 265
	offsetGroup    = 297
	offsetDevMajor = 329
	offsetDevMinor = 337
	offsetPrefix   = 345
	offsetPadding  = 500
)

// Header is a TAR member header, one record long.
type Header struct {
	// Name is the member's path, relative to the root of the archive. Directory
	// names end with "/".
	Name string
	// Mode holds the permission bits (07777), without file type bits.
	Mode      uint32
	UID       int64
	GID       int64
	Size      int64
	ModTime   time.Time
	TypeFlag  byte
	LinkName  string
	UserName  string
	GroupName string
	DevMajor  int64
	DevMinor  int64
	// GNU is true if the header carries the GNU magic instead of the POSIX one.
	// Headers are always written with the POSIX magic.
	GNU bool
}

// isHeaderOnly returns true if the member has no data records regardless of
// what its size field says.
func (h *Header) isHeaderOnly() bool {
	switch h.TypeFlag {
	case TypeLink, TypeSymlink, TypeChar, TypeBlock, TypeDir, TypeFifo:
		return true
	}
	return false
}

// dataSize gives the number of bytes of data following the header.
func (h *Header) dataSize() int64 {
	if h.isHeaderOnly() {
		return 0
	}
	return h.Size
}

// PosixMode gives the member's permission and file type bits.
func (h *Header) PosixMode() uint32 {
	mode := h.Mode & 0o7777
	switch h.TypeFlag {
	case TypeDir:
		mode |= flatpack.S_IFDIR
	case TypeSymlink:
		mode |= flatpack.S_IFLNK
	case TypeChar:
		mode |= flatpack.S_IFCHR
	case TypeBlock:
		mode |= flatpack.S_IFBLK
	case TypeFifo:
		mode |= flatpack.S_IFIFO
	default:
		mode |= flatpack.S_IFREG
	}
	return mode
}

// splitName divides a path into the name and prefix fields of a ustar header.
// Paths that fit in the name field aren't split.
func splitName(path string) (name, prefix string, err error) {
	if len(path) <= maxNameLength {
		return path, "", nil
	}

	last := len(path) - 2
	if last > maxPrefixSize {
		last = maxPrefixSize
	}
	for i := last; i > 0; i-- {
		if path[i] != '/' {
			continue
		}
		if len(path)-i-1 > maxNameLength {
			break
		}
		return path[i+1:], path[:i], nil
	}
	return "", "", flatpack.ErrNameTooLong.WithMessage(
		fmt.Sprintf("can't fit %q into a ustar header", path))
}

// formatOctal renders `value` as zero-padded octal digits followed by a null,
// filling a field `width` bytes wide.
func formatOctal(value int64, width int, field string) ([]byte, error) {
	digits := strconv.FormatInt(value, 8)
	if value < 0 || len(digits) > width-1 {
		return nil, flatpack.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s %d doesn't fit in %d octal digits", field, value, width-1))
	}
	output := make([]byte, 0, width)
	output = append(output, strings.Repeat("0", width-1-len(digits))...)
	output = append(output, digits...)
	return append(output, 0), nil
}

// writeField writes `value` to `w` and pads it with nulls to `width` bytes.
func writeField(w io.Writer, value []byte, width int, field string) error {
	if len(value) > width {
		return flatpack.ErrNameTooLong.WithMessage(
			fmt.Sprintf("%s is %d bytes long, limit is %d", field, len(value), width))
	}
	if _, err := w.Write(value); err != nil {
		return flatpack.ErrIOFailed.WithMessage(field).Wrap(err)
	}
	if _, err := w.Write(make([]byte, width-len(value))); err != nil {
		return flatpack.ErrIOFailed.WithMessage(field).Wrap(err)
	}
	return nil
}

// Encode serializes the header to a single record in POSIX ustar format.
func (h *Header) Encode() ([]byte, error) {
	name, prefix, err := splitName(h.Name)
	if err != nil {
		return nil, err
	}

	numbers := []struct {
		field string
		value int64
		width int
	}{
		{"mode", int64(h.Mode & 0o7777), 8},
		{"uid", h.UID, 8},
		{"gid", h.GID, 8},
		{"size", h.Size, 12},
		{"mtime", h.ModTime.Unix(), 12},
	}
	if h.ModTime.IsZero() {
		numbers[4].value = 0
	}

	record := make([]byte, RecordSize)
	writer := bytewriter.New(record)

	if err = writeField(writer, []byte(name), maxNameLength, "name"); err != nil {
		return nil, err
	}
	for _, number := range numbers {
		encoded, err := formatOctal(number.value, number.width, number.field)
		if err != nil {
			return nil, err
		}
		if err = writeField(writer, encoded, number.width, number.field); err != nil {
			return nil, err
		}
	}

	// The checksum is computed with its own field filled with spaces.
	if err = writeField(writer, []byte("        "), 8, "checksum"); err != nil {
		return nil, err
	}
	if err = writeField(writer, []byte{h.TypeFlag}, 1, "type flag"); err != nil {
		return nil, err
	}

	strs := []struct {
		field string
		value string
		width int
	}{
		{"link name", h.LinkName, maxNameLength},
		{"magic", magicUSTAR, 6},
		{"version", versionUSTAR, 2},
		{"user name", h.UserName, 32},
		{"group name", h.GroupName, 32},
	}
	for _, str := range strs {
		if err = writeField(writer, []byte(str.value), str.width, str.field); err != nil {
			return nil, err
		}
	}

	for _, device := range []int64{h.DevMajor, h.DevMinor} {
		encoded, err := formatOctal(device, 8, "device number")
		if err != nil {
			return nil, err
		}
		if err = writeField(writer, encoded, 8, "device number"); err != nil {
			return nil, err
		}
	}
	if err = writeField(writer, []byte(prefix), maxPrefixSize, "prefix"); err != nil {
		return nil, err
	}

	sum, _ := computeChecksums(record)
	copy(record[offsetChecksum:offsetTypeFlag], fmt.Sprintf("%06o\x00 ", sum))
	return record, nil
}

// computeChecksums sums the bytes of a header record, treating the checksum
// field as spaces. Historical implementations summed signed bytes, so both
// versions are returned.
func computeChecksums(record []byte) (unsigned int64, signed int64) {
	for i, b := range record {
		if i >= offsetChecksum && i < offsetTypeFlag {
			b = ' '
		}
		unsigned += int64(b)
		signed += int64(int8(b))
	}
	return unsigned, signed
}

// isZeroRecord returns true if every byte of the record is null.
func isZeroRecord(record []byte) bool {
	for _, b := range record {
		if b != 0 {
			return false
		}
	}
	return true
}

// cString returns the contents of a null-terminated field.
func cString(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

// parseNumeric parses a numeric header field. Fields are normally octal ASCII
// padded with spaces or nulls; GNU tar stores values too big for that as
// base-256 with the high bit of the first byte set.
func parseNumeric(field []byte, name string) (int64, error) {
	if len(field) > 0 && field[0]&0x80 != 0 {
		if field[0]&0x40 != 0 {
			return 0, flatpack.ErrNotSupported.WithMessage(
				fmt.Sprintf("%s: negative base-256 value", name))
		}
		var value int64
		for i, b := range field {
			if i == 0 {
				b &= 0x7f
			}
			if value > math.MaxInt64>>8 {
				return 0, flatpack.ErrNotSupported.WithMessage(
					fmt.Sprintf("%s: base-256 value out of range", name))
			}
			value = value<<8 | int64(b)
		}
		return value, nil
	}

	text := strings.Trim(string(field), " \x00")
	if text == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(text, 8, 64)
	if err != nil {
		return 0, flatpack.ErrCorruptData.WithMessage(
			fmt.Sprintf("%s: invalid octal number %q", name, text))
	}
	return value, nil
}

// DecodeHeader parses a header record, verifying its checksum and magic.
func DecodeHeader(record []byte) (Header, error) {
	var hdr Header
	if len(record) != RecordSize {
		return hdr, flatpack.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("header must be %d bytes, got %d", RecordSize, len(record)))
	}

	stored, err := parseNumeric(record[offsetChecksum:offsetTypeFlag], "checksum")
	if err != nil {
		return hdr, err
	}
	unsigned, signed := computeChecksums(record)
	if stored != unsigned && stored != signed {
		return hdr, flatpack.ErrCorruptData.WithMessage(
			fmt.Sprintf(
				"header checksum mismatch (expected %06o, got %06o)", stored, unsigned))
	}

	switch {
	case string(record[offsetMagic:offsetUserName]) == magicGNU:
		hdr.GNU = true
	case string(record[offsetMagic:offsetVersion]) == magicUSTAR:
	default:
		return hdr, flatpack.ErrCorruptData.WithMessage(
			fmt.Sprintf("unrecognized magic %q", record[offsetMagic:offsetUserName]))
	}

	numbers := []struct {
		field  string
		start  int
		end    int
		target *int64
	}{
		{"uid", offsetUID, offsetGID, &hdr.UID},
		{"gid", offsetGID, offsetSize, &hdr.GID},
		{"size", offsetSize, offsetModTime, &hdr.Size},
		{"devmajor", offsetDevMajor, offsetDevMinor, &hdr.DevMajor},
		{"devminor", offsetDevMinor, offsetPrefix, &hdr.DevMinor},
	}
	for _, number := range numbers {
		*number.target, err = parseNumeric(record[number.start:number.end], number.field)
		if err != nil {
			return hdr, err
		}
	}
	if hdr.Size < 0 {
		return hdr, flatpack.ErrCorruptData.WithMessage(
			fmt.Sprintf("negative member size %d", hdr.Size))
	}

	mode, err := parseNumeric(record[offsetMode:offsetUID], "mode")
	if err != nil {
		return hdr, err
	}
	hdr.Mode = uint32(mode) & 0o7777

	mtime, err := parseNumeric(record[offsetModTime:offsetChecksum], "mtime")
	if err != nil {
		return hdr, err
	}
	hdr.ModTime = time.Unix(mtime, 0)

	hdr.TypeFlag = record[offsetTypeFlag]
	hdr.LinkName = cString(record[offsetLinkName:offsetMagic])
	hdr.UserName = cString(record[offsetUserName:offsetGroup])
	hdr.GroupName = cString(record[offsetGroup:offsetDevMajor])
	hdr.Name = cString(record[offsetName:offsetMode])

	// GNU tar uses the prefix area for access and change times.
	if !hdr.GNU {
		if prefix := cString(record[offsetPrefix:offsetPadding]); prefix != "" {
			hdr.Name = prefix + "/" + hdr.Name
		}
	}
	return hdr, nil
}

// parsePAXRecords extracts the path and link path from a PAX extended header.
// Each record has the form "<length> <key>=<value>\n", where the length
// includes itself.
func parsePAXRecords(data []byte, pending *Header) error {
	for len(data) > 0 {
		space := bytes.IndexByte(data, ' ')
		if space <= 0 {
			return flatpack.ErrCorruptData.WithMessage("malformed PAX record")
		}
		length, err := strconv.Atoi(string(data[:space]))
		if err != nil || length <= space+1 || length > len(data) || data[length-1] != '\n' {
			return flatpack.ErrCorruptData.WithMessage("malformed PAX record length")
		}

		record := data[space+1 : length-1]
		data = data[length:]
		equals := bytes.IndexByte(record, '=')
		if equals < 0 {
			return flatpack.ErrCorruptData.WithMessage("PAX record has no '='")
		}

		value := string(record[equals+1:])
		switch string(record[:equals]) {
		case "path":
			pending.Name = value
		case "linkpath":
			pending.LinkName = value
		}
	}
	return nil
}
