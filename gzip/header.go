package gzip

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"time"

	"github.com/dargueta/flatpack"
)

const (
	gzipID1     = 0x1f
	gzipID2     = 0x8b
	gzipDeflate = 8

	flagText    = 1 << 0
	flagHdrCrc  = 1 << 1
	flagExtra   = 1 << 2
	flagName    = 1 << 3
	flagComment = 1 << 4
	flagsUnused = 0xe0

	// OSUnknown is the OS byte written when the caller doesn't set one.
	OSUnknown = 255

	fixedHeaderSize = 10
	trailerSize     = 8
	maxStringLength = 1 << 16
	maxExtraLength  = 0xffff
)

var le = binary.LittleEndian

// Header is the metadata stored at the start of a GZIP member (RFC 1952 §2.3).
type Header struct {
	Name    string
	Comment string
	Extra   []byte
	// ModTime is the modification time of the original file. The zero value
	// means it isn't set. GZIP only stores it with one-second resolution.
	ModTime time.Time
	OS      byte
	// IsText is a hint that the member is probably ASCII text.
	IsText bool
	// HeaderCRC makes [Header.Encode] append a CRC-16 of the header. When
	// reading, it indicates the header had one and that it matched.
	HeaderCRC bool
}

// Encode serializes the header. Strings are stored as Latin-1, so names and
// comments with characters outside it are rejected, as are embedded NULs.
func (hdr *Header) Encode() ([]byte, error) {
	buf := make([]byte, fixedHeaderSize, fixedHeaderSize+len(hdr.Name)+len(hdr.Comment)+16)
	buf[0] = gzipID1
	buf[1] = gzipID2
	buf[2] = gzipDeflate

	flags := byte(0)
	if hdr.IsText {
		flags |= flagText
	}
	if hdr.HeaderCRC {
		flags |= flagHdrCrc
	}
	if hdr.Extra != nil {
		flags |= flagExtra
	}
	if hdr.Name != "" {
		flags |= flagName
	}
	if hdr.Comment != "" {
		flags |= flagComment
	}
	buf[3] = flags

	// MTIME 0 means there's no timestamp, which is also what times outside the
	// field's range get.
	if mtime := hdr.ModTime.Unix(); !hdr.ModTime.IsZero() && mtime > 0 && mtime <= math.MaxUint32 {
		le.PutUint32(buf[4:8], uint32(mtime))
	}
	// buf[8] is XFL and is left as 0.
	buf[9] = hdr.OS

	if hdr.Extra != nil {
		if len(hdr.Extra) > maxExtraLength {
			return nil, flatpack.ErrInvalidArgument.WithMessage(
				fmt.Sprintf(
					"extra field is %d bytes, max is %d",
					len(hdr.Extra),
					maxExtraLength))
		}
		buf = le.AppendUint16(buf, uint16(len(hdr.Extra)))
		buf = append(buf, hdr.Extra...)
	}

	var err error
	if hdr.Name != "" {
		if buf, err = appendLatin1(buf, hdr.Name); err != nil {
			return nil, err
		}
	}
	if hdr.Comment != "" {
		if buf, err = appendLatin1(buf, hdr.Comment); err != nil {
			return nil, err
		}
	}

	if hdr.HeaderCRC {
		buf = le.AppendUint16(buf, uint16(crc32.ChecksumIEEE(buf)))
	}
	return buf, nil
}

// appendLatin1 appends `s` as a NUL-terminated Latin-1 string.
func appendLatin1(buf []byte, s string) ([]byte, error) {
	if len(s) >= maxStringLength {
		return nil, flatpack.ErrNameTooLong.WithMessage(
			fmt.Sprintf("header strings must be shorter than %d bytes", maxStringLength))
	}
	for _, r := range s {
		if r == 0 || r > 0xff {
			return nil, flatpack.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("%q can't be stored as a NUL-terminated Latin-1 string", s))
		}
		buf = append(buf, byte(r))
	}
	return append(buf, 0), nil
}

// byteReader reads from an [io.Reader] without any read-ahead, so that the
// underlying reader is left exactly at the end of the header. It also counts
// the bytes read and keeps a running CRC-32 of them.
type byteReader struct {
	r      io.Reader
	n      int64
	digest uint32
	one    [1]byte
}

func (br *byteReader) Read(p []byte) (int, error) {
	n, err := br.r.Read(p)
	br.n += int64(n)
	br.digest = crc32.Update(br.digest, crc32.IEEETable, p[:n])
	return n, err
}

func (br *byteReader) ReadByte() (byte, error) {
	_, err := io.ReadFull(br, br.one[:])
	return br.one[0], err
}

// noEOF converts io.EOF to io.ErrUnexpectedEOF.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func headerError(err error) error {
	if err == io.ErrUnexpectedEOF {
		return flatpack.ErrCorruptData.WithMessage("truncated GZIP header")
	}
	return flatpack.ErrIOFailed.Wrap(err)
}

// ReadHeader reads a GZIP member header, returning it along with the number of
// bytes it occupied. The reader is left positioned at the start of the member's
// compressed data.
//
// If `r` is already at EOF, the error is [io.EOF] itself.
func ReadHeader(r io.Reader) (Header, int64, error) {
	br := &byteReader{r: r}
	hdr, err := readHeader(br)
	return hdr, br.n, err
}

func readHeader(br *byteReader) (hdr Header, err error) {
	var buf [fixedHeaderSize]byte
	if _, err = io.ReadFull(br, buf[:]); err != nil {
		if err == io.EOF {
			return hdr, io.EOF
		}
		return hdr, headerError(err)
	}
	if buf[0] != gzipID1 || buf[1] != gzipID2 {
		return hdr, flatpack.ErrCorruptData.WithMessage(
			fmt.Sprintf("bad GZIP magic number %02x %02x", buf[0], buf[1]))
	}
	if buf[2] != gzipDeflate {
		return hdr, flatpack.ErrNotSupported.WithMessage(
			fmt.Sprintf("unsupported GZIP compression method %d", buf[2]))
	}

	flags := buf[3]
	if flags&flagsUnused != 0 {
		return hdr, flatpack.ErrCorruptData.WithMessage(
			fmt.Sprintf("reserved GZIP header flags set: %#02x", flags))
	}
	if t := int64(le.Uint32(buf[4:8])); t > 0 {
		// Zero means the modification time isn't set.
		hdr.ModTime = time.Unix(t, 0)
	}
	hdr.OS = buf[9]
	hdr.IsText = flags&flagText != 0

	if flags&flagExtra != 0 {
		var sizeBuf [2]byte
		if _, err = io.ReadFull(br, sizeBuf[:]); err != nil {
			return hdr, headerError(noEOF(err))
		}
		hdr.Extra = make([]byte, le.Uint16(sizeBuf[:]))
		if _, err = io.ReadFull(br, hdr.Extra); err != nil {
			return hdr, headerError(noEOF(err))
		}
	}

	if flags&flagName != 0 {
		if hdr.Name, err = readLatin1(br); err != nil {
			return hdr, err
		}
	}
	if flags&flagComment != 0 {
		if hdr.Comment, err = readLatin1(br); err != nil {
			return hdr, err
		}
	}

	if flags&flagHdrCrc != 0 {
		expected := uint16(br.digest)
		var crcBuf [2]byte
		if _, err = io.ReadFull(br, crcBuf[:]); err != nil {
			return hdr, headerError(noEOF(err))
		}
		if stored := le.Uint16(crcBuf[:]); stored != expected {
			return hdr, flatpack.ErrCorruptData.WithMessage(
				fmt.Sprintf(
					"GZIP header CRC mismatch (expected %04x, got %04x)",
					stored,
					expected))
		}
		hdr.HeaderCRC = true
	}
	return hdr, nil
}

// readLatin1 reads a NUL-terminated Latin-1 string and converts it to UTF-8.
func readLatin1(br *byteReader) (string, error) {
	var runes []rune
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", headerError(noEOF(err))
		}
		if b == 0 {
			return string(runes), nil
		}
		if len(runes) >= maxStringLength {
			return "", flatpack.ErrCorruptData.WithMessage("unterminated string in GZIP header")
		}
		runes = append(runes, rune(b))
	}
}
