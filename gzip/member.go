package gzip

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dargueta/flatpack"
	"github.com/dargueta/flatpack/deflate"
)

// countingWriter counts the bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	if err != nil {
		return n, flatpack.ErrIOFailed.Wrap(err)
	}
	return n, nil
}

// WriteMember compresses everything from `src` as a single GZIP member written
// to `dst`. Offsets in the returned info are relative to where the member
// starts.
func WriteMember(
	dst io.Writer, src io.Reader, hdr Header, opts ...deflate.Option,
) (flatpack.MemberInfo, error) {
	info := flatpack.MemberInfo{
		Name:    hdr.Name,
		Comment: hdr.Comment,
		ModTime: hdr.ModTime,
		Mode:    flatpack.S_IFREG | 0o644,
	}

	headerBytes, err := hdr.Encode()
	if err != nil {
		return info, err
	}

	out := &countingWriter{w: dst}
	if _, err = out.Write(headerBytes); err != nil {
		return info, err
	}
	info.DataOffset = out.n

	compressor, err := deflate.NewWriter(out, opts...)
	if err != nil {
		return info, err
	}
	if _, err = io.Copy(compressor, src); err != nil {
		if _, ok := err.(flatpack.Error); !ok {
			err = flatpack.ErrIOFailed.Wrap(err)
		}
		return info, err
	}
	if err = compressor.Close(); err != nil {
		return info, err
	}

	var trailer [trailerSize]byte
	le.PutUint32(trailer[:4], compressor.Checksum())
	le.PutUint32(trailer[4:], uint32(compressor.UncompressedSize()))
	if _, err = out.Write(trailer[:]); err != nil {
		return info, err
	}

	info.CompressedSize = compressor.CompressedSize()
	info.DecompressedSize = compressor.UncompressedSize()
	info.TotalSize = out.n
	info.CRC32 = compressor.Checksum()
	return info, nil
}

// ReadMember decompresses the GZIP member at the current position of `src` to
// `dst`. Offsets in the returned info are relative to where the member starts.
//
// If the member decompressed successfully but its trailer doesn't match the
// output, the info is returned along with an error wrapping
// [flatpack.ErrChecksumMismatch].
//
// If `src` is at EOF, the error is [io.EOF] itself.
func ReadMember(src io.Reader, dst io.Writer, opts ...deflate.Option) (flatpack.MemberInfo, error) {
	info, _, err := readMember(src, dst, opts)
	return info, err
}

// readMember is [ReadMember], but also returns the bytes read from `src` beyond
// the end of the member.
func readMember(
	src io.Reader, dst io.Writer, opts []deflate.Option,
) (flatpack.MemberInfo, []byte, error) {
	var info flatpack.MemberInfo

	hdr, headerSize, err := ReadHeader(src)
	if err != nil {
		return info, nil, err
	}
	info.Name = hdr.Name
	info.Comment = hdr.Comment
	info.ModTime = hdr.ModTime
	info.Mode = flatpack.S_IFREG | 0o644
	info.DataOffset = headerSize

	decompressor, err := deflate.NewReader(src, opts...)
	if err != nil {
		return info, nil, err
	}
	_, err = io.Copy(dst, decompressor)
	if err != nil {
		if _, ok := err.(flatpack.Error); !ok {
			err = flatpack.ErrIOFailed.Wrap(err)
		}
		return info, nil, err
	}

	info.CompressedSize = decompressor.CompressedSize()
	info.DecompressedSize = decompressor.DecompressedSize()

	leftover := decompressor.Unread()
	var trailer [trailerSize]byte
	trailerSource := io.MultiReader(bytes.NewReader(leftover), src)
	if _, err = io.ReadFull(trailerSource, trailer[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return info, nil, flatpack.ErrCorruptData.WithMessage("truncated GZIP trailer")
		}
		return info, nil, flatpack.ErrIOFailed.Wrap(err)
	}
	if len(leftover) > trailerSize {
		leftover = leftover[trailerSize:]
	} else {
		leftover = nil
	}

	info.TotalSize = headerSize + info.CompressedSize + trailerSize
	info.CRC32 = le.Uint32(trailer[:4])
	expectedSize := le.Uint32(trailer[4:])

	if actual := decompressor.Checksum(); info.CRC32 != actual {
		return info, leftover, flatpack.ErrChecksumMismatch.WithMessage(
			fmt.Sprintf(
				"CRC32 checksum mismatch (expected %08x, got %08x)", info.CRC32, actual))
	}
	if actual := uint32(info.DecompressedSize); expectedSize != actual {
		return info, leftover, flatpack.ErrChecksumMismatch.WithMessage(
			fmt.Sprintf("size mismatch (expected %d, got %d)", expectedSize, actual))
	}
	return info, leftover, nil
}

// ScanMembers finds every member in a GZIP file, decompressing each one to
// find where the next one starts. Checksum mismatches don't stop the scan.
func ScanMembers(r io.ReadSeeker, opts ...deflate.Option) ([]flatpack.MemberInfo, error) {
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, flatpack.ErrIOFailed.Wrap(err)
	}

	var members []flatpack.MemberInfo
	for start := int64(0); start < end; {
		if _, err = r.Seek(start, io.SeekStart); err != nil {
			return members, flatpack.ErrIOFailed.Wrap(err)
		}

		info, _, err := readMember(r, io.Discard, opts)
		if err != nil && !errors.Is(err, flatpack.ErrChecksumMismatch) {
			if err == io.EOF {
				err = flatpack.ErrCorruptData.WithMessage("truncated GZIP member")
			}
			kind := flatpack.ErrCorruptData
			if errors.Is(err, flatpack.ErrIOFailed) {
				kind = flatpack.ErrIOFailed
			}
			return members, kind.WithMessage(
				fmt.Sprintf("member %d at offset %d", len(members), start)).Wrap(err)
		}

		info.Index = len(members)
		info.StartOffset = start
		info.DataOffset += start
		members = append(members, info)
		start += info.TotalSize
	}
	return members, nil
}
