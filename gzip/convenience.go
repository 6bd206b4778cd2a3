package gzip

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/dargueta/flatpack"
	"github.com/dargueta/flatpack/deflate"
	"github.com/hashicorp/go-multierror"
)

// CompressStream compresses `input` as a single GZIP member with the given
// header.
//
// The returned int64 gives the number of bytes written to the output stream. If
// an error occurred, the value is undefined and should not be used.
func CompressStream(input io.Reader, output io.Writer, hdr Header, opts ...deflate.Option) (int64, error) {
	info, err := WriteMember(output, input, hdr, opts...)
	return info.TotalSize, err
}

// DecompressStream decompresses every member of a GZIP stream, concatenating
// their contents. Checksum mismatches don't stop decompression; they're
// returned together once the whole stream has been read.
//
// The returned int64 gives the number of bytes written to the output (i.e. the
// total decompressed size). If an error other than a checksum mismatch
// occurred, the value is undefined and should not be used.
func DecompressStream(input io.Reader, output io.Writer, opts ...deflate.Option) (int64, error) {
	var total int64
	var mismatches error
	source := input

	for numMembers := 0; ; numMembers++ {
		info, leftover, err := readMember(source, output, opts)
		if err == io.EOF {
			if numMembers == 0 {
				return 0, flatpack.ErrCorruptData.WithMessage("empty GZIP stream")
			}
			return total, mismatches
		}
		if errors.Is(err, flatpack.ErrChecksumMismatch) {
			mismatches = multierror.Append(mismatches, err)
		} else if err != nil {
			return total, flatpack.WithCleanupError(err, mismatches)
		}

		total += info.DecompressedSize
		if len(leftover) > 0 {
			source = io.MultiReader(bytes.NewReader(leftover), source)
		}
	}
}

// DecompressToBytes is a convenience function wrapping [DecompressStream]. It
// returns the decompressed data in a new byte slice instead of writing to an
// [io.Writer].
func DecompressToBytes(data []byte, opts ...deflate.Option) ([]byte, error) {
	var output bytes.Buffer
	_, err := DecompressStream(bytes.NewReader(data), &output, opts...)
	if err != nil {
		return nil, err
	}
	return output.Bytes(), nil
}

// CompressFile compresses the file at `sourcePath` into a new single-member
// GZIP file at `destPath`. The member is named after the source file. If
// compression fails, `destPath` is removed.
func CompressFile(sourcePath, destPath string, opts ...deflate.Option) (info flatpack.MemberInfo, err error) {
	stat, err := os.Stat(sourcePath)
	if err != nil {
		return info, flatpack.ErrIOFailed.Wrap(err)
	}
	source, err := os.Open(sourcePath)
	if err != nil {
		return info, flatpack.ErrIOFailed.Wrap(err)
	}
	defer source.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return info, flatpack.ErrIOFailed.Wrap(err)
	}
	defer func() {
		closeErr := dest.Close()
		if err == nil && closeErr != nil {
			err = flatpack.ErrIOFailed.Wrap(closeErr)
		}
		if err != nil {
			err = flatpack.WithCleanupError(err, os.Remove(destPath))
		}
	}()

	hdr := Header{
		Name:    filepath.Base(sourcePath),
		ModTime: stat.ModTime(),
		OS:      OSUnknown,
	}
	writer := bufio.NewWriter(dest)
	info, err = WriteMember(writer, source, hdr, opts...)
	if err != nil {
		return info, err
	}
	if err = writer.Flush(); err != nil {
		return info, flatpack.ErrIOFailed.Wrap(err)
	}
	return info, nil
}
