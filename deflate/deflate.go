// Package deflate implements the DEFLATE compressed data format (RFC 1951).
//
// The compressor finds matches with hash chains. For every block it tries a
// dynamic Huffman encoding and then a static one, keeping the first that comes
// out smaller than the raw input, and stores the block if neither does. The
// decompressor accepts any conforming stream and never buffers more than
// 96 KiB of output.
package deflate

import (
	"bytes"
	"io"

	"github.com/dargueta/flatpack"
)

// Compress returns `data` compressed as a single raw DEFLATE stream.
func Compress(data []byte, opts ...Option) ([]byte, error) {
	var buffer bytes.Buffer
	w, err := NewWriter(&buffer, opts...)
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(data); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// Decompress decodes a complete raw DEFLATE stream. Trailing bytes after the
// final block are ignored.
func Decompress(data []byte, opts ...Option) ([]byte, error) {
	r, err := NewReader(bytes.NewReader(data), opts...)
	if err != nil {
		return nil, err
	}
	output, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return output, nil
}

// CompressStream compresses everything from `src` to `dst`, returning the
// number of compressed bytes written.
func CompressStream(src io.Reader, dst io.Writer, opts ...Option) (int64, error) {
	w, err := NewWriter(dst, opts...)
	if err != nil {
		return 0, err
	}
	if _, err = io.Copy(w, src); err != nil {
		return w.CompressedSize(), flatpack.ErrIOFailed.Wrap(err)
	}
	err = w.Close()
	return w.CompressedSize(), err
}
