package deflate

import (
	"hash/crc32"
	"io"

	"github.com/dargueta/flatpack"
)

// Reader decompresses a raw DEFLATE stream.
//
// Reading stops at the end of the final block; anything in the source after
// that is left alone, except for what was already buffered (see
// [Reader.Unread]).
type Reader struct {
	inflater
	readPos  int
	err      error
	crc      uint32
	written  int64
	progress *flatpack.Progress
	reported int64
}

// NewReader creates a Reader decompressing from `src`. Only the logger,
// progress, and read buffer size options apply.
func NewReader(src io.Reader, opts ...Option) (*Reader, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	r := &Reader{progress: o.progress}
	r.br = NewBitReader(src, o.readBufferSize)
	r.log = o.logger
	return r, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	for r.readPos == len(r.out) {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			r.err = io.EOF
			return 0, io.EOF
		}

		r.slideWindow()
		r.readPos = len(r.out)
		if err := r.inflate(); err != nil {
			r.err = err
			r.out = r.out[:r.readPos]
			return 0, err
		}
		r.reportProgress()
	}

	n := copy(p, r.out[r.readPos:])
	r.crc = crc32.Update(r.crc, crc32.IEEETable, p[:n])
	r.readPos += n
	r.written += int64(n)
	return n, nil
}

func (r *Reader) reportProgress() {
	offset := r.br.Offset()
	r.progress.Advance(offset - r.reported)
	r.reported = offset
}

// Checksum gives the CRC-32 (IEEE) of everything read so far.
func (r *Reader) Checksum() uint32 {
	return r.crc
}

// DecompressedSize gives the number of bytes read so far.
func (r *Reader) DecompressedSize() int64 {
	return r.written
}

// CompressedSize gives the number of compressed bytes consumed so far. Once the
// final block has been decoded, this is the size of the whole stream.
func (r *Reader) CompressedSize() int64 {
	return r.br.Offset()
}

// Unread returns the bytes that were read from the source beyond the end of
// the stream. It's only meaningful once Read has returned [io.EOF].
func (r *Reader) Unread() []byte {
	return r.br.Unread()
}
