package deflate

import (
	"io"
	"math/bits"

	"github.com/dargueta/flatpack"
)

// BitWriter accumulates a DEFLATE bitstream in memory.
//
// Raw bit fields are packed starting at the least significant bit of each byte.
// Huffman codes are transmitted most significant bit first (RFC 1951 §3.1.1),
// so [BitWriter.WriteCode] reverses them before packing.
//
// Invariant: bitOffset is always in [0, 8). When it's nonzero, the last byte of
// data is partially filled and its unused high bits are zero.
type BitWriter struct {
	data      []byte
	bitOffset uint
	// startBits is the bit length the writer had when it was last reset. It's
	// used to measure how big a trial encoding came out.
	startBits int
}

// reset empties the writer, leaving it positioned at `bitOffset` bits into its
// first byte. This lets a scratch writer produce bits that can later be spliced
// onto another writer sitting at the same bit offset.
func (w *BitWriter) reset(bitOffset uint) {
	w.data = w.data[:0]
	w.bitOffset = bitOffset & 7
	if w.bitOffset != 0 {
		w.data = append(w.data, 0)
	}
	w.startBits = int(w.bitOffset)
}

// WriteBits writes the low `n` bits of `value`, LSB first. `n` must be at most
// 32.
func (w *BitWriter) WriteBits(value uint32, n uint) {
	for n > 0 {
		if w.bitOffset == 0 {
			w.data = append(w.data, 0)
		}
		take := 8 - w.bitOffset
		if take > n {
			take = n
		}
		w.data[len(w.data)-1] |= byte(value&(1<<take-1)) << w.bitOffset
		value >>= take
		n -= take
		w.bitOffset = (w.bitOffset + take) & 7
	}
}

// WriteCode writes a Huffman code of the given length, MSB first.
func (w *BitWriter) WriteCode(code uint16, length uint8) {
	reversed := bits.Reverse16(code) >> (16 - length)
	w.WriteBits(uint32(reversed), uint(length))
}

// AlignToByte skips the unused bits of the current byte.
func (w *BitWriter) AlignToByte() {
	w.bitOffset = 0
}

// WriteBytes appends raw bytes. The writer must be byte-aligned.
func (w *BitWriter) WriteBytes(p []byte) {
	if w.bitOffset != 0 {
		panic("deflate: WriteBytes called on an unaligned BitWriter")
	}
	w.data = append(w.data, p...)
}

// BitLen gives the total number of bits written.
func (w *BitWriter) BitLen() int {
	if w.bitOffset == 0 {
		return len(w.data) * 8
	}
	return (len(w.data)-1)*8 + int(w.bitOffset)
}

// bitsSinceReset gives the number of bits written since the last reset.
func (w *BitWriter) bitsSinceReset() int {
	return w.BitLen() - w.startBits
}

// BitOffset gives the position within the current byte, 0-7.
func (w *BitWriter) BitOffset() uint {
	return w.bitOffset
}

// splice appends everything written to `other` since its last reset. `other`
// must have been reset to this writer's current bit offset.
func (w *BitWriter) splice(other *BitWriter) {
	if other.startBits != int(w.bitOffset) {
		panic("deflate: splicing bit writers with different alignments")
	}
	if len(other.data) == 0 {
		return
	}
	if w.bitOffset != 0 {
		w.data[len(w.data)-1] |= other.data[0]
		w.data = append(w.data, other.data[1:]...)
	} else {
		w.data = append(w.data, other.data...)
	}
	w.bitOffset = other.bitOffset
}

// drain writes every complete byte to `dst`, keeping a partially filled byte
// (if any) buffered.
func (w *BitWriter) drain(dst io.Writer) (int, error) {
	complete := len(w.data)
	if w.bitOffset != 0 {
		complete--
	}
	if complete <= 0 {
		return 0, nil
	}

	n, err := dst.Write(w.data[:complete])
	if err != nil {
		return n, flatpack.ErrIOFailed.Wrap(err)
	}
	remaining := copy(w.data, w.data[complete:])
	w.data = w.data[:remaining]
	return n, nil
}

// flush pads the final byte with zero bits and writes everything to `dst`.
func (w *BitWriter) flush(dst io.Writer) (int, error) {
	w.AlignToByte()
	return w.drain(dst)
}

// Bytes returns the bytes written so far, including a partial final byte.
func (w *BitWriter) Bytes() []byte {
	return w.data
}

////////////////////////////////////////////////////////////////////////////////

// defaultReadBufferSize is how much compressed input a BitReader buffers.
const defaultReadBufferSize = 1 << 16

// BitReader reads a DEFLATE bitstream from an [io.Reader] through a fixed-size
// buffer.
//
// When the buffer runs dry in the middle of a block, the unconsumed tail is
// moved to the front of the buffer and the rest is refilled from the source, so
// a block's bits may span any number of reads.
//
// Invariant: bitOffset is always in [0, 8) and byteOffset <= buffered.
type BitReader struct {
	src        io.Reader
	buf        []byte
	byteOffset int
	buffered   int
	bitOffset  uint
	// consumed is the number of bytes shifted out of the front of buf by
	// refills.
	consumed int64
	err      error
}

// NewBitReader creates a BitReader with a buffer of `bufferSize` bytes.
func NewBitReader(src io.Reader, bufferSize int) *BitReader {
	if bufferSize < 16 {
		bufferSize = defaultReadBufferSize
	}
	return &BitReader{
		src: src,
		buf: make([]byte, bufferSize),
	}
}

// refill moves the unread bytes to the front of the buffer and tops it up from
// the source. It returns an error only if no bytes at all could be added.
func (r *BitReader) refill() error {
	if r.byteOffset > 0 {
		n := copy(r.buf, r.buf[r.byteOffset:r.buffered])
		r.consumed += int64(r.byteOffset)
		r.byteOffset = 0
		r.buffered = n
	}
	if r.err != nil {
		return r.err
	}

	// Some readers return (0, nil); give them a few chances before giving up.
	for tries := 0; tries < 100; tries++ {
		n, err := r.src.Read(r.buf[r.buffered:])
		r.buffered += n
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			r.err = err
		}
		if n > 0 {
			return nil
		}
		if r.err != nil {
			return r.err
		}
	}
	r.err = io.ErrNoProgress
	return r.err
}

// ReadBits reads `n` bits (at most 32), LSB first.
func (r *BitReader) ReadBits(n uint) (uint32, error) {
	var value uint32
	var got uint
	for got < n {
		if r.byteOffset >= r.buffered {
			if err := r.refill(); err != nil {
				return 0, r.wrapError(err)
			}
		}
		take := 8 - r.bitOffset
		if take > n-got {
			take = n - got
		}
		chunk := uint32(r.buf[r.byteOffset]>>r.bitOffset) & (1<<take - 1)
		value |= chunk << got
		got += take
		r.bitOffset += take
		if r.bitOffset == 8 {
			r.bitOffset = 0
			r.byteOffset++
		}
	}
	return value, nil
}

// ReadBit reads a single bit.
func (r *BitReader) ReadBit() (uint32, error) {
	if r.byteOffset >= r.buffered {
		if err := r.refill(); err != nil {
			return 0, r.wrapError(err)
		}
	}
	bit := uint32(r.buf[r.byteOffset]>>r.bitOffset) & 1
	r.bitOffset++
	if r.bitOffset == 8 {
		r.bitOffset = 0
		r.byteOffset++
	}
	return bit, nil
}

// AlignToByte discards the rest of the current byte.
func (r *BitReader) AlignToByte() {
	if r.bitOffset != 0 {
		r.bitOffset = 0
		r.byteOffset++
	}
}

// ReadBytes fills `p` with raw bytes. The reader must be byte-aligned.
func (r *BitReader) ReadBytes(p []byte) error {
	if r.bitOffset != 0 {
		panic("deflate: ReadBytes called on an unaligned BitReader")
	}
	for len(p) > 0 {
		if r.byteOffset >= r.buffered {
			if err := r.refill(); err != nil {
				return r.wrapError(err)
			}
		}
		n := copy(p, r.buf[r.byteOffset:r.buffered])
		r.byteOffset += n
		p = p[n:]
	}
	return nil
}

// Offset gives the number of input bytes consumed so far, counting a partially
// read byte as consumed.
func (r *BitReader) Offset() int64 {
	offset := r.consumed + int64(r.byteOffset)
	if r.bitOffset != 0 {
		offset++
	}
	return offset
}

// Unread returns a copy of the bytes that were read from the source but not
// consumed, starting at the next byte boundary.
func (r *BitReader) Unread() []byte {
	start := r.byteOffset
	if r.bitOffset != 0 {
		start++
	}
	if start >= r.buffered {
		return nil
	}
	leftover := make([]byte, r.buffered-start)
	copy(leftover, r.buf[start:r.buffered])
	return leftover
}

func (r *BitReader) wrapError(err error) error {
	if err == io.ErrUnexpectedEOF {
		return flatpack.ErrCorruptData.Wrap(err)
	}
	return flatpack.ErrIOFailed.Wrap(err)
}
