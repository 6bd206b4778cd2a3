package deflate

import (
	"hash/crc32"
	"io"

	"github.com/dargueta/flatpack"
	"github.com/sirupsen/logrus"
)

// Writer compresses everything written to it into a raw DEFLATE stream.
//
// Input is gathered into chunks: the first is [DefaultFirstChunkSize] bytes,
// and every one after is [DefaultChunkSize]. A full chunk is only compressed
// once more input arrives, so the final-block flag always lands on a block
// holding real data. Between chunks, the last [WindowSize] bytes are kept as
// history for the next chunk's matches.
//
// Close must be called to finish the stream. It does not close the underlying
// writer.
type Writer struct {
	dst      io.Writer
	opts     options
	log      logrus.FieldLogger
	encoder  *blockEncoder
	finder   *MatchFinder
	bw       BitWriter
	window   []byte
	retained int
	// chunkLimit is the size of the chunk currently being gathered.
	chunkLimit int
	crc        uint32
	bytesIn    int64
	bytesOut   int64
	numChunks  int
	closed     bool
	err        error
}

// NewWriter creates a Writer compressing to `dst`.
func NewWriter(dst io.Writer, opts ...Option) (*Writer, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	capacity := WindowSize + o.firstChunkSize
	finder := NewMatchFinder(capacity, o.maxChainLength)
	return &Writer{
		dst:        dst,
		opts:       o,
		log:        o.logger,
		encoder:    newBlockEncoder(finder, &o),
		finder:     finder,
		window:     make([]byte, 0, capacity),
		chunkLimit: o.firstChunkSize,
	}, nil
}

// Reset discards the Writer's state and makes it compress to `dst`, keeping
// its options and buffers.
func (w *Writer) Reset(dst io.Writer) {
	w.dst = dst
	w.finder.Reset()
	w.bw.reset(0)
	w.window = w.window[:0]
	w.retained = 0
	w.chunkLimit = w.opts.firstChunkSize
	w.crc = 0
	w.bytesIn = 0
	w.bytesOut = 0
	w.numChunks = 0
	w.closed = false
	w.err = nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, flatpack.ErrInvalidArgument.WithMessage("write to closed deflate.Writer")
	}

	written := 0
	for len(p) > 0 {
		space := w.retained + w.chunkLimit - len(w.window)
		if space == 0 {
			if err := w.compressChunk(false); err != nil {
				w.err = err
				return written, err
			}
			continue
		}

		n := len(p)
		if n > space {
			n = space
		}
		w.window = append(w.window, p[:n]...)
		w.crc = crc32.Update(w.crc, crc32.IEEETable, p[:n])
		w.bytesIn += int64(n)
		written += n
		p = p[n:]
	}
	return written, nil
}

// compressChunk encodes everything after the retained history as one or more
// blocks, writes out all complete bytes, then slides the window.
func (w *Writer) compressChunk(final bool) error {
	chunkSize := len(w.window) - w.retained
	w.log.WithFields(
		logrus.Fields{
			"chunk":    w.numChunks,
			"size":     chunkSize,
			"retained": w.retained,
			"final":    final,
		}).Debug("compressing chunk")

	if err := w.finder.IndexChunk(w.window, w.retained); err != nil {
		return err
	}

	if chunkSize == 0 {
		// Only an empty stream ends up here; it still needs a final block.
		err := w.encoder.writeBlock(&w.bw, []Token{EndOfBlock()}, nil, final)
		if err != nil {
			return err
		}
	}

	for start := w.retained; start < len(w.window); {
		end := start + maxBlockInput
		if end > len(w.window) {
			end = len(w.window)
		}

		var tokens []Token
		if w.opts.blockMode != BlockModeStored {
			var err error
			tokens, err = w.encoder.tokenize(w.window, start, end)
			if err != nil {
				return err
			}
		}

		isFinal := final && end == len(w.window)
		err := w.encoder.writeBlock(&w.bw, tokens, w.window[start:end], isFinal)
		if err != nil {
			return err
		}
		start = end
	}

	if err := w.drain(final); err != nil {
		return err
	}
	w.opts.progress.Advance(int64(chunkSize))

	keep := len(w.window)
	if keep > WindowSize {
		keep = WindowSize
	}
	copy(w.window, w.window[len(w.window)-keep:])
	w.window = w.window[:keep]
	w.retained = keep
	w.chunkLimit = w.opts.chunkSize
	w.numChunks++
	return nil
}

func (w *Writer) drain(final bool) error {
	var n int
	var err error
	if final {
		n, err = w.bw.flush(w.dst)
	} else {
		n, err = w.bw.drain(w.dst)
	}
	w.bytesOut += int64(n)
	return err
}

// Close compresses any pending input as the final block and flushes the
// stream.
func (w *Writer) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	if err := w.compressChunk(true); err != nil {
		w.err = err
		return err
	}

	w.log.WithFields(
		logrus.Fields{
			"bytes_in":  w.bytesIn,
			"bytes_out": w.bytesOut,
		}).Debug("finished stream")
	return nil
}

// Checksum gives the CRC-32 (IEEE) of everything written so far.
func (w *Writer) Checksum() uint32 {
	return w.crc
}

// UncompressedSize gives the number of bytes written to the Writer so far.
func (w *Writer) UncompressedSize() int64 {
	return w.bytesIn
}

// CompressedSize gives the number of bytes written to the destination so far.
// It's exact once the Writer is closed.
func (w *Writer) CompressedSize() int64 {
	return w.bytesOut
}
