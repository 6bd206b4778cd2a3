package deflate

import (
	"fmt"
	"io"

	"github.com/dargueta/flatpack"
	"github.com/sirupsen/logrus"
)

// BlockMode selects which block encodings the compressor may use.
type BlockMode int

const (
	// BlockModeAuto tries a dynamic Huffman block, then a static one, and falls
	// back to a stored block if neither is smaller than the raw data.
	BlockModeAuto BlockMode = iota
	BlockModeStored
	BlockModeStatic
	BlockModeDynamic
)

var blockModeNames = map[BlockMode]string{
	BlockModeAuto:    "auto",
	BlockModeStored:  "stored",
	BlockModeStatic:  "static",
	BlockModeDynamic: "dynamic",
}

func (m BlockMode) String() string {
	name, ok := blockModeNames[m]
	if !ok {
		return fmt.Sprintf("BlockMode(%d)", int(m))
	}
	return name
}

// ParseBlockMode converts a block mode name as returned by [BlockMode.String]
// back into a BlockMode.
func ParseBlockMode(name string) (BlockMode, error) {
	for mode, modeName := range blockModeNames {
		if modeName == name {
			return mode, nil
		}
	}
	return BlockModeAuto, flatpack.ErrInvalidArgument.WithMessage(
		fmt.Sprintf("unknown block mode %q", name))
}

const (
	// DefaultFirstChunkSize is how much input is compressed in the first chunk
	// of a stream.
	DefaultFirstChunkSize = 256 * 1024
	// DefaultChunkSize is the size of every chunk after the first.
	DefaultChunkSize = WindowSize
	minChunkSize     = 1024
)

type options struct {
	logger            logrus.FieldLogger
	progress          *flatpack.Progress
	firstChunkSize    int
	chunkSize         int
	maxChainLength    int
	indexAllPositions bool
	blockMode         BlockMode
	readBufferSize    int
}

// Option configures a [Writer] or [Reader].
type Option func(*options) error

// DiscardLogger is a logger that throws everything away. It's the default for
// all compressors, decompressors, and archives.
var DiscardLogger logrus.FieldLogger = func() *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	return logger
}()

func defaultOptions() options {
	return options{
		logger:         DiscardLogger,
		firstChunkSize: DefaultFirstChunkSize,
		chunkSize:      DefaultChunkSize,
		maxChainLength: DefaultMaxChainLength,
		blockMode:      BlockModeAuto,
		readBufferSize: defaultReadBufferSize,
	}
}

func buildOptions(opts []Option) (options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return o, err
		}
	}
	// The working buffer is sized for the first chunk.
	if o.chunkSize > o.firstChunkSize {
		o.chunkSize = o.firstChunkSize
	}
	return o, nil
}

// WithLogger sets the logger. Per-block details are logged at debug level.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) error {
		if logger == nil {
			logger = DiscardLogger
		}
		o.logger = logger
		return nil
	}
}

// WithProgress makes the compressor or decompressor report how many input
// bytes it has consumed. The caller is responsible for calling
// [flatpack.Progress.Start] with the total.
func WithProgress(progress *flatpack.Progress) Option {
	return func(o *options) error {
		o.progress = progress
		return nil
	}
}

// WithFirstChunkSize sets how much input is compressed in the first chunk.
func WithFirstChunkSize(size int) Option {
	return func(o *options) error {
		if size < minChunkSize {
			return flatpack.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("first chunk size must be at least %d, got %d", minChunkSize, size))
		}
		o.firstChunkSize = size
		return nil
	}
}

// WithChunkSize sets the size of every chunk after the first.
func WithChunkSize(size int) Option {
	return func(o *options) error {
		if size < minChunkSize {
			return flatpack.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("chunk size must be at least %d, got %d", minChunkSize, size))
		}
		o.chunkSize = size
		return nil
	}
}

// WithMaxChainLength caps how many match candidates are examined per position.
// 0 means no limit.
func WithMaxChainLength(length int) Option {
	return func(o *options) error {
		if length < 0 {
			return flatpack.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("max chain length can't be negative, got %d", length))
		}
		o.maxChainLength = length
		return nil
	}
}

// WithIndexAllPositions makes the compressor index every position covered by a
// match instead of only the first one. This finds more matches at the cost of
// speed.
func WithIndexAllPositions(enabled bool) Option {
	return func(o *options) error {
		o.indexAllPositions = enabled
		return nil
	}
}

// WithBlockMode forces a particular block encoding.
func WithBlockMode(mode BlockMode) Option {
	return func(o *options) error {
		if _, ok := blockModeNames[mode]; !ok {
			return flatpack.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("invalid block mode %d", int(mode)))
		}
		o.blockMode = mode
		return nil
	}
}

// WithReadBufferSize sets how much compressed input a [Reader] buffers.
func WithReadBufferSize(size int) Option {
	return func(o *options) error {
		if size < 16 {
			return flatpack.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("read buffer size must be at least 16, got %d", size))
		}
		o.readBufferSize = size
		return nil
	}
}
