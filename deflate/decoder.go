package deflate

import (
	"fmt"

	"github.com/dargueta/flatpack"
	"github.com/sirupsen/logrus"
)

// outputBufferSize is the fixed capacity of the decoder's output buffer: the
// [WindowSize] bytes of history back-references may reach plus up to 64 KiB of
// output waiting to be read.
const outputBufferSize = WindowSize + 64*1024

// inflater decodes DEFLATE blocks into a fixed-size output buffer. Decoding
// stops whenever the buffer fills up, even in the middle of a block or a match,
// and picks up where it left off on the next call to inflate.
type inflater struct {
	br   *BitReader
	log  logrus.FieldLogger
	out  []byte
	done bool

	// State of the block being decoded.
	inBlock     bool
	final       bool
	blockType   uint32
	blockSize   int64
	storedLeft  int
	curLit      *HuffmanTable
	curDist     *HuffmanTable
	matchLeft   int
	matchOffset int

	lengths   [maxLitLenSymbols + maxDistanceSymbols + 2]uint8
	litTable  HuffmanTable
	distTable HuffmanTable
	clTable   HuffmanTable
}

// slideWindow discards output that is no longer needed, keeping the last
// [WindowSize] bytes. It must only be called once everything in `out` has been
// handed to the caller.
func (f *inflater) slideWindow() {
	if f.out == nil {
		f.out = make([]byte, 0, outputBufferSize)
		return
	}
	if cap(f.out)-len(f.out) >= WindowSize {
		return
	}
	keep := copy(f.out, f.out[len(f.out)-WindowSize:])
	f.out = f.out[:keep]
}

// room gives the number of bytes that can still be appended to `out`.
func (f *inflater) room() int {
	return cap(f.out) - len(f.out)
}

// inflate decodes until the output buffer is full or the current block ends,
// starting a new block first if necessary.
func (f *inflater) inflate() error {
	if !f.inBlock {
		if err := f.startBlock(); err != nil {
			return err
		}
	}

	before := len(f.out)
	var finished bool
	var err error
	if f.blockType == blockTypeStored {
		finished, err = f.storedBlock()
	} else {
		finished, err = f.huffmanBlock()
	}
	f.blockSize += int64(len(f.out) - before)
	if err != nil || !finished {
		return err
	}

	f.log.WithFields(
		logrus.Fields{
			"type":         f.blockType,
			"final":        f.final,
			"decoded_size": f.blockSize,
		}).Debug("read block")
	f.inBlock = false
	f.done = f.final
	return nil
}

// startBlock reads a block header, along with the length of a stored block or
// the code definitions of a dynamic one.
func (f *inflater) startBlock() error {
	header, err := f.br.ReadBits(3)
	if err != nil {
		return err
	}
	f.final = header&1 != 0
	f.blockType = header >> 1
	f.blockSize = 0

	switch f.blockType {
	case blockTypeStored:
		err = f.readStoredLength()
	case blockTypeStatic:
		f.curLit, f.curDist = fixedLitLenTable, fixedDistanceTable
	case blockTypeDynamic:
		err = f.readDynamicTables()
		f.curLit, f.curDist = &f.litTable, &f.distTable
	default:
		return flatpack.ErrCorruptData.WithMessage("reserved block type 3")
	}
	if err != nil {
		return err
	}
	f.inBlock = true
	return nil
}

func (f *inflater) readStoredLength() error {
	f.br.AlignToByte()
	size, err := f.br.ReadBits(16)
	if err != nil {
		return err
	}
	complement, err := f.br.ReadBits(16)
	if err != nil {
		return err
	}
	if size != ^complement&0xffff {
		return flatpack.ErrCorruptData.WithMessage(
			fmt.Sprintf(
				"stored block length %#04x doesn't match its complement %#04x",
				size,
				complement))
	}
	f.storedLeft = int(size)
	return nil
}

// storedBlock copies as much of a stored block as fits in the output buffer.
// It returns true once the whole block has been copied.
func (f *inflater) storedBlock() (bool, error) {
	size := f.storedLeft
	if size > f.room() {
		size = f.room()
	}
	start := len(f.out)
	f.out = f.out[:start+size]
	if err := f.br.ReadBytes(f.out[start:]); err != nil {
		f.out = f.out[:start]
		return false, err
	}
	f.storedLeft -= size
	return f.storedLeft == 0, nil
}

// readDynamicTables reads the code definitions at the start of a dynamic block
// (RFC 1951 §3.2.7).
func (f *inflater) readDynamicTables() error {
	header, err := f.br.ReadBits(14)
	if err != nil {
		return err
	}
	numLit := int(header&0x1f) + 257
	numDist := int((header>>5)&0x1f) + 1
	numCodeLengths := int(header>>10) + 4
	if numLit > maxLitLenSymbols || numDist > maxDistanceSymbols {
		return flatpack.ErrCorruptData.WithMessage(
			fmt.Sprintf(
				"dynamic block declares %d literal/length and %d distance codes",
				numLit,
				numDist))
	}

	var clLengths [numCodeLengthSymbols]uint8
	for _, symbol := range codeLengthOrder[:numCodeLengths] {
		length, err := f.br.ReadBits(3)
		if err != nil {
			return err
		}
		clLengths[symbol] = uint8(length)
	}
	if err = f.clTable.init(clLengths[:], maxCodeLengthBits); err != nil {
		return flatpack.ErrCorruptData.WithMessage("invalid code length code").Wrap(err)
	}

	total := numLit + numDist
	lengths := f.lengths[:total]
	for i := 0; i < total; {
		symbol, err := f.clTable.decodeSymbol(f.br)
		if err != nil {
			return err
		}
		if symbol < repeatPrevious {
			lengths[i] = uint8(symbol)
			i++
			continue
		}

		var value uint8
		var repeat uint32
		switch symbol {
		case repeatPrevious:
			if i == 0 {
				return flatpack.ErrCorruptData.WithMessage(
					"code length repeat with no previous length")
			}
			value = lengths[i-1]
			repeat, err = f.br.ReadBits(2)
			repeat += 3
		case repeatZeroShort:
			repeat, err = f.br.ReadBits(3)
			repeat += 3
		default:
			repeat, err = f.br.ReadBits(7)
			repeat += 11
		}
		if err != nil {
			return err
		}
		if i+int(repeat) > total {
			return flatpack.ErrCorruptData.WithMessage(
				fmt.Sprintf(
					"code length repeat of %d overruns the %d lengths declared",
					repeat,
					total))
		}
		for ; repeat > 0; repeat-- {
			lengths[i] = value
			i++
		}
	}

	if lengths[endOfBlockSymbol] == 0 {
		return flatpack.ErrCorruptData.WithMessage("dynamic block has no end-of-block code")
	}
	if err = f.litTable.init(lengths[:numLit], maxCodeBits); err != nil {
		return flatpack.ErrCorruptData.WithMessage("invalid literal/length code").Wrap(err)
	}
	if err = f.distTable.init(lengths[numLit:], maxCodeBits); err != nil {
		return flatpack.ErrCorruptData.WithMessage("invalid distance code").Wrap(err)
	}
	return nil
}

// huffmanBlock decodes compressed data until the output buffer is full or the
// end-of-block symbol is reached. It returns true in the latter case.
func (f *inflater) huffmanBlock() (bool, error) {
	for {
		if f.matchLeft > 0 {
			f.copyMatch()
		}
		if f.room() == 0 {
			return false, nil
		}

		symbol, err := f.curLit.decodeSymbol(f.br)
		if err != nil {
			return false, err
		}
		if symbol < endOfBlockSymbol {
			f.out = append(f.out, byte(symbol))
			continue
		}
		if symbol == endOfBlockSymbol {
			return true, nil
		}

		lengthIndex := int(symbol) - (endOfBlockSymbol + 1)
		if lengthIndex >= len(lengthBase) {
			return false, flatpack.ErrCorruptData.WithMessage(
				fmt.Sprintf("invalid literal/length symbol %d", symbol))
		}
		extra, err := f.br.ReadBits(uint(lengthExtraBits[lengthIndex]))
		if err != nil {
			return false, err
		}
		length, err := lengthFromCode(symbol, uint16(extra))
		if err != nil {
			return false, err
		}

		distSymbol, err := f.curDist.decodeSymbol(f.br)
		if err != nil {
			return false, err
		}
		if distSymbol >= maxDistanceSymbols {
			return false, flatpack.ErrCorruptData.WithMessage(
				fmt.Sprintf("invalid distance symbol %d", distSymbol))
		}
		extra, err = f.br.ReadBits(uint(distanceExtraBits[distSymbol]))
		if err != nil {
			return false, err
		}
		distance, err := distanceFromCode(distSymbol, uint16(extra))
		if err != nil {
			return false, err
		}
		if distance > len(f.out) {
			return false, flatpack.ErrCorruptData.WithMessage(
				fmt.Sprintf(
					"distance %d reaches back past the %d bytes of history",
					distance,
					len(f.out)))
		}
		f.matchLeft, f.matchOffset = length, distance
	}
}

// copyMatch copies as much of the pending match as fits in the output buffer.
func (f *inflater) copyMatch() {
	length := f.matchLeft
	if length > f.room() {
		length = f.room()
	}
	start := len(f.out) - f.matchOffset
	if f.matchOffset >= length {
		f.out = append(f.out, f.out[start:start+length]...)
	} else {
		// The source overlaps what's being written, so copy byte by byte.
		for i := 0; i < length; i++ {
			f.out = append(f.out, f.out[start+i])
		}
	}
	f.matchLeft -= length
}
