package deflate

import (
	"fmt"
	"sort"

	"github.com/dargueta/flatpack"
)

const (
	// WindowSize is the maximum distance a match may reach back.
	WindowSize = 1 << 15
	// MinMatchLength and MaxMatchLength bound the length of a back-reference.
	MinMatchLength = 3
	MaxMatchLength = 258

	// maxBlockInput is the most uncompressed bytes the encoder puts in a block.
	maxBlockInput = WindowSize
	// maxStoredBlockSize is the largest LEN a stored block header can carry.
	maxStoredBlockSize = 0xffff

	endOfBlockSymbol = 256
	// numLitLenSymbols includes the two reserved symbols 286 and 287, which
	// only exist so the fixed code is complete.
	numLitLenSymbols     = 288
	maxLitLenSymbols     = 286
	numDistanceSymbols   = 32
	maxDistanceSymbols   = 30
	numCodeLengthSymbols = 19

	maxCodeBits       = 15
	maxCodeLengthBits = 7
)

const (
	blockTypeStored  = 0
	blockTypeStatic  = 1
	blockTypeDynamic = 2
)

var lengthBase = [29]uint16{
	3, 4, 5, 6, 7, 8, 9, 10, 11, 13, 15, 17, 19, 23, 27, 31,
	35, 43, 51, 59, 67, 83, 99, 115, 131, 163, 195, 227, 258,
}

var lengthExtraBits = [29]uint8{
	0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2,
	3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 0,
}

var distanceBase = [maxDistanceSymbols]uint16{
	1, 2, 3, 4, 5, 7, 9, 13, 17, 25, 33, 49, 65, 97, 129, 193,
	257, 385, 513, 769, 1025, 1537, 2049, 3073, 4097, 6145, 8193, 12289, 16385, 24577,
}

var distanceExtraBits = [maxDistanceSymbols]uint8{
	0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6,
	7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13,
}

// codeLengthOrder is the order code length code lengths are stored in a dynamic
// block header.
var codeLengthOrder = [numCodeLengthSymbols]uint8{
	16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15,
}

// lengthCode maps a match length to its literal/length symbol and the extra
// bits that follow the symbol.
func lengthCode(length int) (symbol uint16, extraBits uint8, extra uint16) {
	i := sort.Search(len(lengthBase), func(i int) bool {
		return int(lengthBase[i]) > length
	}) - 1
	return uint16(endOfBlockSymbol + 1 + i), lengthExtraBits[i], uint16(length - int(lengthBase[i]))
}

// lengthFromCode is the inverse of [lengthCode].
func lengthFromCode(symbol uint16, extra uint16) (int, error) {
	i := int(symbol) - (endOfBlockSymbol + 1)
	if i < 0 || i >= len(lengthBase) {
		return 0, flatpack.ErrCorruptData.WithMessage(
			fmt.Sprintf("invalid length symbol %d", symbol))
	}
	if extra >= 1<<lengthExtraBits[i] {
		return 0, flatpack.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("extra value %d too big for length symbol %d", extra, symbol))
	}
	return int(lengthBase[i]) + int(extra), nil
}

// distanceCode maps a match distance to its distance symbol and the extra bits
// that follow the symbol.
func distanceCode(distance int) (symbol uint16, extraBits uint8, extra uint16) {
	i := sort.Search(len(distanceBase), func(i int) bool {
		return int(distanceBase[i]) > distance
	}) - 1
	return uint16(i), distanceExtraBits[i], uint16(distance - int(distanceBase[i]))
}

// distanceFromCode is the inverse of [distanceCode].
func distanceFromCode(symbol uint16, extra uint16) (int, error) {
	if int(symbol) >= maxDistanceSymbols {
		return 0, flatpack.ErrCorruptData.WithMessage(
			fmt.Sprintf("invalid distance symbol %d", symbol))
	}
	if uint32(extra) >= 1<<distanceExtraBits[symbol] {
		return 0, flatpack.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("extra value %d too big for distance symbol %d", extra, symbol))
	}
	return int(distanceBase[symbol]) + int(extra), nil
}

// Code lengths of the fixed Huffman codes (RFC 1951 §3.2.6).
var fixedLitLenLengths, fixedDistanceLengths = func() ([numLitLenSymbols]uint8, [numDistanceSymbols]uint8) {
	var lit [numLitLenSymbols]uint8
	for i := range lit {
		switch {
		case i < 144:
			lit[i] = 8
		case i < 256:
			lit[i] = 9
		case i < 280:
			lit[i] = 7
		default:
			lit[i] = 8
		}
	}

	var dist [numDistanceSymbols]uint8
	for i := range dist {
		dist[i] = 5
	}
	return lit, dist
}()

// The fixed tables never change after initialization.
var fixedLitLenTable, fixedDistanceTable = func() (*HuffmanTable, *HuffmanTable) {
	lit, err := NewHuffmanTable(fixedLitLenLengths[:], maxCodeBits)
	if err != nil {
		panic(err)
	}
	dist, err := NewHuffmanTable(fixedDistanceLengths[:], maxCodeBits)
	if err != nil {
		panic(err)
	}
	return lit, dist
}()
