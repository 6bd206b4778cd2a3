package deflate

import (
	"fmt"

	"github.com/dargueta/flatpack"
)

// HuffmanCode is the canonical code assigned to one symbol. A Length of 0 means
// the symbol has no code.
type HuffmanCode struct {
	Symbol uint16
	Length uint8
	Code   uint16
}

// HuffmanTable holds a canonical Huffman code (RFC 1951 §3.2.2) in a form that
// can be used for both encoding and decoding.
//
// Storage is fixed-size so a table can be rebuilt for every block without
// allocating.
type HuffmanTable struct {
	numSymbols int
	maxLength  uint8
	// count[n] is the number of codes of length n.
	count [maxCodeBits + 1]uint16
	// firstCode[n] is the numerically smallest code of length n.
	firstCode [maxCodeBits + 1]uint16
	// sorted holds symbols ordered by (length, code). The codes of length n
	// start at index firstIndex[n].
	sorted     [numLitLenSymbols]uint16
	firstIndex [maxCodeBits + 1]uint16
	codes      [numLitLenSymbols]HuffmanCode
}

// NewHuffmanTable builds a canonical code from per-symbol code lengths.
func NewHuffmanTable(lengths []uint8, maxBits uint) (*HuffmanTable, error) {
	table := &HuffmanTable{}
	err := table.init(lengths, maxBits)
	if err != nil {
		return nil, err
	}
	return table, nil
}

// init rebuilds the table from per-symbol code lengths. Lengths of 0 mean the
// symbol is unused.
//
// Over-subscribed codes are rejected. Incomplete codes are accepted, since
// encoders legitimately produce them when only one symbol is used; decoding a
// bit pattern with no assigned code fails at that point instead.
func (t *HuffmanTable) init(lengths []uint8, maxBits uint) error {
	if len(lengths) > numLitLenSymbols {
		return flatpack.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"can't build a Huffman table for %d symbols; max is %d",
				len(lengths),
				numLitLenSymbols))
	}
	if maxBits > maxCodeBits {
		maxBits = maxCodeBits
	}

	t.numSymbols = len(lengths)
	t.maxLength = 0
	t.count = [maxCodeBits + 1]uint16{}
	for symbol, length := range lengths {
		if uint(length) > maxBits {
			return flatpack.ErrInvalidArgument.WithMessage(
				fmt.Sprintf(
					"symbol %d has code length %d, limit is %d", symbol, length, maxBits))
		}
		t.count[length]++
		if length > t.maxLength {
			t.maxLength = length
		}
	}
	t.count[0] = 0

	// Kraft inequality: the codes must fit in the code space.
	left := 1
	for length := 1; length <= maxCodeBits; length++ {
		left <<= 1
		left -= int(t.count[length])
		if left < 0 {
			return flatpack.ErrCorruptData.WithMessage(
				fmt.Sprintf("Huffman code is over-subscribed at length %d", length))
		}
	}

	code := uint16(0)
	index := uint16(0)
	for length := 1; length <= maxCodeBits; length++ {
		code = (code + t.count[length-1]) << 1
		t.firstCode[length] = code
		t.firstIndex[length] = index
		index += t.count[length]
	}

	var nextCode [maxCodeBits + 1]uint16
	var nextIndex [maxCodeBits + 1]uint16
	copy(nextCode[:], t.firstCode[:])
	copy(nextIndex[:], t.firstIndex[:])

	for symbol, length := range lengths {
		entry := HuffmanCode{Symbol: uint16(symbol), Length: length}
		if length != 0 {
			entry.Code = nextCode[length]
			nextCode[length]++
			t.sorted[nextIndex[length]] = uint16(symbol)
			nextIndex[length]++
		}
		t.codes[symbol] = entry
	}
	return nil
}

// Codes returns the code of every symbol, indexed by symbol.
func (t *HuffmanTable) Codes() []HuffmanCode {
	return t.codes[:t.numSymbols]
}

// Code returns the code for `symbol`.
func (t *HuffmanTable) Code(symbol uint16) HuffmanCode {
	return t.codes[symbol]
}

func (t *HuffmanTable) writeSymbol(w *BitWriter, symbol uint16) {
	code := &t.codes[symbol]
	w.WriteCode(code.Code, code.Length)
}

// decodeSymbol reads one symbol from `r`, one bit at a time.
func (t *HuffmanTable) decodeSymbol(r *BitReader) (uint16, error) {
	code := 0
	first := 0
	index := 0
	for length := 1; length <= int(t.maxLength); length++ {
		bit, err := r.ReadBit()
		if err != nil {
			return 0, err
		}
		code |= int(bit)
		count := int(t.count[length])
		if code-first < count {
			return t.sorted[index+code-first], nil
		}
		index += count
		first = (first + count) << 1
		code <<= 1
	}
	return 0, flatpack.ErrCorruptData.WithMessage("bit pattern has no Huffman code")
}
