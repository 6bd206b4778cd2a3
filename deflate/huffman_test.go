package deflate

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/dargueta/flatpack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengthCodesRoundTrip(t *testing.T) {
	for length := MinMatchLength; length <= MaxMatchLength; length++ {
		symbol, extraBits, extra := lengthCode(length)
		require.True(t, symbol >= 257 && symbol <= 285, "length %d got symbol %d", length, symbol)
		require.Less(t, uint32(extra), uint32(1)<<extraBits, "length %d", length)

		decoded, err := lengthFromCode(symbol, extra)
		require.NoError(t, err)
		assert.Equal(t, length, decoded)
	}

	symbol, extraBits, _ := lengthCode(MaxMatchLength)
	assert.EqualValues(t, 285, symbol, "258 must use its dedicated symbol")
	assert.EqualValues(t, 0, extraBits)
}

func TestDistanceCodesRoundTrip(t *testing.T) {
	for distance := 1; distance <= WindowSize; distance++ {
		symbol, extraBits, extra := distanceCode(distance)
		require.Less(t, int(symbol), maxDistanceSymbols, "distance %d", distance)
		require.Less(t, uint32(extra), uint32(1)<<extraBits, "distance %d", distance)

		decoded, err := distanceFromCode(symbol, extra)
		require.NoError(t, err)
		require.Equal(t, distance, decoded)
	}
}

func TestInvalidSymbolsRejected(t *testing.T) {
	_, err := lengthFromCode(286, 0)
	assert.ErrorIs(t, err, flatpack.ErrCorruptData)
	_, err = lengthFromCode(287, 0)
	assert.ErrorIs(t, err, flatpack.ErrCorruptData)
	_, err = distanceFromCode(30, 0)
	assert.ErrorIs(t, err, flatpack.ErrCorruptData)
	_, err = distanceFromCode(31, 0)
	assert.ErrorIs(t, err, flatpack.ErrCorruptData)
}

// Example from RFC 1951 §3.2.2.
func TestCanonicalCodes(t *testing.T) {
	table, err := NewHuffmanTable([]uint8{3, 3, 3, 3, 3, 2, 4, 4}, maxCodeBits)
	require.NoError(t, err)

	expected := []uint16{0b010, 0b011, 0b100, 0b101, 0b110, 0b00, 0b1110, 0b1111}
	for symbol, code := range expected {
		assert.Equal(t, code, table.Code(uint16(symbol)).Code, "symbol %d", symbol)
	}
}

func TestFixedCodes(t *testing.T) {
	assert.Equal(t, HuffmanCode{Symbol: 0, Length: 8, Code: 0x30}, fixedLitLenTable.Code(0))
	assert.Equal(t, HuffmanCode{Symbol: 144, Length: 9, Code: 0x190}, fixedLitLenTable.Code(144))
	assert.Equal(t, HuffmanCode{Symbol: 256, Length: 7, Code: 0}, fixedLitLenTable.Code(256))
	assert.Equal(t, HuffmanCode{Symbol: 280, Length: 8, Code: 0xc0}, fixedLitLenTable.Code(280))
	assert.Equal(t, HuffmanCode{Symbol: 17, Length: 5, Code: 17}, fixedDistanceTable.Code(17))
}

func TestOverSubscribedCodeRejected(t *testing.T) {
	_, err := NewHuffmanTable([]uint8{1, 1, 1}, maxCodeBits)
	assert.ErrorIs(t, err, flatpack.ErrCorruptData)
}

func TestCodeLengthOverLimitRejected(t *testing.T) {
	_, err := NewHuffmanTable([]uint8{1, 8}, maxCodeLengthBits)
	assert.ErrorIs(t, err, flatpack.ErrInvalidArgument)
}

func TestHuffmanEncodeDecode(t *testing.T) {
	lengths := []uint8{3, 3, 3, 3, 3, 2, 4, 4}
	table, err := NewHuffmanTable(lengths, maxCodeBits)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	symbols := make([]uint16, 500)
	var w BitWriter
	for i := range symbols {
		symbols[i] = uint16(rng.Intn(len(lengths)))
		table.writeSymbol(&w, symbols[i])
	}

	r := NewBitReader(bytes.NewReader(w.Bytes()), 16)
	for i, expected := range symbols {
		symbol, err := table.decodeSymbol(r)
		require.NoError(t, err, "symbol %d", i)
		require.Equal(t, expected, symbol, "symbol %d", i)
	}
}

func TestIncompleteCodeMissIsCorrupt(t *testing.T) {
	// A single code of length 1 leaves the pattern "1" unassigned.
	table, err := NewHuffmanTable([]uint8{0, 1}, maxCodeBits)
	require.NoError(t, err)

	r := NewBitReader(bytes.NewReader([]byte{0x01}), 16)
	_, err = table.decodeSymbol(r)
	assert.ErrorIs(t, err, flatpack.ErrCorruptData)
}

////////////////////////////////////////////////////////////////////////////////

// checkKraft verifies the lengths describe a prefix code within the limit.
func checkKraft(t *testing.T, lengths []uint8, maxBits uint) {
	sum := uint64(0)
	for symbol, length := range lengths {
		require.LessOrEqual(t, uint(length), maxBits, "symbol %d", symbol)
		if length > 0 {
			sum += uint64(1) << (maxCodeBits - length)
		}
	}
	require.LessOrEqual(t, sum, uint64(1)<<maxCodeBits, "Kraft sum exceeds 1")
}

func TestBuildCodeLengthsRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		numSymbols := 2 + rng.Intn(maxLitLenSymbols-1)
		freqs := make([]uint32, numSymbols)
		for i := range freqs {
			if rng.Intn(4) != 0 {
				freqs[i] = uint32(rng.Intn(10000))
			}
		}

		lengths, err := BuildCodeLengths(freqs, maxCodeBits)
		require.NoError(t, err)
		checkKraft(t, lengths, maxCodeBits)
		for i := range freqs {
			assert.Equal(t, freqs[i] > 0, lengths[i] > 0, "symbol %d", i)
		}
	}
}

func fibonacciFrequencies(n int) []uint32 {
	freqs := make([]uint32, n)
	a, b := uint32(1), uint32(1)
	for i := range freqs {
		freqs[i] = a
		a, b = b, a+b
	}
	return freqs
}

func TestBuildCodeLengthsRebalances(t *testing.T) {
	// Fibonacci weights build the most lopsided tree possible, one level per
	// symbol.
	freqs := fibonacciFrequencies(30)

	tree := newHuffmanTree(freqs)
	depths := make([]int, len(tree.nodes))
	err := tree.assignDepths(tree.root, 0, maxCodeBits, depths)
	var lengthErr *CodeLengthError
	require.ErrorAs(t, err, &lengthErr)
	assert.Greater(t, lengthErr.Depth, maxCodeBits)

	lengths, err := BuildCodeLengths(freqs, maxCodeBits)
	require.NoError(t, err)
	checkKraft(t, lengths, maxCodeBits)

	// More frequent symbols must never get longer codes.
	for i := 1; i < len(lengths); i++ {
		assert.LessOrEqual(t, lengths[i], lengths[i-1], "symbol %d", i)
	}
}

func TestBuildCodeLengthsCodeLengthAlphabet(t *testing.T) {
	freqs := fibonacciFrequencies(numCodeLengthSymbols)
	lengths, err := BuildCodeLengths(freqs, maxCodeLengthBits)
	require.NoError(t, err)
	checkKraft(t, lengths, maxCodeLengthBits)
}

func TestBuildCodeLengthsEdgeCases(t *testing.T) {
	lengths, err := BuildCodeLengths(make([]uint32, 10), maxCodeBits)
	require.NoError(t, err)
	assert.Equal(t, make([]uint8, 10), lengths)

	lengths, err = BuildCodeLengths([]uint32{0, 0, 7, 0}, maxCodeBits)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 0, 1, 0}, lengths)

	lengths, err = BuildCodeLengths([]uint32{5, 5}, maxCodeBits)
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 1}, lengths)

	_, err = BuildCodeLengths([]uint32{1, 1, 1, 1, 1}, 2)
	assert.ErrorIs(t, err, flatpack.ErrInvalidArgument)
}

func TestTreeTieBreaking(t *testing.T) {
	// With equal weights, leaves are combined before internal nodes, so the
	// result is as balanced as possible.
	lengths, err := BuildCodeLengths([]uint32{1, 1, 1, 1}, maxCodeBits)
	require.NoError(t, err)
	assert.Equal(t, []uint8{2, 2, 2, 2}, lengths)
}
