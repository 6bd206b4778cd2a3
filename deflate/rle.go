package deflate

// CodeLengthRun represents a single run of a particular code length.
type CodeLengthRun struct {
	// Length is the code length value for this run.
	Length uint8
	// RunLength gives the number of times the value occurs in the run (not the
	// number of times it's repeated).
	RunLength int
}

// RunLengthGrouper splits a sequence of code lengths into runs of equal values.
type RunLengthGrouper struct {
	lengths []uint8
	pos     int
}

func NewRunLengthGrouper(lengths []uint8) RunLengthGrouper {
	return RunLengthGrouper{lengths: lengths}
}

// NextRun returns the next run of equal values. The second return value is
// false once the sequence is exhausted.
func (grouper *RunLengthGrouper) NextRun() (CodeLengthRun, bool) {
	if grouper.pos >= len(grouper.lengths) {
		return CodeLengthRun{}, false
	}

	first := grouper.lengths[grouper.pos]
	runLength := 1
	for grouper.pos+runLength < len(grouper.lengths) &&
		grouper.lengths[grouper.pos+runLength] == first {
		runLength++
	}
	grouper.pos += runLength
	return CodeLengthRun{Length: first, RunLength: runLength}, true
}

// Code length alphabet symbols that aren't literal lengths.
const (
	repeatPrevious  = 16 // 3-6 copies of the previous length, 2 extra bits
	repeatZeroShort = 17 // 3-10 zeros, 3 extra bits
	repeatZeroLong  = 18 // 11-138 zeros, 7 extra bits
)

// codeLengthToken is one symbol of the code length alphabet plus the value of
// its extra bits.
type codeLengthToken struct {
	Symbol uint8
	Extra  uint8
}

var codeLengthExtraBits = [numCodeLengthSymbols]uint8{
	repeatPrevious:  2,
	repeatZeroShort: 3,
	repeatZeroLong:  7,
}

// encodeCodeLengths run-length encodes a code length sequence (RFC 1951
// §3.2.7), appending the result to `dst`.
//
// Runs of zeros use symbol 18 for 11-138 zeros and 17 for 3-10. A run of any
// other value emits the value once, then symbol 16 for each further group of
// 3-6 copies. Anything left over that is too short for a repeat symbol is
// written out literally.
func encodeCodeLengths(dst []codeLengthToken, lengths []uint8) []codeLengthToken {
	grouper := NewRunLengthGrouper(lengths)
	for {
		run, ok := grouper.NextRun()
		if !ok {
			return dst
		}

		remaining := run.RunLength
		if run.Length == 0 {
			for remaining >= 11 {
				n := minInt(remaining, 138)
				dst = append(dst, codeLengthToken{Symbol: repeatZeroLong, Extra: uint8(n - 11)})
				remaining -= n
			}
			if remaining >= 3 {
				dst = append(dst, codeLengthToken{Symbol: repeatZeroShort, Extra: uint8(remaining - 3)})
				remaining = 0
			}
		} else {
			dst = append(dst, codeLengthToken{Symbol: run.Length})
			remaining--
			for remaining >= 3 {
				n := minInt(remaining, 6)
				dst = append(dst, codeLengthToken{Symbol: repeatPrevious, Extra: uint8(n - 3)})
				remaining -= n
			}
		}

		for ; remaining > 0; remaining-- {
			dst = append(dst, codeLengthToken{Symbol: run.Length})
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
