package deflate

import (
	"fmt"

	"github.com/dargueta/flatpack"
	"github.com/sirupsen/logrus"
)

// blockEncoder turns windows of input into DEFLATE blocks. All of its buffers
// are reused from block to block.
type blockEncoder struct {
	finder            *MatchFinder
	indexAllPositions bool
	mode              BlockMode
	log               logrus.FieldLogger

	tokens      []Token
	litFreq     [maxLitLenSymbols]uint32
	distFreq    [maxDistanceSymbols]uint32
	clFreq      [numCodeLengthSymbols]uint32
	litLengths  [maxLitLenSymbols]uint8
	distLengths [maxDistanceSymbols]uint8
	clLengths   [numCodeLengthSymbols]uint8
	combined    [maxLitLenSymbols + maxDistanceSymbols]uint8
	clTokens    []codeLengthToken
	litTable    HuffmanTable
	distTable   HuffmanTable
	clTable     HuffmanTable
	scratch     BitWriter
}

func newBlockEncoder(finder *MatchFinder, opts *options) *blockEncoder {
	return &blockEncoder{
		finder:            finder,
		indexAllPositions: opts.indexAllPositions,
		mode:              opts.blockMode,
		log:               opts.logger,
	}
}

// tokenize runs greedy LZ77 over window[start:end], returning the tokens
// followed by an end-of-block marker. Matches are found before the current
// position is indexed, so a position never matches itself.
func (e *blockEncoder) tokenize(window []byte, start, end int) ([]Token, error) {
	tokens := e.tokens[:0]
	pos := start
	for pos < end {
		length, distance := e.finder.FindLongestMatch(pos, end)
		if err := e.finder.AddPosition(pos); err != nil {
			return nil, err
		}

		if length == 0 {
			tokens = append(tokens, Literal(window[pos]))
			pos++
			continue
		}

		tokens = append(tokens, Match(length, distance))
		if e.indexAllPositions {
			for i := pos + 1; i < pos+length; i++ {
				if err := e.finder.AddPosition(i); err != nil {
					return nil, err
				}
			}
		}
		pos += length
	}

	tokens = append(tokens, EndOfBlock())
	e.tokens = tokens
	return tokens, nil
}

// writeBlock encodes one block of tokens to `w`. `raw` is the input the tokens
// stand for, and must be no longer than [maxStoredBlockSize] bytes.
//
// In [BlockModeAuto], the dynamic and static encodings are tried in turn on a
// scratch writer, and the first one that comes out smaller than `raw` is
// spliced onto `w`. If neither does, the block is stored.
func (e *blockEncoder) writeBlock(w *BitWriter, tokens []Token, raw []byte, final bool) error {
	if len(raw) > maxStoredBlockSize {
		return flatpack.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"block holds %d bytes, can't be more than %d",
				len(raw),
				maxStoredBlockSize))
	}

	switch e.mode {
	case BlockModeStored:
		e.writeStoredBlock(w, raw, final)
		e.logBlock("stored", len(raw), 0, final)
		return nil
	case BlockModeStatic:
		before := w.BitLen()
		e.writeStaticBlock(w, tokens, final)
		e.logBlock("static", len(raw), w.BitLen()-before, final)
		return nil
	case BlockModeDynamic:
		before := w.BitLen()
		err := e.writeDynamicBlock(w, tokens, final)
		e.logBlock("dynamic", len(raw), w.BitLen()-before, final)
		return err
	}

	rawBits := 8 * len(raw)

	e.scratch.reset(w.BitOffset())
	err := e.writeDynamicBlock(&e.scratch, tokens, final)
	if err != nil {
		return err
	}
	dynamicBits := e.scratch.bitsSinceReset()
	if dynamicBits < rawBits {
		w.splice(&e.scratch)
		e.logBlock("dynamic", len(raw), dynamicBits, final)
		return nil
	}

	e.scratch.reset(w.BitOffset())
	e.writeStaticBlock(&e.scratch, tokens, final)
	staticBits := e.scratch.bitsSinceReset()
	if staticBits < rawBits {
		w.splice(&e.scratch)
		e.logBlock("static", len(raw), staticBits, final)
		return nil
	}

	e.writeStoredBlock(w, raw, final)
	e.log.WithFields(
		logrus.Fields{
			"dynamic_bits": dynamicBits,
			"static_bits":  staticBits,
		}).Debug("block didn't compress")
	e.logBlock("stored", len(raw), 0, final)
	return nil
}

func (e *blockEncoder) logBlock(kind string, rawSize, encodedBits int, final bool) {
	fields := logrus.Fields{
		"type":     kind,
		"raw_size": rawSize,
		"final":    final,
	}
	if encodedBits > 0 {
		fields["encoded_bits"] = encodedBits
	}
	e.log.WithFields(fields).Debug("wrote block")
}

func writeBlockHeader(w *BitWriter, blockType uint32, final bool) {
	if final {
		w.WriteBits(1, 1)
	} else {
		w.WriteBits(0, 1)
	}
	w.WriteBits(blockType, 2)
}

// writeStoredBlock writes `raw` without compression (RFC 1951 §3.2.4).
func (e *blockEncoder) writeStoredBlock(w *BitWriter, raw []byte, final bool) {
	writeBlockHeader(w, blockTypeStored, final)
	w.AlignToByte()
	size := uint32(len(raw))
	w.WriteBits(size, 16)
	w.WriteBits(^size&0xffff, 16)
	w.WriteBytes(raw)
}

// writeStaticBlock encodes tokens with the fixed Huffman codes (RFC 1951
// §3.2.6).
func (e *blockEncoder) writeStaticBlock(w *BitWriter, tokens []Token, final bool) {
	writeBlockHeader(w, blockTypeStatic, final)
	writeTokens(w, tokens, fixedLitLenTable, fixedDistanceTable)
}

// writeDynamicBlock encodes tokens with Huffman codes built from their own
// frequencies (RFC 1951 §3.2.7).
func (e *blockEncoder) writeDynamicBlock(w *BitWriter, tokens []Token, final bool) error {
	e.countFrequencies(tokens)

	err := buildCodeLengths(e.litFreq[:], maxCodeBits, e.litLengths[:])
	if err != nil {
		return err
	}
	err = buildCodeLengths(e.distFreq[:], maxCodeBits, e.distLengths[:])
	if err != nil {
		return err
	}

	numLit := lastNonZero(e.litLengths[:]) + 1
	if numLit < endOfBlockSymbol+1 {
		numLit = endOfBlockSymbol + 1
	}
	numDist := lastNonZero(e.distLengths[:]) + 1
	if numDist < 1 {
		numDist = 1
	}

	combined := e.combined[:numLit+numDist]
	copy(combined, e.litLengths[:numLit])
	copy(combined[numLit:], e.distLengths[:numDist])
	e.clTokens = encodeCodeLengths(e.clTokens[:0], combined)

	e.clFreq = [numCodeLengthSymbols]uint32{}
	used := 0
	for _, tok := range e.clTokens {
		if e.clFreq[tok.Symbol] == 0 {
			used++
		}
		e.clFreq[tok.Symbol]++
	}
	// Some decoders reject an incomplete code length code, so make sure the
	// tree has at least two leaves.
	if used == 1 {
		if e.clFreq[0] == 0 {
			e.clFreq[0] = 1
		} else {
			e.clFreq[1] = 1
		}
	}

	err = buildCodeLengths(e.clFreq[:], maxCodeLengthBits, e.clLengths[:])
	if err != nil {
		return err
	}
	numCodeLengths := numCodeLengthSymbols
	for numCodeLengths > 4 && e.clLengths[codeLengthOrder[numCodeLengths-1]] == 0 {
		numCodeLengths--
	}

	if err = e.litTable.init(e.litLengths[:], maxCodeBits); err != nil {
		return err
	}
	if err = e.distTable.init(e.distLengths[:], maxCodeBits); err != nil {
		return err
	}
	if err = e.clTable.init(e.clLengths[:], maxCodeLengthBits); err != nil {
		return err
	}

	writeBlockHeader(w, blockTypeDynamic, final)
	w.WriteBits(uint32(numLit-257), 5)
	w.WriteBits(uint32(numDist-1), 5)
	w.WriteBits(uint32(numCodeLengths-4), 4)
	for _, symbol := range codeLengthOrder[:numCodeLengths] {
		w.WriteBits(uint32(e.clLengths[symbol]), 3)
	}
	for _, tok := range e.clTokens {
		e.clTable.writeSymbol(w, uint16(tok.Symbol))
		if extraBits := codeLengthExtraBits[tok.Symbol]; extraBits > 0 {
			w.WriteBits(uint32(tok.Extra), uint(extraBits))
		}
	}

	writeTokens(w, tokens, &e.litTable, &e.distTable)
	return nil
}

func (e *blockEncoder) countFrequencies(tokens []Token) {
	e.litFreq = [maxLitLenSymbols]uint32{}
	e.distFreq = [maxDistanceSymbols]uint32{}

	for _, tok := range tokens {
		switch tok.Kind {
		case LiteralToken:
			e.litFreq[tok.Literal]++
		case MatchToken:
			lengthSymbol, _, _ := lengthCode(int(tok.Length))
			e.litFreq[lengthSymbol]++
			distSymbol, _, _ := distanceCode(int(tok.Distance))
			e.distFreq[distSymbol]++
		case EndOfBlockToken:
			e.litFreq[endOfBlockSymbol]++
		}
	}

	e.litFreq[endOfBlockSymbol] |= 1

	// A block with no matches still has to describe a distance code.
	hasDistance := false
	for _, freq := range e.distFreq {
		if freq != 0 {
			hasDistance = true
			break
		}
	}
	if !hasDistance {
		e.distFreq[0] = 1
	}
}

func writeTokens(w *BitWriter, tokens []Token, litTable, distTable *HuffmanTable) {
	for _, tok := range tokens {
		switch tok.Kind {
		case LiteralToken:
			litTable.writeSymbol(w, uint16(tok.Literal))
		case MatchToken:
			lengthSymbol, lengthBits, lengthExtra := lengthCode(int(tok.Length))
			litTable.writeSymbol(w, lengthSymbol)
			if lengthBits > 0 {
				w.WriteBits(uint32(lengthExtra), uint(lengthBits))
			}
			distSymbol, distBits, distExtra := distanceCode(int(tok.Distance))
			distTable.writeSymbol(w, distSymbol)
			if distBits > 0 {
				w.WriteBits(uint32(distExtra), uint(distBits))
			}
		case EndOfBlockToken:
			litTable.writeSymbol(w, endOfBlockSymbol)
		}
	}
}

func lastNonZero(lengths []uint8) int {
	for i := len(lengths) - 1; i >= 0; i-- {
		if lengths[i] != 0 {
			return i
		}
	}
	return -1
}
