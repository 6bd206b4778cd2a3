package deflate

import "fmt"

// TokenKind distinguishes the three kinds of [Token].
type TokenKind uint8

const (
	LiteralToken TokenKind = iota
	MatchToken
	EndOfBlockToken
)

// Token is one unit of LZ77 output: a literal byte, a back-reference, or the
// end-of-block marker.
type Token struct {
	Kind    TokenKind
	Literal byte
	// Length is in [MinMatchLength, MaxMatchLength] for matches.
	Length uint16
	// Distance is in [1, WindowSize] for matches.
	Distance uint16
}

func Literal(b byte) Token {
	return Token{Kind: LiteralToken, Literal: b}
}

func Match(length, distance int) Token {
	return Token{Kind: MatchToken, Length: uint16(length), Distance: uint16(distance)}
}

func EndOfBlock() Token {
	return Token{Kind: EndOfBlockToken}
}

// Size gives the number of uncompressed bytes the token stands for.
func (t Token) Size() int {
	switch t.Kind {
	case LiteralToken:
		return 1
	case MatchToken:
		return int(t.Length)
	default:
		return 0
	}
}

func (t Token) String() string {
	switch t.Kind {
	case LiteralToken:
		return fmt.Sprintf("lit(%#02x)", t.Literal)
	case MatchToken:
		return fmt.Sprintf("match(len=%d, dist=%d)", t.Length, t.Distance)
	default:
		return "eob"
	}
}
