// Package tokenizer turns document text into tokens with byte offsets.
package tokenizer

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"

	"github.com/pkoukk/tiktoken-go"
)

// Whitespace splits text into runs of letters and digits. Every other
// non-space rune becomes a token of its own.
type Whitespace struct{}

func (Whitespace) Tokenize(text string) []common.Token {
	var tokens []common.Token
	start := -1
	flush := func(end int) {
		if start >= 0 {
			tokens = append(tokens, common.Token{Text: text[start:end], Start: start, End: end})
			start = -1
		}
	}

	for i, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			if start < 0 {
				start = i
			}
		case unicode.IsSpace(r):
			flush(i)
		default:
			flush(i)
			end := i + utf8.RuneLen(r)
			tokens = append(tokens, common.Token{Text: text[i:end], Start: i, End: end})
		}
	}
	flush(len(text))
	return tokens
}

// Tiktoken produces BPE tokens of a tiktoken encoding. Offsets are recovered
// by decoding every token on its own. Tokens that split a multi-byte rune
// are merged with their successors.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Tokenize(text string) []common.Token {
	ids := t.enc.Encode(text, nil, nil)
	lengths := make([]int, len(ids))
	for i, id := range ids {
		lengths[i] = len(t.enc.Decode([]int{id}))
	}
	return tokensFromLengths(text, lengths)
}

// tokensFromLengths cuts text into consecutive pieces of the given byte
// lengths. A cut never falls inside a rune.
func tokensFromLengths(text string, lengths []int) []common.Token {
	tokens := make([]common.Token, 0, len(lengths))
	offset, end := 0, 0
	for _, n := range lengths {
		end = min(end+n, len(text))
		if end <= offset {
			continue
		}
		if end < len(text) && !utf8.RuneStart(text[end]) {
			continue
		}
		// leading whitespace is part of BPE tokens but not of the span text
		start := offset
		for start < end && text[start] == ' ' {
			start++
		}
		if start == end {
			start = offset
		}
		tokens = append(tokens, common.Token{Text: text[start:end], Start: start, End: end})
		offset = end
	}
	return tokens
}

// New resolves a tokenizer name: "whitespace" (or empty) or
// "tiktoken:<encoding>".
func New(name string) (common.Tokenizer, error) {
	switch {
	case name == "" || name == "whitespace":
		return Whitespace{}, nil
	case strings.HasPrefix(name, "tiktoken:"):
		return NewTiktoken(strings.TrimPrefix(name, "tiktoken:"))
	default:
		return nil, fmt.Errorf("%w: unknown tokenizer %q", common.ErrConfig, name)
	}
}
