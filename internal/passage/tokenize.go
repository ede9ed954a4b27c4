package passage

import (
	"unicode"
)

// TokenizationVersion is stamped into every anchor. Bump it whenever
// Tokenize changes observable output.
const TokenizationVersion = 1

// Mode selects the tokenization profile.
type Mode int

const (
	// ModeChunk keeps inline style markers so anchors address the text
	// exactly as written.
	ModeChunk Mode = iota
	// ModeRetrieval strips inline style markers (emphasis, inline code
	// backticks) so query terms match styled text.
	ModeRetrieval
)

// Token is one word-level token with byte offsets into the normalized text.
type Token struct {
	Text  string
	Start int
	End   int
}

// Tokenize produces the deterministic word-level token stream over
// normalized text. A token is a maximal run of letters, digits, or
// connecting punctuation (_ - '). Markdown structural markers on their
// own (#, -, >, fence lines) never form tokens.
func Tokenize(text string, mode Mode) []Token {
	var tokens []Token
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		raw := text[start:end]
		if mode == ModeRetrieval {
			raw = stripInlineMarkers(raw)
		}
		if raw != "" {
			tokens = append(tokens, Token{Text: raw, Start: start, End: end})
		}
		start = -1
	}

	for i, r := range text {
		if isTokenRune(r, mode) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(text))
	return tokens
}

func isTokenRune(r rune, mode Mode) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '_', '\'', '-':
		return true
	case '`', '*':
		// Inline markers glue onto words in chunk mode so the anchored
		// text round-trips; retrieval strips them after the fact.
		return mode == ModeChunk
	}
	return false
}

func stripInlineMarkers(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '`' || r == '*' {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
