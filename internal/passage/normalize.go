// Package passage implements the tokenizer and anchor engine: text
// normalization, deterministic word tokenization, heading-aware
// chunking into passages, and content-fingerprinted anchors that can
// be re-located across versions.
package passage

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize canonicalizes markdown for tokenization: Unicode NFC, then
// horizontal whitespace collapsed outside fenced code blocks. Fenced
// blocks are preserved byte-for-byte so code stays addressable.
func Normalize(content string) string {
	content = norm.NFC.String(content)

	lines := strings.Split(content, "\n")
	var b strings.Builder
	b.Grow(len(content))

	inFence := false
	fenceMarker := ""
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		if marker, ok := fenceDelimiter(line); ok {
			if !inFence {
				inFence = true
				fenceMarker = marker
			} else if strings.HasPrefix(marker, fenceMarker) {
				inFence = false
				fenceMarker = ""
			}
			b.WriteString(line)
			continue
		}
		if inFence {
			b.WriteString(line)
			continue
		}
		b.WriteString(collapseSpaces(line))
	}
	return b.String()
}

// fenceDelimiter reports whether a line opens or closes a fenced code
// block, returning the fence marker (``` or ~~~, possibly longer).
func fenceDelimiter(line string) (string, bool) {
	trimmed := strings.TrimLeft(line, " ")
	if strings.HasPrefix(trimmed, "```") {
		return trimmed[:fenceLen(trimmed, '`')], true
	}
	if strings.HasPrefix(trimmed, "~~~") {
		return trimmed[:fenceLen(trimmed, '~')], true
	}
	return "", false
}

func fenceLen(s string, ch byte) int {
	n := 0
	for n < len(s) && s[n] == ch {
		n++
	}
	return n
}

// collapseSpaces squeezes runs of spaces and tabs into one space and
// drops trailing whitespace. Leading whitespace is kept (list nesting
// and indented structure survive as a single marker-significant space run
// collapsed to one).
func collapseSpaces(line string) string {
	var b strings.Builder
	b.Grow(len(line))
	inRun := false
	for _, r := range line {
		if r == ' ' || r == '\t' {
			inRun = true
			continue
		}
		if inRun && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inRun = false
		b.WriteRune(r)
	}
	return b.String()
}
