package passage

import (
	"strings"

	"github.com/foliant-labs/folio/internal/faults"
)

// Options configures the chunker.
type Options struct {
	MaxTokensPerChunk int
	OverlapTokens     int
}

// DefaultOptions matches the documented defaults: 180-token passages
// with consecutive passages sharing at most 50% of their tokens.
func DefaultOptions() Options {
	return Options{MaxTokensPerChunk: 180, OverlapTokens: 64}
}

// Validate rejects configurations the chunker cannot honor.
func (o Options) Validate() error {
	if o.MaxTokensPerChunk < 10 {
		return faults.New(faults.Validation, "max_tokens_per_chunk must be >= 10, got %d", o.MaxTokensPerChunk)
	}
	if o.OverlapTokens < 0 || o.OverlapTokens >= o.MaxTokensPerChunk {
		return faults.New(faults.Validation, "overlap_tokens (%d) must be in [0, max_tokens_per_chunk)", o.OverlapTokens)
	}
	return nil
}

// Chunk is one passage candidate: a token window within a structural
// section, with byte and token offsets into the normalized document.
type Chunk struct {
	StructurePath string
	Text          string
	CharOffset    int
	CharLength    int
	TokenOffset   int // offset into the document-wide chunk-mode token stream
	TokenLength   int
	Anchor        Anchor
}

// section is one heading-delimited region of the normalized document.
type section struct {
	path       string
	tokenStart int // inclusive, document token index
	tokenEnd   int // exclusive
}

// Engine chunks documents and mints/resolves anchors under one Options set.
type Engine struct {
	opts Options
}

// NewEngine validates opts and returns an engine.
func NewEngine(opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Engine{opts: opts}, nil
}

// Options returns the engine's chunking options.
func (e *Engine) Options() Options { return e.opts }

// Chunk normalizes content and produces passages greedily per
// structural section. Every chunk carries a minted anchor.
func (e *Engine) Chunk(content string) ([]Chunk, error) {
	normalized := Normalize(content)
	tokens := Tokenize(normalized, ModeChunk)
	if len(tokens) == 0 {
		return nil, nil
	}
	sections := splitSections(normalized, tokens)

	step := e.opts.MaxTokensPerChunk - e.opts.OverlapTokens
	var chunks []Chunk
	for _, sec := range sections {
		for start := sec.tokenStart; start < sec.tokenEnd; start += step {
			end := start + e.opts.MaxTokensPerChunk
			if end > sec.tokenEnd {
				end = sec.tokenEnd
			}
			charStart := tokens[start].Start
			charEnd := tokens[end-1].End
			c := Chunk{
				StructurePath: sec.path,
				Text:          normalized[charStart:charEnd],
				CharOffset:    charStart,
				CharLength:    charEnd - charStart,
				TokenOffset:   start,
				TokenLength:   end - start,
			}
			c.Anchor = mintAnchor(tokens, sec.path, start, end-start)
			chunks = append(chunks, c)
			if end == sec.tokenEnd {
				break
			}
		}
	}
	return chunks, nil
}

// splitSections walks the normalized document line by line, tracking
// the heading stack, and maps each heading-delimited region to its
// token range. Lines inside code fences never open sections.
func splitSections(normalized string, tokens []Token) []section {
	type boundary struct {
		charOffset int
		path       string
	}
	var bounds []boundary

	// Heading stack: slug per level 1..6.
	var stack [6]string
	joinPath := func(level int) string {
		parts := make([]string, 0, level)
		for i := 0; i < level; i++ {
			if stack[i] != "" {
				parts = append(parts, stack[i])
			}
		}
		return strings.Join(parts, "/")
	}

	offset := 0
	inFence := false
	fenceMarker := ""
	for _, line := range strings.Split(normalized, "\n") {
		if marker, ok := fenceDelimiter(line); ok {
			if !inFence {
				inFence = true
				fenceMarker = marker
			} else if strings.HasPrefix(marker, fenceMarker) {
				inFence = false
			}
		} else if !inFence {
			if level, title, ok := headingLine(line); ok {
				stack[level-1] = Slugify(title)
				for i := level; i < 6; i++ {
					stack[i] = ""
				}
				bounds = append(bounds, boundary{charOffset: offset, path: joinPath(level)})
			}
		}
		offset += len(line) + 1
	}

	// Convert char boundaries into token ranges. The preamble before
	// the first heading gets the empty path.
	var sections []section
	cur := section{path: "", tokenStart: 0}
	bi := 0
	for ti, tok := range tokens {
		for bi < len(bounds) && tok.Start >= bounds[bi].charOffset {
			if ti > cur.tokenStart {
				cur.tokenEnd = ti
				sections = append(sections, cur)
			}
			cur = section{path: bounds[bi].path, tokenStart: ti}
			bi++
		}
	}
	cur.tokenEnd = len(tokens)
	if cur.tokenEnd > cur.tokenStart {
		sections = append(sections, cur)
	}
	return sections
}

func headingLine(line string) (level int, title string, ok bool) {
	n := 0
	for n < len(line) && line[n] == '#' {
		n++
	}
	if n == 0 || n > 6 || n >= len(line) || line[n] != ' ' {
		return 0, "", false
	}
	return n, strings.TrimSpace(line[n+1:]), true
}

// Slugify lowercases a heading and reduces it to [a-z0-9-] runs, the
// form used in structure paths.
func Slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
