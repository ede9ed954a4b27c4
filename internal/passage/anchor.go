package passage

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// FingerprintAlgo identifies the anchor fingerprint function.
const FingerprintAlgo = "sha256"

// ResolveWindow is how far (in tokens) Resolve scans around the
// recorded offset before giving up.
const ResolveWindow = 32

// Anchor re-locates a passage across versions: a structure path plus a
// token span and a fingerprint over the span's canonical text.
type Anchor struct {
	StructurePath       string `json:"structure_path"`
	TokenOffset         int    `json:"token_offset"`
	TokenLength         int    `json:"token_length"`
	Fingerprint         string `json:"fingerprint"`
	TokenizationVersion int    `json:"tokenization_version"`
	FingerprintAlgo     string `json:"fingerprint_algo"`
}

// Status is the outcome of resolving an anchor against content.
type Status string

const (
	StatusResolved   Status = "resolved"
	StatusDrifted    Status = "drifted"
	StatusUnresolved Status = "unresolved"
)

// DriftClass explains why an anchor no longer resolves cleanly.
type DriftClass string

const (
	DriftNone           DriftClass = "none"
	DriftRenamedSection DriftClass = "renamed_section"
	DriftContentEdited  DriftClass = "content_edited"
	DriftRemoved        DriftClass = "removed"
)

// Span is a located token range with its byte extent.
type Span struct {
	TokenOffset int `json:"token_offset"`
	TokenLength int `json:"token_length"`
	CharOffset  int `json:"char_offset"`
	CharLength  int `json:"char_length"`
}

// Resolution reports where an anchor landed in the current content.
// Anchor is re-minted when the stored tokenization version or
// fingerprint algorithm no longer matches this engine.
type Resolution struct {
	Status Status `json:"status"`
	Span   *Span  `json:"span,omitempty"`
	Anchor Anchor `json:"anchor"`
}

// Fingerprint hashes the canonical form of a token slice: token texts
// joined by a single space.
func Fingerprint(tokens []Token) string {
	texts := make([]string, len(tokens))
	for i, t := range tokens {
		texts[i] = t.Text
	}
	sum := sha256.Sum256([]byte(strings.Join(texts, " ")))
	return hex.EncodeToString(sum[:])
}

func mintAnchor(tokens []Token, structurePath string, offset, length int) Anchor {
	return Anchor{
		StructurePath:       structurePath,
		TokenOffset:         offset,
		TokenLength:         length,
		Fingerprint:         Fingerprint(tokens[offset : offset+length]),
		TokenizationVersion: TokenizationVersion,
		FingerprintAlgo:     FingerprintAlgo,
	}
}

// Mint creates an anchor over [offset, offset+length) of content's
// chunk-mode token stream at the given structure path.
func (e *Engine) Mint(content, structurePath string, offset, length int) (Anchor, bool) {
	tokens := Tokenize(Normalize(content), ModeChunk)
	if offset < 0 || length <= 0 || offset+length > len(tokens) {
		return Anchor{}, false
	}
	return mintAnchor(tokens, structurePath, offset, length), true
}

// Resolve attempts to locate anchor in content. Exact or shifted
// matches inside the anchor's structure path resolve; matches found
// only by scanning around the recorded offset are drifted; anything
// else is unresolved. An anchor from a different tokenization version
// or fingerprint algorithm is re-minted at the recorded span rather
// than failed.
func (e *Engine) Resolve(a Anchor, content string) Resolution {
	normalized := Normalize(content)
	tokens := Tokenize(normalized, ModeChunk)
	sections := splitSections(normalized, tokens)

	if a.TokenizationVersion != TokenizationVersion || a.FingerprintAlgo != FingerprintAlgo {
		return e.remint(a, tokens)
	}
	if a.TokenLength <= 0 || a.TokenLength > len(tokens) {
		return Resolution{Status: StatusUnresolved, Anchor: a}
	}

	// (a) Scan the section at the recorded structure path.
	for _, sec := range sections {
		if sec.path != a.StructurePath {
			continue
		}
		for start := sec.tokenStart; start+a.TokenLength <= sec.tokenEnd; start++ {
			if Fingerprint(tokens[start:start+a.TokenLength]) == a.Fingerprint {
				return Resolution{Status: StatusResolved, Span: spanAt(tokens, start, a.TokenLength), Anchor: a}
			}
		}
	}

	// (b) Scan a window around the recorded offset, section-blind.
	lo := a.TokenOffset - ResolveWindow
	if lo < 0 {
		lo = 0
	}
	hi := a.TokenOffset + ResolveWindow
	for start := lo; start <= hi && start+a.TokenLength <= len(tokens); start++ {
		if Fingerprint(tokens[start:start+a.TokenLength]) == a.Fingerprint {
			return Resolution{Status: StatusDrifted, Span: spanAt(tokens, start, a.TokenLength), Anchor: a}
		}
	}

	// (c) Nothing matched.
	return Resolution{Status: StatusUnresolved, Anchor: a}
}

// remint rebuilds an anchor at the recorded span under the current
// tokenization version.
func (e *Engine) remint(a Anchor, tokens []Token) Resolution {
	if a.TokenOffset < 0 || a.TokenLength <= 0 || a.TokenOffset+a.TokenLength > len(tokens) {
		return Resolution{Status: StatusUnresolved, Anchor: a}
	}
	fresh := mintAnchor(tokens, a.StructurePath, a.TokenOffset, a.TokenLength)
	return Resolution{
		Status: StatusDrifted,
		Span:   spanAt(tokens, a.TokenOffset, a.TokenLength),
		Anchor: fresh,
	}
}

// ClassifyDrift explains an anchor's relationship to content: the
// fingerprint surviving outside its section means the section was
// renamed; the section surviving without the fingerprint means the
// content was edited; neither means the passage is gone.
func (e *Engine) ClassifyDrift(a Anchor, content string) DriftClass {
	normalized := Normalize(content)
	tokens := Tokenize(normalized, ModeChunk)
	sections := splitSections(normalized, tokens)

	sectionExists := false
	for _, sec := range sections {
		if sec.path == a.StructurePath {
			sectionExists = true
			break
		}
	}

	fingerprintExists := false
	if a.TokenLength > 0 && a.TokenLength <= len(tokens) {
		for start := 0; start+a.TokenLength <= len(tokens); start++ {
			if Fingerprint(tokens[start:start+a.TokenLength]) == a.Fingerprint {
				fingerprintExists = true
				break
			}
		}
	}

	switch {
	case fingerprintExists && sectionExists:
		res := e.Resolve(a, content)
		if res.Status == StatusResolved {
			return DriftNone
		}
		return DriftRenamedSection
	case fingerprintExists:
		return DriftRenamedSection
	case sectionExists:
		return DriftContentEdited
	default:
		return DriftRemoved
	}
}

func spanAt(tokens []Token, start, length int) *Span {
	charStart := tokens[start].Start
	charEnd := tokens[start+length-1].End
	return &Span{
		TokenOffset: start,
		TokenLength: length,
		CharOffset:  charStart,
		CharLength:  charEnd - charStart,
	}
}
