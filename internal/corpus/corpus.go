// Package corpus maintains the searchable index of published versions.
// Passages enter through visibility events only; drafts never reach
// this package. Two backends implement the same port: an in-process
// inverted index and a SQLite-backed one sharing the entity database.
package corpus

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/foliant-labs/folio/internal/passage"
)

// Passage is one indexed chunk of a published version.
type Passage struct {
	ID            string         `json:"id"` // version_id + ":" + position
	NoteID        string         `json:"note_id"`
	VersionID     string         `json:"version_id"`
	Position      int            `json:"position"`
	StructurePath string         `json:"structure_path"`
	Text          string         `json:"text"`
	CharOffset    int            `json:"char_offset"`
	CharLength    int            `json:"char_length"`
	TokenOffset   int            `json:"token_offset"`
	TokenLength   int            `json:"token_length"`
	Anchor        passage.Anchor `json:"anchor"`
	Collections   []string       `json:"collections"`
}

// Document is everything the index needs to make one version visible.
type Document struct {
	NoteID      string
	VersionID   string
	Title       string
	Collections []string
	Passages    []*Passage
}

// Query is a retrieval request. Empty CollectionIDs means the whole
// corpus.
type Query struct {
	Terms         []string
	CollectionIDs []string
	TopK          int
}

// Hit is a scored passage.
type Hit struct {
	Passage *Passage
	Score   float64
}

// Stats reports index size.
type Stats struct {
	Notes    int `json:"notes"`
	Versions int `json:"versions"`
	Passages int `json:"passages"`
}

// Index is the corpus port. Commit replaces whatever the note had
// visible before, so committing the same document twice is a no-op in
// effect and retried events stay safe.
type Index interface {
	Commit(ctx context.Context, doc *Document) error
	Remove(ctx context.Context, noteID string) error
	HasVersion(ctx context.Context, versionID string) (bool, error)
	VersionForNote(ctx context.Context, noteID string) (string, bool, error)
	PassagesForVersion(ctx context.Context, versionID string) ([]*Passage, error)
	Retrieve(ctx context.Context, q Query) ([]*Hit, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// stopWords are filtered from query terms. Passage text keeps them;
// only the query side drops noise.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "shall": true, "can": true,
	"of": true, "in": true, "to": true, "for": true, "with": true,
	"on": true, "at": true, "from": true, "by": true, "about": true,
	"as": true, "into": true, "through": true, "during": true,
	"and": true, "or": true, "but": true, "not": true, "so": true,
	"what": true, "how": true, "when": true, "where": true, "which": true,
	"who": true, "whom": true, "this": true, "that": true, "these": true,
	"those": true, "it": true, "its": true, "my": true, "your": true,
	"our": true, "their": true, "i": true, "me": true, "we": true,
	"you": true, "he": true, "she": true, "they": true, "them": true,
}

// shortTerms are two-character terms that carry meaning on their own.
var shortTerms = map[string]bool{
	"ai": true, "os": true, "db": true, "io": true,
	"ui": true, "ux": true, "ml": true, "go": true,
}

// QueryTerms extracts deduplicated, lowercased search terms from a
// natural-language query. Markup glyphs are stripped the same way the
// retrieval tokenizer strips them from passage text.
func QueryTerms(query string) []string {
	toks := passage.Tokenize(passage.Normalize(query), passage.ModeRetrieval)
	var terms []string
	seen := make(map[string]bool)
	for _, tok := range toks {
		lower := strings.ToLower(tok.Text)
		if len(lower) < 2 {
			continue
		}
		if len(lower) == 2 && !shortTerms[lower] {
			continue
		}
		if stopWords[lower] || seen[lower] {
			continue
		}
		seen[lower] = true
		terms = append(terms, lower)
	}
	return terms
}

// passageTerms lowercases a passage's retrieval tokens.
func passageTerms(text string) []string {
	toks := passage.Tokenize(text, passage.ModeRetrieval)
	out := make([]string, len(toks))
	for i, tok := range toks {
		out[i] = strings.ToLower(tok.Text)
	}
	return out
}

// score rates one passage against the query terms: term coverage
// dominates, squared-frequency density breaks coverage ties. Both
// inputs are lowercased. Returns 0 for no overlap.
func score(queryTerms []string, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	words := passageTerms(text)
	if len(words) == 0 {
		return 0
	}
	freq := make(map[string]int, len(words))
	for _, w := range words {
		freq[w]++
	}

	covered := 0
	matches := 0
	for _, term := range queryTerms {
		n := freq[term]
		if n == 0 {
			// Substring fallback catches compounds like "outbox" in
			// "outbox-driven".
			for w, c := range freq {
				if strings.Contains(w, term) {
					n += c
				}
			}
		}
		if n > 0 {
			covered++
			matches += n
		}
	}
	if covered == 0 {
		return 0
	}

	coverage := float64(covered) / float64(len(queryTerms))
	density := float64(matches*matches) / float64(len(words))
	return coverage + math.Min(0.5, density/8)
}

// sortHits orders hits for stable pagination: score descending, then
// version id, then passage position.
func sortHits(hits []*Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Passage.VersionID != hits[j].Passage.VersionID {
			return hits[i].Passage.VersionID < hits[j].Passage.VersionID
		}
		return hits[i].Passage.Position < hits[j].Passage.Position
	})
}

// inScope reports whether a passage is visible in any of the wanted
// collection ids. Empty want means everything.
func inScope(p *Passage, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		for _, c := range p.Collections {
			if c == w {
				return true
			}
		}
	}
	return false
}
