package corpus

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemIndex is the in-process corpus backend. All state fits in maps;
// Retrieve scans the candidate set found through an inverted index.
type MemIndex struct {
	mu          sync.RWMutex
	passages    map[string]*Passage // passage id -> passage
	versions    map[string][]string // version id -> passage ids in order
	versionNote map[string]string   // version id -> owning note id
	noteHead    map[string]string   // note id -> visible version id
	postings    map[string]map[string]bool
}

var _ Index = (*MemIndex)(nil)

// NewMemIndex returns an empty in-memory index.
func NewMemIndex() *MemIndex {
	return &MemIndex{
		passages:    map[string]*Passage{},
		versions:    map[string][]string{},
		versionNote: map[string]string{},
		noteHead:    map[string]string{},
		postings:    map[string]map[string]bool{},
	}
}

func (m *MemIndex) Close() error { return nil }

// Commit stores doc's passages and marks its version the note's head.
// Passages of earlier committed versions stay in place for the reading
// view; only the head is retrievable.
func (m *MemIndex) Commit(_ context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-committing the same version replaces its passage set.
	if _, ok := m.versions[doc.VersionID]; ok {
		m.dropVersion(doc.VersionID)
	}

	ids := make([]string, 0, len(doc.Passages))
	for i, p := range doc.Passages {
		cp := *p
		cp.NoteID = doc.NoteID
		cp.VersionID = doc.VersionID
		cp.Position = i
		cp.ID = fmt.Sprintf("%s:%04d", doc.VersionID, i)
		cp.Collections = append([]string(nil), doc.Collections...)

		m.passages[cp.ID] = &cp
		ids = append(ids, cp.ID)
		for _, term := range passageTerms(cp.Text) {
			set := m.postings[term]
			if set == nil {
				set = map[string]bool{}
				m.postings[term] = set
			}
			set[cp.ID] = true
		}
	}
	m.versions[doc.VersionID] = ids
	m.versionNote[doc.VersionID] = doc.NoteID
	m.noteHead[doc.NoteID] = doc.VersionID
	return nil
}

func (m *MemIndex) dropVersion(versionID string) {
	for _, pid := range m.versions[versionID] {
		p := m.passages[pid]
		if p == nil {
			continue
		}
		for _, term := range passageTerms(p.Text) {
			delete(m.postings[term], pid)
			if len(m.postings[term]) == 0 {
				delete(m.postings, term)
			}
		}
		delete(m.passages, pid)
	}
	delete(m.versions, versionID)
	delete(m.versionNote, versionID)
}

// Remove takes a note and all of its committed versions out of the
// corpus.
func (m *MemIndex) Remove(_ context.Context, noteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for versionID, owner := range m.versionNote {
		if owner == noteID {
			m.dropVersion(versionID)
		}
	}
	delete(m.noteHead, noteID)
	return nil
}

func (m *MemIndex) HasVersion(_ context.Context, versionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.versions[versionID]
	return ok, nil
}

func (m *MemIndex) VersionForNote(_ context.Context, noteID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.noteHead[noteID]
	return v, ok, nil
}

func (m *MemIndex) PassagesForVersion(_ context.Context, versionID string) ([]*Passage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.versions[versionID]
	out := make([]*Passage, 0, len(ids))
	for _, pid := range ids {
		if p := m.passages[pid]; p != nil {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Retrieve scores every head passage containing at least one query
// term. Substring matches are caught by widening the candidate set
// through the postings whose term contains a query term. Superseded
// versions never surface here; they are only reachable by id.
func (m *MemIndex) Retrieve(_ context.Context, q Query) ([]*Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(q.Terms) == 0 {
		return nil, nil
	}

	candidates := map[string]bool{}
	for _, term := range q.Terms {
		for indexed, set := range m.postings {
			if indexed == term || containsTerm(indexed, term) {
				for pid := range set {
					candidates[pid] = true
				}
			}
		}
	}

	hits := make([]*Hit, 0, len(candidates))
	for pid := range candidates {
		p := m.passages[pid]
		if p == nil || m.noteHead[p.NoteID] != p.VersionID {
			continue
		}
		if !inScope(p, q.CollectionIDs) {
			continue
		}
		s := score(q.Terms, p.Text)
		if s <= 0 {
			continue
		}
		cp := *p
		hits = append(hits, &Hit{Passage: &cp, Score: s})
	}

	sortHits(hits)
	if q.TopK > 0 && len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

func containsTerm(indexed, term string) bool {
	return len(term) >= 3 && len(indexed) > len(term) && strings.Contains(indexed, term)
}

func (m *MemIndex) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Stats{
		Notes:    len(m.noteHead),
		Versions: len(m.versions),
		Passages: len(m.passages),
	}, nil
}
