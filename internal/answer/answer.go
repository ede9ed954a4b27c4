// Package answer turns a scoped free-text query into ranked passages
// and an extractive, citation-backed answer. Ranking is deterministic
// under the default policy; the per-session SLO backoff is the only
// thing allowed to bend it, and responses say so.
package answer

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/foliant-labs/folio/internal/config"
	"github.com/foliant-labs/folio/internal/corpus"
	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/metrics"
	"github.com/foliant-labs/folio/internal/passage"
	"github.com/foliant-labs/folio/internal/storage"
)

// CoverageThreshold is the fraction of query terms the selected
// citations must cover before an answer is produced.
const CoverageThreshold = 0.6

// SnippetMaxBytes bounds result and citation snippets.
const SnippetMaxBytes = 500

// No-answer reasons.
const (
	ReasonInsufficientEvidence = "insufficient_evidence"
	ReasonUnresolvedCitations  = "unresolved_citations"
	ReasonNotIndexed           = "not_indexed"
	ReasonNoPublishedVersions  = "no_published_versions"
)

// Request is one search call.
type Request struct {
	Query       string
	Collections []string // collection names; empty = whole workspace
	Page        int
	PageSize    int
	SessionID   string
}

// Result is one ranked passage.
type Result struct {
	NoteID        string   `json:"note_id"`
	VersionID     string   `json:"version_id"`
	PassageID     string   `json:"passage_id"`
	Title         string   `json:"title"`
	Snippet       string   `json:"snippet"`
	Score         float64  `json:"score"`
	CollectionIDs []string `json:"collection_ids"`
}

// Citation points at the exact passage backing part of the answer.
type Citation struct {
	NoteID    string         `json:"note_id"`
	VersionID string         `json:"version_id"`
	PassageID string         `json:"passage_id"`
	Anchor    passage.Anchor `json:"anchor"`
	Snippet   string         `json:"snippet"`
	Status    passage.Status `json:"status"`
}

// Response is the full search payload.
type Response struct {
	Answer         string     `json:"answer,omitempty"`
	Results        []Result   `json:"results"`
	Citations      []Citation `json:"citations"`
	QueryID        string     `json:"query_id"`
	Page           int        `json:"page"`
	PageSize       int        `json:"page_size"`
	TotalCount     int        `json:"total_count"`
	HasMore        bool       `json:"has_more"`
	NoAnswerReason string     `json:"no_answer_reason,omitempty"`
	Deterministic  bool       `json:"deterministic"`
}

// Composer runs the retrieve -> rerank -> compose funnel.
type Composer struct {
	store  storage.Store
	index  corpus.Index
	reg    *metrics.Registry
	log    *logrus.Logger
	search config.SearchConfig
	engine *passage.Engine
	now    func() time.Time
}

// New builds a composer. The chunking options must match the ones the
// visibility worker indexes with, or anchors will not resolve.
func New(store storage.Store, index corpus.Index, reg *metrics.Registry, log *logrus.Logger,
	search config.SearchConfig, chunking passage.Options) (*Composer, error) {
	engine, err := passage.NewEngine(chunking)
	if err != nil {
		return nil, err
	}
	return &Composer{
		store:  store,
		index:  index,
		reg:    reg,
		log:    log,
		search: search,
		engine: engine,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Search executes one query.
func (c *Composer) Search(ctx context.Context, req Request) (*Response, error) {
	started := c.now()
	defer func() {
		elapsed := c.now().Sub(started)
		c.reg.Observe(metrics.SearchLatencyMS, elapsed)
		c.reg.ObserveSession(req.SessionID, elapsed)
	}()

	if strings.TrimSpace(req.Query) == "" {
		return nil, faults.New(faults.Validation, "query must not be empty")
	}
	page, pageSize, err := c.paging(req)
	if err != nil {
		return nil, err
	}

	scope, err := c.resolveScope(ctx, req.Collections)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		QueryID:       uuid.NewString(),
		Page:          page,
		PageSize:      pageSize,
		Results:       []Result{},
		Citations:     []Citation{},
		Deterministic: true,
	}

	terms := corpus.QueryTerms(req.Query)
	if len(terms) == 0 {
		resp.NoAnswerReason = ReasonInsufficientEvidence
		return resp, nil
	}

	hits, err := c.index.Retrieve(ctx, corpus.Query{
		Terms:         terms,
		CollectionIDs: scope,
		TopK:          c.search.TopKRetrieve,
	})
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		resp.NoAnswerReason = c.emptyReason(ctx)
		return resp, nil
	}

	topK := c.search.TopKRerank
	if req.SessionID != "" && c.reg.SessionP95(req.SessionID) > config.BackoffLatencyThresholdMS {
		topK = config.BackoffTopKRerank
		resp.Deterministic = false
		c.reg.Inc("search.backoff_total", 1)
	}
	hits = rerank(terms, hits, topK)

	resp.TotalCount = len(hits)
	start := (page - 1) * pageSize
	if start < len(hits) {
		end := start + pageSize
		if end > len(hits) {
			end = len(hits)
		}
		for _, h := range hits[start:end] {
			resp.Results = append(resp.Results, c.result(ctx, h))
		}
	}
	resp.HasMore = start+len(resp.Results) < len(hits)

	c.compose(ctx, terms, hits, resp)
	c.reg.Event("search", logrus.Fields{
		"query_id":  resp.QueryID,
		"results":   len(resp.Results),
		"citations": len(resp.Citations),
		"reason":    resp.NoAnswerReason,
	})
	return resp, nil
}

func (c *Composer) paging(req Request) (page, pageSize int, err error) {
	page = req.Page
	if page == 0 {
		page = 1
	}
	if page < 1 {
		return 0, 0, faults.New(faults.Validation, "page must be >= 1")
	}
	pageSize = req.PageSize
	if pageSize == 0 {
		pageSize = c.search.PageSize
	}
	if pageSize < 1 || pageSize > config.MaxPageSize {
		return 0, 0, faults.New(faults.Validation, "page_size must be 1..%d", config.MaxPageSize)
	}
	return page, pageSize, nil
}

// resolveScope maps collection names to ids; an unknown name is the
// caller's mistake, not an empty result.
func (c *Composer) resolveScope(ctx context.Context, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		col, err := c.store.GetCollectionByName(ctx, name)
		if faults.Is(err, faults.NotFound) {
			col, err = c.store.GetCollection(ctx, name)
		}
		if err != nil {
			if faults.Is(err, faults.NotFound) {
				return nil, faults.New(faults.Validation, "unknown collection %q", name)
			}
			return nil, err
		}
		out = append(out, col.ID)
	}
	return out, nil
}

// emptyReason distinguishes "nothing published", "published but not
// yet committed", and "indexed but irrelevant".
func (c *Composer) emptyReason(ctx context.Context) string {
	st, err := c.index.Stats(ctx)
	if err != nil || st.Versions > 0 {
		return ReasonInsufficientEvidence
	}
	if pending, parked, err := c.store.VisibilityBacklog(ctx); err == nil && pending+parked > 0 {
		return ReasonNotIndexed
	}
	return ReasonNoPublishedVersions
}

func (c *Composer) result(ctx context.Context, h *corpus.Hit) Result {
	title := ""
	if note, err := c.store.GetNote(ctx, h.Passage.NoteID); err == nil {
		title = note.Title
	}
	return Result{
		NoteID:        h.Passage.NoteID,
		VersionID:     h.Passage.VersionID,
		PassageID:     h.Passage.ID,
		Title:         title,
		Snippet:       snippet(h.Passage.Text),
		Score:         h.Score,
		CollectionIDs: h.Passage.Collections,
	}
}

// compose selects non-overlapping top passages until the query terms
// are covered, resolving each anchor against its version's content.
// Resolution failures downgrade individual citations; an answer with
// zero resolvable citations is withheld.
func (c *Composer) compose(ctx context.Context, terms []string, hits []*corpus.Hit, resp *Response) {
	needed := int(float64(len(terms))*CoverageThreshold + 0.999)
	if needed < 1 {
		needed = 1
	}

	covered := map[string]bool{}
	var selected []*corpus.Hit
	for _, h := range hits {
		if overlapsAny(h.Passage, selected) {
			continue
		}
		gain := false
		lower := strings.ToLower(h.Passage.Text)
		for _, term := range terms {
			if !covered[term] && strings.Contains(lower, term) {
				covered[term] = true
				gain = true
			}
		}
		if !gain {
			continue
		}
		selected = append(selected, h)
		if len(covered) >= needed {
			break
		}
	}

	if len(covered) < needed || len(selected) == 0 {
		resp.NoAnswerReason = ReasonInsufficientEvidence
		return
	}

	resolvedCount := 0
	var parts []string
	for _, h := range selected {
		cit := c.cite(ctx, h.Passage)
		resp.Citations = append(resp.Citations, cit)
		if cit.Status != passage.StatusUnresolved {
			resolvedCount++
			parts = append(parts, cit.Snippet)
		}
	}
	c.reg.SetGauge(metrics.AnchorResolution, float64(resolvedCount)/float64(len(selected)))
	c.reg.SetGauge(metrics.CitationCoverage, float64(len(covered))/float64(len(terms)))

	if resolvedCount == 0 {
		resp.Citations = resp.Citations[:0]
		resp.NoAnswerReason = ReasonUnresolvedCitations
		return
	}
	resp.Answer = strings.Join(parts, "\n\n")
}

// cite resolves the passage's anchor against the version it was
// minted from.
func (c *Composer) cite(ctx context.Context, p *corpus.Passage) Citation {
	cit := Citation{
		NoteID:    p.NoteID,
		VersionID: p.VersionID,
		PassageID: p.ID,
		Anchor:    p.Anchor,
		Snippet:   snippet(p.Text),
		Status:    passage.StatusUnresolved,
	}
	version, err := c.store.GetVersion(ctx, p.VersionID)
	if err != nil {
		c.log.WithError(err).WithField("version_id", p.VersionID).Warn("citation version missing")
		return cit
	}
	res := c.engine.Resolve(p.Anchor, version.ContentMD)
	cit.Status = res.Status
	cit.Anchor = res.Anchor
	return cit
}

// rerank rescores the candidates with a term-proximity bonus and cuts
// to topK. The sort stays on the stable triple.
func rerank(terms []string, hits []*corpus.Hit, topK int) []*corpus.Hit {
	out := make([]*corpus.Hit, len(hits))
	for i, h := range hits {
		cp := *h
		cp.Score += proximityBonus(terms, h.Passage.Text)
		out[i] = &cp
	}
	sortHits(out)
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// proximityBonus rewards passages where distinct query terms appear
// close together.
func proximityBonus(terms []string, text string) float64 {
	if len(terms) < 2 {
		return 0
	}
	words := strings.Fields(strings.ToLower(text))
	first := map[string]int{}
	for i, w := range words {
		for _, term := range terms {
			if strings.Contains(w, term) {
				if _, ok := first[term]; !ok {
					first[term] = i
				}
			}
		}
	}
	if len(first) < 2 {
		return 0
	}
	lo, hi := -1, -1
	for _, pos := range first {
		if lo == -1 || pos < lo {
			lo = pos
		}
		if pos > hi {
			hi = pos
		}
	}
	span := hi - lo
	return 0.25 / float64(1+span)
}

// sortHits applies the same triple the index uses; repeated here
// because rerank mutates scores.
func sortHits(hits []*corpus.Hit) {
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Passage.VersionID != b.Passage.VersionID {
			return a.Passage.VersionID < b.Passage.VersionID
		}
		return a.Passage.Position < b.Passage.Position
	})
}

// overlapsAny reports token-range overlap with an already selected
// passage of the same version.
func overlapsAny(p *corpus.Passage, selected []*corpus.Hit) bool {
	for _, s := range selected {
		q := s.Passage
		if q.VersionID != p.VersionID {
			continue
		}
		if p.TokenOffset < q.TokenOffset+q.TokenLength && q.TokenOffset < p.TokenOffset+p.TokenLength {
			return true
		}
	}
	return false
}

func snippet(text string) string {
	if len(text) <= SnippetMaxBytes {
		return text
	}
	cut := text[:SnippetMaxBytes]
	// Do not split a UTF-8 sequence.
	for len(cut) > 0 && (cut[len(cut)-1]&0xC0) == 0x80 {
		cut = cut[:len(cut)-1]
	}
	return cut
}
