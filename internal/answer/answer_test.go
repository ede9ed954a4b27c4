package answer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foliant-labs/folio/internal/answer"
	"github.com/foliant-labs/folio/internal/config"
	"github.com/foliant-labs/folio/internal/corpus"
	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/logging"
	"github.com/foliant-labs/folio/internal/metrics"
	"github.com/foliant-labs/folio/internal/model"
	"github.com/foliant-labs/folio/internal/passage"
	"github.com/foliant-labs/folio/internal/publish"
	"github.com/foliant-labs/folio/internal/storage/memory"
	"github.com/foliant-labs/folio/internal/visibility"
)

type fixture struct {
	store    *memory.Store
	coord    *publish.Coordinator
	index    *corpus.MemIndex
	worker   *visibility.Worker
	composer *answer.Composer
	reg      *metrics.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.Open()
	t.Cleanup(func() { store.Close() })

	reg := metrics.New(logging.Discard())
	index := corpus.NewMemIndex()
	composer, err := answer.New(store, index, reg, logging.Discard(), config.SearchConfig{
		TopKRetrieve: config.DefaultTopKRetrieve,
		TopKRerank:   config.DefaultTopKRerank,
		PageSize:     config.DefaultPageSize,
	}, passage.DefaultOptions())
	require.NoError(t, err)

	return &fixture{
		store:    store,
		coord:    publish.New(store, logging.Discard()),
		index:    index,
		worker:   visibility.NewWorker(store, index, reg, logging.Discard(), visibility.DefaultOptions()),
		composer: composer,
		reg:      reg,
	}
}

func (f *fixture) publishNote(t *testing.T, title, body string, collections []string, token string) string {
	t.Helper()
	ctx := context.Background()
	note, err := f.coord.CreateNote(ctx, title, body, model.Metadata{})
	require.NoError(t, err)
	resp, err := f.coord.Publish(ctx, publish.PublishRequest{
		NoteID: note.ID, Collections: collections, ClientToken: token,
	})
	require.NoError(t, err)
	return resp.VersionID
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	_, err := f.worker.Drain(context.Background())
	require.NoError(t, err)
}

func TestSearchBeforeAndAfterCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	col, err := f.coord.CreateCollection(ctx, "c1", "")
	require.NoError(t, err)

	v1 := f.publishNote(t, "Hello", "hello world from the versioned corpus", []string{col.ID}, "k")

	// Pre-commit: the event is still pending, so the corpus is empty.
	resp, err := f.composer.Search(ctx, answer.Request{Query: "hello", Collections: []string{"c1"}})
	require.NoError(t, err)
	require.Empty(t, resp.Results)
	require.Equal(t, answer.ReasonNotIndexed, resp.NoAnswerReason)

	f.drain(t)

	resp, err = f.composer.Search(ctx, answer.Request{Query: "hello", Collections: []string{"c1"}})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	require.Equal(t, v1, resp.Results[0].VersionID)
	require.Equal(t, "Hello", resp.Results[0].Title)
	require.Empty(t, resp.NoAnswerReason)
	require.NotEmpty(t, resp.QueryID)
}

func TestAnswerCarriesResolvedCitations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	col, err := f.coord.CreateCollection(ctx, "sys", "")
	require.NoError(t, err)

	body := `# Raft

Raft is a consensus algorithm built around an elected leader.

## Leader Election

Followers become candidates after an election timeout expires.
`
	v := f.publishNote(t, "Raft", body, []string{col.ID}, "k")
	f.drain(t)

	resp, err := f.composer.Search(ctx, answer.Request{Query: "raft leader election"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Answer)
	require.NotEmpty(t, resp.Citations)
	require.True(t, resp.Deterministic)
	for _, cit := range resp.Citations {
		require.Equal(t, v, cit.VersionID)
		require.Equal(t, passage.StatusResolved, cit.Status)
		require.NotEmpty(t, cit.Snippet)
		require.NotEmpty(t, cit.Anchor.Fingerprint)
	}
}

func TestScopeEnforcement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sys, err := f.coord.CreateCollection(ctx, "sys", "")
	require.NoError(t, err)
	perf, err := f.coord.CreateCollection(ctx, "perf", "")
	require.NoError(t, err)

	f.publishNote(t, "Raft", "consensus and leader election", []string{sys.ID}, "k1")
	f.publishNote(t, "Caches", "cache eviction and consensus tradeoffs", []string{perf.ID}, "k2")
	f.drain(t)

	resp, err := f.composer.Search(ctx, answer.Request{Query: "consensus", Collections: []string{"sys"}})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	for _, r := range resp.Results {
		require.Equal(t, []string{sys.ID}, r.CollectionIDs)
	}

	// Unknown collection names are the caller's error.
	_, err = f.composer.Search(ctx, answer.Request{Query: "consensus", Collections: []string{"nope"}})
	require.True(t, faults.Is(err, faults.Validation))
}

func TestEmptyCorpusReasons(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp, err := f.composer.Search(ctx, answer.Request{Query: "anything"})
	require.NoError(t, err)
	require.Equal(t, answer.ReasonNoPublishedVersions, resp.NoAnswerReason)

	// Query made of stop words only.
	resp, err = f.composer.Search(ctx, answer.Request{Query: "the of and"})
	require.NoError(t, err)
	require.Equal(t, answer.ReasonInsufficientEvidence, resp.NoAnswerReason)

	_, err = f.composer.Search(ctx, answer.Request{Query: "   "})
	require.True(t, faults.Is(err, faults.Validation))
}

func TestIrrelevantQueryHasNoAnswer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	col, err := f.coord.CreateCollection(ctx, "c1", "")
	require.NoError(t, err)
	f.publishNote(t, "Raft", "consensus and log replication", []string{col.ID}, "k")
	f.drain(t)

	resp, err := f.composer.Search(ctx, answer.Request{Query: "gardening tomatoes"})
	require.NoError(t, err)
	require.Empty(t, resp.Results)
	require.Empty(t, resp.Answer)
	require.Equal(t, answer.ReasonInsufficientEvidence, resp.NoAnswerReason)
}

func TestDeterministicPagination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	col, err := f.coord.CreateCollection(ctx, "c1", "")
	require.NoError(t, err)

	long := "# Doc\n\n"
	for i := 0; i < 40; i++ {
		long += "Consensus protocols replicate state machines across nodes. "
	}
	f.publishNote(t, "A", long, []string{col.ID}, "k1")
	f.publishNote(t, "B", long, []string{col.ID}, "k2")
	f.drain(t)

	req := answer.Request{Query: "consensus replicate", PageSize: 2}
	first, err := f.composer.Search(ctx, req)
	require.NoError(t, err)
	second, err := f.composer.Search(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.Results, second.Results)
	require.True(t, first.Deterministic)

	require.Len(t, first.Results, 2)
	require.True(t, first.HasMore)
	require.Greater(t, first.TotalCount, 2)

	req.Page = 2
	next, err := f.composer.Search(ctx, req)
	require.NoError(t, err)
	require.NotEqual(t, first.Results, next.Results)

	// Past the end: empty page, never an error.
	req.Page = 100
	far, err := f.composer.Search(ctx, req)
	require.NoError(t, err)
	require.Empty(t, far.Results)
	require.False(t, far.HasMore)
}

func TestSlowSessionGetsBackoff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	col, err := f.coord.CreateCollection(ctx, "c1", "")
	require.NoError(t, err)
	f.publishNote(t, "Raft", "consensus and leader election", []string{col.ID}, "k")
	f.drain(t)

	for i := 0; i < 20; i++ {
		f.reg.ObserveSession("ses_slow", 900*time.Millisecond)
	}

	slow, err := f.composer.Search(ctx, answer.Request{Query: "consensus", SessionID: "ses_slow"})
	require.NoError(t, err)
	require.False(t, slow.Deterministic)

	fast, err := f.composer.Search(ctx, answer.Request{Query: "consensus", SessionID: "ses_fast"})
	require.NoError(t, err)
	require.True(t, fast.Deterministic)
}

func TestPagingValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.composer.Search(ctx, answer.Request{Query: "x", Page: -1})
	require.True(t, faults.Is(err, faults.Validation))
	_, err = f.composer.Search(ctx, answer.Request{Query: "x", PageSize: config.MaxPageSize + 1})
	require.True(t, faults.Is(err, faults.Validation))
}
