package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foliant-labs/folio/internal/answer"
	"github.com/foliant-labs/folio/internal/config"
	"github.com/foliant-labs/folio/internal/corpus"
	"github.com/foliant-labs/folio/internal/logging"
	"github.com/foliant-labs/folio/internal/metrics"
	"github.com/foliant-labs/folio/internal/passage"
	"github.com/foliant-labs/folio/internal/publish"
	"github.com/foliant-labs/folio/internal/storage/memory"
	"github.com/foliant-labs/folio/internal/visibility"
	"github.com/foliant-labs/folio/internal/web"
)

type harness struct {
	h      http.Handler
	worker *visibility.Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.Open()
	t.Cleanup(func() { store.Close() })

	log := logging.Discard()
	reg := metrics.New(log)
	index := corpus.NewMemIndex()
	coord := publish.New(store, log)
	composer, err := answer.New(store, index, reg, log, config.SearchConfig{
		TopKRetrieve: config.DefaultTopKRetrieve,
		TopKRerank:   config.DefaultTopKRerank,
		PageSize:     config.DefaultPageSize,
	}, passage.DefaultOptions())
	require.NoError(t, err)

	srv := web.New(store, coord, composer, index, reg, log, config.ServerConfig{})
	return &harness{
		h:      srv.Handler(),
		worker: visibility.NewWorker(store, index, reg, log, visibility.DefaultOptions()),
	}
}

func (h *harness) do(t *testing.T, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), "body: %s", rec.Body.String())
	}
	return rec, decoded
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	_, err := h.worker.Drain(context.Background())
	require.NoError(t, err)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec, body := h.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
}

func TestHealthComponents(t *testing.T) {
	h := newHarness(t)
	rec, body := h.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
	require.Len(t, body["components"], 2)
}

func TestDuplicateCollectionNameConflicts(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/collections", map[string]string{"name": "Docs"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, body["id"])

	rec, body = h.do(t, http.MethodPost, "/collections", map[string]string{"name": "Docs"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	errBody := body["error"].(map[string]any)
	require.Equal(t, "Conflict", errBody["type"])
	require.NotEmpty(t, errBody["message"])
}

func TestPublishSearchRoundTrip(t *testing.T) {
	h := newHarness(t)

	_, col := h.do(t, http.MethodPost, "/collections", map[string]string{"name": "sys"}, nil)
	colID := col["id"].(string)

	rec, note := h.do(t, http.MethodPost, "/notes", map[string]any{
		"title":   "Raft",
		"content": "# Raft\n\nRaft elects a single leader per term.\n",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	noteID := note["id"].(string)

	rec, pub := h.do(t, http.MethodPost, "/publish", map[string]any{
		"note_id":      noteID,
		"collections":  []string{colID},
		"client_token": "tok-1",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "version_created", pub["status"])
	versionID := pub["version_id"].(string)

	// Same token replays the same version.
	rec, replay := h.do(t, http.MethodPost, "/publish", map[string]any{
		"note_id":      noteID,
		"collections":  []string{colID},
		"client_token": "tok-1",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, versionID, replay["version_id"])

	// Not yet visible.
	rec, res := h.do(t, http.MethodGet, "/search?q=leader&collections=sys", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "not_indexed", res["no_answer_reason"])

	h.drain(t)

	rec, res = h.do(t, http.MethodGet, "/search?q=leader&collections=sys", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	results := res["results"].([]any)
	require.NotEmpty(t, results)
	first := results[0].(map[string]any)
	require.Equal(t, versionID, first["version_id"])

	rec, passages := h.do(t, http.MethodGet, "/versions/"+versionID+"/passages", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, passages["indexed"])
	require.NotEmpty(t, passages["passages"])
}

func TestReadingViewKeepsSupersededVersions(t *testing.T) {
	h := newHarness(t)

	_, col := h.do(t, http.MethodPost, "/collections", map[string]string{"name": "sys"}, nil)
	_, note := h.do(t, http.MethodPost, "/notes", map[string]any{
		"title": "Raft", "content": "leader election basics",
	}, nil)
	noteID := note["id"].(string)

	_, p1 := h.do(t, http.MethodPost, "/publish", map[string]any{
		"note_id": noteID, "collections": []string{col["id"].(string)}, "client_token": "t1",
	}, nil)
	v1 := p1["version_id"].(string)
	h.drain(t)

	rec, _ := h.do(t, http.MethodPost, "/drafts", map[string]any{
		"note_id": noteID, "body_md": "log replication details",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, p2 := h.do(t, http.MethodPost, "/publish", map[string]any{
		"note_id": noteID, "collections": []string{col["id"].(string)}, "client_token": "t2",
	}, nil)
	v2 := p2["version_id"].(string)
	h.drain(t)

	// Search sees only the head.
	rec, res := h.do(t, http.MethodGet, "/search?q=replication", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, res["results"])
	rec, res = h.do(t, http.MethodGet, "/search?q=election", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, res["results"])

	// Both versions stay readable by id.
	for _, v := range []string{v1, v2} {
		rec, body := h.do(t, http.MethodGet, "/versions/"+v+"/passages", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, true, body["indexed"], v)
		require.NotEmpty(t, body["passages"], v)
	}
}

func TestSearchRecordsSessionSteps(t *testing.T) {
	h := newHarness(t)

	_, col := h.do(t, http.MethodPost, "/collections", map[string]string{"name": "sys"}, nil)
	_, note := h.do(t, http.MethodPost, "/notes", map[string]any{
		"title": "Raft", "content": "leader election and consensus",
	}, nil)
	rec, _ := h.do(t, http.MethodPost, "/publish", map[string]any{
		"note_id":      note["id"],
		"collections":  []string{col["id"].(string)},
		"client_token": "tok",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	h.drain(t)

	rec, sess := h.do(t, http.MethodPost, "/sessions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := sess["id"].(string)

	rec, _ = h.do(t, http.MethodGet, "/search?q=consensus", nil, map[string]string{"X-Session-ID": sessionID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, got := h.do(t, http.MethodGet, "/sessions/"+sessionID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	steps := got["steps"].([]any)
	require.Len(t, steps, 1)
	require.Equal(t, "query", steps[0].(map[string]any)["type"])
}

func TestErrorEnvelopeShapes(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		method, path string
		body         any
		status       int
		kind         string
	}{
		{http.MethodGet, "/notes/note_missing", nil, http.StatusNotFound, "NotFound"},
		{http.MethodGet, "/versions/ver_missing", nil, http.StatusNotFound, "NotFound"},
		{http.MethodGet, "/search?q=", nil, http.StatusBadRequest, "ValidationError"},
		{http.MethodGet, "/search?q=x&page=zero", nil, http.StatusBadRequest, "ValidationError"},
		{http.MethodPost, "/collections", map[string]string{"name": ""}, http.StatusBadRequest, "ValidationError"},
		{http.MethodPost, "/publish", map[string]any{"note_id": "note_x", "collections": []string{"c"}}, http.StatusBadRequest, "ValidationError"},
		{http.MethodPost, "/snapshots", map[string]string{"scope": "galaxy"}, http.StatusBadRequest, "ValidationError"},
	}
	for i, tc := range cases {
		rec, body := h.do(t, tc.method, tc.path, tc.body, nil)
		require.Equal(t, tc.status, rec.Code, fmt.Sprintf("case %d %s %s", i, tc.method, tc.path))
		errBody := body["error"].(map[string]any)
		require.Equal(t, tc.kind, errBody["type"])
	}
}

func TestSnapshotLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)

	_, col := h.do(t, http.MethodPost, "/collections", map[string]string{"name": "sys"}, nil)
	_, note := h.do(t, http.MethodPost, "/notes", map[string]any{"title": "A", "content": "alpha"}, nil)
	rec, _ := h.do(t, http.MethodPost, "/publish", map[string]any{
		"note_id": note["id"], "collections": []string{col["id"].(string)}, "client_token": "t1",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, snap := h.do(t, http.MethodPost, "/snapshots", map[string]string{"description": "before edits"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snapID := snap["id"].(string)
	require.Equal(t, "workspace", snap["scope"])

	rec, _ = h.do(t, http.MethodDelete, "/notes/"+note["id"].(string), nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = h.do(t, http.MethodGet, "/notes/"+note["id"].(string), nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/snapshots/"+snapID+"/restore", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, got := h.do(t, http.MethodGet, "/notes/"+note["id"].(string), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "A", got["title"])
}

func TestMetricsSummary(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodGet, "/search?q=anything", nil, nil)

	rec, body := h.do(t, http.MethodGet, "/metrics/summary", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, body["counters"])
}

func TestNoteAndCollectionUpdates(t *testing.T) {
	h := newHarness(t)

	_, col := h.do(t, http.MethodPost, "/collections", map[string]string{"name": "sys"}, nil)
	colID := col["id"].(string)
	_, note := h.do(t, http.MethodPost, "/notes", map[string]any{"title": "A", "content": "alpha"}, nil)
	noteID := note["id"].(string)
	rec, _ := h.do(t, http.MethodPost, "/publish", map[string]any{
		"note_id": noteID, "collections": []string{colID}, "client_token": "t",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, got := h.do(t, http.MethodPatch, "/notes/"+noteID+"/metadata", map[string]any{
		"metadata": map[string]any{"tags": []string{"ops"}},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	meta := got["metadata"].(map[string]any)
	require.Equal(t, []any{"ops"}, meta["tags"])

	rec, got = h.do(t, http.MethodPatch, "/collections/"+colID, map[string]string{"description": "systems"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "systems", got["description"])
	require.Equal(t, "sys", got["name"])

	// Renaming onto a reserved name fails.
	rec, _ = h.do(t, http.MethodPatch, "/collections/"+colID, map[string]string{"name": "all"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, got = h.do(t, http.MethodGet, "/collections/"+colID+"/notes", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []any{noteID}, got["note_ids"])
}
