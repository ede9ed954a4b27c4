package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/foliant-labs/folio/internal/answer"
	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/ident"
	"github.com/foliant-labs/folio/internal/metrics"
	"github.com/foliant-labs/folio/internal/model"
	"github.com/foliant-labs/folio/internal/publish"
	"github.com/foliant-labs/folio/internal/storage"
)

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) health(c echo.Context) error {
	ctx := c.Request().Context()
	status := "ok"

	storageHealth, err := s.store.Health(ctx)
	if err != nil || !storageHealth.OK {
		status = "degraded"
	}
	components := []map[string]any{
		{"name": "storage", "ok": err == nil && storageHealth.OK, "detail": storageHealth},
	}
	if st, err := s.index.Stats(ctx); err == nil {
		components = append(components, map[string]any{"name": "corpus", "ok": true, "detail": st})
	} else {
		status = "degraded"
		components = append(components, map[string]any{"name": "corpus", "ok": false})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": status, "components": components})
}

// --- collections ---

func (s *Server) createCollection(c echo.Context) error {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.Bind(&body); err != nil {
		return s.fail(c, faults.New(faults.Validation, "malformed body"))
	}
	col, err := s.coord.CreateCollection(c.Request().Context(), body.Name, body.Description)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, col)
}

func (s *Server) listCollections(c echo.Context) error {
	cols, err := s.store.ListCollections(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"collections": cols})
}

func (s *Server) getCollection(c echo.Context) error {
	col, err := s.store.GetCollection(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, col)
}

func (s *Server) updateCollection(c echo.Context) error {
	var body struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}
	if err := c.Bind(&body); err != nil {
		return s.fail(c, faults.New(faults.Validation, "malformed body"))
	}
	ctx := c.Request().Context()
	col, err := s.store.GetCollection(ctx, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	if body.Name != nil {
		if err := model.ValidateCollectionName(*body.Name); err != nil {
			return s.fail(c, err)
		}
		col.Name = *body.Name
	}
	if body.Description != nil {
		col.Description = *body.Description
	}
	col.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateCollection(ctx, col); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, col)
}

func (s *Server) collectionNotes(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.store.GetCollection(ctx, c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	noteIDs, err := s.store.NotesInCollection(ctx, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"note_ids": noteIDs})
}

func (s *Server) deleteCollection(c echo.Context) error {
	if err := s.store.DeleteCollection(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// --- notes & drafts ---

func (s *Server) createNote(c echo.Context) error {
	var body struct {
		Title    string         `json:"title"`
		Content  string         `json:"content"`
		Metadata model.Metadata `json:"metadata"`
	}
	if err := c.Bind(&body); err != nil {
		return s.fail(c, faults.New(faults.Validation, "malformed body"))
	}
	note, err := s.coord.CreateNote(c.Request().Context(), body.Title, body.Content, body.Metadata)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, note)
}

func (s *Server) listNotes(c echo.Context) error {
	filter := storage.NoteFilter{
		CollectionID: c.QueryParam("collection"),
		Tag:          c.QueryParam("tag"),
		TitleSubstr:  c.QueryParam("title"),
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return s.fail(c, faults.New(faults.Validation, "limit must be a non-negative integer"))
		}
		filter.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return s.fail(c, faults.New(faults.Validation, "offset must be a non-negative integer"))
		}
		filter.Offset = n
	}
	notes, err := s.store.ListNotes(c.Request().Context(), filter)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"notes": notes})
}

func (s *Server) getNote(c echo.Context) error {
	note, err := s.store.GetNote(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, note)
}

// updateNoteMetadata replaces the note's metadata bag. Draft and
// version metadata are untouched.
func (s *Server) updateNoteMetadata(c echo.Context) error {
	var body struct {
		Metadata model.Metadata `json:"metadata"`
	}
	if err := c.Bind(&body); err != nil {
		return s.fail(c, faults.New(faults.Validation, "malformed body"))
	}
	if err := body.Metadata.Validate(); err != nil {
		return s.fail(c, err)
	}
	ctx := c.Request().Context()
	note, err := s.store.GetNote(ctx, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	note.Metadata = body.Metadata
	note.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateNote(ctx, note); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, note)
}

func (s *Server) deleteNote(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.store.DeleteNote(ctx, c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	// Versions stay queryable through history; only live visibility goes.
	if err := s.index.Remove(ctx, c.Param("id")); err != nil {
		s.log.WithError(err).Warn("corpus removal failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) saveDraft(c echo.Context) error {
	var body struct {
		NoteID   string         `json:"note_id"`
		BodyMD   string         `json:"body_md"`
		Metadata model.Metadata `json:"metadata"`
	}
	if err := c.Bind(&body); err != nil {
		return s.fail(c, faults.New(faults.Validation, "malformed body"))
	}
	draft, err := s.coord.SaveDraft(c.Request().Context(), body.NoteID, body.BodyMD, body.Metadata)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"note_id":     draft.NoteID,
		"autosave_ts": draft.AutosaveTS,
		"status":      "saved",
	})
}

func (s *Server) getDraft(c echo.Context) error {
	draft, err := s.store.GetDraft(c.Request().Context(), c.Param("note_id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, draft)
}

// --- publish & rollback ---

func (s *Server) publish(c echo.Context) error {
	var req publish.PublishRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, faults.New(faults.Validation, "malformed body"))
	}
	resp, err := s.coord.Publish(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	s.recordStep(c, "publish", []string{resp.VersionID})
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) rollback(c echo.Context) error {
	var req publish.RollbackRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, faults.New(faults.Validation, "malformed body"))
	}
	resp, err := s.coord.Rollback(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	s.recordStep(c, "rollback", []string{resp.NewVersionID, resp.TargetVersionID})
	return c.JSON(http.StatusOK, resp)
}

// --- versions ---

func (s *Server) listVersions(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.store.GetNote(ctx, c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	versions, err := s.store.ListVersions(ctx, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) getVersion(c echo.Context) error {
	version, err := s.store.GetVersion(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	s.recordStep(c, "open", []string{version.ID})
	return c.JSON(http.StatusOK, version)
}

// versionPassages is the reading view: the indexed passages of one
// version, addressable whether or not it is the note's head.
func (s *Server) versionPassages(c echo.Context) error {
	started := time.Now()
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.store.GetVersion(ctx, id); err != nil {
		return s.fail(c, err)
	}
	passages, err := s.index.PassagesForVersion(ctx, id)
	if err != nil {
		return s.fail(c, err)
	}
	indexed := len(passages) > 0
	s.reg.Observe(metrics.ReadingLatencyMS, time.Since(started))
	s.recordStep(c, "open", []string{id})
	return c.JSON(http.StatusOK, map[string]any{
		"version_id": id,
		"indexed":    indexed,
		"passages":   passages,
	})
}

// --- search ---

func (s *Server) search(c echo.Context) error {
	req := answer.Request{
		Query:     c.QueryParam("q"),
		SessionID: c.Request().Header.Get(sessionHeader),
	}
	if v := c.QueryParam("collections"); v != "" {
		req.Collections = strings.Split(v, ",")
	}
	if v := c.QueryParam("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s.fail(c, faults.New(faults.Validation, "page must be an integer"))
		}
		req.Page = n
	}
	if v := c.QueryParam("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s.fail(c, faults.New(faults.Validation, "page_size must be an integer"))
		}
		req.PageSize = n
	}

	resp, err := s.composer.Search(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	refs := make([]string, 0, len(resp.Citations))
	for _, cit := range resp.Citations {
		refs = append(refs, cit.VersionID)
	}
	s.recordStep(c, "query", refs)
	return c.JSON(http.StatusOK, resp)
}

// --- sessions ---

func (s *Server) createSession(c echo.Context) error {
	ts := time.Now().UTC()
	sess := &model.Session{ID: ident.New(ident.PrefixSession), CreatedAt: ts, UpdatedAt: ts}
	if err := s.store.PutSession(c.Request().Context(), sess); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) listSessions(c echo.Context) error {
	sessions, err := s.store.ListSessions(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.store.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) appendSessionSteps(c echo.Context) error {
	var body struct {
		Steps []model.SessionStep `json:"steps"`
	}
	if err := c.Bind(&body); err != nil {
		return s.fail(c, faults.New(faults.Validation, "malformed body"))
	}
	if len(body.Steps) == 0 {
		return s.fail(c, faults.New(faults.Validation, "steps must not be empty"))
	}
	ctx := c.Request().Context()
	if err := s.store.AppendSessionSteps(ctx, c.Param("id"), body.Steps); err != nil {
		return s.fail(c, err)
	}
	sess, err := s.store.GetSession(ctx, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) pinSession(c echo.Context) error {
	var body struct {
		Pinned bool `json:"pinned"`
	}
	if err := c.Bind(&body); err != nil {
		return s.fail(c, faults.New(faults.Validation, "malformed body"))
	}
	if err := s.store.PinSession(c.Request().Context(), c.Param("id"), body.Pinned); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// recordStep appends a best-effort session step when the caller sent a
// session id. Failures never affect the request.
func (s *Server) recordStep(c echo.Context, stepType string, refIDs []string) {
	sessionID := c.Request().Header.Get(sessionHeader)
	if sessionID == "" {
		return
	}
	err := s.store.AppendSessionSteps(c.Request().Context(), sessionID, []model.SessionStep{
		{Type: stepType, RefIDs: refIDs, Timestamp: time.Now().UTC()},
	})
	if err != nil && !faults.Is(err, faults.NotFound) {
		s.log.WithError(err).Debug("session step not recorded")
	}
}

// --- snapshots ---

func (s *Server) createSnapshot(c echo.Context) error {
	var body struct {
		Scope       string `json:"scope"`
		Description string `json:"description"`
	}
	if err := c.Bind(&body); err != nil {
		return s.fail(c, faults.New(faults.Validation, "malformed body"))
	}
	snap, err := s.coord.CreateSnapshot(c.Request().Context(), body.Scope, body.Description)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) listSnapshots(c echo.Context) error {
	snaps, err := s.store.ListSnapshots(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"snapshots": snaps})
}

func (s *Server) restoreSnapshot(c echo.Context) error {
	if err := s.coord.RestoreSnapshot(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "restored"})
}

func (s *Server) deleteSnapshot(c echo.Context) error {
	if err := s.store.DeleteSnapshot(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// --- observability & admin ---

func (s *Server) metricsSummary(c echo.Context) error {
	return c.JSON(http.StatusOK, s.reg.Export())
}

func (s *Server) maintenance(c echo.Context) error {
	if err := s.store.Maintain(c.Request().Context()); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "done"})
}
