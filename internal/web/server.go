// Package web is the HTTP adapter: a thin echo layer over the
// coordinator, the composer, and the storage port. Handlers translate
// the error taxonomy into the JSON envelope and never reach around the
// core packages.
package web

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/foliant-labs/folio/internal/answer"
	"github.com/foliant-labs/folio/internal/config"
	"github.com/foliant-labs/folio/internal/corpus"
	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/metrics"
	"github.com/foliant-labs/folio/internal/publish"
	"github.com/foliant-labs/folio/internal/storage"
)

// sessionHeader carries the optional reader session id on mutations
// and searches.
const sessionHeader = "X-Session-ID"

// Server wires the HTTP surface.
type Server struct {
	echo     *echo.Echo
	store    storage.Store
	coord    *publish.Coordinator
	composer *answer.Composer
	index    corpus.Index
	reg      *metrics.Registry
	log      *logrus.Logger
	cfg      config.ServerConfig
}

// New builds the server with middleware and all routes registered.
func New(store storage.Store, coord *publish.Coordinator, composer *answer.Composer,
	index corpus.Index, reg *metrics.Registry, log *logrus.Logger, cfg config.ServerConfig) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("2M"))
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))))
	}
	if cfg.RequestTimeout.Std() > 0 {
		e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{Timeout: cfg.RequestTimeout.Std()}))
	}

	s := &Server{
		echo:     e,
		store:    store,
		coord:    coord,
		composer: composer,
		index:    index,
		reg:      reg,
		log:      log,
		cfg:      cfg,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/healthz", s.healthz)
	e.GET("/health", s.health)

	e.POST("/collections", s.createCollection)
	e.GET("/collections", s.listCollections)
	e.GET("/collections/:id", s.getCollection)
	e.PATCH("/collections/:id", s.updateCollection)
	e.DELETE("/collections/:id", s.deleteCollection)
	e.GET("/collections/:id/notes", s.collectionNotes)

	e.POST("/notes", s.createNote)
	e.GET("/notes", s.listNotes)
	e.GET("/notes/:id", s.getNote)
	e.PATCH("/notes/:id/metadata", s.updateNoteMetadata)
	e.DELETE("/notes/:id", s.deleteNote)
	e.GET("/notes/:id/versions", s.listVersions)

	e.POST("/drafts", s.saveDraft)
	e.GET("/drafts/:note_id", s.getDraft)

	e.POST("/publish", s.publish)
	e.POST("/rollback", s.rollback)

	e.GET("/versions/:id", s.getVersion)
	e.GET("/versions/:id/passages", s.versionPassages)

	e.GET("/search", s.search)

	e.POST("/sessions", s.createSession)
	e.GET("/sessions", s.listSessions)
	e.GET("/sessions/:id", s.getSession)
	e.POST("/sessions/:id/steps", s.appendSessionSteps)
	e.POST("/sessions/:id/pin", s.pinSession)

	e.POST("/snapshots", s.createSnapshot)
	e.GET("/snapshots", s.listSnapshots)
	e.POST("/snapshots/:id/restore", s.restoreSnapshot)
	e.DELETE("/snapshots/:id", s.deleteSnapshot)

	e.GET("/metrics/summary", s.metricsSummary)
	e.POST("/admin/maintenance", s.maintenance)
}

// Handler exposes the echo engine for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start blocks serving on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.WithField("addr", addr).Info("http listening")
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// errorEnvelope is the wire shape for every failure.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// fail maps the error taxonomy onto HTTP statuses and the envelope.
// Kinds outside the public set collapse to Internal.
func (s *Server) fail(c echo.Context, err error) error {
	kind := faults.KindOf(err)
	status := http.StatusInternalServerError
	wire := "Internal"
	switch kind {
	case faults.Validation:
		status, wire = http.StatusBadRequest, kind.String()
	case faults.NotFound:
		status, wire = http.StatusNotFound, kind.String()
	case faults.Conflict:
		status, wire = http.StatusConflict, kind.String()
	case faults.RateLimited:
		status, wire = http.StatusTooManyRequests, kind.String()
	}
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	return c.JSON(status, errorEnvelope{Error: errorBody{Type: wire, Message: err.Error()}})
}
