package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	audit "medgate/pkg/platform/audit"
	"medgate/pkg/platform/audit/pipeline"
)

type nullDestination struct{}

func (nullDestination) Name() string                             { return "console" }
func (nullDestination) Write(context.Context, audit.Event) error { return nil }

type HandlerSuite struct {
	suite.Suite
	router   http.Handler
	pipeline *pipeline.Pipeline
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.pipeline = pipeline.New(logger)
	s.Require().NoError(s.pipeline.Register(nullDestination{},
		audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityInfo}))

	r := chi.NewRouter()
	New(s.pipeline, logger).RegisterAdmin(r)
	s.router = r
}

func (s *HandlerSuite) put(target string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPut, target, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) TestUpdateDestination() {
	s.Run("invalid JSON returns 400", func() {
		rec := s.put("/admin/audit/destinations/console", "not valid json")
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("invalid severity returns 400 and keeps previous", func() {
		rec := s.put("/admin/audit/destinations/console", `{"enabled":true,"min_severity":"fatal"}`)
		s.Equal(http.StatusBadRequest, rec.Code)
		s.Equal(audit.SeverityInfo, s.pipeline.Stats().Destinations["console"].MinSeverity)
	})

	s.Run("unknown destination returns 404", func() {
		rec := s.put("/admin/audit/destinations/nope", `{"enabled":true,"min_severity":"info"}`)
		s.Equal(http.StatusNotFound, rec.Code)
	})

	s.Run("valid update returns 200", func() {
		rec := s.put("/admin/audit/destinations/console", `{"enabled":false,"min_severity":"high"}`)
		s.Require().Equal(http.StatusOK, rec.Code)

		dest := s.pipeline.Stats().Destinations["console"]
		s.False(dest.Enabled)
		s.Equal(audit.SeverityHigh, dest.MinSeverity)
	})
}

func (s *HandlerSuite) TestStats() {
	req := httptest.NewRequest(http.MethodGet, "/admin/audit/stats", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	s.Require().Equal(http.StatusOK, rec.Code)

	var stats pipeline.Stats
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&stats))
	s.Contains(stats.Destinations, "console")
}
