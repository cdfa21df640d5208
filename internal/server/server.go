// Package server exposes the avatar pipeline over HTTP and a realtime
// websocket channel.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/avabot/avatard/internal/artifact"
	"github.com/avabot/avatard/internal/bus"
	"github.com/avabot/avatard/internal/config"
	"github.com/avabot/avatard/internal/discovery"
	"github.com/avabot/avatard/internal/hub"
	"github.com/avabot/avatard/internal/job"
	"github.com/avabot/avatard/internal/metrics"
	"github.com/avabot/avatard/internal/store"
)

// Version is the reported application version.
const Version = "1.0.0"

// Chatter runs conversational round trips for the realtime channel.
// The generation adapter satisfies it.
type Chatter interface {
	Chat(ctx context.Context, sessionID, message string) (string, error)
	ResetSession(sessionID string)
}

// Server is the HTTP/websocket edge.
type Server struct {
	cfg          *config.ServerConfig
	orchestrator *job.Orchestrator
	resultStore  *store.Store
	artifacts    artifact.Store
	hub          *hub.Hub
	chatter      Chatter
	disc         *discovery.Service
	events       *bus.EventBus
	httpServer   *http.Server
	startTime    time.Time
	logger       zerolog.Logger
}

// New creates the server and wires its routes.
func New(cfg *config.ServerConfig, orch *job.Orchestrator, rs *store.Store, artifacts artifact.Store, h *hub.Hub, chatter Chatter, disc *discovery.Service, events *bus.EventBus, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:          cfg,
		orchestrator: orch,
		resultStore:  rs,
		artifacts:    artifacts,
		hub:          h,
		chatter:      chatter,
		disc:         disc,
		events:       events,
		startTime:    time.Now(),
		logger:       logger.With().Str("component", "server").Logger(),
	}

	r := chi.NewRouter()
	r.Use(s.instrument)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{jobID}", s.handleStatus)
		r.Get("/jobs/{jobID}/stages/{stage}", s.handleStageArtifact)
	})
	r.Get("/ws/{clientID}", s.handleWebsocket)
	r.Get("/ws", s.handleWebsocket)
	r.Get("/healthz", s.handleHealth)
	r.Get("/", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: r,
	}

	return s
}

// Handler returns the route tree, used by tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins serving. It blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// submitResponse is the accepted-job response body.
type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// statusResponse is the poll response body.
type statusResponse struct {
	JobID        string            `json:"job_id"`
	Status       string            `json:"status"`
	Results      map[string]string `json:"results"`
	FailingStage string            `json:"failing_stage,omitempty"`
	ErrorReason  string            `json:"error_reason,omitempty"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
}

// jsonSubmit is the JSON submit body for callers that already hold
// artifact locators.
type jsonSubmit struct {
	ClientID       string `json:"client_id"`
	Language       string `json:"language"`
	SourceAudio    string `json:"source_audio"`
	SourceImage    string `json:"source_image"`
	ReferenceVoice string `json:"reference_voice,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseSubmit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := s.orchestrator.Submit(r.Context(), req)
	if err != nil {
		var ve *job.ValidationError
		switch {
		case errors.As(err, &ve):
			s.writeError(w, http.StatusBadRequest, ve.Error())
		case errors.Is(err, job.ErrBusy):
			s.writeError(w, http.StatusServiceUnavailable, "server busy, try again later")
		default:
			s.logger.Error().Err(err).Msg("Submit failed")
			s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID, Status: "processing"})
}

// parseSubmit accepts either a multipart upload of the media files or a
// JSON body referencing already-stored locators.
func (s *Server) parseSubmit(r *http.Request) (job.SubmitRequest, error) {
	var req job.SubmitRequest

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var body jsonSubmit
		if err := json.NewDecoder(io.LimitReader(r.Body, s.cfg.MaxUploadBytes)).Decode(&body); err != nil {
			return req, fmt.Errorf("malformed JSON body")
		}
		req.ClientID = body.ClientID
		req.Language = body.Language
		req.SourceAudio = artifact.Locator(body.SourceAudio)
		req.SourceImage = artifact.Locator(body.SourceImage)
		req.ReferenceVoice = artifact.Locator(body.ReferenceVoice)
		return req, nil
	}

	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		return req, fmt.Errorf("malformed multipart body")
	}
	req.ClientID = r.FormValue("client_id")
	req.Language = r.FormValue("language")

	var err error
	if req.SourceAudio, err = s.storeUpload(r, "audio"); err != nil {
		return req, err
	}
	if req.SourceImage, err = s.storeUpload(r, "image"); err != nil {
		return req, err
	}
	if _, _, ferr := r.FormFile("reference_voice"); ferr == nil {
		if req.ReferenceVoice, err = s.storeUpload(r, "reference_voice"); err != nil {
			return req, err
		}
	}
	return req, nil
}

func (s *Server) storeUpload(r *http.Request, field string) (artifact.Locator, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return "", fmt.Errorf("missing %s file", field)
	}
	defer f.Close()

	loc, err := s.artifacts.Put(r.Context(), f)
	if err != nil {
		return "", fmt.Errorf("failed to store %s upload", field)
	}
	return loc, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	js, err := s.orchestrator.Status(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "unknown job id")
			return
		}
		s.logger.Error().Err(err).Str("job", jobID).Msg("Status read failed")
		s.writeError(w, http.StatusInternalServerError, "failed to read status")
		return
	}

	results := make(map[string]string, len(js.Results))
	for _, res := range js.Results {
		results[res.Stage] = res.Locator.String()
	}

	s.writeJSON(w, http.StatusOK, statusResponse{
		JobID:        js.JobID,
		Status:       string(js.Status),
		Results:      results,
		FailingStage: js.FailingStage,
		ErrorReason:  js.ErrorReason,
		CreatedAt:    js.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    js.UpdatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleStageArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	stageName := chi.URLParam(r, "stage")

	res, err := s.resultStore.ReadStage(r.Context(), jobID, stageName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrStageNotFound) {
			s.writeError(w, http.StatusNotFound, "stage result not found")
			return
		}
		s.logger.Error().Err(err).Str("job", jobID).Str("stage", stageName).Msg("Stage read failed")
		s.writeError(w, http.StatusInternalServerError, "failed to read stage")
		return
	}

	rc, err := s.artifacts.Open(r.Context(), res.Locator)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "artifact not found")
			return
		}
		s.logger.Error().Err(err).Str("artifact", res.Locator.String()).Msg("Artifact open failed")
		s.writeError(w, http.StatusInternalServerError, "failed to open artifact")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if size, err := s.artifacts.Stat(r.Context(), res.Locator); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn().Err(err).Str("artifact", res.Locator.String()).Msg("Artifact stream interrupted")
	}
}

// healthResponse mirrors the health-check payload.
type healthResponse struct {
	Status      string             `json:"status"`
	Version     string             `json:"version"`
	Uptime      string             `json:"uptime"`
	Connections int                `json:"connections"`
	Services    []discovery.Target `json:"services,omitempty"`
	Timestamp   string             `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "healthy",
		Version:     Version,
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Connections: s.hub.Count(),
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	if s.disc != nil {
		resp.Services = s.disc.Targets()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// instrument records request metrics and logs each request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		elapsed := time.Since(start)
		endpoint := r.URL.Path
		metrics.RequestCount.WithLabelValues(r.Method, endpoint, strconv.Itoa(sw.status)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(elapsed.Seconds())

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", endpoint).
			Int("status", sw.status).
			Dur("took", elapsed).
			Msg("Request handled")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}
