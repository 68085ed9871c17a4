package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/galion-studio/snag/internal/healing"
	"github.com/galion-studio/snag/internal/orchestrator"
)

// Server exposes the orchestrator over HTTP.
type Server struct {
	orch   *orchestrator.Orchestrator
	healer *healing.Controller
	log    zerolog.Logger
	router chi.Router
}

// Options wires a Server.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Healer       *healing.Controller
	Logger       zerolog.Logger

	// Gatherer serves GET /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	s := &Server{
		orch:   opts.Orchestrator,
		healer: opts.Healer,
		log:    opts.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.createJob)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
		r.Delete("/jobs/{id}", s.cancelJob)
		r.Get("/jobs/{id}/events", s.streamJobEvents)
		r.Get("/events", s.streamAllEvents)
		r.Get("/healing/stats", s.healingStats)
	})
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

type createJobRequest struct {
	URL      string `json:"url"`
	Priority int    `json:"priority"`
	Filename string `json:"filename,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

type errorResponse struct {
	Error      string             `json:"error"`
	ErrorClass healing.ErrorClass `json:"error_class,omitempty"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	job, err := s.orch.Submit(orchestrator.SubmitRequest{
		URL:      req.URL,
		Priority: req.Priority,
		Filename: req.Filename,
		Checksum: req.Checksum,
	})
	if errors.Is(err, orchestrator.ErrPlatformUnresolved) {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:      err.Error(),
			ErrorClass: healing.ClassPlatformUnresolved,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Jobs())
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Job(chi.URLParam(r, "id"))
	if errors.Is(err, orchestrator.ErrUnknownJob) {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	err := s.orch.Cancel(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, orchestrator.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "unknown job")
	case errors.Is(err, orchestrator.ErrJobDone):
		writeError(w, http.StatusConflict, "job already finished")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) healingStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.healer.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
