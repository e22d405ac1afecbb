// Package server is the HTTP surface of the call agent: job dispatch and
// status, recording links, LiveKit webhooks, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/square-key-labs/strawgo-callagent/src/job"
	"github.com/square-key-labs/strawgo-callagent/src/logger"
	"github.com/square-key-labs/strawgo-callagent/src/worker"
)

// EventRoomStarted is the LiveKit webhook event that dispatches inbound jobs
const EventRoomStarted = "room_started"

const maxBodyBytes = 1 << 20

// Dispatcher queues jobs and reports their status. *worker.Pool satisfies it.
type Dispatcher interface {
	Submit(ctx context.Context, j job.Job) error
	Status(ctx context.Context, jobID string) (job.Status, error)
}

// RecordingLocator hands out download links for room recordings.
// *recording.Locator satisfies it.
type RecordingLocator interface {
	URL(ctx context.Context, room string) (string, error)
}

// Config holds the server's collaborators. Recordings and Gatherer are
// optional.
type Config struct {
	Jobs       Dispatcher
	Recordings RecordingLocator
	Gatherer   prometheus.Gatherer

	// LiveKit credentials used to verify webhook signatures
	APIKey            string
	APISecret         string
	WebhookValidation bool

	Logger *logger.Logger
}

// Server routes HTTP requests to the worker pool
type Server struct {
	jobs       Dispatcher
	recordings RecordingLocator
	keys       auth.KeyProvider
	validate   bool
	log        *logger.Logger
	router     chi.Router
}

// New creates a server and its routes
func New(config Config) *Server {
	log := config.Logger
	if log == nil {
		log = logger.WithPrefix("HTTP")
	}
	s := &Server{
		jobs:       config.Jobs,
		recordings: config.Recordings,
		keys:       auth.NewSimpleKeyProvider(config.APIKey, config.APISecret),
		validate:   config.WebhookValidation,
		log:        log,
	}

	gatherer := config.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Post("/webhooks/livekit", s.livekitWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/dispatch", s.dispatch)
		r.Get("/jobs/{id}", s.jobStatus)
		r.Get("/jobs/{id}/recording", s.recordingURL)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

type dispatchRequest struct {
	Room     string `json:"room"`
	Metadata string `json:"metadata"`
}

type dispatchResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Room = strings.TrimSpace(req.Room)
	if req.Room == "" {
		writeError(w, http.StatusBadRequest, "room is required")
		return
	}

	j := job.New(req.Room, req.Metadata)
	if !s.submit(w, r, j) {
		return
	}
	writeJSON(w, http.StatusAccepted, dispatchResponse{JobID: j.ID})
}

// submit queues j and writes the error response when it could not be queued
func (s *Server) submit(w http.ResponseWriter, r *http.Request, j job.Job) bool {
	if err := s.jobs.Submit(r.Context(), j); err != nil {
		s.submitFailed(w, j, err)
		return false
	}
	s.log.Info("Dispatched %s for room %s", j.ID, j.RoomName)
	return true
}

func (s *Server) submitFailed(w http.ResponseWriter, j job.Job, err error) {
	switch {
	case errors.Is(err, worker.ErrRoomBusy):
		s.log.Warn("Rejected job for room %s: %v", j.RoomName, err)
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrPoolClosed):
		s.log.Warn("Rejected job for room %s: %v", j.RoomName, err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("Failed to dispatch job for room %s: %v", j.RoomName, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type recordingResponse struct {
	URL string `json:"url"`
}

func (s *Server) recordingURL(w http.ResponseWriter, r *http.Request) {
	if s.recordings == nil {
		writeError(w, http.StatusNotFound, "recordings not configured")
		return
	}
	status, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if status.EgressID == "" {
		writeError(w, http.StatusConflict, "job has no recording")
		return
	}

	url, err := s.recordings.URL(r.Context(), status.Room)
	if err != nil {
		s.log.Error("Failed to presign recording for %s: %v", status.JobID, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, recordingResponse{URL: url})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (job.Status, bool) {
	id := chi.URLParam(r, "id")
	status, err := s.jobs.Status(r.Context(), id)
	if errors.Is(err, worker.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return job.Status{}, false
	}
	if err != nil {
		s.log.Error("Failed to load job %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return job.Status{}, false
	}
	return status, true
}

func (s *Server) livekitWebhook(w http.ResponseWriter, r *http.Request) {
	event, err := s.receiveEvent(r)
	if err != nil {
		s.log.Warn("Rejected webhook: %v", err)
		writeError(w, http.StatusUnauthorized, "invalid webhook")
		return
	}

	if event.GetEvent() != EventRoomStarted || event.GetRoom().GetName() == "" {
		s.log.Debug("Ignoring webhook event %s", event.GetEvent())
		w.WriteHeader(http.StatusOK)
		return
	}

	room := event.GetRoom()
	j := job.New(room.GetName(), room.GetMetadata())
	// Rooms the agent joins for a dispatched job start this way too
	if err := s.jobs.Submit(r.Context(), j); errors.Is(err, worker.ErrRoomBusy) {
		s.log.Debug("Room %s already has a job, ignoring room_started", room.GetName())
		w.WriteHeader(http.StatusOK)
		return
	} else if err != nil {
		s.submitFailed(w, j, err)
		return
	}
	s.log.Info("Dispatched %s for room %s", j.ID, j.RoomName)
	writeJSON(w, http.StatusAccepted, dispatchResponse{JobID: j.ID})
}

func (s *Server) receiveEvent(r *http.Request) (*livekit.WebhookEvent, error) {
	if s.validate {
		return webhook.ReceiveWebhookEvent(r, s.keys)
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	event := &livekit.WebhookEvent{}
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(data, event); err != nil {
		return nil, err
	}
	return event, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs each request through the process logger
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.log.Debug("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
