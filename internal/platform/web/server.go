// Package web serves the intake and status API.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dontdude/correctomatic/internal/correction"
	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/dontdude/correctomatic/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// maxBodySize bounds a correction request body.
const maxBodySize = 64 << 10

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the pending queue and the status hub over HTTP.
type Server struct {
	pending domain.LeaseQueue
	hub     *Hub
	limiter *RateLimiter
	metrics *metrics.Collector
}

// NewServer wires the API. limiter and collector may be nil.
func NewServer(pending domain.LeaseQueue, hub *Hub, limiter *RateLimiter, collector *metrics.Collector) *Server {
	return &Server{pending: pending, hub: hub, limiter: limiter, metrics: collector}
}

// Handler returns the routed API with CORS enabled.
func (s *Server) Handler() http.Handler {
	submit := s.handleSubmit
	if s.limiter != nil {
		submit = s.limiter.Middleware(submit)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/corrections", submit)
	mux.HandleFunc("GET /api/ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return enableCORS(mux)
}

// handleSubmit validates a correction request and enqueues it as a pending job.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var job domain.PendingJob
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&job); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	if err := correction.ValidatePendingJob(job); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if job.WorkID == "" {
		job.WorkID = uuid.NewString()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
		return
	}
	jobID, err := s.pending.Add(r.Context(), job.WorkID, payload)
	if err != nil {
		slog.Error("Failed to enqueue pending job", "workID", job.WorkID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
		return
	}
	s.metrics.RecordEnqueued(s.pending.Name())

	slog.Info("Received correction request", "workID", job.WorkID, "image", job.Image, "jobID", jobID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"work_id": job.WorkID,
		"job_id":  jobID,
		"status":  "queued",
	})
}

// handleWS upgrades the connection and streams the status of one work id.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	workID := r.URL.Query().Get("work_id")
	if workID == "" {
		http.Error(w, "work_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	slog.Info("Client connected via WebSocket", "workID", workID, "remoteAddr", conn.RemoteAddr())
	s.hub.serve(workID, conn)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.pending.Counts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pending": counts})
}

// enableCORS lets browser front-ends call the API.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
