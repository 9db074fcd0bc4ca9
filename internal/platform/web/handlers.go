// Package web exposes the HTTP and WebSocket API in front of the job queue.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Environments is the language table the API validates against.
type Environments interface {
	Lookup(language string) (domain.Environment, error)
	List() []domain.Environment
}

// Server holds the API dependencies.
type Server struct {
	Queue          domain.JobQueue
	Environments   Environments
	Hub            *Hub
	Limiter        *RateLimiter
	MaxSourceBytes int64
}

// Routes registers every endpoint on a new mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	submit := s.handleSubmit
	if s.Limiter != nil {
		submit = s.Limiter.RateLimitMiddleware(submit)
	}
	mux.HandleFunc("POST /api/run", submit)
	mux.HandleFunc("GET /api/ws", s.handleWS)
	mux.HandleFunc("GET /api/languages", s.handleLanguages)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return enableCORS(mux)
}

type limitsRequest struct {
	WallTimeMs   int64  `json:"wall_time_ms"`
	CPUTimeMs    int64  `json:"cpu_time_ms"`
	Memory       string `json:"memory"`
	MaxProcesses int64  `json:"max_processes"`
	OutputBytes  int64  `json:"output_bytes"`
}

func (l limitsRequest) toLimits() (domain.Limits, error) {
	out := domain.Limits{
		WallTime:     time.Duration(l.WallTimeMs) * time.Millisecond,
		CPUTime:      time.Duration(l.CPUTimeMs) * time.Millisecond,
		MaxProcesses: l.MaxProcesses,
		OutputBytes:  l.OutputBytes,
	}
	if l.WallTimeMs < 0 || l.CPUTimeMs < 0 || l.MaxProcesses < 0 || l.OutputBytes < 0 {
		return out, errors.New("limits must not be negative")
	}
	n, err := domain.ParseSize(l.Memory)
	if err != nil {
		return out, fmt.Errorf("memory: %w", err)
	}
	out.MemoryBytes = n
	return out, nil
}

type submitRequest struct {
	Language string        `json:"language"`
	Code     string        `json:"code"`
	Stdin    string        `json:"stdin"`
	Limits   limitsRequest `json:"limits"`
}

// handleSubmit validates a submission and enqueues it.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Code == "" || req.Language == "" {
		writeError(w, http.StatusBadRequest, "Code and Language are required")
		return
	}
	if s.MaxSourceBytes > 0 && int64(len(req.Code)) > s.MaxSourceBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("code exceeds %d bytes", s.MaxSourceBytes))
		return
	}
	env, err := s.Environments.Lookup(req.Language)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limits, err := req.Limits.toLimits()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID := uuid.NewString()
	job := domain.Job{
		ID: jobID,
		Submission: domain.Submission{
			ID:       jobID,
			Language: env.Language,
			Source:   req.Code,
			Stdin:    req.Stdin,
			Limits:   limits,
		},
	}

	slog.Info("Received submission", "jobID", jobID, "language", env.Language)
	if err := s.Queue.Publish(r.Context(), job); err != nil {
		slog.Error("Failed to publish job", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": "queued",
	})
}

type languageResponse struct {
	Language   string `json:"language"`
	Name       string `json:"name,omitempty"`
	SourceFile string `json:"source_file"`
	Compiled   bool   `json:"compiled"`
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	envs := s.Environments.List()
	out := make([]languageResponse, 0, len(envs))
	for _, env := range envs {
		out = append(out, languageResponse{
			Language:   env.Language,
			Name:       env.Name,
			SourceFile: env.SourceFile,
			Compiled:   env.Compile != "",
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := uuid.Validate(jobID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	if err := s.Queue.RequestCancel(r.Context(), jobID); err != nil {
		slog.Error("Failed to request cancellation", "jobID", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	slog.Info("Cancellation requested", "jobID", jobID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": "cancelling",
	})
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.Queue.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// WebSocket Upgrader (Gorilla)
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // Allow all origins for dev
}

// handleWS upgrades the connection and streams the job's result to it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		http.Error(w, "job_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	slog.Info("Client connected via WebSocket", "jobID", jobID, "remoteAddr", conn.RemoteAddr())
	unregister := s.Hub.Register(jobID, conn)
	defer func() {
		slog.Info("Client Disconnected", "jobID", jobID)
		unregister()
		conn.Close()
	}()

	// Keep the connection until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// enableCORS adds headers to allow requests from the Frontend.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle Preflight OPTIONS request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
