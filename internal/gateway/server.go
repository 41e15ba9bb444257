package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/orchard-run/orchard/internal/cert"
	"github.com/orchard-run/orchard/internal/events"
	"github.com/orchard-run/orchard/internal/gateway/ws"
	"github.com/orchard-run/orchard/internal/run"
	"github.com/orchard-run/orchard/internal/tasks"
)

// Server is the Orchard API server.
type Server struct {
	httpServer  *http.Server
	hub         *ws.Hub
	bus         *events.Bus
	coordinator *run.Coordinator
	probes      map[string][]cert.Probe
	remediator  tasks.Remediator
	host        string
	port        int
}

// NewServer creates a new API server. The probes and remediator are used
// to assemble a certification pipeline for each run submitted over HTTP.
func NewServer(bus *events.Bus, coordinator *run.Coordinator, probes map[string][]cert.Probe, remediator tasks.Remediator, host string, port int) *Server {
	hub := ws.NewHub(bus, coordinator)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	s := &Server{
		hub:         hub,
		bus:         bus,
		coordinator: coordinator,
		probes:      probes,
		remediator:  remediator,
		host:        host,
		port:        port,
	}

	// Routes
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", hub.ServeWS)
	r.Get("/api/events", s.handleEvents)

	r.Get("/api/runs", s.handleListRuns)
	r.Post("/api/runs", s.handleStartRun)
	r.Get("/api/runs/{runID}", s.handleGetRun)
	r.Get("/api/runs/{runID}/transitions", s.handleTransitions)
	r.Post("/api/runs/{runID}/cancel", s.handleCancelRun)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}

	return s
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("Orchard API listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limitStr := r.URL.Query().Get("limit")
	limit := 50
	if limitStr != "" {
		fmt.Sscanf(limitStr, "%d", &limit)
	}

	history := s.bus.History(limit)

	w.Header().Set("Content-Type", "application/json")

	type eventJSON struct {
		ID        string             `json:"id"`
		RunID     string             `json:"run_id,omitempty"`
		Type      string             `json:"type"`
		Timestamp string             `json:"timestamp"`
		Source    events.EventSource `json:"source"`
		Payload   map[string]any     `json:"payload"`
	}

	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = eventJSON{
			ID:        e.ID,
			RunID:     e.RunID,
			Type:      string(e.Type),
			Timestamp: e.Timestamp.Format(time.RFC3339Nano),
			Source:    e.Source,
			Payload:   e.Payload,
		}
	}

	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	list, err := s.coordinator.ListRuns(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

// handleStartRun accepts a YAML run definition and starts it.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	def, err := run.ParseDefinition(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	certifier, err := def.BuildCertifier(s.coordinator.Store(), s.bus, s.probes, s.remediator)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	runID, err := s.coordinator.StartRunWith(r.Context(), def.BuildTasks(), certifier)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"run_id": runID})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	rn, err := s.coordinator.GetRunStatus(r.Context(), runID)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rn)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	trs, err := s.coordinator.Transitions(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trs)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.coordinator.CancelRun(r.Context(), runID); err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "cancelling"})
}
