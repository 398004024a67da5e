// Package gateway exposes the core over HTTP, server-sent events, and
// WebSocket. Routing stays thin: every operation delegates to Core.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"warden/internal/events"
	"warden/internal/eventstore"
	"warden/internal/gateway/ws"
)

// Server is the warden gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	bus        *events.Bus
	log        *eventstore.Store
	core       *Core
}

// NewServer wires the router. log may be nil; /api/events then serves
// only the bus history.
func NewServer(bus *events.Bus, log *eventstore.Store, core *Core, host string, port int) *Server {
	hub := ws.NewHub(bus, core)
	core.connections = hub.ClientCount

	s := &Server{
		hub:  hub,
		bus:  bus,
		log:  log,
		core: core,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", hub.ServeWS)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/events/stream", s.handleEventStream)

	r.Get("/api/tasks", s.handleListTasks)
	r.Post("/api/tasks", s.handleSubmitTask)
	r.Get("/api/tasks/{id}", s.handleGetTask)
	r.Post("/api/tasks/{id}/cancel", s.handleCancelTask)

	r.Get("/api/jobs", s.handleListJobs)

	r.Post("/api/restart", s.handleRequestRestart)
	r.Delete("/api/restart", s.handleCancelRestart)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.core.Status()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleEvents queries the durable event log. Falls back to the bus's
// in-memory history when no store is attached.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	if s.log == nil {
		writeJSON(w, http.StatusOK, s.bus.History(limit))
		return
	}

	filter := eventstore.Filter{
		SessionKey: q.Get("session_key"),
		Channel:    q.Get("channel"),
		Limit:      limit,
		Descending: true,
	}
	if v := q.Get("type"); v != "" {
		filter.Types = []events.EventType{events.EventType(v)}
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad since: %w", err))
			return
		}
		filter.Since = ts
	}

	list, err := s.log.Query(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleEventStream bridges the bus onto a server-sent events stream.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	feed := make(chan events.Event, 64)
	unsubscribe := s.bus.SubscribeAll(func(e events.Event) {
		select {
		case feed <- e:
		default:
		}
	})
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-feed:
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.core.ListTasks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
		MaxRetries  int    `json:"max_retries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Description == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("description is required"))
		return
	}

	id, err := s.core.SubmitTask(req.Description, req.MaxRetries)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	summary, err := s.core.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	if err := s.core.CancelTask(chi.URLParam(r, "id"), req.Reason); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRequestRestart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	if err := s.core.RequestRestart(req.Reason, req.Message); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (s *Server) handleCancelRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.core.CancelRestart(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.core.ListJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
