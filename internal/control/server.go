// Package control implements the loopback HTTP control boundary: a
// chi-routed server bound to 127.0.0.1 that exposes the update queue
// to local clients, replacing the excluded GUI/IPC layer.
package control

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"game-update-engine/internal/events"
	"game-update-engine/internal/sequencer"
	"game-update-engine/internal/updatequeue"
)

// Starter enqueues a new update; the caller (cmd/updatectl) supplies
// the concrete implementation that wires a release.Store and
// actions.Library together into a sequencer.Sequencer.
type Starter interface {
	StartUpdate(gameUid, releaseName string, t sequencer.Type, fragments []string) error
}

// Server is the control boundary. Every handler is thin: it
// translates HTTP to Queue/Starter calls and never contains
// reconciliation or sequencing logic.
type Server struct {
	queue   *updatequeue.Queue
	starter Starter
	bus     *events.Bus
	audit   *AuditLogger
	router  *chi.Mux
}

// New builds a Server with its routes registered.
func New(queue *updatequeue.Queue, starter Starter, bus *events.Bus, audit *AuditLogger) *Server {
	s := &Server{queue: queue, starter: starter, bus: bus, audit: audit}
	s.router = chi.NewRouter()
	s.router.Use(middleware.Recoverer)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/v1/queue", s.handleListQueue)
	s.router.Post("/v1/releases/{gameUid}/{release}/start", s.handleStart)
	s.router.Post("/v1/releases/{gameUid}/{release}/pause", s.handlePause)
	s.router.Post("/v1/releases/{gameUid}/{release}/resume", s.handleResume)
	s.router.Post("/v1/releases/{gameUid}/{release}/cancel", s.handleCancel)
	s.router.Post("/v1/releases/{gameUid}/{release}/priority", s.handlePriority)
	s.router.Get("/v1/releases/{gameUid}/{release}", s.handleGetRelease)
	s.router.Get("/v1/events", s.handleEvents)
}

// Start binds the listener to 127.0.0.1:port and serves in the
// background. Binding failures are returned synchronously; an error
// returned later by the background Serve is discarded.
func (s *Server) Start(port int) (stop func(), err error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control: listen %s: %w", addr, err)
	}
	go http.Serve(ln, s.audited(s.router))
	return func() { ln.Close() }, nil
}

func (s *Server) audited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		if s.audit != nil {
			s.audit.Log(r.Method, r.URL.Path, rw.status, "")
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type startRequest struct {
	Type      string   `json:"type"`
	Fragments []string `json:"fragments"`
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.List())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	gameUid, release := chi.URLParam(r, "gameUid"), chi.URLParam(r, "release")
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	t, err := parseType(req.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.starter.StartUpdate(gameUid, release, t, req.Fragments); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	gameUid, release := chi.URLParam(r, "gameUid"), chi.URLParam(r, "release")
	if !s.queue.Pause(gameUid, release, true) {
		http.Error(w, "not currently running", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	gameUid, release := chi.URLParam(r, "gameUid"), chi.URLParam(r, "release")
	if !s.queue.ResumeUpdate(gameUid, release, true) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	gameUid, release := chi.URLParam(r, "gameUid"), chi.URLParam(r, "release")
	if !s.queue.Cancel(gameUid, release) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type priorityRequest struct {
	Direction string `json:"direction"`
}

func (s *Server) handlePriority(w http.ResponseWriter, r *http.Request) {
	gameUid, release := chi.URLParam(r, "gameUid"), chi.URLParam(r, "release")
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if !s.queue.Reorder(gameUid, release, req.Direction) {
		http.Error(w, "reorder rejected", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetRelease(w http.ResponseWriter, r *http.Request) {
	gameUid, release := chi.URLParam(r, "gameUid"), chi.URLParam(r, "release")
	snap, ok := s.queue.Get(gameUid, release)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, unsubscribe := s.bus.Subscribe(16)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

func parseType(s string) (sequencer.Type, error) {
	switch s {
	case "PRE_INSTALL":
		return sequencer.PreInstall, nil
	case "INSTALL":
		return sequencer.Install, nil
	case "UPDATE":
		return sequencer.Update, nil
	case "REPAIR":
		return sequencer.Repair, nil
	default:
		return 0, fmt.Errorf("control: unknown update type %q", s)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
