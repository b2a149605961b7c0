package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts-streamer/internal/config"
	"github.com/loqalabs/loqa-tts-streamer/internal/engine"
	"github.com/loqalabs/loqa-tts-streamer/internal/eventstore"
	"github.com/loqalabs/loqa-tts-streamer/internal/queue"
	"github.com/loqalabs/loqa-tts-streamer/internal/session"
)

// AdminServer is the operational HTTP surface: health, readiness, metrics,
// and a small read-mostly v1 API over sessions and the queue.
type AdminServer struct {
	cfg      config.HTTPConfig
	queue    *queue.TaskQueue
	sessions *session.Registry
	engines  *engine.Manager
	events   *eventstore.Store
	metrics  http.Handler
	ready    *atomic.Bool
	logger   *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	started    time.Time
	wg         sync.WaitGroup
}

func NewAdminServer(cfg config.HTTPConfig, q *queue.TaskQueue, sessions *session.Registry, engines *engine.Manager, events *eventstore.Store, metrics http.Handler, ready *atomic.Bool, logger *slog.Logger) *AdminServer {
	return &AdminServer{
		cfg:      cfg,
		queue:    q,
		sessions: sessions,
		engines:  engines,
		events:   events,
		metrics:  metrics,
		ready:    ready,
		logger:   logger.With(slog.String("component", "admin-server")),
	}
}

func (s *AdminServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/sessions/", s.handleSession)
	mux.HandleFunc("/v1/interrupt", s.handleInterruptAll)
	mux.HandleFunc("/v1/voices", s.handleVoices)
	mux.HandleFunc("/v1/languages", s.handleLanguages)

	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind admin listener: %w", err)
	}
	s.listener = ln
	s.started = time.Now()
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server failed", slogError(err))
		}
	}()

	s.logger.Info("admin server started", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listener address.
func (s *AdminServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *AdminServer) Close() {
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("admin shutdown error", slogError(err))
		}
	}
	s.wg.Wait()
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *AdminServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil && s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type statusResponse struct {
	UptimeSec float64               `json:"uptime_sec"`
	Sessions  int                   `json:"active_sessions"`
	Queue     queue.Status          `json:"queue"`
	Engines   []engine.EngineStatus `json:"engines"`
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		UptimeSec: time.Since(s.started).Seconds(),
		Sessions:  s.sessions.Count(),
		Queue:     s.queue.Status(),
		Engines:   s.engines.Status(),
	})
}

func (s *AdminServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.List(activeOnly),
	})
}

// handleSession serves /v1/sessions/{id} plus the /events and /interrupt
// sub-resources.
func (s *AdminServer) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		for _, info := range s.sessions.List(false) {
			if info.ID == id {
				writeJSON(w, http.StatusOK, info)
				return
			}
		}
		http.Error(w, "session not found", http.StatusNotFound)
	case sub == "" && r.Method == http.MethodDelete:
		s.sessions.CloseSession(id, "admin_close")
		w.WriteHeader(http.StatusNoContent)
	case sub == "events" && r.Method == http.MethodGet:
		events, err := s.events.ListSessionEvents(r.Context(), id, 200)
		if err != nil {
			s.logger.Error("failed to list session events", slogError(err))
			http.Error(w, "event store error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	case sub == "interrupt" && r.Method == http.MethodPost:
		count := s.queue.InterruptSession(id, "admin_interrupt")
		writeJSON(w, http.StatusOK, map[string]any{"interrupted_tasks": count})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *AdminServer) handleInterruptAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	count := s.queue.InterruptAll("admin_interrupt")
	writeJSON(w, http.StatusOK, map[string]any{"interrupted_tasks": count})
}

func (s *AdminServer) handleVoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": s.engines.Voices()})
}

func (s *AdminServer) handleLanguages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"languages": s.engines.Languages()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
