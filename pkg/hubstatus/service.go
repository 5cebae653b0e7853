// Package hubstatus exposes a small HTTP API over a running mcphub.Hub so
// dashboards and local tooling can inspect server state and trigger
// restarts or refreshes without linking the hub directly.
package hubstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/cors"

	"github.com/hubforge/mcp-hub-go/pkg/mcphub"
)

// Service serves the status API for one hub.
type Service struct {
	hub  *mcphub.Hub
	opts Options

	handler http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// New builds a Service over the hub.
func New(hub *mcphub.Hub, opts *Options) (*Service, error) {
	if hub == nil {
		return nil, fmt.Errorf("hubstatus: hub is required")
	}
	options := opts.withDefaults()
	s := &Service{hub: hub, opts: options}
	s.handler = cors.New(*options.CORS).Handler(s.mountHandler())
	return s, nil
}

// Handler exposes the HTTP handler, CORS-wrapped, for embedding into an
// existing mux.
func (s *Service) Handler() http.Handler {
	return s.handler
}

func (s *Service) mountHandler() http.Handler {
	prefix := s.opts.Path
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+prefix+"/servers", s.handleServers)
	mux.HandleFunc("GET "+prefix+"/servers/all", s.handleServersAll)
	mux.HandleFunc("POST "+prefix+"/servers/restart", s.handleRestart)
	mux.HandleFunc("POST "+prefix+"/servers/refresh", s.handleRefresh)
	mux.HandleFunc("GET "+prefix+"/healthz", s.handleHealth)
	return mux
}

// ListenAndServe runs an HTTP server until the provided context is cancelled
// or the server stops.
func (s *Service) ListenAndServe(ctx context.Context) error {
	s.httpServerMu.Lock()
	if s.httpServer != nil {
		srv := s.httpServer
		s.httpServerMu.Unlock()
		return fmt.Errorf("hubstatus: server already running on %s", srv.Addr)
	}
	srv := &http.Server{Addr: s.opts.Addr, Handler: s.Handler()}
	s.httpServer = srv
	s.httpServerMu.Unlock()
	defer func() {
		s.httpServerMu.Lock()
		if s.httpServer == srv {
			s.httpServer = nil
		}
		s.httpServerMu.Unlock()
	}()

	s.opts.Logger.Info("status API listening", "addr", srv.Addr, "path", s.opts.Path)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.opts.Logger.Info("status API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (s *Service) Shutdown(ctx context.Context) error {
	s.httpServerMu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

func (s *Service) handleServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": s.hub.GetServers()})
}

func (s *Service) handleServersAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": s.hub.GetAllServers()})
}

func (s *Service) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("hubstatus: name is required"))
		return
	}
	scope, err := mcphub.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.hub.RestartConnection(r.Context(), name, scope); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, mcphub.ErrServerNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.RefreshAll(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
