// Copyright 2024-2026 Aiku AI

// Package admin serves the host's management API over HTTP.
//
//	GET    /api/topology                      current plugs, hooks, channels and groups
//	POST   /api/{plugs|hooks}/{name}/{action} start, stop, enable or disable an entity
//	POST   /api/channels                      {"name", "plug", "source"}
//	DELETE /api/channels/{name}
//	POST   /api/channels/migrate              {"source", "dest"}
//	PUT    /api/groups/{name}                 replace a group
//	DELETE /api/groups/{name}
//	GET    /metrics, /live, /ready
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aiku/immp/pkg/core"
)

const (
	maxBodySize        = 64 << 10
	maxGoroutines      = 10000
	shutdownTimeout    = 5 * time.Second
	defaultReadTimeout = 10 * time.Second
)

var errNotReady = errors.New("host has not finished starting")

// Server is the admin API.
type Server struct {
	host   *core.Host
	log    zerolog.Logger
	mux    *http.ServeMux
	health healthcheck.Handler
}

// New builds the API for host. Metrics are read from gatherer; a nil
// gatherer leaves /metrics out.
func New(host *core.Host, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		host:   host,
		log:    host.Log().With().Str("component", "admin").Logger(),
		mux:    http.NewServeMux(),
		health: healthcheck.NewHandler(),
	}
	s.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	s.health.AddReadinessCheck("host-started", func() error {
		if !host.Ready() {
			return errNotReady
		}
		return nil
	})

	s.mux.HandleFunc("GET /api/topology", s.handleTopology)
	s.mux.HandleFunc("POST /api/{kind}/{name}/{action}", s.handleEntity)
	s.mux.HandleFunc("POST /api/channels", s.handleAddChannel)
	s.mux.HandleFunc("POST /api/channels/migrate", s.handleMigrate)
	s.mux.HandleFunc("DELETE /api/channels/{name}", s.handleRemoveChannel)
	s.mux.HandleFunc("PUT /api/groups/{name}", s.handlePutGroup)
	s.mux.HandleFunc("DELETE /api/groups/{name}", s.handleRemoveGroup)
	s.mux.Handle("GET /live", s.health)
	s.mux.Handle("GET /ready", s.health)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("Starting admin API")
		errs <- server.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return fmt.Errorf("admin API stopped: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down admin API: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write admin response")
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrUnknownPlug), errors.Is(err, core.ErrUnknownHook),
		errors.Is(err, core.ErrUnknownChannel), errors.Is(err, core.ErrUnknownGroup):
		return http.StatusNotFound
	case errors.Is(err, core.ErrDuplicateName), errors.Is(err, core.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidName):
		return http.StatusBadRequest
	}
	var mf *core.MigrationFailure
	if errors.As(err, &mf) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	evt := s.log.Warn()
	if status >= http.StatusInternalServerError {
		evt = s.log.Error()
	}
	evt.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("Admin request failed")
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decode reads a JSON body of at most maxBodySize bytes into v.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
		return false
	}
	if err = json.Unmarshal(body, v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return false
	}
	return true
}

func (s *Server) handleTopology(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.host.Snapshot())
}

func (s *Server) entityAction(kind, action string) func(context.Context, string) error {
	switch kind + "/" + action {
	case "plugs/start":
		return s.host.StartPlug
	case "plugs/stop":
		return s.host.StopPlug
	case "plugs/enable":
		return s.host.EnablePlug
	case "plugs/disable":
		return s.host.DisablePlug
	case "hooks/start":
		return s.host.StartHook
	case "hooks/stop":
		return s.host.StopHook
	case "hooks/enable":
		return s.host.EnableHook
	case "hooks/disable":
		return s.host.DisableHook
	}
	return nil
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	kind, name, action := r.PathValue("kind"), r.PathValue("name"), r.PathValue("action")
	fn := s.entityAction(kind, action)
	if fn == nil {
		http.NotFound(w, r)
		return
	}
	s.log.Info().Str("remote_addr", r.RemoteAddr).Str("name", name).Str("action", action).Msg("Entity action requested")
	if err := fn(r.Context(), name); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.host.Snapshot())
}

type channelRequest struct {
	Name   string `json:"name"`
	Plug   string `json:"plug"`
	Source string `json:"source"`
}

func (s *Server) handleAddChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.Plug == "" || req.Source == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "name, plug and source are required"})
		return
	}
	ch, err := s.host.AddChannel(r.Context(), req.Name, req.Plug, req.Source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ch)
}

func (s *Server) handleRemoveChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.host.RemoveChannel(r.Context(), r.PathValue("name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type migrateRequest struct {
	Source string `json:"source"`
	Dest   string `json:"dest"`
}

type migrateResponse struct {
	Migrated []string `json:"migrated"`
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req migrateRequest
	if !s.decode(w, r, &req) {
		return
	}
	migrated, err := s.host.MigrateChannel(r.Context(), req.Source, req.Dest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if migrated == nil {
		migrated = []string{}
	}
	s.writeJSON(w, http.StatusOK, migrateResponse{Migrated: migrated})
}

func (s *Server) handlePutGroup(w http.ResponseWriter, r *http.Request) {
	var g core.Group
	if !s.decode(w, r, &g) {
		return
	}
	g.Name = r.PathValue("name")
	if err := s.host.ReplaceGroup(r.Context(), g); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleRemoveGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.host.RemoveGroup(r.Context(), r.PathValue("name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
