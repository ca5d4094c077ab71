// Package server exposes the relay over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/vango-go/call-relay/pkg/relay/cache"
	"github.com/vango-go/call-relay/pkg/relay/config"
	"github.com/vango-go/call-relay/pkg/relay/lifecycle"
	"github.com/vango-go/call-relay/pkg/relay/router"
	"github.com/vango-go/call-relay/pkg/relay/session"
	"github.com/vango-go/call-relay/pkg/relay/sessions"
)

type Dependencies struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Registry  *sessions.Registry[*session.Session]
	Router    *router.Router
	Cache     *cache.Cache
}

type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	mux       *http.ServeMux
	lifecycle *lifecycle.Lifecycle
	registry  *sessions.Registry[*session.Session]
	router    *router.Router
	cache     *cache.Cache
}

func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
		deps.Lifecycle.MarkStarted()
	}
	s := &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		mux:       http.NewServeMux(),
		lifecycle: deps.Lifecycle,
		registry:  deps.Registry,
		router:    deps.Router,
		cache:     deps.Cache,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.health)
	s.mux.HandleFunc("/readyz", s.ready)
	s.mux.Handle("/v1/relay", RelayHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Lifecycle: s.lifecycle,
		Router:    s.router,
	})
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = recoverPanics(s.logger, h)
	h = accessLog(s.logger, h)
	h = requestID(h)
	return h
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) ready(w http.ResponseWriter, _ *http.Request) {
	type readyResp struct {
		OK             bool         `json:"ok"`
		Status         string       `json:"status"`
		ActiveSessions int          `json:"active_sessions"`
		Router         router.Stats `json:"router"`
		CacheEntries   int          `json:"cache_entries"`
		CacheHits      int64        `json:"cache_hits"`
		CacheMisses    int64        `json:"cache_misses"`
	}
	resp := readyResp{OK: s.lifecycle.Ready(), Status: s.lifecycle.Status()}
	if s.registry != nil {
		resp.ActiveSessions = s.registry.Count()
	}
	if s.router != nil {
		resp.Router = s.router.Stats()
	}
	if s.cache != nil {
		st := s.cache.Stats()
		resp.CacheEntries, resp.CacheHits, resp.CacheMisses = st.Size, st.Hits, st.Misses
	}
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// SetDraining stops new calls from being accepted.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// CloseSessions ends every live call; each caller receives an end frame.
func (s *Server) CloseSessions(reason string) int {
	if s.registry == nil {
		return 0
	}
	n := s.registry.CloseAll(reason)
	if n > 0 {
		s.logger.Info("closing live calls", "count", n, "reason", reason)
	}
	return n
}

// WaitSessions blocks until every call has finished or ctx ends.
func (s *Server) WaitSessions(ctx context.Context) bool {
	if s.registry == nil {
		return true
	}
	return s.registry.Wait(ctx)
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, typ, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error errorBody `json:"error"`
	}{Error: errorBody{Type: typ, Message: message}})
}
