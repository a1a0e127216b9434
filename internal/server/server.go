// Package server exposes the live-activity stream over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/prayerfeed/internal/stream"
	"github.com/user/prayerfeed/internal/types"
)

// DefaultViewerHeader carries the authenticated viewer id, set by the auth
// layer in front of this service.
const DefaultViewerHeader = "X-Viewer-ID"

// retryAfterSeconds is sent with 503 responses when the connection limit is
// reached.
const retryAfterSeconds = "5"

const defaultEventsLimit = 50

// Options configures a Server.
type Options struct {
	ViewerHeader   string
	AllowedOrigins []string
	// Debug enables the /api/events listing.
	Debug bool
	// Gatherer backs /metrics. The endpoint is not mounted when nil.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP handler for the stream endpoints.
type Server struct {
	hub            *stream.Hub
	viewerHeader   string
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	upgrader       websocket.Upgrader
	mux            *http.ServeMux
}

// NewServer creates a Server that serves connections through hub.
func NewServer(hub *stream.Hub, opts Options) *Server {
	s := &Server{
		hub:            hub,
		viewerHeader:   opts.ViewerHeader,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		mux:            http.NewServeMux(),
	}
	if s.viewerHeader == "" {
		s.viewerHeader = DefaultViewerHeader
	}
	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/live", s.handleSSE)
	s.mux.HandleFunc("GET /api/live/ws", s.handleWS)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	if opts.Debug {
		s.mux.HandleFunc("GET /api/events", s.handleEvents)
	}
	if opts.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.hub.Stats())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after uint64
	if raw := q.Get("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"invalid after"}`, http.StatusBadRequest)
			return
		}
		after = n
	}
	limit := defaultEventsLimit
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	events := s.hub.Events().After(after)
	if len(events) > limit {
		events = events[:limit]
	}
	if events == nil {
		events = []types.ChangeEvent{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

// admit reserves a stream slot, answering 503 when none is free.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) (func(), bool) {
	release, err := s.hub.Admit()
	if err != nil {
		msg := "server shutting down"
		if errors.Is(err, stream.ErrTooManyConnections) {
			slog.Warn("stream connection rejected", "remote", r.RemoteAddr, "error", err)
			msg = "too many connections"
		}
		w.Header().Set("Retry-After", retryAfterSeconds)
		http.Error(w, msg, http.StatusServiceUnavailable)
		return nil, false
	}
	return release, true
}

// request builds the stream request for r. The resumption id comes from the
// Last-Event-ID header, falling back to a query parameter for clients that
// cannot set headers. A malformed id, or one the server never issued, is
// ignored.
func (s *Server) request(r *http.Request) stream.Request {
	req := stream.Request{
		Viewer: types.ViewerID(strings.TrimSpace(r.Header.Get(s.viewerHeader))),
		Remote: r.RemoteAddr,
	}

	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return req
	}
	seq, ok := types.ParseSeq(raw)
	if !ok || seq > s.hub.Events().Latest() {
		slog.Debug("ignoring resume id", "raw", raw, "remote", r.RemoteAddr)
		return req
	}
	req.Resume = true
	req.LastEventID = seq
	return req
}

// checkOrigin allows requests without an Origin, origins on the allow-list,
// and, when the list is empty, same-host and loopback origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
