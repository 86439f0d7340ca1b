// Package web exposes the relay node's HTTP API and the WebSocket event
// stream consumed by UIs and tooling.
package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"blemesh-relay/internal/automation"
	"blemesh-relay/internal/relay"
	"blemesh-relay/internal/scan"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithScan exposes the discovery scheduler through the API.
func WithScan(sched *scan.Scheduler) ServerOption {
	return func(s *Server) {
		s.scan = sched
	}
}

// WithPeers exposes connection topology through the API.
func WithPeers(ps relay.PeerSource) ServerOption {
	return func(s *Server) {
		s.peers = ps
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the relay API.
type Server struct {
	coord  *relay.Coordinator
	queue  *relay.Queue
	status *relay.Aggregator

	scan  *scan.Scheduler
	peers relay.PeerSource

	scriptMgr  *automation.Manager
	autoEngine *automation.Engine

	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string

	wg          sync.WaitGroup
	unsubEvents func()
	unsubStatus func()
}

// NewServer creates a new API server wired to the relay core.
func NewServer(coord *relay.Coordinator, queue *relay.Queue, status *relay.Aggregator, events *relay.EventBus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		coord:  coord,
		queue:  queue,
		status: status,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Relay events and status snapshots both go out over the socket,
	// each wrapped in a typed envelope.
	s.unsubEvents = events.OnAll(func(event relay.Event) {
		s.wsHub.Broadcast(wsEnvelope{Type: event.Type, Data: event.Data})
	})

	statusCh, unsub := status.Subscribe()
	s.unsubStatus = unsub
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for st := range statusCh {
			s.wsHub.Broadcast(wsEnvelope{Type: "status", Data: st})
		}
	}()

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	if s.unsubStatus != nil {
		s.unsubStatus()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)

	s.mux.HandleFunc("GET /api/queue", s.handleAPIListMessages)
	s.mux.HandleFunc("POST /api/queue", s.handleAPIEnqueue)
	s.mux.HandleFunc("GET /api/queue/{id}", s.handleAPIGetMessage)
	s.mux.HandleFunc("DELETE /api/queue/{id}", s.handleAPIRemoveMessage)
	s.mux.HandleFunc("POST /api/queue/{id}/retry", s.handleAPIRetryMessage)
	s.mux.HandleFunc("POST /api/queue/retry-all", s.handleAPIRetryAll)
	s.mux.HandleFunc("PUT /api/queue/{id}/priority", s.handleAPISetPriority)

	s.mux.HandleFunc("GET /api/scan", s.handleAPIScanStatus)
	s.mux.HandleFunc("POST /api/scan/trigger", s.handleAPITriggerScan)

	s.mux.HandleFunc("GET /api/peers", s.handleAPIPeers)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only require the API key for /api/ endpoints. The WebSocket
		// upgrade cannot carry custom headers from browsers and relies
		// on the origin check instead.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
