// Package http provides the local relay server that re-publishes upstream
// streams to WebSocket clients.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/brianly1003/mstream/internal/config"
	"github.com/brianly1003/mstream/internal/domain"
	"github.com/brianly1003/mstream/internal/domain/events"
	"github.com/brianly1003/mstream/internal/hub"
	"github.com/brianly1003/mstream/internal/registry"
	"github.com/brianly1003/mstream/internal/security"
	wsclient "github.com/brianly1003/mstream/internal/server/websocket"
	"github.com/brianly1003/mstream/internal/sync"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// AccountResolver looks up a configured account by name.
type AccountResolver interface {
	Account(name string) (config.AccountConfig, error)
}

// Recorder is told about every multiplexer a relay client attaches to. The
// returned function runs when that client goes away.
type Recorder interface {
	Track(account string, m *hub.Multiplexer) (release func())
}

// Server is the relay HTTP/WebSocket server.
type Server struct {
	registry *registry.Registry
	accounts AccountResolver
	recorder Recorder
	origins  *security.OriginPolicy
	token    string
	loopback bool
	logger   *slog.Logger
	upgrader websocket.Upgrader

	addr       string
	httpServer *http.Server

	mu      sync.RWMutex
	clients map[string]*wsclient.Client
}

// NewServer creates a relay server listening on host:port. When bound to a
// loopback address only loopback browser origins are accepted until
// SetAllowedOrigins says otherwise.
func NewServer(host string, port int, reg *registry.Registry, accounts AccountResolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: reg,
		accounts: accounts,
		origins:  security.NewOriginPolicy(nil, security.IsLoopbackHost(host)),
		loopback: security.IsLoopbackHost(host),
		logger:   logger,
		addr:     fmt.Sprintf("%s:%d", host, port),
		clients:  make(map[string]*wsclient.Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.origins.CheckOrigin(r)
		},
	}
	return s
}

// SetAllowedOrigins replaces the browser origins allowed to connect. It must
// be called before Start.
func (s *Server) SetAllowedOrigins(origins []string, loopbackOnly bool) {
	s.origins = security.NewOriginPolicy(origins, loopbackOnly)
}

// SetAccessToken requires clients of the API and stream routes to present
// token. It must be called before Handler or Start.
func (s *Server) SetAccessToken(token string) {
	s.token = token
}

// SetRecorder installs a recorder. It must be called before Start.
func (s *Server) SetRecorder(r Recorder) {
	s.recorder = r
}

// Handler returns the relay's routes wrapped in CORS middleware.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/connections", s.handleConnections).Methods("GET")

	ws := router.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("/{account}/{stream}", s.handleStream).Methods("GET")

	return corsMiddleware(s.origins, router)
}

// Start binds the listen address and serves in the background. A port that
// is already taken is reported here rather than logged later.
func (s *Server) Start() error {
	if !s.loopback && s.token == "" {
		return fmt.Errorf("relay on %s is reachable from other hosts and needs an access token", s.addr)
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	s.logger.Info("Starting relay server", "addr", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Relay server error", "error", err)
		}
	}()

	return nil
}

// Stop closes every relay client and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Info("Stopping relay server")

	s.mu.Lock()
	clients := make([]*wsclient.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}

	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// ClientCount returns the number of connected relay clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"service":     "mstream",
		"connections": s.registry.Len(),
		"clients":     s.ClientCount(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"connections": s.registry.Snapshot(),
	})
}

// handleStream serves GET /ws/{account}/{stream}?tag=&list=&types=
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	accountName := vars["account"]

	account, err := s.accounts.Account(accountName)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	q := r.URL.Query()
	param := q.Get("tag")
	if param == "" {
		param = q.Get("list")
	}
	endpoint, err := domain.ParseEndpoint(vars["stream"], param)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := s.registry.Connection(account.Key(endpoint))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrInvalidKey) {
			status = http.StatusBadRequest
		}
		respondError(w, status, err.Error())
		return
	}

	// Subscribe before upgrading so filter errors still get an HTTP status.
	sub, err := m.SubscribeFiltered(parseTypes(q.Get("types"))...)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, domain.ErrUnsupportedEvent) {
			status = http.StatusBadRequest
		}
		respondError(w, status, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err, "origin", r.Header.Get("Origin"))
		sub.Cancel()
		return
	}

	release := func() {}
	if s.recorder != nil {
		release = s.recorder.Track(account.Name, m)
	}

	client := wsclient.NewClient(conn, sub, func(id string) {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
		release()
		s.logger.Info("Relay client disconnected", "client_id", id, "stream", endpoint.String())
	})

	s.mu.Lock()
	s.clients[client.ID()] = client
	s.mu.Unlock()

	s.logger.Info("Relay client connected",
		"client_id", client.ID(),
		"account", account.Name,
		"stream", endpoint.String(),
	)

	client.Start()
}

// parseTypes splits a comma-separated types query. Unknown names are kept so
// the multiplexer can reject them.
func parseTypes(raw string) []events.EventType {
	if raw == "" {
		return nil
	}
	var out []events.EventType
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, events.EventType(part))
	}
	return out
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// authMiddleware rejects requests without the relay access token. Upstream
// streams carry private timelines, so this runs before any subscription.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := security.VerifyRequest(r, s.token); err != nil {
			s.logger.Warn("Relay request rejected", "path", r.URL.Path, "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="mstream"`)
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(origins *security.OriginPolicy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && origins.Allow(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
