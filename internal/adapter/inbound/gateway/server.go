// Package gateway is the connection server: it upgrades authenticated
// clients to a websocket, dispatches request frames to registered handlers,
// and pushes event frames out. Unauthenticated frames never reach a handler.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Ward-Gate/wardgate/internal/domain/auth"
	"github.com/Ward-Gate/wardgate/internal/domain/ratelimit"
	"github.com/Ward-Gate/wardgate/internal/observe"
	"github.com/Ward-Gate/wardgate/pkg/rpc"
)

// Handler processes one request frame. The returned value becomes the
// response result; a returned error becomes an INTERNAL_ERROR frame carrying
// only the error's message.
type Handler func(ctx context.Context, params json.RawMessage, clientID string) (interface{}, error)

// Server owns the websocket endpoint and the registered method handlers.
type Server struct {
	verifier *auth.Verifier
	limiter  *ratelimit.FailureLimiter
	metrics  *observe.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	handlers map[string]Handler
	conns    map[string]*connection
	closed   bool
}

// NewServer creates a Server. The limiter is owned by the server: Close
// disposes it.
func NewServer(verifier *auth.Verifier, limiter *ratelimit.FailureLimiter, metrics *observe.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observe.NewMetrics()
	}
	return &Server{
		verifier: verifier,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
		handlers: make(map[string]Handler),
		conns:    make(map[string]*connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Register binds a handler to a method name.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// Routes returns the server's HTTP handler with hardened headers on every
// response.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc(ConsolePath, s.handleConsole)
	return secureHeaders(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<!doctype html><title>wardgate console</title><p>wardgate</p>")
}

// handleWS authenticates and upgrades one client. Credentials presented via
// header or query are verified before the upgrade, so a failed handshake is
// a plain HTTP 401/429 and the socket never opens. A client presenting no
// credentials is upgraded but must authenticate with its first frame.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	creds, present := credentialsFromRequest(r)

	if present {
		decision := s.verifier.Authorize(auth.Request{
			RemoteAddr:  r.RemoteAddr,
			Header:      r.Header,
			Credentials: creds,
		})
		s.observeLimiterKeys()
		if decision.RateLimited {
			s.metrics.AuthAttempts.WithLabelValues("rate_limited").Inc()
			s.metrics.RateLimitedTotal.Inc()
			s.rejectRateLimited(w, decision)
			return
		}
		if !decision.OK {
			s.metrics.AuthAttempts.WithLabelValues("failed").Inc()
			writeJSONError(w, http.StatusUnauthorized, decision.Reason)
			return
		}
		s.metrics.AuthAttempts.WithLabelValues("ok").Inc()
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own response.
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConnection(s, ws, r, present)
	// Only authenticated clients are registered: broadcasts and the
	// connection count never include a socket still awaiting its first-frame
	// connect.
	if present {
		if !s.addConnection(conn) {
			_ = ws.Close()
			return
		}
		s.logger.Info("client connected", "client_id", conn.id, "remote", r.RemoteAddr)
	}

	go conn.readLoop()
}

func (s *Server) rejectRateLimited(w http.ResponseWriter, d auth.Decision) {
	seconds := int(math.Ceil(d.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprintf(w, `{"error":%q,"retryAfterMs":%d}`, d.Reason, d.RetryAfter.Milliseconds())
}

// Broadcast sends one event frame to every open connection.
func (s *Server) Broadcast(event string, data interface{}) error {
	frame, err := rpc.NewEvent(event, data)
	if err != nil {
		return err
	}
	payload, err := frame.Encode()
	if err != nil {
		return err
	}

	s.mu.RLock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if err := c.writeRaw(payload); err != nil {
			s.logger.Debug("broadcast write failed", "client_id", c.id, "error", err)
		}
	}
	return nil
}

// Close shuts every connection down with a going-away close frame and
// releases the rate limiter's resources.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*connection)
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown("server shutting down")
	}
	if s.limiter != nil {
		s.limiter.Dispose()
	}
}

// ConnectionCount returns the number of registered connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) addConnection(c *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	s.metrics.ConnectionsActive.Inc()
	return true
}

// observeLimiterKeys mirrors the limiter's tracked key count into the gauge.
func (s *Server) observeLimiterKeys() {
	if s.limiter != nil {
		s.metrics.RateLimitKeys.Set(float64(s.limiter.Size()))
	}
}

func (s *Server) removeConnection(id string) {
	s.mu.Lock()
	if _, ok := s.conns[id]; ok {
		delete(s.conns, id)
		s.metrics.ConnectionsActive.Dec()
	}
	s.mu.Unlock()
}

func (s *Server) handler(method string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[method]
	return h, ok
}

// credentialsFromRequest extracts pre-upgrade credentials from the
// Authorization header or the query string.
func credentialsFromRequest(r *http.Request) (auth.Credentials, bool) {
	var creds auth.Credentials
	present := false

	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			creds.Token = token
			present = true
		}
	}
	q := r.URL.Query()
	if token := q.Get("token"); token != "" {
		creds.Token = token
		present = true
	}
	if password := q.Get("password"); password != "" {
		creds.Password = password
		present = true
	}
	return creds, present
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, message)
}
