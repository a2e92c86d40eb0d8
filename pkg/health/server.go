// Package health serves the broker's liveness/readiness endpoints and,
// alongside them, the Prometheus metrics endpoint described in
// SPEC_FULL's observability section.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CheckFunc reports whether a named dependency is healthy and a short
// status message.
type CheckFunc func() (bool, string)

// Check is one readiness check's last-evaluated result.
type Check struct {
	Name      string    `json:"name,omitempty"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// StatusResponse is the JSON body served by /health and /ready.
type StatusResponse struct {
	Status string          `json:"status"`
	Uptime string          `json:"uptime"`
	Checks map[string]Check `json:"checks,omitempty"`
}

// Server serves /health, /ready, and /metrics over a plain net/http
// server.
type Server struct {
	addr string
	port int
	srv  *http.Server

	mu       sync.RWMutex
	ready    bool
	checks   map[string]CheckFunc
	started  time.Time
	routes   map[string]http.HandlerFunc
}

// NewServer constructs a Server bound to addr:port, not yet listening.
func NewServer(addr string, port int) *Server {
	return &Server{
		addr:    addr,
		port:    port,
		checks:  make(map[string]CheckFunc),
		routes:  make(map[string]http.HandlerFunc),
		started: time.Now(),
	}
}

// Handle registers an additional route served alongside /health, /ready,
// and /metrics. Must be called before Start; used by the broker to expose
// its worker-admin surface (list/spawn/release) on the same port.
func (s *Server) Handle(pattern string, handler http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[pattern] = handler
}

// RegisterCheck adds a named readiness check consulted by /ready.
func (s *Server) RegisterCheck(name string, fn CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = fn
}

// SetReady flips the overall readiness flag.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

// Start begins listening in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.Handle("/metrics", promhttp.Handler())
	for pattern, handler := range s.routes {
		mux.HandleFunc(pattern, handler)
	}

	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.addr, s.port),
		Handler: mux,
	}
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	go s.srv.Serve(ln)
	return nil
}

// Stop gracefully shuts down the server and marks it not ready.
func (s *Server) Stop(ctx context.Context) error {
	s.SetReady(false)
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatusResponse{
		Status: "ok",
		Uptime: time.Since(s.started).String(),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.ready
	checks := make(map[string]CheckFunc, len(s.checks))
	for name, fn := range s.checks {
		checks[name] = fn
	}
	s.mu.RUnlock()

	results := make(map[string]Check, len(checks))
	allPassing := true
	for name, fn := range checks {
		ok, msg := fn()
		if !ok {
			allPassing = false
		}
		results[name] = Check{Name: name, Status: statusString(ok), Message: msg, Timestamp: time.Now()}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := StatusResponse{Uptime: time.Since(s.started).String(), Checks: results}
	if ready && allPassing {
		resp.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		resp.Status = "not ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

func statusString(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}
