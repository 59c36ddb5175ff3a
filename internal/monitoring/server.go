package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shelfwatch/shelfwatch/internal/logging"
)

// HealthCheck probes one dependency. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// Server serves /metrics, /health, and /ready for operators and
// scrapers.
type Server struct {
	metrics *Metrics
	logger  logging.Logger
	httpSrv *http.Server

	mu     sync.RWMutex
	checks map[string]HealthCheck
	ready  bool

	startedAt time.Time
}

// NewServer builds the monitoring endpoint. Call Start to listen.
func NewServer(addr string, metrics *Metrics, logger logging.Logger) *Server {
	s := &Server{
		metrics:   metrics,
		logger:    logger,
		checks:    make(map[string]HealthCheck),
		startedAt: time.Now(),
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// RegisterCheck adds a named dependency probe to /health.
func (s *Server) RegisterCheck(name string, check HealthCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// SetReady flips the readiness gate once startup completes.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

// Start listens in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.WithField("addr", s.httpSrv.Addr).Info("monitoring endpoint listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("monitoring endpoint failed: %v", err)
		}
	}()
}

// Shutdown stops the HTTP listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

type healthResponse struct {
	Status  string            `json:"status"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks,omitempty"`
	Checked time.Time         `json:"checked_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	checks := make(map[string]HealthCheck, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:  "healthy",
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Checks:  make(map[string]string, len(checks)),
		Checked: time.Now().UTC(),
	}
	status := http.StatusOK
	for name, check := range checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			resp.Checks[name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
