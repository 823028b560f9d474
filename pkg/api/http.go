// Package api serves the broker's read-only admin endpoints: health, queue
// inspection, version and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/meftunca/empbroker/pkg/broker"
	"github.com/meftunca/empbroker/pkg/config"
	"github.com/meftunca/empbroker/pkg/json"
	"github.com/meftunca/empbroker/pkg/metrics"
	"github.com/meftunca/empbroker/pkg/queue"
	"github.com/meftunca/empbroker/pkg/types"
	"github.com/meftunca/empbroker/pkg/version"
	"go.uber.org/zap"
)

// Backend is the part of the broker the admin API reads
type Backend interface {
	Stats() broker.Stats
	Store() *queue.Store
}

// HTTPServer provides the admin REST endpoints
type HTTPServer struct {
	cfg     config.MonitoringConfig
	backend Backend
	metrics *metrics.PrometheusMetrics
	encoder json.Encoder
	logger  *zap.Logger

	router   *mux.Router
	server   *http.Server
	listener net.Listener
	running  int32
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status   string        `json:"status"`
	Version  string        `json:"version"`
	Uptime   time.Duration `json:"uptime_ns"`
	Queues   int           `json:"queues"`
	Messages int           `json:"messages"`
}

// QueueList is the body of the queue listing
type QueueList struct {
	Count  int                `json:"count"`
	Queues []queue.QueueStats `json:"queues"`
}

// NewHTTPServer creates the admin server. It does not bind until Start.
func NewHTTPServer(cfg config.MonitoringConfig, backend Backend, m *metrics.PrometheusMetrics, logger *zap.Logger) (*HTTPServer, error) {
	encoder, err := json.New(json.Library(cfg.JSONLibrary))
	if err != nil {
		return nil, types.ErrConfig("monitoring.json_library: %v", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.HealthCheckPath == "" {
		cfg.HealthCheckPath = "/health"
	}

	s := &HTTPServer{
		cfg:     cfg,
		backend: backend,
		metrics: m,
		encoder: encoder,
		logger:  logger.With(zap.String("component", "admin_api")),
	}
	s.router = s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// setupRoutes configures API routes
func (s *HTTPServer) setupRoutes() *mux.Router {
	r := mux.NewRouter()
	if s.metrics != nil {
		r.Use(s.metrics.MetricsMiddleware(routeTemplate))
	}

	// Health and metrics endpoints
	r.HandleFunc(s.cfg.HealthCheckPath, s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle(s.cfg.MetricsPath, s.metrics.GetHTTPHandler()).Methods(http.MethodGet)
	}

	// Inspection endpoints
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/queues", s.handleQueues).Methods(http.MethodGet)
	v1.HandleFunc("/queues/{dest}", s.handleQueue).Methods(http.MethodGet)
	v1.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the router, mainly for tests
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start binds the configured address and serves in the background
func (s *HTTPServer) Start() error {
	addr := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return types.ErrBind(addr, err)
	}
	s.listener = listener
	atomic.StoreInt32(&s.running, 1)

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", zap.Error(err))
		}
	}()

	s.logger.Info("admin API started", zap.Stringer("address", listener.Addr()))
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *HTTPServer) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// Stop shuts the server down gracefully
func (s *HTTPServer) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleHealth reports 200 while the broker runs and 503 otherwise
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.backend.Stats()
	response := HealthResponse{
		Status:   "healthy",
		Version:  version.Version,
		Uptime:   stats.Uptime,
		Queues:   stats.Store.Queues,
		Messages: stats.Store.Messages,
	}

	if stats.State != broker.StateRunning.String() {
		response.Status = stats.State
		s.send(w, http.StatusServiceUnavailable, APIResponse{Success: false, Data: response})
		return
	}
	s.sendResponse(w, response)
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	s.sendResponse(w, s.backend.Stats())
}

func (s *HTTPServer) handleQueues(w http.ResponseWriter, r *http.Request) {
	store := s.backend.Store()
	if store == nil {
		s.sendError(w, http.StatusServiceUnavailable, "broker is not running")
		return
	}

	queues := store.AllQueueStats()
	s.sendResponse(w, QueueList{Count: len(queues), Queues: queues})
}

func (s *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	store := s.backend.Store()
	if store == nil {
		s.sendError(w, http.StatusServiceUnavailable, "broker is not running")
		return
	}

	dest := mux.Vars(r)["dest"]
	stats, ok := store.QueueStats(dest)
	if !ok {
		s.sendError(w, http.StatusNotFound, "no queue for destination "+strconv.Quote(dest))
		return
	}
	s.sendResponse(w, stats)
}

func (s *HTTPServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.sendResponse(w, version.Get())
}

// sendResponse sends a successful JSON response
func (s *HTTPServer) sendResponse(w http.ResponseWriter, data interface{}) {
	s.send(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

// sendError sends an error JSON response
func (s *HTTPServer) sendError(w http.ResponseWriter, statusCode int, message string) {
	s.send(w, statusCode, APIResponse{Success: false, Error: message})
}

func (s *HTTPServer) send(w http.ResponseWriter, statusCode int, response APIResponse) {
	response.Timestamp = time.Now()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := s.encoder.Encode(w, response); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// routeTemplate labels requests by route so queue names stay out of metric labels
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
