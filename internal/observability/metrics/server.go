package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/chatgru/pkg/constants"
)

// StatusFunc returns the value served on the status route.
type StatusFunc func() interface{}

// Server exposes /metrics, /status and /healthz over HTTP.
type Server struct {
	logger  *logrus.Logger
	addr    string
	metrics *PrometheusMetrics
	status  StatusFunc
	server  *http.Server
	started time.Time
}

// NewServer creates a server for metrics on addr. status may be nil.
func NewServer(addr string, metrics *PrometheusMetrics, status StatusFunc, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if addr == "" {
		addr = constants.DefaultMetricsAddr
	}
	return &Server{
		logger:  logger,
		addr:    addr,
		metrics: metrics,
		status:  status,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle(constants.DefaultMetricsPath, promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})).Methods(http.MethodGet)
	r.HandleFunc(constants.DefaultStatusPath, s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Start serves in a background goroutine until Stop is called.
func (s *Server) Start() {
	s.started = time.Now()
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  constants.DefaultReadTimeout,
		WriteTimeout: constants.DefaultWriteTimeout,
	}

	s.logger.WithFields(logrus.Fields{
		"addr": s.addr,
		"path": constants.DefaultMetricsPath,
	}).Info("Starting metrics server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Metrics server error")
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var body interface{} = map[string]string{"state": "unknown"}
	if s.status != nil {
		body = s.status()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": constants.AppVersion,
		"uptime":  time.Since(s.started).String(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
