// Package api provides the local HTTP control API of a mesh node.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meshwork/meshnode/internal/app/dispatch"
	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/health"
)

// TransferStore lists inbound file transfers.
type TransferStore interface {
	List(limit int) ([]domain.TransferRecord, error)
	Get(id string) (*domain.TransferRecord, error)
}

// CommandHistory lists executed inbound commands.
type CommandHistory interface {
	History(limit int) ([]domain.CommandRecord, error)
}

// Server is the node's HTTP API server.
type Server struct {
	node           *dispatch.Dispatcher
	transfers      TransferStore
	commands       CommandHistory
	health         *health.Checker
	metricsEnabled bool
	version        string
	log            *zap.Logger
}

// NewServer creates an API server in front of node.
func NewServer(node *dispatch.Dispatcher, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{node: node, version: version, log: logger}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetTransfers exposes transfer records under /api/transfers.
func (s *Server) SetTransfers(t TransferStore) { s.transfers = t }

// SetCommands exposes the command log under /api/commands.
func (s *Server) SetCommands(c CommandHistory) { s.commands = c }

// SetHealth reports health check results on /health.
func (s *Server) SetHealth(h *health.Checker) { s.health = h }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))
	r.Use(s.accessLog)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
		})

		r.Get("/peers", s.handlePeers)
		r.Get("/peers/closest", s.handleClosest)

		r.Post("/ping", s.handlePing)
		r.Post("/lookup", s.handleLookup)
		r.Post("/command", s.handleCommand)
		r.Post("/files", s.handleRequestFile)
		r.Post("/nat", s.handleNAT)

		r.Get("/transfers", s.handleTransfers)
		r.Get("/transfers/{id}", s.handleTransfer)
		r.Get("/commands", s.handleCommands)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("api request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Message: msg, Type: errorType(status)}})
}

func errorType(status int) string {
	switch {
	case status == http.StatusGatewayTimeout:
		return "timeout"
	case status >= 500:
		return "server_error"
	default:
		return "invalid_request"
	}
}
