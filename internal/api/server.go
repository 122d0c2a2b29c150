// Package api serves the persona agent over HTTP: one endpoint per
// conversational turn plus lead, profile, usage and event views for the
// profile owner.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/nugget/persona-agent/internal/agent"
	"github.com/nugget/persona-agent/internal/buildinfo"
	"github.com/nugget/persona-agent/internal/connwatch"
	"github.com/nugget/persona-agent/internal/events"
	"github.com/nugget/persona-agent/internal/leads"
	"github.com/nugget/persona-agent/internal/usage"
)

var httpRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "persona",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route pattern and status code.",
	},
	[]string{"route", "code"},
)

// TurnRunner runs one conversational turn.
type TurnRunner interface {
	RunTurn(ctx context.Context, req agent.Request) (*agent.TurnResult, error)
}

// LeadStore reads recorded leads.
type LeadStore interface {
	List(ctx context.Context, limit int) ([]leads.Lead, error)
	Get(ctx context.Context, id string) (leads.Lead, error)
}

// ProfileSource reloads the profile document on request.
type ProfileSource interface {
	Reload() error
	Path() string
	LoadedAt() time.Time
}

// UsageSummarizer aggregates token usage.
type UsageSummarizer interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// HealthReporter reports the model backend's reachability.
type HealthReporter interface {
	Status() connwatch.Status
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here usually mean the client went away mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	runner  TurnRunner
	logger  *slog.Logger

	leads    LeadStore
	profile  ProfileSource
	usage    UsageSummarizer
	events   *events.Bus
	backend  HealthReporter
	shareURL string

	corsOrigins []string
	limiter     *rate.Limiter

	server *http.Server
}

// NewServer creates an API server. Optional collaborators are attached
// with the Set methods; their endpoints answer 404 until set.
func NewServer(address string, port int, runner TurnRunner, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		runner:  runner,
		logger:  logger,
	}
}

// SetLeadStore enables the lead endpoints.
func (s *Server) SetLeadStore(ls LeadStore) { s.leads = ls }

// SetProfile enables profile reload.
func (s *Server) SetProfile(p ProfileSource) { s.profile = p }

// SetUsageStore enables the usage endpoint.
func (s *Server) SetUsageStore(u UsageSummarizer) { s.usage = u }

// SetEvents enables the live event stream.
func (s *Server) SetEvents(bus *events.Bus) { s.events = bus }

// SetBackendHealth makes /health report the model backend's status.
func (s *Server) SetBackendHealth(h HealthReporter) { s.backend = h }

// SetShareURL sets the link encoded by the profile QR code.
func (s *Server) SetShareURL(url string) { s.shareURL = url }

// SetCORSOrigins allows browser clients from origins. "*" allows any.
func (s *Server) SetCORSOrigins(origins []string) { s.corsOrigins = origins }

// SetRateLimit throttles the turn endpoint to perMinute requests with
// the given burst. Zero perMinute disables limiting.
func (s *Server) SetRateLimit(perMinute, burst int) {
	if perMinute <= 0 {
		s.limiter = nil
		return
	}
	if burst <= 0 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60), burst)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/turn", s.handleTurn)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/leads", s.handleLeadList)
	mux.HandleFunc("GET /v1/leads/{id}", s.handleLeadGet)
	mux.HandleFunc("GET /v1/leads/{id}/vcard", s.handleLeadVCard)

	mux.HandleFunc("POST /v1/profile/reload", s.handleProfileReload)
	mux.HandleFunc("GET /v1/profile/qr", s.handleProfileQR)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	var h http.Handler = mux
	if len(s.corsOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
		}).Handler(h)
	}
	return s.withLogging(h)
}

// Start serves HTTP until Shutdown is called. It returns nil after a
// graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.address, strconv.Itoa(s.port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Turns can take several model calls.
		WriteTimeout: 5 * time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack supports the WebSocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// handleHealth always answers 200 while the process serves; an
// unreachable model backend is reported as "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.backend != nil {
		st := s.backend.Status()
		if !st.Ready {
			resp["status"] = "degraded"
		}
		resp["model_backend"] = st
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage tracking not enabled")
		return
	}

	end := time.Now().UTC()
	hours := parseIntParam(r, "hours", 24)
	if hours < 1 {
		s.errorResponse(w, http.StatusBadRequest, "hours must be positive")
		return
	}
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	writeJSON(w, map[string]any{
		"start":    start.Format(time.RFC3339),
		"end":      end.Format(time.RFC3339),
		"total":    total,
		"by_model": byModel,
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
