// Package api serves the latest price and finalized TWAP periods over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/yourorg/twap-feed/internal/model"
	"github.com/yourorg/twap-feed/internal/otel"
	"github.com/yourorg/twap-feed/internal/security"
)

const (
	version = "1.0.0"

	notFoundMessage = "The requested resource was not found"

	// RequestIDHeader carries the id assigned to every response.
	RequestIDHeader = "X-Request-ID"
)

// Reader is the read side of the period store.
type Reader interface {
	LatestObservation() (uint64, uint256.Int, bool)
	Period(periodID uint64) (uint256.Int, bool)
	LastPeriod() (model.FinalizedPeriod, bool)
}

// Options configures a Server
type Options struct {
	Port string

	// Signer attaches signatures to /data responses when enabled
	Signer *security.DataIntegrityService

	// Limiter rejects requests with 429 when exhausted; nil disables limiting
	Limiter *rate.Limiter

	// PriceDecimals > 0 adds a decimal "price" field to price responses
	PriceDecimals int

	// Registerer for request metrics and Gatherer served on /metrics. Nil
	// values fall back to the Prometheus defaults.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	// Status contributes component state to /status
	Status func() map[string]interface{}
}

// Server is the HTTP query layer
type Server struct {
	reader  Reader
	opts    Options
	metrics *serverMetrics
	handler http.Handler
	started time.Time
}

// serverMetrics holds Prometheus metrics for the server
type serverMetrics struct {
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func registerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twap_http_requests_total",
				Help: "Total number of HTTP requests processed",
			},
			[]string{"route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "twap_http_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
	reg.MustRegister(m.requestCounter, m.requestDuration)
	return m
}

// NewServer creates the query server. It does not listen until Run.
func NewServer(reader Reader, opts Options) *Server {
	if opts.Port == "" {
		opts.Port = "8080"
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		reader:  reader,
		opts:    opts,
		metrics: registerMetrics(opts.Registerer),
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /data", s.instrument("data", s.handleData))
	mux.HandleFunc("GET /twap/latest", s.instrument("twap_latest", s.handleLatestPeriod))
	mux.HandleFunc("GET /twap/{period}", s.instrument("twap_period", s.handlePeriod))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", s.handleNotFound)

	s.handler = s.withRequestID(mux)
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         ":" + s.opts.Port,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Server starting on port %s", s.opts.Port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logrus.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logrus.Info("Server stopped")
	return nil
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument applies rate limiting, tracing and request metrics to a query route.
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		ctx, span := otel.Tracer().Start(r.Context(), "api."+route)
		span.SetAttributes(attribute.String("request_id", w.Header().Get(RequestIDHeader)))
		defer span.End()

		if s.opts.Limiter != nil && !s.opts.Limiter.Allow() {
			s.errorResponse(rec, http.StatusTooManyRequests, "Rate limit exceeded")
		} else {
			h(rec, r.WithContext(ctx))
		}

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		s.metrics.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		s.metrics.requestCounter.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
}

// handleData returns the most recent observed price, or null before the
// first observation.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	timestamp, price, ok := s.reader.LatestObservation()

	response := map[string]interface{}{
		"data":      nil,
		"timestamp": nil,
	}
	if ok {
		response["data"] = json.Number(price.Dec())
		response["timestamp"] = timestamp
		if p := s.formatPrice(price); p != "" {
			response["price"] = p
		}
	}

	logrus.WithField("data", response["data"]).Debug("Serving latest price")

	if s.opts.Signer != nil && s.opts.Signer.Enabled() {
		var (
			signed map[string]interface{}
			err    error
		)
		if r.URL.Query().Get("format") == "evm" {
			signed, err = s.opts.Signer.OnChainVerificationData(response)
		} else {
			signed, err = s.opts.Signer.SignPayload(response)
		}
		if err != nil {
			otel.RecordError(r.Context(), err)
			s.errorResponse(w, http.StatusInternalServerError, "Failed to sign response")
			return
		}
		writeJSON(w, http.StatusOK, signed)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleLatestPeriod(w http.ResponseWriter, r *http.Request) {
	period, ok := s.reader.LastPeriod()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"period": nil, "data": nil})
		return
	}
	writeJSON(w, http.StatusOK, s.periodResponse(period.PeriodID, period.Value, true))
}

func (s *Server) handlePeriod(w http.ResponseWriter, r *http.Request) {
	periodID, err := strconv.ParseUint(r.PathValue("period"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid period id")
		return
	}
	value, ok := s.reader.Period(periodID)
	writeJSON(w, http.StatusOK, s.periodResponse(periodID, value, ok))
}

func (s *Server) periodResponse(periodID uint64, value uint256.Int, ok bool) map[string]interface{} {
	response := map[string]interface{}{
		"period": periodID,
		"data":   nil,
	}
	if ok {
		response["data"] = json.Number(value.Dec())
		if p := s.formatPrice(value); p != "" {
			response["price"] = p
		}
	}
	return response
}

// formatPrice renders a fixed point price with PriceDecimals decimals.
func (s *Server) formatPrice(v uint256.Int) string {
	if s.opts.PriceDecimals <= 0 {
		return ""
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(s.opts.PriceDecimals)).String()
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "operational",
		"uptime":  time.Since(s.started).String(),
		"version": version,
	}
	if ts, _, ok := s.reader.LatestObservation(); ok {
		status["last_observation"] = ts
	}
	if p, ok := s.reader.LastPeriod(); ok {
		status["last_period"] = p.PeriodID
	}
	if s.opts.Signer != nil {
		status["signing"] = s.opts.Signer.Enabled()
		status["signer"] = s.opts.Signer.Address()
	}
	if s.opts.Status != nil {
		for k, v := range s.opts.Status() {
			status[k] = v
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, notFoundMessage, http.StatusNotFound)
}

// errorResponse writes a JSON error body
func (s *Server) errorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	logrus.WithField("status", statusCode).Warn(errorMsg)
	writeJSON(w, statusCode, map[string]interface{}{
		"status": "error",
		"error":  errorMsg,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Warn("Failed to write response")
	}
}
