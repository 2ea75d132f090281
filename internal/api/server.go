package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/rbitts/kis-trading-gateway-repo/internal/config"
	"github.com/rbitts/kis-trading-gateway-repo/internal/telemetry"
)

// Server runs the gateway's HTTP API.
type Server struct {
	cfg      config.ServerConfig
	router   *mux.Router
	handlers *Handlers
	metrics  *telemetry.Metrics
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the API server and wires all routes. metrics may be
// nil, in which case the Prometheus endpoint and request instrumentation
// are skipped.
func NewServer(cfg config.ServerConfig, handlers *Handlers, metrics *telemetry.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		handlers: handlers,
		metrics:  metrics,
		logger:   logger.With("component", "api-server"),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/session/status", s.handlers.HandleSessionStatus).Methods(http.MethodGet)
	v1.HandleFunc("/session/reconnect", s.handlers.HandleSessionReconnect).Methods(http.MethodPost)
	v1.HandleFunc("/session/live-readiness", s.handlers.HandleLiveReadiness).Methods(http.MethodGet)

	v1.HandleFunc("/quotes", s.handlers.HandleQuotesBatch).Methods(http.MethodGet)
	v1.HandleFunc("/quotes/{symbol}", s.handlers.HandleQuote).Methods(http.MethodGet)

	v1.HandleFunc("/risk/check", s.handlers.HandleRiskCheck).Methods(http.MethodPost)

	v1.HandleFunc("/orders", s.handlers.HandleCreateOrder).Methods(http.MethodPost)
	v1.HandleFunc("/orders/reconcile", s.handlers.HandleReconcile).Methods(http.MethodPost)
	v1.HandleFunc("/orders/{id}", s.handlers.HandleGetOrder).Methods(http.MethodGet)
	v1.HandleFunc("/orders/{id}/state", s.handlers.HandleGetOrderState).Methods(http.MethodGet)
	v1.HandleFunc("/orders/{id}/cancel", s.handlers.HandleCancelOrder).Methods(http.MethodPost)
	v1.HandleFunc("/orders/{id}/modify", s.handlers.HandleModifyOrder).Methods(http.MethodPost)
	v1.HandleFunc("/orders/{id}/execution-result", s.handlers.HandleMarkExecution).Methods(http.MethodPost)

	v1.HandleFunc("/balances", s.handlers.HandleBalances).Methods(http.MethodGet)
	v1.HandleFunc("/positions", s.handlers.HandlePositions).Methods(http.MethodGet)

	v1.HandleFunc("/metrics/quote", s.handlers.HandleQuoteMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/metrics/order", s.handlers.HandleOrderMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/metrics/reconcile", s.handlers.HandleReconcileMetrics).Methods(http.MethodGet)

	// Unversioned operational endpoints.
	s.router.HandleFunc("/healthz", s.handlers.HandleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED")
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()[:8]
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

// responseWrapper captures the status code written by the handler.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Label by route template so path parameters do not explode the
		// metric cardinality.
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveRequest(route, wrapped.statusCode, elapsed)
		}
		s.logger.Debug("request",
			"method", r.Method,
			"route", route,
			"status", wrapped.statusCode,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, "INTERNAL")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("gateway server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping gateway server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
