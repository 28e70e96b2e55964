package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/yulaomao/coffeeManage/internal/audit"
	"github.com/yulaomao/coffeeManage/internal/kvstore"
	"github.com/yulaomao/coffeeManage/internal/observability"
	"github.com/yulaomao/coffeeManage/internal/store"
)

// Config holds HTTP-layer settings.
type Config struct {
	Bind string
	// JWTSecret switches role resolution from the X-Role header to HS256
	// bearer tokens.
	JWTSecret           string
	CORSOrigins         []string
	BatchDispatchPerMin int
}

// Server is the HTTP API of the dispatch engine.
type Server struct {
	store      *store.Store
	audit      audit.Sink
	metrics    *observability.Metrics
	cfg        Config
	limiter    *rateLimiter
	httpServer *http.Server
	router     chi.Router
	streamPoll time.Duration
}

// New creates a new Server. sink and metrics may be nil.
func New(s *store.Store, sink audit.Sink, metrics *observability.Metrics, cfg Config) *Server {
	if sink == nil {
		sink = audit.Nop{}
	}
	srv := &Server{
		store:   s,
		audit:   sink,
		metrics: metrics,
		cfg:     cfg,
		limiter: newRateLimiter(cfg.BatchDispatchPerMin),
	}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:              cfg.Bind,
		Handler:           h2c.NewHandler(srv.router, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracingMiddleware)
	r.Use(s.structuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(s.cfg.CORSOrigins))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/commands", func(r chi.Router) {
			r.With(requireRole(RoleOps), s.rateLimitDispatch).Post("/dispatch", s.handleDispatch)

			r.Route("/batches", func(r chi.Router) {
				r.With(requireRole(RoleViewer)).Get("/", s.handleListBatches)
				r.Route("/{batch_id}", func(r chi.Router) {
					r.Group(func(r chi.Router) {
						r.Use(requireRole(RoleViewer))
						r.Get("/", s.handleGetBatch)
						r.Get("/items", s.handleListBatchItems)
						r.Get("/export", s.handleExportBatch)
					})
					r.Group(func(r chi.Router) {
						r.Use(requireRole(RoleOps))
						r.Post("/retry-failed", s.handleRetryFailed)
						r.Post("/cancel", s.handleCancelBatch)
						r.Post("/pause", s.handlePauseBatch)
						r.Post("/resume", s.handleResumeBatch)
						r.Post("/concurrency", s.handleSetConcurrency)
						r.Post("/items/{item_id}/retry", s.handleRetryItem)
					})
				})
			})
		})

		r.With(requireRole(RoleViewer)).Get("/devices", s.handleDeviceStats)
		r.Route("/devices/{device_id}/commands", func(r chi.Router) {
			r.With(requireRole(RoleOps)).Post("/", s.handleEnqueue)
			r.With(requireRole(RoleViewer)).Get("/", s.handleListDeviceCommands)
			r.With(requireRole(RoleViewer)).Get("/{command_id}", s.handleGetCommand)
			r.With(requireRole(RoleDevice)).Post("/claim", s.handleClaim)
			r.With(requireRole(RoleDevice)).Post("/{command_id}/ack", s.handleAck)
		})

		r.With(requireRole(RoleViewer)).Get("/audit", s.handleListAudit)
		r.With(requireRole(RoleViewer)).Get("/audit/stream", s.handleAuditStream)
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/healthz", s.handleHealthz)

	return r
}

// Start begins listening for HTTP requests. Cleartext HTTP/2 is accepted
// alongside HTTP/1.1.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	s.limiter.close()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.KV().View(r.Context(), func(*kvstore.Tx) error { return nil }); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error(), "UNAVAILABLE")
		return
	}
	writeOK(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JSON response helpers

type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeOK(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, envelope{OK: false, Error: msg, Code: code})
}

// writeStoreError maps store sentinels onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch store.CodeOf(err) {
	case store.ErrorCodeNotFound:
		writeError(w, http.StatusNotFound, err.Error(), string(store.ErrorCodeNotFound))
	case store.ErrorCodeInvalidArgument:
		writeError(w, http.StatusBadRequest, err.Error(), string(store.ErrorCodeInvalidArgument))
	default:
		slog.Error("store operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}

// decodeJSON decodes an optional JSON body. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("invalid " + name)
	}
	return v, nil
}

// Middleware

var tracer = otel.Tracer("github.com/yulaomao/coffeeManage/internal/server")

func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, "http "+r.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		if rc := chi.RouteContext(ctx); rc != nil {
			span.SetName(r.Method + " " + rc.RoutePattern())
		}
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.Int("http.status_code", ww.Status()),
		)
	})
}

func (s *Server) structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, ww.Status(), elapsed)
		}
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", ww.Status(),
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"trace_id", traceID(r.Context()),
		)
	})
}

func traceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Role, X-Actor")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
