package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/Rajchodisetti/session-trader/internal/heartbeat"
	"github.com/Rajchodisetti/session-trader/internal/observ"
	"github.com/Rajchodisetti/session-trader/internal/persistence/postgres"
	"github.com/Rajchodisetti/session-trader/internal/scheduler"
)

// StateSource exposes the scheduler's current state.
type StateSource interface {
	Snapshot() scheduler.State
}

// PlanHistory lists recorded plans. Optional.
type PlanHistory interface {
	Recent(ctx context.Context, limit int) ([]postgres.PlanRow, error)
}

type Options struct {
	Addr      string
	Heartbeat *heartbeat.Monitor
	MaxAge    time.Duration
	State     StateSource
	Metrics   *observ.Metrics
	History   PlanHistory
}

// Server is the read-only operator surface: liveness, metrics and state.
type Server struct {
	router *mux.Router
	server *http.Server
	opts   Options
}

func NewServer(opts Options) *Server {
	s := &Server{router: mux.NewRouter(), opts: opts}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet, http.MethodHead)
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics.Handler()).Methods(http.MethodGet)
	}
	if s.opts.State != nil {
		s.router.HandleFunc("/state", s.state).Methods(http.MethodGet)
	}
	if s.opts.History != nil {
		s.router.HandleFunc("/plans", s.plans).Methods(http.MethodGet)
	}
}

type healthReply struct {
	Healthy       bool    `json:"healthy"`
	LastHeartbeat string  `json:"last_heartbeat,omitempty"`
	AgeSeconds    float64 `json:"age_seconds,omitempty"`
	MaxAgeSeconds float64 `json:"max_age_seconds"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	reply := healthReply{MaxAgeSeconds: s.opts.MaxAge.Seconds()}
	if s.opts.Heartbeat != nil {
		reply.Healthy = s.opts.Heartbeat.Check(s.opts.MaxAge)
		if age, ok := s.opts.Heartbeat.Age(); ok {
			reply.LastHeartbeat = s.opts.Heartbeat.Last().UTC().Format(time.RFC3339)
			reply.AgeSeconds = age.Seconds()
		}
	}
	code := http.StatusOK
	if !reply.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, reply)
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.State.Snapshot())
}

func (s *Server) plans(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be 1..500"})
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	rows, err := s.opts.History.Recent(ctx, limit)
	if err != nil {
		observ.Error("plans_query_failed", err, nil)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type ctxKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		// scrapes and health checks are too frequent for info
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		observ.Log("http_request", map[string]any{
			"request_id":  r.Context().Value(ctxKey{}),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapper.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

// Start serves until Shutdown; http.ErrServerClosed is not an error.
func (s *Server) Start() error {
	observ.Log("http_server_start", map[string]any{"addr": s.opts.Addr})
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
