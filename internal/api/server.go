// Package api is the HTTP surface of the pipeline: ingest, dashboard reads,
// reprocess, health probes, metrics exposition, and queue administration.
// Reads go straight to the store and never block on the LLM runtime.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/ignite/email-intel/internal/domain"
	"github.com/ignite/email-intel/internal/ingest"
	"github.com/ignite/email-intel/internal/metrics"
	"github.com/ignite/email-intel/internal/pkg/logger"
	"github.com/ignite/email-intel/internal/queue"
	"github.com/ignite/email-intel/internal/worker"
)

// Store is the read/lookup surface the API needs.
type Store interface {
	GetEmail(ctx context.Context, id string) (*domain.Email, error)
	ListEmails(ctx context.Context, st domain.Status, limit int, cursor string) ([]*domain.Email, string, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int64, error)
	ChainScoreDistribution(ctx context.Context) (map[string]int64, error)
	Ping(ctx context.Context) error
}

// Ingestor is the intake port.
type Ingestor interface {
	Ingest(ctx context.Context, rec *ingest.Record) (*ingest.Result, error)
	IngestBatch(ctx context.Context, recs []*ingest.Record) (*ingest.BatchResult, error)
}

// QueueAdmin is the queue surface: job submission plus the admin operations.
type QueueAdmin interface {
	Enqueue(ctx context.Context, job *domain.Job) (bool, error)
	Stats(ctx context.Context, phase int) (*queue.Stats, error)
	PeekDeadLetters(ctx context.Context, phase int, limit int64) ([]*domain.Job, error)
	RequeueDeadLetters(ctx context.Context, phase int, max int) (int, error)
	Pause(ctx context.Context, phase int) error
	Resume(ctx context.Context, phase int) error
	Ping(ctx context.Context) error
}

// Prober is a reachability check against the LLM runtime.
type Prober interface {
	Ping(ctx context.Context) error
}

// PoolStats exposes worker pool counters for the stats endpoint.
type PoolStats interface {
	Stats() worker.Stats
}

// Server is the chi HTTP server.
type Server struct {
	store   Store
	ingest  Ingestor
	queue   QueueAdmin
	llm     Prober    // nil = runtime probe skipped
	pool    PoolStats // nil in API-only processes
	metrics *metrics.Metrics
	log     *logger.Logger
	router  chi.Router
}

// New builds the server and mounts all routes.
func New(st Store, ing Ingestor, q QueueAdmin, llm Prober, pool PoolStats, m *metrics.Metrics, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		store:   st,
		ingest:  ing,
		queue:   q,
		llm:     llm,
		pool:    pool,
		metrics: m,
		log:     log.With("component", "api"),
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Post("/ingest", s.handleIngest)
	r.Post("/ingest/batch", s.handleIngestBatch)

	r.Get("/emails", s.handleListEmails)
	r.Get("/emails/{id}", s.handleGetEmail)
	r.Post("/emails/{id}/reprocess", s.handleReprocess)

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Route("/admin/queues", func(r chi.Router) {
			r.Get("/", s.handleQueueStats)
			r.Get("/{phase}/dead", s.handlePeekDead)
			r.Post("/{phase}/dead/requeue", s.handleRequeueDead)
			r.Post("/{phase}/pause", s.handlePause)
			r.Post("/{phase}/resume", s.handleResume)
		})
	})

	return r
}

// requestID tags every request with a uuid (honoring a caller-supplied one),
// attaches a request-scoped logger to the context, and logs the request line
// on completion. Handlers pull the logger back with logger.FromContext.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)

		log := s.log.With("request_id", id)
		r = r.WithContext(logger.WithContext(r.Context(), log))

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", fmt.Sprintf("%d", ww.Status()),
			"duration_ms", fmt.Sprintf("%d", time.Since(start).Milliseconds()))
	})
}
