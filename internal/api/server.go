// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ajitpratap0/relay/internal/orchestrator"
	"github.com/ajitpratap0/relay/internal/store"
	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/logger"
	"github.com/ajitpratap0/relay/pkg/models"
	"github.com/ajitpratap0/relay/pkg/observability"
)

// Service is the orchestrator surface the API serves.
// *orchestrator.Orchestrator implements it.
type Service interface {
	CreateConnection(ctx context.Context, c *models.Connection) (*models.Connection, error)
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
	ListConnections(ctx context.Context) ([]*models.Connection, error)
	UpdateConnection(ctx context.Context, id string, c *models.Connection) (*models.Connection, error)

	CreatePipeline(ctx context.Context, spec orchestrator.PipelineSpec) (*models.Pipeline, error)
	GetPipeline(ctx context.Context, id string) (*models.Pipeline, error)
	ListPipelines(ctx context.Context) ([]*models.Pipeline, error)
	DeletePipeline(ctx context.Context, id string) error
	Events(ctx context.Context, id string, limit int) ([]store.Event, error)

	Start(ctx context.Context, id string, opts orchestrator.StartOptions) (*models.Pipeline, error)
	Stop(ctx context.Context, id string) (*models.Pipeline, error)
	Restart(ctx context.Context, id string) (*models.Pipeline, error)
	Status(ctx context.Context, id string) (*orchestrator.StatusView, error)
	DeleteConnectors(ctx context.Context, id string) (*models.Pipeline, error)
}

var _ Service = (*orchestrator.Orchestrator)(nil)

// Server is the HTTP front of the orchestrator.
type Server struct {
	svc     Service
	cfg     config.APIConfig
	metrics config.MetricsConfig
	logger  *zap.Logger
	router  chi.Router
}

// NewServer builds the router.
func NewServer(svc Service, cfg config.APIConfig, metricsCfg config.MetricsConfig, serviceName string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		svc:     svc,
		cfg:     cfg,
		metrics: metricsCfg,
		logger:  log.With(zap.String("component", "api")),
	}
	s.router = s.routes(serviceName)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes(serviceName string) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(observability.TracingMiddleware(serviceName))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics.Enabled {
		path := s.metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.Handler())
	}

	r.Route("/connections", func(r chi.Router) {
		r.Post("/", s.createConnection)
		r.Get("/", s.listConnections)
		r.Get("/{id}", s.getConnection)
		r.Put("/{id}", s.updateConnection)
	})
	r.Route("/pipelines", func(r chi.Router) {
		r.Post("/", s.createPipeline)
		r.Get("/", s.listPipelines)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getPipeline)
			r.Delete("/", s.deletePipeline)
			r.Post("/start", s.startPipeline)
			r.Post("/stop", s.stopPipeline)
			r.Post("/restart", s.restartPipeline)
			r.Get("/status", s.pipelineStatus)
			r.Get("/events", s.pipelineEvents)
			r.Delete("/connectors", s.deleteConnectors)
		})
	})
	return r
}

// requestLogger logs each request with zap and carries the request id on the
// context for downstream loggers.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := chimw.GetReqID(r.Context())
		ctx := context.WithValue(r.Context(), logger.RequestIDKey, reqID)
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		s.logger.Info("request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("api shutting down")
	return srv.Shutdown(shutdownCtx)
}
