// Package api exposes the controller over HTTP: health checks, the detector
// catalogue, manual stage triggers, audits with their integrations and the
// scan use cases.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/app/scans"
	"github.com/ahrav/scan-armada/internal/app/tasks"
	"github.com/ahrav/scan-armada/internal/config"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/common/otel"
)

// ScanService is the subset of scans.Service the handlers use.
type ScanService interface {
	CreateAudit(ctx context.Context, req scans.CreateAuditRequest) (*scanning.Audit, error)
	GetAudit(ctx context.Context, auditID uuid.UUID) (*scans.AuditView, error)
	UpsertIntegration(ctx context.Context, in scanning.Integration) (*scanning.Integration, error)
	DeleteIntegration(ctx context.Context, auditID uuid.UUID, service string) error

	CreateScan(ctx context.Context, req scans.CreateScanRequest) (*scanning.Scan, error)
	GetScan(ctx context.Context, scanID uuid.UUID) (*scanning.Scan, error)
	DeleteScan(ctx context.Context, scanID uuid.UUID, actor string) error
	ScheduleScan(ctx context.Context, req scans.ScheduleRequest) (*scanning.Scan, error)
	CancelSchedule(ctx context.Context, scanID uuid.UUID, actor string) (*scanning.Scan, error)
	PromoteNow(ctx context.Context, scanID uuid.UUID, maxDuration int, actor string) (*scanning.Task, error)
	Results(ctx context.Context, scanID uuid.UUID) ([]scanning.Result, error)
}

// DetectorLister lists the registered detector variants.
type DetectorLister interface {
	List() []scanning.Metadata
}

// TriggerSource resolves a pass name to its runner. Unknown names yield nil.
type TriggerSource interface {
	Trigger(name string) *tasks.Trigger
}

// Deps holds the collaborators the server needs. Ready may be nil, in which
// case the service always reports ready.
type Deps struct {
	Scans          ScanService
	Detectors      DetectorLister
	Triggers       TriggerSource
	Ready          func(ctx context.Context) error
	Logger         *logger.Logger
	TracerProvider trace.TracerProvider
	Metrics        *Metrics
}

// ActorHeader names the caller recorded as a scan's creator or updater.
const ActorHeader = "X-Armada-Actor"

const defaultActor = "api"

// Server serves the v1 API.
type Server struct {
	cfg      config.APIConfig
	deps     Deps
	logger   *logger.Logger
	router   *chi.Mux
	validate *validator.Validate
}

// NewServer builds the router.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	log := deps.Logger.With("component", "api")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(deps.TracerProvider))
	r.Use(loggerMiddleware(log))
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   log,
		router:   r,
		validate: validator.New(),
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func metricsMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.observe(r.Context(), r.Method, route, ww.Status(), time.Since(start))
		})
	}
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)
		r.Get("/detectors", s.handleListDetectors)

		r.Post("/tasks/{stage}", s.handleTrigger)

		r.Post("/audits", s.handleCreateAudit)
		r.Route("/audits/{auditID}", func(r chi.Router) {
			r.Get("/", s.handleGetAudit)
			r.Post("/scans", s.handleCreateScan)
			r.Put("/integrations/{service}", s.handleUpsertIntegration)
			r.Delete("/integrations/{service}", s.handleDeleteIntegration)
		})
		r.Route("/scans/{scanID}", func(r chi.Router) {
			r.Get("/", s.handleGetScan)
			r.Delete("/", s.handleDeleteScan)
			r.Post("/schedule", s.handleScheduleScan)
			r.Delete("/schedule", s.handleCancelSchedule)
			r.Post("/promote", s.handlePromote)
			r.Get("/results", s.handleResults)
		})
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
