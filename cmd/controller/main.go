package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/scan-armada/internal/api"
	"github.com/ahrav/scan-armada/internal/api/debug"
	"github.com/ahrav/scan-armada/internal/app/detection"
	"github.com/ahrav/scan-armada/internal/app/notify"
	"github.com/ahrav/scan-armada/internal/app/scans"
	"github.com/ahrav/scan-armada/internal/app/tasks"
	"github.com/ahrav/scan-armada/internal/app/validation"
	"github.com/ahrav/scan-armada/internal/config"
	"github.com/ahrav/scan-armada/internal/config/envloader"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/cluster/kubernetes"
	"github.com/ahrav/scan-armada/internal/infra/detectors"
	"github.com/ahrav/scan-armada/internal/infra/detectors/pod"
	"github.com/ahrav/scan-armada/internal/infra/notify/kafka"
	"github.com/ahrav/scan-armada/internal/infra/notify/slack"
	"github.com/ahrav/scan-armada/internal/infra/storage"
	"github.com/ahrav/scan-armada/internal/infra/storage/scanning/memory"
	"github.com/ahrav/scan-armada/internal/infra/storage/scanning/postgres"
	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/common/otel"
	"github.com/ahrav/scan-armada/pkg/common/timeutil"
)

const serviceType = "controller"

func main() {
	configPath := flag.String("config", "", "optional YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "controller: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	_, _ = maxprocs.Set()

	cfg, err := envloader.NewEnvLoader(configPath).Load(context.Background())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log := logger.NewWithMetadata(os.Stdout, level, cfg.Telemetry.ServiceName, otel.GetTraceID, errorEvents(), map[string]string{
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer telemetryTeardown(context.Background())

	tracer := providers.Tracer.Tracer(cfg.Telemetry.ServiceName)
	clock := timeutil.Default()

	store, ready, closeStore, err := openStore(ctx, cfg.Database, clock, log, tracer)
	if err != nil {
		return err
	}
	defer closeStore()

	client, restCfg, err := kubernetes.NewClient(cfg.Kubernetes.KubeConfig)
	if err != nil {
		return fmt.Errorf("connecting to kubernetes: %w", err)
	}
	backend := pod.NewBackend(client, pod.NewSPDYExecutor(client, restCfg), cfg.Kubernetes.Namespace, clock, log, tracer)

	registry := detection.NewRegistry()
	images := make(map[string]string, len(cfg.Detectors))
	for module, d := range cfg.Detectors {
		images[module] = d.Image
	}
	if err := detectors.RegisterBuiltins(registry, backend, images); err != nil {
		return fmt.Errorf("registering detectors: %w", err)
	}

	validator := validation.New(nil)
	dispatcher, closeNotifiers, err := newDispatcher(cfg, store, validator, registry, log, tracer)
	if err != nil {
		return err
	}
	defer closeNotifiers()

	taskMetrics, err := tasks.NewMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("creating task metrics: %w", err)
	}
	engine := tasks.NewEngine(tasks.Deps{
		Store:     store,
		Detectors: registry,
		Notifier:  dispatcher,
		Validator: validator,
		Clock:     clock,
		Logger:    log,
		Tracer:    tracer,
		Metrics:   taskMetrics,
	}, tasks.Limits{MaxPending: cfg.Limits.MaxPending, MaxRunning: cfg.Limits.MaxRunning})

	scanService := scans.NewService(store, registry, validator, engine, dispatcher, clock, scans.Limits{
		MaxScansPerAudit: cfg.Limits.MaxScansPerAudit,
		SchedulableDays:  cfg.Limits.SchedulableDays,
		MaxDurationHours: cfg.Limits.MaxDurationHours,
	}, log, tracer)

	apiMetrics, err := api.NewMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("creating api metrics: %w", err)
	}
	server := api.NewServer(cfg.API, api.Deps{
		Scans:          scanService,
		Detectors:      registry,
		Triggers:       engine,
		Ready:          ready,
		Logger:         log,
		TracerProvider: providers.Tracer,
		Metrics:        apiMetrics,
	})

	driver := tasks.NewDriver(log, cfg.Scheduler.Interval, cfg.Scheduler.Intervals, engine.Triggers()...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return driver.Run(ctx) })
	g.Go(func() error { return server.Start(ctx) })
	if cfg.Debug.Enabled {
		g.Go(func() error { return serveDebug(ctx, cfg.Debug.Addr, log) })
	}

	log.Info(ctx, "Controller started", "api_addr", cfg.API.Addr, "detectors", len(registry.List()))
	err = g.Wait()
	log.Info(context.Background(), "Controller stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openStore returns the configured store, a readiness check and a closer.
func openStore(
	ctx context.Context,
	cfg config.DatabaseConfig,
	clock timeutil.Provider,
	log *logger.Logger,
	tracer trace.Tracer,
) (scanning.Store, func(context.Context) error, func(), error) {
	if cfg.InMemory {
		log.Warn(ctx, "Using the in-memory store, state is lost on restart")
		return memory.NewStore(clock), nil, func() {}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := storage.Migrate(pool, cfg.MigrationsDir); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info(ctx, "Migrations applied successfully")

	return postgres.NewStore(pool, tracer, clock), pool.Ping, pool.Close, nil
}

// newDispatcher registers Slack always and Kafka when brokers are configured.
func newDispatcher(
	cfg *config.Config,
	store scanning.Store,
	urls notify.URLValidator,
	catalog slack.Catalog,
	log *logger.Logger,
	tracer trace.Tracer,
) (*notify.Dispatcher, func(), error) {
	dispatcher := notify.NewDispatcher(store, urls, log, tracer)
	dispatcher.SetDeliveryTimeout(cfg.Notifications.DeliveryTimeout)

	slackCfg := slack.DefaultConfig()
	slackCfg.ConsoleURL = cfg.Notifications.ConsoleURL
	slackCfg.Timeout = cfg.Notifications.Slack.Timeout
	slackCfg.RPS = cfg.Notifications.Slack.RPS
	slackCfg.Burst = cfg.Notifications.Slack.Burst
	slackCfg.RetryMaxElapsed = cfg.Notifications.Slack.RetryMaxElapsed
	dispatcher.Register(slack.Service, slack.New(slackCfg, nil, catalog, log, tracer))

	if len(cfg.Notifications.Kafka.Brokers) == 0 {
		return dispatcher, func() {}, nil
	}
	producer, err := kafka.NewSyncProducer(cfg.Notifications.Kafka, log)
	if err != nil {
		return nil, nil, err
	}
	publisher := kafka.NewPublisher(producer, log, tracer)
	dispatcher.Register(kafka.Service, publisher)

	return dispatcher, func() {
		if err := publisher.Close(); err != nil {
			log.Error(context.Background(), "Failed to close kafka producer", "error", err)
		}
	}, nil
}

func serveDebug(ctx context.Context, addr string, log *logger.Logger) error {
	mux, err := debug.Mux()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info(ctx, "Debug server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// errorEvents mirrors every error record to stderr as a single JSON line so
// it survives even when the structured log pipeline is down.
func errorEvents() logger.Events {
	return logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}
}
