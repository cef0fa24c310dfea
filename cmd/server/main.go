// medgate is the request governance service: sliding-window rate limiting
// and severity-routed audit logging for the medical information platform.
//
// main wires configuration, stores, the audit pipeline, and the HTTP
// surface; business logic lives in the internal packages.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	audithandler "medgate/internal/audit/handler"
	"medgate/internal/platform/config"
	"medgate/internal/platform/httpserver"
	"medgate/internal/platform/logger"
	platformmetrics "medgate/internal/platform/metrics"
	platformmw "medgate/internal/platform/middleware"
	platformredis "medgate/internal/platform/redis"
	ratelimithandler "medgate/internal/ratelimit/handler"
	ratelimitmetrics "medgate/internal/ratelimit/metrics"
	ratelimitmw "medgate/internal/ratelimit/middleware"
	"medgate/internal/ratelimit/service"
	"medgate/internal/ratelimit/store/bucket"
	audit "medgate/pkg/platform/audit"
	"medgate/pkg/platform/audit/destinations"
	"medgate/pkg/platform/audit/pipeline"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Format, cfg.Log.Level)
	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Audit pipeline and its destinations.
	pipe, cleanup, err := buildPipeline(ctx, cfg, log, reg)
	if err != nil {
		cleanup()
		return err
	}
	defer cleanup()

	// Bucket store: Redis when configured, in-memory otherwise.
	var store service.BucketStore = bucket.NewMemoryStore()
	rc, err := platformredis.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if rc != nil {
		defer func() { _ = rc.Close() }()
		store = bucket.NewRedisStore(rc.Client)
		log.Info("using redis bucket store")
	}

	rlMetrics := ratelimitmetrics.New(reg)
	svc, err := service.New(store, log,
		service.WithAuditLogger(pipe),
		service.WithMetrics(rlMetrics),
	)
	if err != nil {
		return err
	}
	janitor := service.NewJanitor(svc, log, cfg.RateLimit.JanitorInterval)

	router := buildRouter(cfg, log, reg, svc, pipe, rlMetrics)
	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		janitor.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info("starting medgate", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "error", err)
		}
		// Drain queued audit events before the process exits.
		if err := pipe.Close(shutdownCtx); err != nil {
			log.Error("audit pipeline drain incomplete", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// buildPipeline assembles the audit pipeline with every enabled destination.
// The returned cleanup closes destination resources after the pipeline has
// been drained.
func buildPipeline(ctx context.Context, cfg *config.Config, log *slog.Logger, reg prometheus.Registerer) (*pipeline.Pipeline, func(), error) {
	opts := []pipeline.Option{
		pipeline.WithMetrics(pipeline.NewMetrics(reg)),
		pipeline.WithWriteTimeout(cfg.Audit.WriteTimeout),
	}
	if cfg.Audit.AlertWebhookURL != "" {
		opts = append(opts, pipeline.WithAlerter(pipeline.NewWebhookAlerter(cfg.Audit.AlertWebhookURL, log)))
	}
	pipe := pipeline.New(log, opts...)

	var closers []func()
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Audit.Console.Enabled {
		if err := register(pipe, destinations.NewConsole(), cfg.Audit.Console.MinSeverity); err != nil {
			return nil, cleanup, err
		}
	}

	if cfg.Audit.File.Enabled {
		dest, err := destinations.NewFile(cfg.Audit.File.Path)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = dest.Close() })
		if err := register(pipe, dest, cfg.Audit.File.MinSeverity); err != nil {
			return nil, cleanup, err
		}
	}

	if cfg.Audit.Database.Enabled {
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, pool.Close)
		if err := register(pipe, destinations.NewPostgres(pool), cfg.Audit.Database.MinSeverity); err != nil {
			return nil, cleanup, err
		}
	}

	if cfg.Audit.SIEM.Enabled {
		dest, err := destinations.NewSIEM(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connect kafka: %w", err)
		}
		closers = append(closers, dest.Close)
		if err := register(pipe, dest, cfg.Audit.SIEM.MinSeverity); err != nil {
			return nil, cleanup, err
		}
	}

	return pipe, cleanup, nil
}

func register(pipe *pipeline.Pipeline, dest audit.Destination, minSeverity string) error {
	sev, err := audit.ParseSeverity(minSeverity)
	if err != nil {
		return err
	}
	return pipe.Register(dest, audit.DestinationConfig{Enabled: true, MinSeverity: sev})
}

func buildRouter(
	cfg *config.Config,
	log *slog.Logger,
	reg *prometheus.Registry,
	svc *service.Service,
	pipe *pipeline.Pipeline,
	rlMetrics *ratelimitmetrics.Metrics,
) http.Handler {
	r := chi.NewRouter()
	r.Use(platformmw.RequestTime)
	r.Use(platformmw.RequestID)
	r.Use(platformmw.ClientIP)
	r.Use(platformmetrics.New(reg).Middleware)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Admin surface, guarded by the static admin token.
	r.Group(func(admin chi.Router) {
		admin.Use(platformmw.RequireAdminToken(cfg.Server.AdminToken, log))
		ratelimithandler.New(svc, log).RegisterAdmin(admin)
		audithandler.New(pipe, log).RegisterAdmin(admin)
	})

	// Application routes live under /api behind the rate limiter.
	r.Route("/api", func(api chi.Router) {
		if !cfg.RateLimit.Disabled {
			api.Use(ratelimitmw.RateLimit(svc, log, rlMetrics))
		}
		api.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("pong"))
		})
	})

	return r
}
