// Command invoicerund is the HTTP ingress daemon: it serves the document
// upload, run admission, and quarantine API, and — in background/hybrid
// execution mode — dispatches freshly admitted runs to the orchestrator
// on their own goroutine rather than waiting for a polling worker.
//
// Usage:
//
//	invoicerund --config config.yaml --addr :8080
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	_ "github.com/jackc/pgx/v5/stdlib"

	"invoicerun/internal/admission"
	"invoicerun/internal/auditchain"
	"invoicerun/internal/auditchain/impl_file"
	"invoicerun/internal/authn"
	"invoicerun/internal/blobstore"
	"invoicerun/internal/config"
	"invoicerun/internal/httpapi"
	"invoicerun/internal/metrics"
	"invoicerun/internal/orchestrator"
	"invoicerun/internal/ratelimit"
	"invoicerun/internal/repository"
	"invoicerun/internal/repository/impl_inmem"
	"invoicerun/internal/repository/impl_postgres"
	"invoicerun/internal/stageexecutor"
	"invoicerun/pkg/clock"
)

func main() {
	var (
		configPath = flag.StringP("config", "c", "", "path to YAML config file")
		addr       = flag.StringP("addr", "a", ":8080", "HTTP listen address")
		logLevel   = flag.String("log-level", "info", "zap log level")
		logFormat  = flag.String("log-format", "console", "console or json")
		inMemory   = flag.Bool("in-memory", false, "use the in-memory repository instead of Postgres")
	)
	flag.Parse()

	log, err := buildLogger(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invoicerund: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("loading config", zap.Error(err))
	}
	if err := config.EnsureStorageDirs(cfg); err != nil {
		log.Fatal("preparing storage directories", zap.Error(err))
	}

	c := clock.NewReal()
	reg := metrics.New(prometheus.DefaultRegisterer)
	blobs := blobstore.New(cfg.StorageRoot, c)
	chain := impl_file.New(cfg.StorageRoot+"/audit/events.log", c, cfg.AuditMaskFields)

	repo, closeRepo := buildRepository(*inMemory, cfg, c, log)
	defer closeRepo()

	issuer := authn.New(cfg.JWTSecret, c, time.Duration(cfg.TokenExpMinutes)*time.Minute)
	limiter := ratelimit.New(cfg.RateLimitPerMin, c)

	orc := orchestrator.New(orchestrator.Deps{
		Repo: repo, Executor: stageexecutor.New(cfg, c), Audit: chain, Blobs: blobs,
		Metrics: reg, Clock: c, Config: cfg,
		OCR:        stageexecutor.NewOCRChain(stageexecutor.PlainTextOCRProvider{}, stageexecutor.DeterministicOCRProvider{}),
		Extraction: stageexecutor.HeuristicExtractionProvider{},
	})

	idemLocks := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer idemLocks.Close()

	dispatch := buildDispatcher(cfg, orc, log)
	adm := admission.New(repo, chain, reg, cfg, dispatch, idemLocks)

	router := httpapi.NewRouter(httpapi.Deps{
		Repo: repo, Admission: adm, Blobs: blobs, Metrics: reg, Config: cfg,
		Clock: c, Issuer: issuer, RateLimits: limiter, Log: log,
	})

	srv := &http.Server{Addr: *addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("invoicerund listening", zap.String("addr", *addr), zap.String("execution_mode", cfg.ExecutionMode))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	if *configPath != "" {
		watcher, err := config.WatchFile(*configPath)
		if err != nil {
			log.Warn("config hot-reload disabled", zap.Error(err))
		} else {
			defer watcher.Close()
			go func() {
				for fresh := range watcher.Changes {
					limiter.SetLimit(fresh.RateLimitPerMin)
					log.Info("config reloaded", zap.Int("rate_limit_per_minute", fresh.RateLimitPerMin))
				}
			}()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("graceful shutdown timed out", zap.Error(err))
	}
	log.Info("invoicerund shutdown complete")
}

// buildDispatcher wires admission's post-admit callback to the in-process
// orchestrator for background/hybrid execution modes; in worker mode runs
// stay QUEUED for the polling worker to pick up.
func buildDispatcher(cfg *config.Settings, orc *orchestrator.Orchestrator, log *zap.Logger) admission.Dispatcher {
	if cfg.ExecutionMode == "worker" {
		return func(runID, requestedBy string) {}
	}
	return func(runID, requestedBy string) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.RunTimeoutSecs)*time.Second)
			defer cancel()
			if _, err := orc.ProcessRun(ctx, runID, "invoicerund-inline"); err != nil {
				log.Error("inline run processing failed", zap.String("run_id", runID), zap.Error(err))
			}
		}()
	}
}

func buildRepository(inMemory bool, cfg *config.Settings, c clock.Clock, log *zap.Logger) (repository.Repository, func()) {
	if inMemory {
		log.Warn("using in-memory repository, data will not survive a restart")
		return impl_inmem.New(c), func() {}
	}
	db, err := sqlx.Connect("pgx", cfg.DBURL)
	if err != nil {
		log.Fatal("connecting to postgres", zap.Error(err))
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(30 * time.Minute)
	return impl_postgres.New(db), func() { _ = db.Close() }
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}
