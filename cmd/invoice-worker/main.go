// Command invoice-worker polls the repository for QUEUED runs and drives
// them through the orchestrator. It is the execution path for "worker" and
// "hybrid" execution modes; in "background" mode invoicerund dispatches
// runs inline and this binary is unnecessary (though harmless to also run,
// since ProcessRun is a no-op on any run not still QUEUED).
//
// Usage:
//
//	invoice-worker --config config.yaml --once
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	_ "github.com/jackc/pgx/v5/stdlib"

	"invoicerun/internal/auditchain/impl_file"
	"invoicerun/internal/blobstore"
	"invoicerun/internal/config"
	"invoicerun/internal/metrics"
	"invoicerun/internal/orchestrator"
	"invoicerun/internal/repository"
	"invoicerun/internal/repository/impl_inmem"
	"invoicerun/internal/repository/impl_postgres"
	"invoicerun/internal/stageexecutor"
	"invoicerun/internal/worker"
	"invoicerun/pkg/clock"
)

func main() {
	var (
		configPath  = flag.StringP("config", "c", "", "path to YAML config file")
		once        = flag.Bool("once", false, "drain the queue once and exit, instead of polling forever")
		workerID    = flag.String("worker-id", hostnameOrDefault(), "identifier recorded against processed runs")
		concurrency = flag.IntP("concurrency", "j", 4, "max runs processed concurrently per drain")
		logLevel    = flag.String("log-level", "info", "zap log level")
		logFormat   = flag.String("log-format", "console", "console or json")
		inMemory    = flag.Bool("in-memory", false, "use the in-memory repository instead of Postgres")
	)
	flag.Parse()

	log, err := buildLogger(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invoice-worker: %v\n", err)
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
	reg := metrics.New(nil)
	blobs := blobstore.New(cfg.StorageRoot, c)
	chain := impl_file.New(cfg.StorageRoot+"/audit/events.log", c, cfg.AuditMaskFields)

	repo, closeRepo := buildRepository(*inMemory, cfg, c, log)
	defer closeRepo()

	orc := orchestrator.New(orchestrator.Deps{
		Repo: repo, Executor: stageexecutor.New(cfg, c), Audit: chain, Blobs: blobs,
		Metrics: reg, Clock: c, Config: cfg,
		OCR:        stageexecutor.NewOCRChain(stageexecutor.PlainTextOCRProvider{}, stageexecutor.DeterministicOCRProvider{}),
		Extraction: stageexecutor.HeuristicExtractionProvider{},
	})

	pollInterval := time.Duration(cfg.WorkerPollSeconds * float64(time.Second))
	w := worker.New(repo, orc, reg, *workerID, cfg.WorkerBatchSize, pollInterval, *concurrency)

	if *once {
		n, err := w.DrainOnce(context.Background())
		if err != nil {
			log.Fatal("drain failed", zap.Error(err))
		}
		log.Info("drain complete", zap.Int("processed", n))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	log.Info("invoice-worker polling", zap.String("worker_id", *workerID), zap.Duration("interval", pollInterval))
	if err := w.RunForever(ctx); err != nil && err != context.Canceled {
		log.Fatal("worker stopped", zap.Error(err))
	}
	log.Info("invoice-worker shutdown complete")
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

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil {
		return "invoice-worker"
	}
	return h
}

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
