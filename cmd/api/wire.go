package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"playhub/api/internal/analysis"
	"playhub/api/internal/app"
	"playhub/api/internal/blob"
	"playhub/api/internal/config"
	"playhub/api/internal/gitrepo"
	"playhub/api/internal/lock"
	"playhub/api/internal/metrics"
	"playhub/api/internal/store"
)

type dependencies struct {
	service *app.Service
	metrics *metrics.Recorder
	closers []func() error
}

func (d *dependencies) Close() {
	if d == nil {
		return
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

// wire builds the service from cfg. On error everything opened so far is
// closed.
func wire(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *dependencies, err error) {
	deps := &dependencies{metrics: metrics.New()}
	defer func() {
		if err != nil {
			deps.Close()
		}
	}()

	var (
		pg    *store.PostgresStore
		mem   *store.MemoryStore
		blobs blob.Store
		db    *sql.DB
	)
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err = store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		deps.closers = append(deps.closers, db.Close)
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", "versions", applied)
		}
		pg = store.NewPostgresStore(db)
		blobs = blob.NewPostgres(db)
	default:
		logger.Warn("using the in-memory store; data is lost on restart")
		mem = store.NewMemoryStore()
		blobs = blob.NewMemory()
	}

	if cfg.Minio.Endpoint != "" {
		blobs, err = blob.NewMinio(ctx, blob.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("blob storage failed: %w", err)
		}
		logger.Info("storing file contents in minio", "endpoint", cfg.Minio.Endpoint, "bucket", cfg.Minio.Bucket)
	}

	var locks lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		redisLocks, err := lock.NewRedis(cfg.RedisURL, cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		deps.closers = append(deps.closers, redisLocks.Close)
		locks = redisLocks
		logger.Info("using redis locks", "ttl", cfg.LockTTL)
	}

	var mirror *gitrepo.Mirror
	if cfg.ReposDir != "" {
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			return nil, fmt.Errorf("create repos dir: %w", err)
		}
		mirror = gitrepo.New(cfg.ReposDir)
	}

	analyzer, err := newAnalyzer(cfg)
	if err != nil {
		return nil, err
	}
	runner := analysis.NewRunner(analyzer, analysis.RunnerConfig{
		Timeout:     cfg.AnalysisTimeout,
		Concurrency: cfg.AnalysisConcurrency,
		Logger:      logger,
		OnFallback:  deps.metrics.AnalysisFallback,
	})

	opts := app.Options{
		Blobs:          blobs,
		Locks:          locks,
		Analysis:       runner,
		Metrics:        deps.metrics,
		Logger:         logger,
		PublishRetries: cfg.PublishRetries,
	}
	if mirror != nil {
		opts.Mirror = mirror
	}
	if pg != nil {
		deps.service = app.New(pg, opts)
	} else {
		deps.service = app.New(mem, opts)
	}
	return deps, nil
}

func newAnalyzer(cfg config.Config) (analysis.Analyzer, error) {
	switch cfg.Analyzer {
	case config.AnalyzerClaude:
		claude, err := analysis.NewClaude(cfg.AnthropicAPIKey, cfg.AnalysisModel)
		if err != nil {
			return nil, fmt.Errorf("analyzer: %w", err)
		}
		return claude, nil
	case config.AnalyzerNone:
		return analysis.Disabled{}, nil
	default:
		return analysis.Heuristic{}, nil
	}
}
