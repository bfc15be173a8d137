// Package app wires configuration, backends and the step execution context
// for the pipeline binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kiranshivaraju/prepline/internal/blob"
	"github.com/kiranshivaraju/prepline/internal/cache"
	"github.com/kiranshivaraju/prepline/internal/config"
	"github.com/kiranshivaraju/prepline/internal/step"
	"github.com/kiranshivaraju/prepline/internal/store"
	"github.com/kiranshivaraju/prepline/internal/tracking"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// NewLogger builds the process logger. Format and level are assumed validated.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevels[cfg.Level]}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Open connects the metadata store, blob store and optional cache selected by
// cfg. The returned cleanup releases every connection that was opened.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*tracking.Service, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*tracking.Service, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// 1. Metadata registry
	var st store.Store
	switch cfg.Registry.Backend {
	case config.BackendPostgres:
		pool, err := store.Connect(ctx, cfg.Registry.Database)
		if err != nil {
			return fail(fmt.Errorf("connect database: %w", err))
		}
		closers = append(closers, pool.Close)
		logger.Debug("database connected")

		if err := store.RunMigrations(cfg.Registry.Database.URL); err != nil {
			return fail(fmt.Errorf("run migrations: %w", err))
		}
		logger.Debug("database migrations applied")
		st = store.NewPostgresStore(pool)
	default:
		fs, err := store.NewFileStore(cfg.Registry.Dir)
		if err != nil {
			return fail(err)
		}
		st = fs
	}
	if err := st.Ping(ctx); err != nil {
		return fail(fmt.Errorf("ping registry: %w", err))
	}

	// 2. Blob store
	var blobs blob.Store
	switch cfg.Blob.Backend {
	case config.BackendMinio:
		ms, err := blob.NewMinioStore(ctx, cfg.Blob.Minio)
		if err != nil {
			return fail(err)
		}
		blobs = ms
	default:
		fs, err := blob.NewFSStore(cfg.Blob.Dir)
		if err != nil {
			return fail(err)
		}
		blobs = fs
	}
	if err := blobs.Ping(ctx); err != nil {
		return fail(fmt.Errorf("ping blob store: %w", err))
	}

	opts := []tracking.Option{tracking.WithLogger(logger)}

	// 3. Optional artifact cache
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fail(fmt.Errorf("create redis cache: %w", err))
		}
		closers = append(closers, func() { redisCache.Close() })

		if err := redisCache.Ping(ctx); err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
		logger.Debug("redis connected")
		opts = append(opts, tracking.WithCache(redisCache, cfg.Redis.TTL))
	}

	return tracking.NewService(st, blobs, opts...), cleanup, nil
}

// StepFunc is the body of one step invocation.
type StepFunc func(ctx context.Context, env *step.Env, cfg *config.Config) error

// Run executes one step: it loads configuration, opens the backends, records
// a run of jobType with args as its config, calls fn and finalises the run
// with fn's outcome.
func Run(ctx context.Context, jobType string, args any, fn StepFunc) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	svc, cleanup, err := Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	env, err := step.Begin(ctx, svc, step.Options{
		Project:  cfg.Pipeline.Project,
		JobType:  jobType,
		WorkRoot: cfg.Pipeline.WorkDir,
		Args:     args,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	runErr := fn(ctx, env, cfg)
	// Finalise even when ctx was cancelled mid-step.
	if endErr := env.End(context.WithoutCancel(ctx), runErr); endErr != nil {
		return errors.Join(runErr, fmt.Errorf("end run: %w", endErr))
	}
	return runErr
}
