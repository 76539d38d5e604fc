package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/andresuchdata/batchflow/internal/batch"
	"github.com/andresuchdata/batchflow/internal/cache"
	"github.com/andresuchdata/batchflow/internal/config"
	"github.com/andresuchdata/batchflow/internal/observability"
	"github.com/andresuchdata/batchflow/internal/pipeline"
	"github.com/andresuchdata/batchflow/internal/repository"
	"github.com/andresuchdata/batchflow/internal/repository/postgres"
	"github.com/andresuchdata/batchflow/internal/storage"
	"github.com/andresuchdata/batchflow/internal/tokens"
	"github.com/andresuchdata/batchflow/pkg/logger"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg     *config.Config
	jobs    *batch.AzureClient
	input   storage.Location
	sweeper *pipeline.Sweeper
	claimer cache.ItemClaimer
	runs    repository.RunRepository

	metrics        *observability.Metrics
	metricsHandler http.Handler

	closers []func() error
}

func newJobService(cfg config.JobServiceConfig) (*batch.AzureClient, error) {
	return batch.NewAzureClient(batch.AzureConfig{
		Endpoint:   cfg.Endpoint,
		APIKey:     cfg.APIKey,
		APIVersion: cfg.APIVersion,
		Timeout:    cfg.RequestTimeout,
		MaxRetries: cfg.MaxRetries,
	})
}

func openStore(ctx context.Context, cfg config.StorageConfig, bucket string) (storage.ObjectStorage, error) {
	switch cfg.Backend {
	case "s3":
		client, err := storage.NewS3Client(ctx, storage.S3Config{
			Bucket:       bucket,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.UsePathStyle,
			AccessKey:    cfg.AccessKey,
			SecretKey:    cfg.SecretKey,
		}, afero.NewOsFs())
		if err != nil {
			return nil, err
		}
		return client, nil
	case "minio":
		client, err := storage.NewMinioClient(storage.MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    bucket,
			Region:    cfg.Region,
			UseSSL:    cfg.UseSSL,
		}, afero.NewOsFs())
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	store, err := storage.NewLocalStore(filepath.Join(cfg.LocalRoot, bucket))
	if err != nil {
		return nil, err
	}
	return store, nil
}

// newApp wires storage, the job service and the pipeline. Redis and Postgres
// are only connected when configured.
func newApp(ctx context.Context, cfg *config.Config, withMetrics bool) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	jobs, err := newJobService(cfg.JobService)
	if err != nil {
		return nil, err
	}
	a.jobs = jobs

	stores := make(map[string]storage.ObjectStorage)
	location := func(bucket, dir string) (storage.Location, error) {
		store, found := stores[bucket]
		if !found {
			store, err = openStore(ctx, cfg.Storage, bucket)
			if err != nil {
				return storage.Location{}, fmt.Errorf("open bucket %s: %w", bucket, err)
			}
			stores[bucket] = store
		}
		return storage.NewLocation(store, dir), nil
	}

	input, err := location(cfg.Storage.InputBucket, cfg.Storage.InputDirectory)
	if err != nil {
		return nil, err
	}
	output, err := location(cfg.Storage.OutputBucket, cfg.Storage.OutputDirectory)
	if err != nil {
		return nil, err
	}
	errs, err := location(cfg.Storage.ErrorBucket, cfg.Storage.ErrorDirectory)
	if err != nil {
		return nil, err
	}
	a.input = input

	var opts []pipeline.Option
	if cfg.Batch.CountTokens {
		counter, err := tokens.NewCounter(cfg.Batch.TokenModel)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pipeline.WithTokenCounter(counter))
	}

	pipelineCfg := pipeline.Config{
		Endpoint:         cfg.JobService.BatchEndpoint,
		CompletionWindow: cfg.JobService.CompletionWindow,
		ContentBaseURL:   cfg.JobService.ContentBaseURL,
		FilePoll: pipeline.PollPolicy{
			Interval:    cfg.Batch.FilePollInterval,
			MaxInterval: cfg.Batch.MaxPollInterval,
			Exponential: cfg.Batch.ExponentialBackoff,
			MaxWait:     cfg.Batch.MaxWait,
		},
		JobPoll: pipeline.PollPolicy{
			Interval:    cfg.Batch.JobPollInterval,
			MaxInterval: cfg.Batch.MaxPollInterval,
			Exponential: cfg.Batch.ExponentialBackoff,
			MaxWait:     cfg.Batch.MaxWait,
		},
		CompensationTimeout: cfg.Batch.CompensationTimeout,
	}
	if cfg.Batch.DownloadToLocal {
		pipelineCfg.LocalDownloadDir = cfg.Batch.LocalDownloadPath
	}
	proc := pipeline.NewItemPipeline(jobs, input, output, errs, pipelineCfg, opts...)

	var observers []pipeline.Observer

	client, err := cache.NewClient(cfg.Cache)
	if err != nil {
		return nil, err
	}
	if client != nil {
		a.closers = append(a.closers, client.Close)
		observers = append(observers, cache.NewNotifier(client, cfg.Cache.Channel))
	}
	a.claimer = cache.NewClaimer(client, cfg.Batch.ClaimTTL)

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(cfg.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		runs := postgres.NewRunRepository(db)
		if err := runs.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.runs = runs
		observers = append(observers, repository.NewRecorder(runs))
	}

	if withMetrics {
		metrics, handler, err := observability.NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		a.metrics, a.metricsHandler = metrics, handler
		a.closers = append(a.closers, func() error { return metrics.Shutdown(context.Background()) })
		observers = append(observers, metrics)
	}

	mode, err := pipeline.ParseMode(cfg.Batch.Mode)
	if err != nil {
		return nil, err
	}
	orch := pipeline.NewOrchestrator(proc, cfg.Batch.Concurrency, mode, observers...)
	a.sweeper = pipeline.NewSweeper(input, orch, a.claimer, cfg.Batch.EmptyPollInterval)

	ok = true
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Log.Warn().Err(err).Msg("Error while closing connections")
	}
}
