package main

import (
	"context"
	"fmt"
	"os"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-dispatch/internal/api"
	"github.com/book-expert/tts-dispatch/internal/artifact"
	"github.com/book-expert/tts-dispatch/internal/config"
	"github.com/book-expert/tts-dispatch/internal/coordinator"
	"github.com/book-expert/tts-dispatch/internal/metrics"
	"github.com/book-expert/tts-dispatch/internal/objectstore"
	"github.com/book-expert/tts-dispatch/internal/tts"
	"github.com/book-expert/tts-dispatch/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// service holds the long-running parts of tts-dispatch.
type service struct {
	log    *logger.Logger
	pool   *tts.Pool
	server *api.Server

	natsConnection *nats.Conn
	bridge         *worker.NatsWorker
}

func newService(cfg *config.Config, log *logger.Logger) (*service, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	collector, err := metrics.NewCollector(registry)
	if err != nil {
		return nil, err
	}

	fs := afero.NewOsFs()
	store := artifact.NewStore(fs, cfg.Paths.TmpDir)

	err = store.EnsureDirs(cfg.Paths.TmpDir, cfg.Paths.FilesDir)
	if err != nil {
		return nil, err
	}

	svc := &service{log: log}

	var texts, audio *objectstore.NatsObjectStore

	if cfg.NATS.Enabled() {
		texts, audio, err = svc.connectNATS(cfg.NATS)
		if err != nil {
			svc.close()

			return nil, err
		}
	}

	spawner := tts.NewExecSpawner(tts.Command{
		Path: cfg.Engine.Executable,
		Args: cfg.Engine.Args,
		Env:  cfg.Engine.Env,
	})

	svc.pool, err = tts.New(tts.Config{
		Concurrency:    cfg.Pool.Concurrency,
		MaxQueueDepth:  cfg.Pool.MaxQueueDepth,
		JobTimeout:     cfg.Pool.JobTimeout(),
		InitTimeout:    cfg.Pool.InitTimeout(),
		RespawnBackoff: cfg.Pool.RespawnBackoff(),
	}, spawner, collector, log)
	if err != nil {
		svc.close()

		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}

	failures := coordinator.NewFailureCache(cfg.FailureCache.MaxAge(), cfg.FailureCache.MaxEntries, nil)
	coord := coordinator.New(svc.pool, store, failures, collector, log)

	svc.server = api.New(api.Config{
		Listen:        cfg.HTTP.Listen,
		MaxTextLength: cfg.HTTP.MaxTextLength,
		FilesDir:      cfg.Paths.FilesDir,
	}, api.Deps{
		Synthesizer: coord,
		Pool:        svc.pool,
		Observer:    collector,
		Metrics:     collector.Handler(),
		Files:       fs,
		Log:         log,
	})

	if svc.natsConnection != nil {
		svc.bridge = worker.NewNatsWorker(svc.natsConnection, worker.Options{
			Subject:       cfg.NATS.TextProcessedSubject,
			ReplySubject:  cfg.NATS.AudioChunkCreatedSubject,
			FilesDir:      cfg.Paths.FilesDir,
			Concurrency:   cfg.Pool.Concurrency + cfg.Pool.MaxQueueDepth,
			MaxTextLength: cfg.HTTP.MaxTextLength,
		}, texts, audio, coord, store, log)
	}

	return svc, nil
}

// connectNATS connects to NATS and opens the text and audio buckets.
func (s *service) connectNATS(cfg config.NATSConfig) (*objectstore.NatsObjectStore, *objectstore.NatsObjectStore, error) {
	natsConnection, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	s.natsConnection = natsConnection

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	texts, err := objectstore.New(jetstreamContext, cfg.TextObjectStoreBucket)
	if err != nil {
		return nil, nil, err
	}

	audio, err := objectstore.New(jetstreamContext, cfg.AudioObjectStoreBucket)
	if err != nil {
		return nil, nil, err
	}

	return texts, audio, nil
}

// run blocks until ctx is cancelled or a component fails.
func (s *service) run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.pool.Run(ctx)
	})

	group.Go(func() error {
		return s.server.Start(ctx)
	})

	if s.bridge != nil {
		group.Go(func() error {
			return s.bridge.Run(ctx)
		})
	}

	err := group.Wait()
	if err != nil {
		return fmt.Errorf("service failed: %w", err)
	}

	return nil
}

func (s *service) close() {
	if s.natsConnection == nil {
		return
	}

	err := s.natsConnection.Drain()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error draining NATS connection: %v\n", err)
	}
}
