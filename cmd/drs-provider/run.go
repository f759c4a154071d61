package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apiserver "github.com/fuse-drs/drs-provider/internal/api_server"
	"github.com/fuse-drs/drs-provider/internal/config"
	handlers "github.com/fuse-drs/drs-provider/internal/handlers/v1"
	"github.com/fuse-drs/drs-provider/internal/ingest"
	"github.com/fuse-drs/drs-provider/internal/lease"
	"github.com/fuse-drs/drs-provider/internal/queue"
	"github.com/fuse-drs/drs-provider/internal/service"
	"github.com/fuse-drs/drs-provider/internal/spool"
	"github.com/fuse-drs/drs-provider/internal/store"
	"github.com/fuse-drs/drs-provider/pkg/metrics"
)

const (
	queueStopTimeout = 30 * time.Second
	taskRetention    = 24 * time.Hour
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the drs-provider API and ingestion workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cleanup, err := setup()
		if err != nil {
			return fmt.Errorf("reading configuration: %w", err)
		}
		defer cleanup()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		return run(ctx, cfg)
	},
}

func run(ctx context.Context, cfg *config.Config) error {
	zap.S().Info("Starting drs-provider")
	defer zap.S().Info("drs-provider stopped")

	zap.S().Info("Initializing data store")
	db, err := store.InitDB(cfg)
	if err != nil {
		return fmt.Errorf("initializing data store: %w", err)
	}
	st := store.NewStore(db)
	defer st.Close()

	if cfg.Database.Type != "pgsql" {
		if err := st.InitialMigration(); err != nil {
			return fmt.Errorf("running initial migration: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o750); err != nil {
		return fmt.Errorf("creating data path: %w", err)
	}

	sp, err := newSpool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing spool: %w", err)
	}
	zap.S().Infow("payload spool ready", "type", sp.Type())

	var redisClient *redis.Client
	if cfg.Queue.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.Redis.Address(),
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		})
		defer redisClient.Close()
	}

	var pool *pgxpool.Pool
	if cfg.Queue.Backend == config.QueueBackendRiver {
		pool, err = store.NewPgxPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	ingester := ingest.NewIngester(st, sp, cfg.Storage.DataPath)
	backend, err := newBackend(cfg, ingester, pool)
	if err != nil {
		return fmt.Errorf("initializing work queue: %w", err)
	}
	defer backend.Close()
	zap.S().Infow("work queue ready", "backend", cfg.Queue.Backend)

	supervisor := queue.NewSupervisor(ctx, backend)
	if err := supervisor.EnsureRunning(); err != nil {
		// retried on the next submission
		zap.S().Errorw("queue consumer not started", "error", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), queueStopTimeout)
		defer cancel()
		if err := supervisor.Stop(stopCtx); err != nil {
			zap.S().Warnw("failed to stop queue consumer", "error", err)
		}
	}()

	var locker lease.Locker = lease.NewLocalLocker()
	if redisClient != nil {
		locker = lease.NewRedisLocker(redisClient)
	}
	reaper := ingest.NewReaper(st, backend, locker, cfg.Storage.DataPath, cfg.Service.StaleAfter, cfg.Service.ReaperInterval)

	if err := prometheus.Register(metrics.NewTaskStatusCollector(st)); err != nil {
		return fmt.Errorf("registering task collector: %w", err)
	}

	drsSrv, err := service.NewDrsService(service.AllowAllAuthorizer{}, cfg.Service.ServiceInfoPath)
	if err != nil {
		return err
	}
	uploadSrv := service.NewUploadService(st, backend, sp, supervisor, cfg.Storage.DataPath)
	h := handlers.NewServiceHandler(uploadSrv, drsSrv, cfg.Service.MaxUploadBytes)

	apiListener, err := newListener(cfg.Service.Address)
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}
	metricsListener, err := newListener(cfg.Service.MetricsAddress)
	if err != nil {
		apiListener.Close()
		return fmt.Errorf("creating metrics listener: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		if err := apiserver.New(cfg, h, apiListener, prometheus.DefaultRegisterer).Run(ctx); err != nil {
			zap.S().Errorw("api server failed", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		if err := apiserver.NewMetricServer(cfg.Service.MetricsAddress, metricsListener, prometheus.DefaultGatherer).Run(ctx); err != nil {
			zap.S().Errorw("metrics server failed", "error", err)
		}
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

func newSpool(ctx context.Context, cfg *config.Config) (spool.Spool, error) {
	switch cfg.Storage.SpoolBackend {
	case config.SpoolBackendFS:
		return spool.NewFileSpool(cfg.Storage.SpoolPath)
	case config.SpoolBackendMinio:
		s3 := cfg.Storage.S3
		ms, err := spool.NewMinioSpool(
			spool.WithEndpoint(s3.Endpoint),
			spool.WithBucket(s3.Bucket),
			spool.WithAccessKey(s3.AccessKey),
			spool.WithSecretKey(s3.SecretKey),
			spool.WithSSL(s3.UseSSL),
		)
		if err != nil {
			return nil, err
		}
		if err := ms.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return ms, nil
	default:
		return nil, fmt.Errorf("unknown spool backend %q", cfg.Storage.SpoolBackend)
	}
}

func newBackend(cfg *config.Config, handler queue.Handler, pool *pgxpool.Pool) (queue.Backend, error) {
	switch cfg.Queue.Backend {
	case config.QueueBackendRiver:
		return queue.NewRiverQueue(pool, handler, queue.RiverOptions{
			Queue:       cfg.Queue.Name,
			Concurrency: cfg.Queue.Concurrency,
			JobTimeout:  cfg.Queue.JobTimeout,
		})
	case config.QueueBackendAsynq:
		if !cfg.Queue.Redis.Enabled() {
			return nil, fmt.Errorf("the asynq backend requires DRS_REDIS_HOST")
		}
		return queue.NewAsynqQueue(asynq.RedisClientOpt{
			Addr:     cfg.Queue.Redis.Address(),
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		}, handler, queue.AsynqOptions{
			Queue:       cfg.Queue.Name,
			Concurrency: cfg.Queue.Concurrency,
			JobTimeout:  cfg.Queue.JobTimeout,
			Retention:   taskRetention,
		}), nil
	case config.QueueBackendMemory:
		return queue.NewMemoryQueue(handler, cfg.Queue.Concurrency, cfg.Queue.JobTimeout).WithRetention(taskRetention), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
