package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atelier-labs/atelier/internal/build"
	"github.com/atelier-labs/atelier/internal/infra"
	"github.com/atelier-labs/atelier/internal/lifecycle"
	"github.com/atelier-labs/atelier/internal/platform/abortflag"
	"github.com/atelier-labs/atelier/internal/platform/env"
	"github.com/atelier-labs/atelier/internal/platform/httpserver"
	"github.com/atelier-labs/atelier/internal/platform/k8s"
	"github.com/atelier-labs/atelier/internal/platform/objectstore"
	"github.com/atelier-labs/atelier/internal/platform/postgres"
	"github.com/atelier-labs/atelier/internal/platform/redisconn"
	"github.com/atelier-labs/atelier/internal/platform/svcreg"
	repopg "github.com/atelier-labs/atelier/internal/repo/postgres"
	"github.com/atelier-labs/atelier/internal/seed"
	"github.com/hibiken/asynq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("ATELIER_API_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("ATELIER_API_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	uploadMaxMiB, err := env.Int("ATELIER_API_CONTEXT_MAX_MIB", 1024)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	reg := svcreg.New(logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = reg.Close(closeCtx)
	}()

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	reg.RegisterCloser("postgres", db.Close)
	pool := repopg.NewPool(db)

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBucket(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	snapshots := objectstore.NewSnapshots(storeClient, storeCfg)

	redisCfg, err := redisconn.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid redis config", "error", err)
		os.Exit(2)
	}
	redisClient, err := redisconn.NewClient(ctx, redisCfg)
	if err != nil {
		logger.Error("redis unavailable", "error", err)
		os.Exit(1)
	}
	reg.RegisterCloser("redis", redisClient.Close)

	queueClient := asynq.NewClient(redisCfg.AsynqOpt())
	reg.RegisterCloser("task queue client", queueClient.Close)

	scheduler := asynq.NewScheduler(redisCfg.AsynqOpt(), &asynq.SchedulerOpts{})
	if err := scheduler.Start(); err != nil {
		logger.Error("scheduler start failed", "error", err)
		os.Exit(1)
	}
	reg.Register("cron scheduler", func(context.Context) error {
		scheduler.Shutdown()
		return nil
	})
	cron := build.NewCronScheduler(scheduler)

	cluster, err := newCluster(logger)
	if err != nil {
		logger.Error("kubernetes client init failed", "error", err)
		os.Exit(1)
	}

	deps := &lifecycle.Deps{
		Flags:    abortflag.NewStore(redisClient, ""),
		Sessions: cluster,
		Builds:   build.NewQueue(queueClient),
		Sched:    cron,
		Images:   cluster,
		Logger:   logger,
	}

	if err := seedDefaultImages(ctx, pool, logger); err != nil {
		logger.Error("seeding default images failed", "error", err)
		os.Exit(1)
	}
	if err := reRegisterJobSchedules(ctx, pool, cron, logger); err != nil {
		logger.Error("re-registering job schedules failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("atelier-api"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"atelier-api",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "redis",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return redisClient.Ping(checkCtx).Err()
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					_, err := storeClient.BucketExists(checkCtx, storeCfg.BucketSnapshots)
					return err
				},
			},
		),
	)

	api := newControlAPI(logger, pool, pool, deps, snapshots, int64(uploadMaxMiB)<<20)
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "atelier-api",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "atelier-api", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func newCluster(logger *slog.Logger) (*infra.Cluster, error) {
	client, err := k8s.NewInClusterClient()
	if err != nil {
		return nil, err
	}
	namespace := env.String("ATELIER_K8S_NAMESPACE", "")
	logger.Info("kubernetes client ready", "namespace", client.Namespace())
	return infra.NewCluster(client, namespace), nil
}

func seedDefaultImages(ctx context.Context, pool *repopg.Pool, logger *slog.Logger) error {
	manifest := seed.Defaults()
	if path := env.String("ATELIER_SEED_MANIFEST", ""); path != "" {
		loaded, err := seed.LoadFile(path)
		if err != nil {
			return err
		}
		manifest = loaded
	}
	return seed.Apply(ctx, pool.Images(), manifest, logger)
}

// reRegisterJobSchedules rebuilds every cron entry from the database at
// bring-up. Entry ids are process-local to the scheduler, so they are
// refreshed on each boot; this also repairs jobs whose entry was lost
// between commit and registration.
func reRegisterJobSchedules(ctx context.Context, pool *repopg.Pool, cron *build.CronScheduler, logger *slog.Logger) error {
	projects, err := pool.Projects().List(ctx)
	if err != nil {
		return err
	}
	for _, project := range projects {
		jobs, err := pool.Jobs().ListByProject(ctx, project.UUID)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if job.Schedule == "" {
				continue
			}
			entryID, err := cron.Register(job.Schedule, job.UUID)
			if err != nil {
				return err
			}
			if err := pool.Jobs().SetScheduleEntry(ctx, job.UUID, entryID); err != nil {
				return err
			}
			logger.Info("job schedule registered", "job_uuid", job.UUID, "schedule", job.Schedule)
		}
	}
	return nil
}
