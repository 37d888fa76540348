package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atelier-labs/atelier/internal/build"
	"github.com/atelier-labs/atelier/internal/infra"
	"github.com/atelier-labs/atelier/internal/platform/abortflag"
	"github.com/atelier-labs/atelier/internal/platform/env"
	"github.com/atelier-labs/atelier/internal/platform/k8s"
	"github.com/atelier-labs/atelier/internal/platform/logstream"
	"github.com/atelier-labs/atelier/internal/platform/objectstore"
	"github.com/atelier-labs/atelier/internal/platform/postgres"
	"github.com/atelier-labs/atelier/internal/platform/redisconn"
	"github.com/atelier-labs/atelier/internal/platform/svcreg"
	repopg "github.com/atelier-labs/atelier/internal/repo/postgres"
	"github.com/hibiken/asynq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	concurrency, err := env.Int("ATELIER_WORKER_CONCURRENCY", 8)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	apiURL := env.String("ATELIER_API_URL", "http://atelier-api:8080")
	builderImage := env.String("ATELIER_BUILDER_IMAGE", "atelier/builder:latest")
	builderServiceAcct := env.String("ATELIER_BUILDER_SERVICE_ACCOUNT", "atelier-builder")
	registry := env.String("ATELIER_IMAGE_REGISTRY", "registry.atelier.svc:5000")
	idleTimeout, err := env.Duration("ATELIER_BUILD_IDLE_TIMEOUT", 0)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	reg := svcreg.New(logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
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

	k8sClient, err := k8s.NewInClusterClient()
	if err != nil {
		logger.Error("kubernetes client init failed", "error", err)
		os.Exit(1)
	}
	namespace := env.String("ATELIER_K8S_NAMESPACE", "")
	cluster := infra.NewCluster(k8sClient, namespace)
	builder := infra.NewBuilder(k8sClient, snapshots, namespace, builderImage, builderServiceAcct, registry)

	runner := build.NewRunner(
		abortflag.NewStore(redisClient, ""),
		build.NewHTTPReporter(apiURL, logger),
		logstream.NewRedisPublisher(redisClient),
		build.NewQueue(queueClient),
		logger,
		idleTimeout,
	)
	handlers := build.NewHandlers(runner, builder.StepFactory(), build.NewCleanup(cluster, logger), pool, logger)

	mux := asynq.NewServeMux()
	handlers.Register(mux)

	srv := asynq.NewServer(redisCfg.AsynqOpt(), asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			build.QueueBuilds:  6,
			build.QueueCleanup: 3,
			build.QueueDefault: 1,
		},
		Logger: asynqLogger{logger},
	})
	if err := srv.Start(mux); err != nil {
		logger.Error("worker start failed", "error", err)
		os.Exit(1)
	}
	logger.Info("worker running", "concurrency", concurrency)

	<-ctx.Done()
	srv.Shutdown()
}

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct {
	logger *slog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug(sprint(args)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info(sprint(args)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn(sprint(args)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error(sprint(args)) }
func (l asynqLogger) Fatal(args ...any) {
	l.logger.Error(sprint(args))
	os.Exit(1)
}

func sprint(args []any) string {
	return strings.TrimSpace(fmt.Sprintln(args...))
}
