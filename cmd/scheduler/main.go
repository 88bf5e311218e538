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

	"BackupScheduler/internal/config"
	"BackupScheduler/internal/db"
	"BackupScheduler/internal/http/handler"
	"BackupScheduler/internal/instance"
	"BackupScheduler/internal/lock"
	"BackupScheduler/internal/logging"
	"BackupScheduler/internal/metrics"
	"BackupScheduler/internal/queue"
	"BackupScheduler/internal/repo"
	"BackupScheduler/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("scheduler exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化 Postgres 并确保最小表结构存在
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := db.Init(initCtx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := db.EnsureSchema(initCtx, pool); err != nil {
		return err
	}

	// 初始化 Redis
	rdb, err := queue.Connect(initCtx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	instanceID := uuid.NewString()
	// Scheduler 自己会按 WithInstanceID 打标签
	schedLogger := logger
	logger = logger.With(slog.String("instance_id", instanceID))

	locks := lock.NewManager(lock.NewRedisCache(rdb), logger)
	dispatcher := queue.NewDispatcher(rdb, cfg.QueueName)
	recorder := metrics.NewRecorder(rdb)

	sched := scheduler.Init(repo.NewStore(pool), locks, dispatcher,
		scheduler.WithTickInterval(cfg.TickInterval()),
		scheduler.WithLockTTL(cfg.LockTTL()),
		scheduler.WithLogger(schedLogger),
		scheduler.WithStats(recorder),
		scheduler.WithInstanceID(instanceID),
	)

	// 运维接口
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	handler.Register(engine,
		handler.NewHealthHandler(pool, rdb),
		handler.NewMetricsHandler(recorder, dispatcher, logger),
		handler.NewSchedulerHandler(sched, locks, func(ctx context.Context) ([]instance.Instance, error) {
			return instance.List(ctx, rdb)
		}, logger),
	)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting ops server", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		instance.StartHeartbeat(gctx, rdb, instanceID, cfg.HeartbeatTTL(), cfg.HeartbeatTTL()/3, logger)
		return nil
	})

	sched.Start(gctx)

	// 收到退出信号（或任一组件失败）后先停调度，再关 HTTP
	g.Go(func() error {
		<-gctx.Done()
		sched.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
