package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gradewell/internal/common/cache"
	"gradewell/internal/common/db"
	"gradewell/internal/common/mq"
	"gradewell/internal/common/storage"
	"gradewell/internal/grading/controller"
	"gradewell/internal/grading/execclient"
	"gradewell/internal/grading/metrics"
	"gradewell/internal/grading/prepare"
	"gradewell/internal/grading/repository"
	"gradewell/internal/grading/service"
	"gradewell/pkg/utils/logger"
)

const defaultConfigPath = "configs/grading_worker.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(context.Background(), "init minio failed", zap.Error(err))
		return
	}

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
	if err != nil {
		logger.Error(context.Background(), "init kafka failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mqClient.Close()
	}()

	breakers := execclient.NewBreakerRegistry(appCfg.Exec.Breaker)
	execClient, err := execclient.NewClient(appCfg.Exec, breakers)
	if err != nil {
		logger.Error(context.Background(), "init execution service client failed", zap.Error(err))
		return
	}

	preparer, err := prepare.NewPreparer(objStorage, appCfg.Prepare)
	if err != nil {
		logger.Error(context.Background(), "init preparer failed", zap.Error(err))
		return
	}

	submissionRepo := repository.NewSubmissionRepository(mysqlDB)
	resultRepo := repository.NewTestResultRepository(mysqlDB)
	versionRepo := repository.NewVersionRepository(mysqlDB, redisCache)
	store := repository.NewGradingStore(mysqlDB, submissionRepo, resultRepo)

	promRegistry := prometheus.NewRegistry()
	gradingMetrics := metrics.New(promRegistry)

	healthGate := service.NewHealthGate(execClient, appCfg.Grading.HealthInterval)
	if appCfg.Grading.HealthCheckOnStart {
		startCtx, cancel := context.WithTimeout(context.Background(), appCfg.Exec.Timeout+5*time.Second)
		if !healthGate.CheckNow(startCtx) {
			logger.Warn(context.Background(), "execution service unhealthy at startup")
		}
		cancel()
	}

	worker := service.NewWorker(store, versionRepo, preparer, execClient, healthGate, gradingMetrics)
	enqueuer := service.NewEnqueuer(mqClient, appCfg.Kafka.Topic, submissionRepo, versionRepo)
	dispatcher := service.NewDispatcher(mqClient, appCfg.Kafka.Topic, appCfg.Kafka.ConsumerGroup, appCfg.Kafka.Concurrency, worker, enqueuer)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go gradingMetrics.WatchQueueDepth(runCtx, submissionRepo, appCfg.Grading.QueueDepthInterval)

	if err := dispatcher.Start(runCtx); err != nil {
		logger.Error(context.Background(), "start dispatcher failed", zap.Error(err))
		return
	}

	gradingController := controller.NewGradingController(submissionRepo, resultRepo, enqueuer)
	httpServer := buildHTTPServer(appCfg.Server, mysqlDB, redisCache, mqClient, healthGate, promRegistry, gradingController)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "grading worker http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	if err := dispatcher.Stop(); err != nil {
		logger.Error(context.Background(), "dispatcher shutdown failed", zap.Error(err))
	}
	cancelRun()
}

func buildHTTPServer(cfg ServerConfig, database db.Database, redisCache cache.Cache, queue mq.MessageQueue, health *service.HealthGate, registry *prometheus.Registry, gradingController *controller.GradingController) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	api := router.Group("/api/v1/grading")
	api.GET("/submissions/:id", gradingController.GetStatus)
	api.POST("/submissions/:id/regrade", gradingController.Regrade)

	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		components := gin.H{
			"database":          pingStatus(database.Ping(ctx)),
			"redis":             pingStatus(redisCache.Ping(ctx)),
			"kafka":             pingStatus(queue.Ping(ctx)),
			"execution_service": boolStatus(health.Healthy(ctx)),
		}
		status := http.StatusOK
		for _, state := range components {
			if state != "ok" {
				status = http.StatusServiceUnavailable
				break
			}
		}
		c.JSON(status, gin.H{"status": httpStatusWord(status), "components": components})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func pingStatus(err error) string {
	if err != nil {
		return "unavailable"
	}
	return "ok"
}

func boolStatus(ok bool) string {
	if !ok {
		return "unavailable"
	}
	return "ok"
}

func httpStatusWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
