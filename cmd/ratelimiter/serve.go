package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	ratelimiter "github.com/Fischlvor/crm-ratelimiter"
	ginmw "github.com/Fischlvor/crm-ratelimiter/drivers/middleware/gin"
	"github.com/Fischlvor/crm-ratelimiter/drivers/store/memory"
	"github.com/Fischlvor/crm-ratelimiter/drivers/store/redis"
	"github.com/Fischlvor/crm-ratelimiter/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

const (
	storeRedis  = "redis"
	storeMemory = "memory"
)

type serveOptions struct {
	store           string
	metricsInterval time.Duration
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动带限流的HTTP服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.store, "store", storeRedis, "限流后端（redis/memory）")
	cmd.Flags().DurationVar(&opts.metricsInterval, "metrics-interval", 0, "指标输出到stdout的间隔，0表示不输出")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(config.Log)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer log.Sync()

	mp, shutdownMetrics, err := newMeterProvider(opts.metricsInterval)
	if err != nil {
		return err
	}
	defer shutdownMetrics()

	var store ratelimiter.Store
	switch opts.store {
	case storeRedis:
		rs := redis.NewStoreFromConfig(config.Redis, redis.WithLogger(log))
		defer rs.Close()
		store = rs
	case storeMemory:
		ms := memory.NewStore()
		defer ms.Close()
		go cleanupLoop(ctx, ms, log)
		store = ms
	default:
		return fmt.Errorf("不支持的限流后端: %s", opts.store)
	}

	limiter, err := ratelimiter.NewFromConfig(config, store,
		ratelimiter.WithLogger(log),
		ratelimiter.WithMeterProvider(mp))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    config.Server.Addr,
		Handler: newRouter(limiter),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP服务启动",
			zap.String("addr", config.Server.Addr),
			zap.String("store", opts.store),
			zap.Bool("enabled", limiter.IsEnabled()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("正在关闭HTTP服务")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("关闭HTTP服务失败: %w", err)
	}
	return nil
}

// newRouter 创建gin路由，/health 在默认配置下不限流
func newRouter(limiter *ratelimiter.Limiter) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ginmw.NewMiddleware(limiter))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	return r
}

// newMeterProvider interval为0时不导出指标
func newMeterProvider(interval time.Duration) (metric.MeterProvider, func(), error) {
	if interval <= 0 {
		return noop.NewMeterProvider(), func() {}, nil
	}

	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, nil, fmt.Errorf("创建指标导出器失败: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	return mp, func() { _ = mp.Shutdown(context.Background()) }, nil
}

// cleanupLoop 定期清理内存存储中过期的桶
func cleanupLoop(ctx context.Context, store *memory.Store, log *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if n := store.Cleanup(float64(t.UnixNano()) / float64(time.Second)); n > 0 {
				log.Debug("清理过期令牌桶", zap.Int("count", n))
			}
		}
	}
}

func loadConfig() (*ratelimiter.Config, error) {
	path, err := ratelimiter.GetConfigPath(configFile)
	if err != nil {
		return nil, err
	}
	return ratelimiter.LoadConfig(path)
}
