package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/broadcast-api/config"
	"github.com/jwalitptl/broadcast-api/internal/model"
	"github.com/jwalitptl/broadcast-api/internal/repository/postgres"
	"github.com/jwalitptl/broadcast-api/internal/worker"
	"github.com/jwalitptl/broadcast-api/pkg/channel"
	"github.com/jwalitptl/broadcast-api/pkg/logger"
	redisq "github.com/jwalitptl/broadcast-api/pkg/messaging/redis"
	"github.com/jwalitptl/broadcast-api/pkg/metrics"
	"github.com/jwalitptl/broadcast-api/pkg/throttle"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	appLogger := &logger.Logger{ZL: log.Logger}

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		appLogger.Fatal(err, "Failed to connect to database")
	}
	defer db.Close()

	m := metrics.NewMetrics("broadcast", "worker")

	queue, err := redisq.NewTaskQueue(redisq.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: cfg.Redis.RetryBackoff,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		Queues:       []string{model.QueueDelivery},
	}, &log.Logger, m)
	if err != nil {
		appLogger.Fatal(err, "Failed to create task queue")
	}
	defer queue.Close()

	base := postgres.NewBaseRepository(db)
	notificationRepo := postgres.NewNotificationRepository(base)
	recipientRepo := postgres.NewRecipientRepository(base)
	throttleRepo := postgres.NewThrottleRepository(base)
	payloadRepo := postgres.NewPayloadRepository(base)

	throttleMgr := throttle.NewManager(throttleRepo, payloadRepo)
	channelClient := channel.NewHTTPClient(cfg.Channel.BaseURL, cfg.Channel.Timeout)

	w := worker.NewDeliveryWorker(
		recipientRepo,
		notificationRepo,
		throttleMgr,
		channelClient,
		queue,
		cfg.Delivery,
		appLogger,
		m,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Shutting down...")
		cancel()
	}()

	// Health and metrics surface.
	go func() {
		gin.SetMode(gin.ReleaseMode)
		r := gin.New()
		r.Use(gin.Recovery())
		r.GET("/health/live", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		r.GET("/health/ready", func(c *gin.Context) {
			if err := db.Ping(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
		if err := r.Run(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
			appLogger.Fatal(err, "Health server failed")
		}
	}()

	w.Start(ctx)
}
