package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/broadcast-api/config"
	"github.com/jwalitptl/broadcast-api/internal/handler/status"
	"github.com/jwalitptl/broadcast-api/internal/model"
	"github.com/jwalitptl/broadcast-api/internal/pipeline"
	"github.com/jwalitptl/broadcast-api/internal/repository/postgres"
	"github.com/jwalitptl/broadcast-api/internal/router"
	"github.com/jwalitptl/broadcast-api/internal/scheduler"
	"github.com/jwalitptl/broadcast-api/internal/workflow"
	"github.com/jwalitptl/broadcast-api/pkg/directory"
	"github.com/jwalitptl/broadcast-api/pkg/logger"
	"github.com/jwalitptl/broadcast-api/pkg/messaging"
	redisq "github.com/jwalitptl/broadcast-api/pkg/messaging/redis"
	"github.com/jwalitptl/broadcast-api/pkg/metrics"
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

	m := metrics.NewMetrics("broadcast", "orchestrator")

	queue, err := redisq.NewTaskQueue(redisq.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: cfg.Redis.RetryBackoff,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		Queues:       []string{model.QueuePrepare, model.QueueDelivery, model.QueueDeadLetter},
	}, &log.Logger, m)
	if err != nil {
		appLogger.Fatal(err, "Failed to create task queue")
	}
	defer queue.Close()

	base := postgres.NewBaseRepository(db)
	notificationRepo := postgres.NewNotificationRepository(base)
	recipientRepo := postgres.NewRecipientRepository(base)
	payloadRepo := postgres.NewPayloadRepository(base)
	workflowRepo := postgres.NewWorkflowRepository(base)

	directoryClient := directory.NewHTTPClient(cfg.Directory.BaseURL, cfg.Directory.Timeout)

	p := pipeline.New(notificationRepo, recipientRepo, payloadRepo, directoryClient, queue, cfg.Pipeline, appLogger)

	engine := workflow.NewEngine(workflowRepo, appLogger, m, cfg.Pipeline.WorkflowConcurrency)
	engine.Register(pipeline.WorkflowKind, p.Run)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Shutting down...")
		cancel()
	}()

	// Status server.
	statusHandler := status.NewHandler(notificationRepo, recipientRepo, appLogger)
	go func() {
		r := router.New(statusHandler)
		if err := r.Run(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
			appLogger.Fatal(err, "Status server failed")
		}
	}()

	// Scheduler promoting due notifications into the prepare queue.
	sched := scheduler.New(notificationRepo, queue, cfg.Scheduler, appLogger)
	go func() {
		if err := sched.Start(ctx); err != nil {
			appLogger.Error(err, "Scheduler stopped")
		}
	}()

	// Pick up workflows a previous process left running.
	if err := engine.ResumeRunning(ctx, pipeline.WorkflowKind, 100); err != nil {
		appLogger.Error(err, "Failed to resume running workflows")
	}

	consumePrepareTasks(ctx, queue, engine, appLogger, m)
	engine.Wait()
}

// consumePrepareTasks starts one pipeline workflow per prepare task. The
// workflows run on the engine's pool, so a long-running pipeline does not
// stall the dequeue loop.
func consumePrepareTasks(ctx context.Context, queue messaging.TaskQueue, engine *workflow.Engine, appLogger *logger.Logger, m *metrics.Metrics) {
	validate := validator.New()

	for {
		raw, err := queue.Dequeue(ctx, model.QueuePrepare)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			appLogger.Error(err, "Failed to dequeue prepare task")
			continue
		}

		var task model.PrepareTask
		if err := json.Unmarshal(raw, &task); err != nil {
			m.MalformedTasks.Inc()
			appLogger.Error(err, "Malformed prepare task dropped")
			continue
		}
		if err := validate.Struct(task); err != nil {
			m.MalformedTasks.Inc()
			appLogger.Error(err, "Invalid prepare task dropped")
			continue
		}

		appLogger.Info("Starting delivery pipeline", "notification_id", task.NotificationID.String())
		if err := engine.StartAsync(ctx, pipeline.WorkflowKind, pipeline.Input{NotificationID: task.NotificationID}); err != nil {
			appLogger.Error(err, "Failed to start delivery pipeline", "notification_id", task.NotificationID.String())
		}
	}
}
