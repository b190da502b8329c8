package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/robfig/cron/v3"

	"github.com/freightops/relay/configs"
	db2 "github.com/freightops/relay/db"
	"github.com/freightops/relay/internal/domain"
	"github.com/freightops/relay/internal/errval"
	"github.com/freightops/relay/internal/postgres"
	"github.com/freightops/relay/internal/rabbitmq"
	"github.com/freightops/relay/internal/recovery"
	"github.com/freightops/relay/internal/redis"
	"github.com/freightops/relay/internal/reminder"
	"github.com/freightops/relay/internal/scheduler"
	"github.com/freightops/relay/internal/server"
	"github.com/freightops/relay/internal/ses"
	"github.com/freightops/relay/pkg/tasks"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

var postgresIsReady, rabbitIsReady, redisIsReady bool

func main() {
	cfg := configs.InitConfig()

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))

	d, err := iofs.New(db2.Migrations, "migrations")
	if err != nil {
		log.Fatal(err)
		return
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, cfg.Database.ToMigrationUri())
	if err != nil {
		log.Fatal(err)
		return
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal(err)
		}
	}
	slog.Info("Migrations ran successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage, err := postgres.NewStorage(ctx, cfg.Database.ToDbConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	postgresIsReady = true
	slog.Info("Postgres connection has been initialized successfully")

	rabbitClient, err := rabbitmq.NewRabbitMQClient(ctx, cfg.RabbitMQ.ToRabbitConnectionUri(), cfg.RabbitMQ.GetMainQueueNames())
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		err = rabbitClient.Close()
		if err != nil {
			slog.Error("An error occurred while closing RabbitMQ connection", "error", err.Error())
		}
	}()
	rabbitIsReady = true
	slog.Info("RabbitMQ has been initialized successfully")

	redisClient, err := redis.NewClient(ctx, cfg.RedisConfig.ToRedisConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		err = redisClient.Close()
		if err != nil {
			slog.Error("An error occurred while closing Redis connection", "error", err.Error())
		}
	}()
	redisIsReady = true
	slog.Info("Redis connection has been initialized successfully")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SES.Region))
	if err != nil {
		log.Fatal(err)
	}
	transport, err := ses.NewSender(awsCfg, cfg.SES.FromEmail)
	if err != nil {
		log.Fatal(err)
	}

	retryQueue := recovery.NewQueue(transport, storage)
	dispatcher := reminder.NewDispatcher(storage, storage, transport, storage, retryQueue)
	registry := scheduler.NewRegistry(storage, scheduler.WithRunTimeout(time.Duration(cfg.TaskRunTimeOutInSeconds)*time.Second))
	factory := tasks.NewFactory(dispatcher.Handler(), retryQueue.SweepHandler())

	registerDefaultTasks(registry, factory, cfg)

	sched := scheduler.New(registry, redisClient,
		scheduler.WithCheckInterval(time.Duration(cfg.SchedulerCheckIntervalSeconds)*time.Second))
	go sched.Start(ctx)

	startBounceConsumer(ctx, rabbitClient, cfg.RabbitMQ.BouncesQueueName, retryQueue)

	serverLogic := server.NewServerLogic(registry, storage, retryQueue, factory)
	router := setupHTTPServer(serverLogic, storage, rabbitClient, redisClient)
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	go func() {
		log.Printf("Starting server on port %s\n", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}

func registerDefaultTasks(registry *scheduler.Registry, factory *tasks.Factory, cfg *configs.Config) {
	reminderHandler, err := factory.ForType(tasks.TypeDocumentReminder)
	if err != nil {
		log.Fatal(err)
	}
	sweepHandler, err := factory.ForType(tasks.TypeRetrySweep)
	if err != nil {
		log.Fatal(err)
	}

	if _, err := registry.Register(scheduler.Definition{
		Name:        "document-reminders",
		Description: "Sends document reminders for shipments awaiting paperwork",
		Schedule:    cfg.ReminderSchedule,
		Handler:     reminderHandler,
	}); err != nil {
		log.Fatal(err)
	}

	if _, err := registry.Register(scheduler.Definition{
		Name:        "retry-sweep",
		Description: "Retries queued failed notification sends that are due",
		Schedule:    cfg.RetrySweepSchedule,
		Handler:     sweepHandler,
	}); err != nil {
		log.Fatal(err)
	}
}

func startBounceConsumer(ctx context.Context, rabbitClient domain.Queue, queueName string, retryQueue *recovery.Queue) {
	handlerFunc := func(input string) {
		message := rabbitmq.BounceMessage{}
		if err := json.Unmarshal([]byte(input), &message); err != nil {
			slog.Error("There was an error in unmarshalling the bounce message", "error", err)
			return
		}
		if message.SendID == "" {
			slog.Error("Bounce message without a send id has been pushed to queue, ignoring...", "raw", input)
			return
		}

		slog.Info("Bounce is picked up from the queue", "send_id", message.SendID, "recipient", message.Recipient)
		retryQueue.HandleBounce(ctx, message.SendID, message.Recipient, message.Reason)
	}

	if err := rabbitClient.ConsumeMessages("bounce-consumer", queueName, handlerFunc); err != nil {
		log.Fatalf("Failed to start consuming bounce messages: %v", err)
	}
	slog.Info("Bounce consumer is created successfully", "queue_name", queueName)
}

func setupHTTPServer(serverLogic *server.ServerLogic, storage interface {
	Ping(ctx context.Context) error
}, rabbitClient domain.Queue, redisClient domain.DistributedLock) *gin.Engine {
	r := gin.Default()
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		err := v.RegisterValidation("validate_task_type", validateTaskType)
		if err != nil {
			log.Fatal("failed to bind validation rule of validate_task_type")
		}

		err = v.RegisterValidation("validate_schedule", validateSchedule)
		if err != nil {
			log.Fatal("failed to bind validation rule of validate_schedule")
		}
	}

	taskRoutes := r.Group("/tasks")
	taskRoutes.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tasks": serverLogic.ListTasks(c)})
	})

	taskRoutes.POST("", func(c *gin.Context) {
		req := domain.RouterRequestRegisterTask{}
		err := c.ShouldBindBodyWith(&req, binding.JSON)
		if err != nil {
			slog.Error("error occurred while binding request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{})
			return
		}

		task, err := serverLogic.RegisterTask(c, req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"task": task})
	})

	taskRoutes.GET("/:id", func(c *gin.Context) {
		task, err := serverLogic.GetTask(c, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{})
			return
		}
		c.JSON(http.StatusOK, gin.H{"task": task})
	})

	taskRoutes.DELETE("/:id", func(c *gin.Context) {
		if err := serverLogic.UnregisterTask(c, c.Param("id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{})
			return
		}
		c.JSON(http.StatusOK, gin.H{})
	})

	taskRoutes.POST("/:id/run", func(c *gin.Context) {
		result, err := serverLogic.RunTask(c, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{})
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": result})
	})

	taskRoutes.POST("/run-all", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"results": serverLogic.RunAllTasks(c)})
	})

	eventRoutes := r.Group("/events")
	eventRoutes.GET("/recent", func(c *gin.Context) {
		limit, ok := parseLimit(c)
		if !ok {
			return
		}
		events, err := serverLogic.RecentEvents(c, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	})

	eventRoutes.GET("/failed", func(c *gin.Context) {
		limit, ok := parseLimit(c)
		if !ok {
			return
		}
		events, err := serverLogic.FailedEvents(c, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	})

	eventRoutes.POST("", func(c *gin.Context) {
		req := domain.RouterRequestRecordEvent{}
		if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
			slog.Error("error occurred while binding event request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{})
			return
		}

		eventType := domain.EventType(req.Type)
		switch eventType {
		case domain.EventSent, domain.EventFailed, domain.EventBounced, domain.EventRetried, domain.EventPreviewed:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event type"})
			return
		}

		err := serverLogic.RecordEvent(c, domain.DeliveryEvent{
			SubjectID:    req.SubjectID,
			Type:         eventType,
			Recipient:    req.Recipient,
			TemplateName: req.TemplateName,
			Metadata:     req.Metadata,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}
		c.JSON(http.StatusOK, gin.H{})
	})

	eventRoutes.GET("", func(c *gin.Context) {
		eventType := domain.EventType(c.Query("type"))
		switch eventType {
		case domain.EventSent, domain.EventFailed, domain.EventBounced, domain.EventRetried, domain.EventPreviewed:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event type"})
			return
		}

		events, err := serverLogic.EventsByType(c, eventType)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	})

	retryRoutes := r.Group("/retries")
	retryRoutes.GET("", func(c *gin.Context) {
		recipient := c.Query("recipient")
		if recipient != "" {
			c.JSON(http.StatusOK, gin.H{"records": serverLogic.RetryRecordsByRecipient(c, recipient)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": serverLogic.RetryRecords(c)})
	})

	retryRoutes.POST("/:id/retry", func(c *gin.Context) {
		success, err := serverLogic.RetryOne(c, c.Param("id"))
		if err != nil {
			if err == errval.ErrNotFound {
				c.JSON(http.StatusNotFound, gin.H{})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": success})
	})

	r.POST("/bounces", func(c *gin.Context) {
		req := domain.RouterRequestBounce{}
		if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
			slog.Error("error occurred while binding bounce request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{})
			return
		}

		serverLogic.Bounce(c, req)
		c.JSON(http.StatusOK, gin.H{})
	})

	r.GET("/readiness", func(c *gin.Context) {
		if postgresIsReady && rabbitIsReady && redisIsReady {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		}
	})
	r.GET("/liveness", func(c *gin.Context) {
		// Checking health of depending upon infra connections
		err := storage.Ping(c)
		if err != nil {
			slog.Error("Postgresql seem not to be pingable in liveness API", "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		isRabbitHealthy := rabbitClient.IsHealthy()
		if !isRabbitHealthy {
			slog.Error("Rabbit is not healthy")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		err = redisClient.Ping(c)
		if err != nil {
			slog.Error("Redis seem not to be pingable in liveness API", "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})

	return r
}

func parseLimit(c *gin.Context) (int, bool) {
	limitStr := c.DefaultQuery("limit", "50")
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		slog.Error("Invalid limit parameter", "provided_limit", limitStr)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return 0, false
	}
	return limit, true
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var validateSchedule validator.Func = func(fl validator.FieldLevel) bool {
	_, err := scheduleParser.Parse(fl.Field().String())
	return err == nil
}

var validateTaskType validator.Func = func(fl validator.FieldLevel) bool {
	taskType := fl.Field().String()
	switch taskType {
	case tasks.TypeDocumentReminder, tasks.TypeRetrySweep:
		return true
	default:
		return false
	}
}
