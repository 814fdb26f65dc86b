// warren is the host daemon: it admits conversation prompts over HTTP,
// schedules isolated worker containers, consumes their mailboxes, and
// streams lifecycle events to observers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/warrenhq/warren/internal/api"
	"github.com/warrenhq/warren/internal/common/config"
	"github.com/warrenhq/warren/internal/common/database"
	"github.com/warrenhq/warren/internal/common/logger"
	"github.com/warrenhq/warren/internal/conversation"
	"github.com/warrenhq/warren/internal/credentials"
	"github.com/warrenhq/warren/internal/dispatch"
	"github.com/warrenhq/warren/internal/events/bus"
	"github.com/warrenhq/warren/internal/mailbox"
	"github.com/warrenhq/warren/internal/queue"
	"github.com/warrenhq/warren/internal/schedule"
	"github.com/warrenhq/warren/internal/session"
	"github.com/warrenhq/warren/internal/worker/docker"
	"github.com/warrenhq/warren/internal/worker/lifecycle"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Warren host...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Initialize Docker client
	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	defer dockerClient.Close()

	if err := dockerClient.Ping(ctx); err != nil {
		log.Fatal("Failed to connect to Docker daemon", zap.Error(err))
	}
	log.Info("Connected to Docker daemon")

	// Clear workers orphaned by a previous crash before admitting anything.
	if reaped, err := dockerClient.ReapManaged(ctx); err != nil {
		log.Error("Failed to reap orphaned workers", zap.Error(err))
	} else if reaped > 0 {
		log.Info("Reaped orphaned worker containers", zap.Int("count", reaped))
	}

	// 6. Conversation store: Postgres when database.host is set, SQLite otherwise
	if err := os.MkdirAll(cfg.Worker.DataDir, 0o755); err != nil {
		log.Fatal("Failed to create data directory", zap.Error(err))
	}
	var store conversation.Store
	if cfg.Database.Host != "" {
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		defer db.Close()
		store, err = conversation.NewPostgresStore(ctx, db)
		if err != nil {
			log.Fatal("Failed to initialize conversation store", zap.Error(err))
		}
		log.Info("Using PostgreSQL conversation store", zap.String("host", cfg.Database.Host))
	} else {
		dbPath := filepath.Join(cfg.Worker.DataDir, "warren.db")
		store, err = conversation.NewSQLiteStore(dbPath)
		if err != nil {
			log.Fatal("Failed to open SQLite conversation store", zap.Error(err))
		}
		log.Info("Using SQLite conversation store", zap.String("path", dbPath))
	}

	registry := conversation.NewRegistry(store, log)
	if err := registry.Load(ctx); err != nil {
		log.Fatal("Failed to load conversations", zap.Error(err))
	}
	log.Info("Loaded conversation registry", zap.Int("conversations", len(registry.List())))

	// 7. Session store over the directory mounted into workers
	sessions, err := session.NewFileStore(filepath.Join(cfg.Worker.DataDir, "sessions"))
	if err != nil {
		log.Fatal("Failed to open session store", zap.Error(err))
	}

	// 8. Mount policy and worker lifecycle manager
	policy, err := lifecycle.NewMountPolicy(cfg.Worker.DataDir, cfg.Worker.SharedRoots)
	if err != nil {
		log.Fatal("Invalid mount configuration", zap.Error(err))
	}
	manager := lifecycle.NewManager(dockerClient, policy, cfg.Docker, cfg.Worker, log)

	// 9. Credentials provider feeding the per-invocation secret bundle
	creds := credentials.NewEnvProvider("WARREN_")
	runner := lifecycle.NewRunner(manager, creds, log)

	// 10. Dispatch layer: outbound adapter, mailbox consumers, scheduler
	outbound := dispatch.NewBusOutbound(eventBus, log)
	mailboxRoot := filepath.Join(cfg.Worker.DataDir, "mailbox")
	openMailbox := func(key string) *mailbox.Mailbox {
		return mailbox.New(mailboxRoot, key)
	}

	// The scheduler admits into the controller; wire the cycle through a
	// late-bound reference.
	var controller *queue.Controller
	scheduler := schedule.NewScheduler(admitterFunc(func(ctx context.Context, key, prompt string, scheduled bool) (queue.Disposition, error) {
		return controller.Admit(ctx, key, prompt, scheduled)
	}), log)

	supervisor := dispatch.NewSupervisor(runner, openMailbox, outbound, scheduler,
		eventBus, cfg.Mailbox.PollInterval(), log)
	notifier := dispatch.NewGiveUpNotifier(outbound, log)

	// 11. Queue controller
	controller = queue.NewController(cfg.Queue, registry, supervisor, supervisor, notifier, eventBus, log)
	log.Info("Queue controller ready",
		zap.Int("max_concurrent", cfg.Queue.MaxConcurrent),
		zap.Int("retry_ceiling", cfg.Queue.RetryCeiling))

	// 12. HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log))
	router.Use(api.RequestLogger(log))
	router.Use(api.CORS())

	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, controller, registry, scheduler, sessions, eventBus, log)

	handler := api.NewHandler(controller, registry, scheduler, sessions, log)
	router.GET("/health", handler.HealthCheck)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 13. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Warren host...")

	// 15. Graceful shutdown: stop intake, drain workers, flush state
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	scheduler.Close()

	if err := controller.Close(shutdownCtx); err != nil {
		log.Error("Queue controller drain error", zap.Error(err))
	}
	supervisor.Wait()

	cancel()

	if err := registry.Close(context.Background()); err != nil {
		log.Error("Conversation registry close error", zap.Error(err))
	}

	log.Info("Warren host stopped")
}

// admitterFunc adapts a function to the schedule.Admitter interface.
type admitterFunc func(ctx context.Context, key, prompt string, scheduled bool) (queue.Disposition, error)

func (f admitterFunc) Admit(ctx context.Context, key, prompt string, scheduled bool) (queue.Disposition, error) {
	return f(ctx, key, prompt, scheduled)
}
