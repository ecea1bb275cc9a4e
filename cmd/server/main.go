package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hooksmith/webhook-engine/internal/alert"
	"github.com/hooksmith/webhook-engine/internal/config"
	"github.com/hooksmith/webhook-engine/internal/database"
	"github.com/hooksmith/webhook-engine/internal/dispatcher"
	"github.com/hooksmith/webhook-engine/internal/handlers"
	"github.com/hooksmith/webhook-engine/internal/logger"
	"github.com/hooksmith/webhook-engine/internal/rabbitmq"
	"github.com/hooksmith/webhook-engine/internal/rotation"
	"github.com/hooksmith/webhook-engine/internal/routes"
	"github.com/hooksmith/webhook-engine/internal/scheduler"
	"github.com/hooksmith/webhook-engine/internal/worker"
)

func main() {
	// Missing .env is fine in containerized deployments.
	_ = godotenv.Load()

	log, err := logger.New(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	db, err := database.Connect(&cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db, log)

	if err := database.RunMigrations(&cfg.Database, log); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	rmq := rabbitmq.NewConnection(&cfg.RabbitMQ, log)
	if err := rmq.Connect(); err != nil {
		log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer rmq.Close()

	rot := rotation.NewManager(db, cfg.Engine.RotationGracePeriod, log)
	notifier := alert.NewLogNotifier(log)

	disp := dispatcher.NewDispatcher(&cfg.Queues, rmq, db, log)
	if err := disp.Start(); err != nil {
		log.Fatal("Failed to start dispatcher", zap.Error(err))
	}

	wrk := worker.NewWorker(&cfg.Queues, &cfg.Engine, rmq, db, notifier, log)
	if err := wrk.Start(); err != nil {
		log.Fatal("Failed to start worker", zap.Error(err))
	}

	sched := scheduler.New(db, rmq, &cfg.Queues, &cfg.Engine, rot, log)
	sched.Start()

	app := fiber.New(fiber.Config{
		AppName:      "webhook-engine",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(fiberlogger.New())

	healthHandler := handlers.NewHealthHandler(db, rmq, log)
	subsHandler := handlers.NewSubscriptionsHandler(db, log, rot)
	routes.SetupRoutes(app, healthHandler, subsHandler)

	go func() {
		addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
		log.Info("Starting HTTP server", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")

	// Stop intake first so in-flight deliveries can finish.
	disp.Stop()
	sched.Stop()
	wrk.Stop()

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}

	log.Info("Shutdown complete")
}
