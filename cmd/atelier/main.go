package main

import (
	"context"
	"time"

	"atelier/internal/api"
	"atelier/internal/billing"
	"atelier/internal/executor"
	"atelier/internal/handler"
	"atelier/internal/provider"
	"atelier/internal/scheduler"
	"atelier/internal/service"
	"atelier/internal/storage"
	"atelier/internal/store"
	"atelier/internal/uploader"
	"atelier/pkg/config"
	"atelier/pkg/database"
	"atelier/pkg/logging"
	"atelier/pkg/monitoring"
	"atelier/pkg/server"
	"atelier/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("atelier")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Atelier (Task Engine)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Artifact storage
	s3Client, err := storage.NewS3Client(storage.S3ConfigFromEnv(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize artifact storage")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("atelier", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("atelier", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("object_store", monitoring.ObjectStoreHealthCheck(s3Client.Probe))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Task and billing metrics
	taskMetrics := &handler.Metrics{}
	taskMetrics.Tasks, taskMetrics.Retries, taskMetrics.Duration = metricsCollector.CreateTaskMetrics()
	billingMetrics := &billing.Metrics{}
	billingMetrics.Operations, billingMetrics.Credits = metricsCollector.CreateBillingMetrics()

	// Core components
	st := store.New(db, logger)
	billingService := billing.NewService(st, logger, billingMetrics)
	taskService := service.NewTaskService(st, billingService, logger)

	uploadTimeout := config.GetEnvDuration("UPLOAD_TIMEOUT", 5*time.Minute)
	up := uploader.New(s3Client, uploadTimeout, logger)

	schedCfg := scheduler.ConfigFromEnv()
	defaultHandler := handler.NewDefaultHandler(st, billingService, up, logger, taskMetrics, schedCfg.MaxRetries, scheduler.Backoff)

	// Provider registry: one adapter per supported task type, all sharing
	// the default handler.
	registry := executor.NewRegistry()
	registrations := []provider.Provider{
		provider.NewLipsyncProvider(provider.ConfigFromEnv("LIPSYNC"), logger),
		provider.NewMotionProvider(provider.ConfigFromEnv("MOTION"), logger),
		provider.NewTTSProvider(provider.ConfigFromEnv("TTS"), logger),
		provider.NewTxt2ImgProvider(provider.ConfigFromEnv("TXT2IMG"), logger),
	}
	for _, p := range registrations {
		if err := registry.Register(p, defaultHandler); err != nil {
			logger.WithError(err).Fatal("Provider registration failed")
		}
	}

	exec := executor.New(registry, st, logger)

	// Scheduler: main loop + async poll loop + timeout sweep
	sched := scheduler.New(schedCfg, st, exec, billingService, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	defer sched.Stop()

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "atelier", healthChecker, metricsCollector)

	// API routes
	api.New(taskService, s3Client, logger).RegisterRoutes(router, []byte(jwtSecret))

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("atelier", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
