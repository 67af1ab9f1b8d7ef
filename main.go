package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/config"
	"github.com/ekaya-inc/ekaya-insights/pkg/database"
	"github.com/ekaya-inc/ekaya-insights/pkg/datasource"
	"github.com/ekaya-inc/ekaya-insights/pkg/fetcher"
	"github.com/ekaya-inc/ekaya-insights/pkg/handlers"
	"github.com/ekaya-inc/ekaya-insights/pkg/llm"
	"github.com/ekaya-inc/ekaya-insights/pkg/logging"
	"github.com/ekaya-inc/ekaya-insights/pkg/middleware"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/notify"
	"github.com/ekaya-inc/ekaya-insights/pkg/quota"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
	"github.com/ekaya-inc/ekaya-insights/pkg/retry"
	"github.com/ekaya-inc/ekaya-insights/pkg/services"
	"github.com/ekaya-inc/ekaya-insights/pkg/worker"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" || env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.URL())),
		zap.String("redis", cfg.Redis.Host),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.Bool("web_search", cfg.WebSearch.Endpoint != ""))

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: cfg.Database.MaxConnections,
		ConnectRetry:   &retry.Config{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2.0},
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := database.RunMigrations(cfg.Database.URL(), cfg.Database.MigrationsPath, logger); err != nil {
		return err
	}

	systemCtx := database.NewSystemContextFunc(db)
	// Job and loop contexts also name the tenant so LLM calls hit its rate budget.
	tenantCtx := services.WithLLMTenantWrapper(database.NewTenantContextFunc(db))

	// Repositories
	searchRepo := repositories.NewSavedSearchRepository()
	snapshotRepo := repositories.NewSnapshotRepository()
	pageRepo := repositories.NewScrapedPageRepository()
	alertRepo := repositories.NewAlertRepository()
	learningRepo := repositories.NewLearningRepository()
	notificationRepo := repositories.NewNotificationRepository()
	tenantRepo := repositories.NewTenantRepository()
	jobRepo := repositories.NewJobRepository()
	recordRepo := repositories.NewInternalRecordRepository()

	tenantService := services.NewTenantService(tenantRepo, tenantDefaults(cfg.Defaults), logger)

	ledger, closeLedger, err := newLedger(ctx, cfg, tenantService, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	completer, err := newCompleter(cfg.LLM, logger)
	if err != nil {
		return err
	}
	embedder, err := llm.NewClient(&llm.Config{
		Endpoint:       cfg.Embedding.BaseURL,
		EmbeddingModel: cfg.Embedding.Model,
		APIKey:         cfg.Embedding.APIKey,
		Timeout:        cfg.Embedding.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create embedding client: %w", err)
	}

	sources := []datasource.Source{datasource.NewInternalSource(recordRepo, cfg.Executor.InternalLimit)}
	if cfg.WebSearch.Endpoint != "" {
		web, err := datasource.NewWebSource(datasource.WebConfig{
			Endpoint:   cfg.WebSearch.Endpoint,
			APIKey:     cfg.WebSearch.APIKey,
			Timeout:    cfg.WebSearch.Timeout,
			MaxResults: cfg.WebSearch.MaxResults,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create web search source: %w", err)
		}
		sources = append(sources, web)
	}

	notificationService := services.NewNotificationService(services.NotificationConfig{
		MaxRetries:          cfg.Notifications.MaxRetries,
		DigestCheckInterval: cfg.Notifications.DigestCheckInterval,
		AppURL:              cfg.Notifications.AppURL,
	}, notificationRepo, alertRepo, searchRepo, tenantRepo, tenantService, ledger,
		newTransports(cfg.Notifications, notificationRepo, logger), systemCtx, tenantCtx, logger)

	// Pipeline stages
	detectorService := services.NewDetectorService(services.DetectorConfig{
		LLMRetries:        cfg.Detector.LLMRetries,
		MaxChunksInPrompt: cfg.Detector.MaxChunksInPrompt,
	}, searchRepo, snapshotRepo, pageRepo, alertRepo, learningRepo, tenantService, completer, notificationService, logger)

	deepContentService := services.NewDeepContentService(services.DeepContentConfig{
		ChunkTokens: cfg.DeepContent.ChunkTokens,
	}, fetcher.New(fetcher.Config{
		Timeout:       cfg.DeepContent.FetchTimeout,
		MaxBodyBytes:  cfg.DeepContent.MaxBodyBytes,
		MinTextLength: cfg.DeepContent.MinTextLength,
		UserAgent:     cfg.DeepContent.UserAgent,
	}, logger), embedder, pageRepo, logger)

	backoff := &retry.Config{
		MaxRetries:   cfg.Executor.MaxAttempts,
		InitialDelay: cfg.Executor.BaseBackoff,
		MaxDelay:     cfg.Executor.MaxBackoff,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}

	detectPool := worker.NewPool(worker.Config{
		Kind:         models.JobKindDetectChanges,
		Workers:      cfg.Detector.Workers,
		PollInterval: cfg.Detector.PollInterval,
		MaxAttempts:  cfg.Detector.MaxAttempts,
		Backoff:      backoff,
	}, jobRepo, detectorService, systemCtx, tenantCtx, logger)

	deepPool := worker.NewPool(worker.Config{
		Kind:         models.JobKindDeepContent,
		Workers:      cfg.DeepContent.Workers,
		PollInterval: cfg.DeepContent.PollInterval,
		MaxAttempts:  cfg.DeepContent.MaxAttempts,
		Backoff:      backoff,
	}, jobRepo, deepContentService, systemCtx, tenantCtx, logger)

	executorService := services.NewExecutorService(services.ExecutorConfig{
		SourceTimeout:          cfg.Executor.SourceTimeout,
		MaxResults:             cfg.WebSearch.MaxResults,
		DeepContentMaxAttempts: cfg.DeepContent.MaxAttempts,
		DetectMaxAttempts:      cfg.Detector.MaxAttempts,
		DetectDelay:            2 * cfg.DeepContent.FetchTimeout,
	}, searchRepo, snapshotRepo, jobRepo, tenantRepo, ledger, sources, deepPool.Notify, detectPool.Notify, logger)

	executePool := worker.NewPool(worker.Config{
		Kind:         models.JobKindExecuteSearch,
		Workers:      cfg.Executor.Workers,
		PollInterval: cfg.Executor.PollInterval,
		MaxAttempts:  cfg.Executor.MaxAttempts,
		Backoff:      backoff,
	}, jobRepo, executorService, systemCtx, tenantCtx, logger)

	schedulerService := services.NewSchedulerService(services.SchedulerConfig{
		TickInterval:   cfg.Scheduler.TickInterval,
		PageSize:       cfg.Scheduler.PageSize,
		JobMaxAttempts: cfg.Executor.MaxAttempts,
	}, database.NewLeaderLock(db, cfg.Scheduler.LockKey), searchRepo, tenantRepo, ledger, systemCtx, executePool.Notify, logger)

	learningService := services.NewLearningService(services.LearningConfig{
		RefineInterval:       cfg.Learning.RefineInterval,
		WindowDays:           cfg.Learning.WindowDays,
		MinSamples:           cfg.Learning.MinSamples,
		FalsePositiveCeiling: cfg.Learning.FalsePositiveCeiling,
		RelevantFloor:        cfg.Learning.RelevantFloor,
		ConfidenceZ:          cfg.Learning.ConfidenceZ,
		ThresholdStep:        cfg.Learning.ThresholdStep,
		ThresholdFloor:       cfg.Learning.ThresholdFloor,
		ThresholdCeiling:     cfg.Learning.ThresholdCeiling,
		SuppressionMinHits:   cfg.Learning.SuppressionMinHits,
	}, alertRepo, searchRepo, learningRepo, tenantRepo, tenantService, completer, systemCtx, tenantCtx, logger)

	retentionService := services.NewRetentionService(tenantRepo, snapshotRepo, pageRepo, alertRepo, jobRepo,
		tenantService, systemCtx, tenantCtx, logger)

	searchService := services.NewSearchService(searchRepo, snapshotRepo, tenantRepo, tenantService, ledger, logger)
	alertService := services.NewAlertService(alertRepo, searchRepo, logger)
	adminService := services.NewAdminService(searchRepo, snapshotRepo, alertRepo, tenantRepo, jobRepo, ledger, logger)

	// Background loops
	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){
		schedulerService.Run,
		executePool.Run,
		deepPool.Run,
		detectPool.Run,
		learningService.Run,
		notificationService.Run,
		func(ctx context.Context) { retentionService.RunScheduler(ctx, cfg.Retention.Interval) },
	} {
		wg.Add(1)
		go func(loop func(context.Context)) {
			defer wg.Done()
			loop(ctx)
		}(loop)
	}

	// HTTP API
	mux := http.NewServeMux()
	tenantMiddleware := database.WithTenantContext(db, logger)

	handlers.NewHealthHandler(cfg, db, logger).RegisterRoutes(mux)
	handlers.NewSearchHandler(searchService, logger).RegisterRoutes(mux, tenantMiddleware)
	handlers.NewAlertHandler(alertService, learningService, logger).RegisterRoutes(mux, tenantMiddleware)
	handlers.NewAdminHandler(adminService, tenantService, learningService, logger).
		RegisterRoutes(mux, tenantMiddleware, middleware.RequireAdminToken(cfg.AdminToken, logger))
	handlers.NewNotificationHandler(notificationService, logger).RegisterRoutes(mux, tenantMiddleware)
	handlers.NewRetentionHandler(tenantService, retentionService, logger).RegisterRoutes(mux, tenantMiddleware)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:      middleware.RequestLogger(logger)(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-insights",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-serverErr:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}

	// Workers finish their in-flight jobs before the pool is closed.
	wg.Wait()
	logger.Info("Shutdown complete")
	return runErr
}

func tenantDefaults(d config.TenantDefaults) models.TenantSettings {
	return models.TenantSettings{
		DefaultConfidenceThreshold: d.ConfidenceThreshold,
		DigestSchedule:             models.Frequency(d.DigestSchedule),
		RetentionDays:              d.RetentionDays,
		LearningEnabled:            d.LearningEnabled,
		MaxActiveSearches:          d.MaxActiveSearches,
		MaxDailyExecutions:         d.MaxDailyExecutions,
		MaxDailyNotifications:      d.MaxDailyNotify,
	}
}

// newLedger backs the quota ledger with Redis when configured so every
// replica shares counters, and with process memory otherwise.
func newLedger(ctx context.Context, cfg *config.Config, limits quota.LimitSource, logger *zap.Logger) (*quota.Ledger, func(), error) {
	client, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		logger.Warn("Redis not configured, quota counters are per-process")
		return quota.NewLedger(quota.NewMemoryStore(), limits, logger), func() {}, nil
	}
	logger.Info("Quota ledger backed by Redis", zap.String("addr", net.JoinHostPort(cfg.Redis.Host, fmt.Sprint(cfg.Redis.Port))))
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close Redis client", zap.Error(err))
		}
	}
	return quota.NewLedger(quota.NewRedisStore(client, "ekaya-insights:quota"), limits, logger), closeFn, nil
}

// newCompleter builds the analysis model client behind a per-tenant rate
// limiter and a shared circuit breaker.
func newCompleter(cfg config.LLMConfig, logger *zap.Logger) (llm.Completer, error) {
	var inner llm.Completer
	switch cfg.Provider {
	case "anthropic":
		client, err := llm.NewAnthropicClient(&llm.AnthropicConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic client: %w", err)
		}
		inner = client
	default:
		client, err := llm.NewClient(&llm.Config{
			Endpoint: cfg.BaseURL,
			Model:    cfg.Model,
			APIKey:   cfg.APIKey,
			Timeout:  cfg.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create llm client: %w", err)
		}
		inner = client
	}

	breaker := llm.NewCircuitBreaker(llm.CircuitBreakerConfig{
		Threshold:  cfg.BreakerThreshold,
		ResetAfter: cfg.BreakerResetAfter,
	})
	return llm.NewGuardedCompleter(inner, llm.NewTenantLimiter(cfg.RequestsPerMinute, cfg.Burst), breaker, logger), nil
}

func newTransports(cfg config.NotificationsConfig, inbox notify.InAppStore, logger *zap.Logger) *notify.Registry {
	transports := []notify.Transport{
		notify.NewInAppTransport(inbox),
		notify.NewWebhookTransport(cfg.Timeout),
		notify.NewChatTransport(cfg.Timeout),
	}
	if cfg.SMTP.Host != "" {
		transports = append(transports, notify.NewEmailTransport(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			Timeout:  cfg.Timeout,
		}))
	} else {
		logger.Info("SMTP not configured, email channel disabled")
	}
	if cfg.PushGatewayURL != "" {
		transports = append(transports, notify.NewPushTransport(cfg.PushGatewayURL, cfg.PushGatewayToken, cfg.Timeout))
	}
	return notify.NewRegistry(transports...)
}
