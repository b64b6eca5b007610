package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/lysyi3m/feedsync/app/api"
	"github.com/lysyi3m/feedsync/app/cache"
	"github.com/lysyi3m/feedsync/app/catalog"
	"github.com/lysyi3m/feedsync/app/cfg"
	"github.com/lysyi3m/feedsync/app/database"
	"github.com/lysyi3m/feedsync/app/events"
	"github.com/lysyi3m/feedsync/app/feed"
	"github.com/lysyi3m/feedsync/app/language"
	"github.com/lysyi3m/feedsync/app/tasks"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	appCfg, err := cfg.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if appCfg == nil {
		// Help was shown
		return
	}

	level := slog.LevelInfo
	if appCfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	slog.Info("Starting feedsync server", "version", appCfg.Version)

	if err := run(appCfg); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(appCfg *cfg.Cfg) error {
	ctx := context.Background()

	db, err := database.Open(filepath.Join(appCfg.DataDir, "feedsync.db"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("Database ready", "schema_version", version, "dirty", dirty)

	settings := feed.NewSettingsCache(appCfg.SettingsDir)
	if err := settings.Run(); err != nil {
		return fmt.Errorf("failed to load feed settings: %w", err)
	}

	secretRepo := database.NewSecretRepository(db)
	languageRepo := database.NewLanguageRepository(db)
	itemRepo := database.NewItemRepository(db)
	jobRepo := database.NewJobRepository(db)

	bus := events.NewBus()

	catalogClient := catalog.NewClient(catalog.Options{
		BaseURL:           appCfg.CatalogAPIURL,
		Token:             appCfg.CatalogAPIToken,
		UserAgent:         appCfg.UserAgent,
		RequestsPerSecond: appCfg.CatalogAPIRate,
	})

	healthChecks := make(map[string]api.HealthChecker)

	var redisCache *cache.Cache
	if appCfg.RedisAddr != "" {
		redisCache, err = cache.NewCache(ctx, appCfg.RedisAddr, appCfg.LanguageCacheExpiry())
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisCache.Close()
		healthChecks["cache"] = redisCache
	}

	if appCfg.NATSURL != "" {
		nc, err := nats.Connect(appCfg.NATSURL, nats.Name("feedsync"))
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		defer nc.Drain()
		bus.SubscribeAll(events.NewNATSPublisher(nc, appCfg.NATSSubjectPrefix).Handle)
		slog.Info("Forwarding feed events to NATS", "url", appCfg.NATSURL, "prefix", appCfg.NATSSubjectPrefix)
	}

	// The periodic run needs the feed manager, which needs the scheduler.
	var feedManager *feed.Manager

	schedulerOpts := tasks.Options{
		WorkerCount:    appCfg.WorkerCount,
		RetryBaseDelay: appCfg.RetryBaseDelay(),
		Interval:       appCfg.RegenerateEvery(),
		Periodic: func(ctx context.Context) error {
			return feedManager.RunAllFeedUploads(ctx)
		},
		Recorder: jobRepo,
	}
	if redisCache != nil {
		schedulerOpts.Locker = redisCache
	}

	scheduler := tasks.NewScheduler(schedulerOpts)

	feedManager = feed.NewManager(feed.Dependencies{
		BaseDir:    appCfg.FeedsDir,
		BaseURL:    appCfg.BaseUrl,
		PluginName: appCfg.PluginName,
		Settings:   settings,
		Secrets:    secretRepo,
		Sources: func(feedType feed.Type) feed.ItemSource {
			return itemRepo.ItemSource(string(feedType))
		},
		Scheduler: scheduler,
		Emitter:   bus,
	})

	languageOpts := language.Options{
		BaseDir:   appCfg.FeedsDir,
		BaseURL:   appCfg.BaseUrl,
		CatalogID: appCfg,
		NewAPI:    func() language.CatalogAPI { return catalogClient },
		Store:     languageRepo,
	}
	if redisCache != nil {
		languageOpts.Cache = redisCache
		languageOpts.Locker = redisCache
	}
	languageManager := language.NewManager(languageOpts)

	notifier := catalog.NewUploadNotifier(catalogClient, appCfg.IntegrationID, func(ctx context.Context, feedType string) (string, error) {
		f, err := feedManager.GetFeedInstance(feed.Type(feedType))
		if err != nil {
			return "", err
		}
		return f.URL(ctx)
	})
	for _, feedType := range feedManager.GetActiveFeedTypes() {
		bus.Subscribe(events.GenerationCompleted(string(feedType)), notifier.Handle)
	}

	slog.Info("Starting background scheduler", "workers", appCfg.WorkerCount, "regenerate_every", appCfg.RegenerateEvery())
	scheduler.Start()
	defer scheduler.Stop()

	apiHandler := api.NewHandler(feedManager, itemRepo, jobRepo, scheduler, languageManager, healthChecks)
	server := api.NewServer(apiHandler, appCfg.APIAccessKey)

	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", appCfg.Port, "api_enabled", appCfg.APIAccessKey != "")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig.String())
	case serveErr = <-serverErrChan:
		slog.Error("Server error", "error", serveErr)
	}

	slog.Info("Shutting down server gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	// Scheduler, cache and database are closed via defer
	return serveErr
}
