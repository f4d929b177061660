package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"whatrix/internal/cache"
	"whatrix/internal/config"
	"whatrix/internal/constants"
	"whatrix/internal/database"
	"whatrix/internal/mapper"
	"whatrix/internal/metrics"
	"whatrix/internal/models"
	"whatrix/internal/queue"
	"whatrix/internal/relay"
	"whatrix/internal/retry"
	"whatrix/internal/tracing"
	"whatrix/pkg/bitrix"
	"whatrix/pkg/meta"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose         = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath      = flag.String("config", "config.json", "Path to configuration file")
	version         = flag.Bool("version", false, "Show version information")
	provisionPortal = flag.Bool("provision-portal", false, "Store the CRM portal credential from environment variables and exit")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Whatrix %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting Whatrix")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	configureLogLevel(logger, cfg)

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// Initialize database with exponential backoff retry
	var db *database.Database
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Queue.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Queue.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})
	if _, err := backoff.Do(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	}, nil); err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer db.Close()

	if *provisionPortal {
		return provisionPortalCredential(ctx, db, cfg, logger)
	}

	// Shared key/value store: Redis when configured, in-process otherwise
	var store cache.Store
	var redisClient redis.UniversalClient
	var transport queue.Transport
	var statsReader queue.StatsReader
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = cache.NewRedisStore(redisClient)
		transport, err = queue.NewRedisTransport(redisClient, cfg.Redis.Group, cfg.Redis.Consumer, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize queue transport: %w", err)
		}
		statsReader = queue.NewRedisStatsReader(redisClient, cfg.Redis.Group)
		logger.WithField("addr", cfg.Redis.Addr).Info("Using Redis for queues and cache")
	} else {
		store = cache.NewMemoryStore()
		transport = queue.NewMemoryTransport(logger)
		statsReader = queue.NewMemoryStatsReader()
		logger.Warn("Redis not configured, running with in-process queues and cache (single node only)")
	}
	defer transport.Close()

	mappingCache := cache.NewMappingCache(store, time.Duration(cfg.Cache.MappingTTLSec)*time.Second)
	dedup := cache.NewDedupStore(store,
		time.Duration(cfg.Cache.DedupTTLSec)*time.Second,
		time.Duration(constants.DefaultCreateLockTTLSec)*time.Second,
	)

	conversationMapper := mapper.New(db, mappingCache, logger)

	crmClient := bitrix.NewClient(cfg.Crm, db, logger)
	channelClient := meta.NewClient(cfg.Channel, logger)

	enqueuer := queue.NewEnqueuer(transport.Publisher(), store, logger)

	relayService := relay.NewService(conversationMapper, dedup, crmClient, channelClient, enqueuer, logger)

	runtime := queue.NewRuntime(transport, cfg.Queue.RatePerSecond, logger)
	relayService.Register(runtime, cfg.Queue)
	relay.NewResultsConsumer(metrics.GetRegistry(), logger).Register(runtime)

	if err := runtime.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue workers: %w", err)
	}
	defer runtime.Stop()

	server := NewServer(cfg, enqueuer, channelClient, db, store, statsReader, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

func configureLogLevel(logger *logrus.Logger, cfg *models.Config) {
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
		return
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	if level > logrus.InfoLevel {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

// provisionPortalCredential seeds or rotates the stored OAuth credential
// for the configured portal. Tokens come from the environment so they
// never touch the config file or shell history via flags.
func provisionPortalCredential(ctx context.Context, db *database.Database, cfg *models.Config, logger *logrus.Logger) error {
	accessToken := os.Getenv("WHATRIX_CRM_ACCESS_TOKEN")
	refreshToken := os.Getenv("WHATRIX_CRM_REFRESH_TOKEN")
	if refreshToken == "" {
		return fmt.Errorf("WHATRIX_CRM_REFRESH_TOKEN environment variable is required for provisioning")
	}

	cred := &models.PortalCredential{
		PortalAddress:  cfg.Crm.PortalAddress,
		ClientID:       cfg.Crm.ClientID,
		ClientSecret:   cfg.Crm.ClientSecret,
		AccessToken:    accessToken,
		RefreshToken:   refreshToken,
		TokenExpiresAt: time.Now().UTC(),
	}

	if err := db.SavePortalCredential(ctx, cred); err != nil {
		return fmt.Errorf("failed to store portal credential: %w", err)
	}

	logger.WithField("portal", cfg.Crm.PortalAddress).Info("Portal credential provisioned")
	return nil
}
