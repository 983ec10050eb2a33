// Package main is the entry point for the flowcraft server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/tcmartin/flowcraft/pkg/api"
	"github.com/tcmartin/flowcraft/pkg/config"
	"github.com/tcmartin/flowcraft/pkg/events"
	"github.com/tcmartin/flowcraft/pkg/loader"
	"github.com/tcmartin/flowcraft/pkg/logging"
	"github.com/tcmartin/flowcraft/pkg/runtime"
	"github.com/tcmartin/flowcraft/pkg/scheduler"
	"github.com/tcmartin/flowcraft/pkg/services"
	"github.com/tcmartin/flowcraft/pkg/storage"
	"github.com/tcmartin/flowcraft/pkg/tracing"
	"github.com/tcmartin/flowcraft/pkg/triggers"
	"github.com/tcmartin/flowcraft/pkg/utils"
	"github.com/tcmartin/flowcraft/pkg/webhooks"
)

var (
	// Command-line flags
	configPath = flag.String("config", "", "Path to config file (JSON or YAML)")
	version    = flag.Bool("version", false, "Print version information")
)

// Version information
const (
	AppVersion = "0.1.0"
	AppName    = "flowcraft"
)

func main() {
	// Load environment variables from .env file
	_ = godotenv.Load()

	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(logging.LogConfig{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		Output:   cfg.Logging.Output,
		FilePath: cfg.Logging.FilePath,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize application", logging.Err(err))
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("application failed", logging.Err(err))
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Stop(shutdownCtx); err != nil {
			logger.Error("error during shutdown", logging.Err(err))
			os.Exit(1)
		}
	}
}

// loadConfig loads the configuration from the specified path or the
// standard locations, then applies environment overrides
func loadConfig() (*config.Config, error) {
	var cfg *config.Config

	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", *configPath, err)
		}
		cfg = loaded
	} else {
		home, _ := os.UserHomeDir()
		locations := []string{
			"./config.yaml",
			"./config.json",
			"./configs/config.yaml",
			filepath.Join(home, ".flowcraft", "config.yaml"),
			"/etc/flowcraft/config.yaml",
		}
		for _, path := range locations {
			if loaded, err := config.LoadConfig(path); err == nil {
				cfg = loaded
				break
			}
		}
		if cfg == nil {
			cfg = config.DefaultConfig()
		}
	}

	config.ApplyEnv(cfg)

	// Generate a JWT secret and encryption key if not set. Tokens and
	// credentials then do not survive a restart.
	if cfg.Auth.JWTSecret == "" {
		key, err := services.GenerateEncryptionKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		cfg.Auth.JWTSecret = services.EncryptionKeyToHex(key)
	}
	if cfg.Auth.EncryptionKey == "" {
		key, err := services.GenerateEncryptionKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate encryption key: %w", err)
		}
		cfg.Auth.EncryptionKey = services.EncryptionKeyToHex(key)
	}

	return cfg, nil
}

// App represents the flowcraft server and its background workers
type App struct {
	config          *config.Config
	logger          *logging.ZapLogger
	server          *api.Server
	storageProvider storage.StorageProvider
	scheduler       *scheduler.Scheduler
	redis           *redis.Client
	nats            *nats.Conn
	shutdownTracing func(context.Context) error
}

// NewApp wires storage, the engine, triggers, the scheduler and the API
func NewApp(ctx context.Context, cfg *config.Config, logger *logging.ZapLogger) (*App, error) {
	app := &App{config: cfg, logger: logger}

	var engineOpts []runtime.Option
	engineOpts = append(engineOpts, runtime.WithLogger(logger))

	if cfg.Tracing.Enabled {
		tcfg := tracing.DefaultConfig(cfg.Tracing.ServiceName)
		tcfg.ServiceVersion = AppVersion
		tcfg.Endpoint = cfg.Tracing.Endpoint
		tcfg.SampleRatio = cfg.Tracing.SampleRatio
		shutdown, err := tracing.SetupTracing(ctx, tcfg, logger.Zap())
		if err != nil {
			return nil, fmt.Errorf("failed to set up tracing: %w", err)
		}
		app.shutdownTracing = shutdown
		engineOpts = append(engineOpts, runtime.WithTracer(tracing.Tracer()))
	}

	provider, err := storage.NewProvider(storage.ProviderConfigFromConfig(cfg.Storage))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage provider: %w", err)
	}
	if err := provider.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.storageProvider = provider
	logger.Info("storage initialized", logging.F("type", cfg.Storage.Type))

	flows := provider.GetFlowStore()
	runs := provider.GetRunStore()

	encryptionKey, err := services.EncryptionKeyFromHex(cfg.Auth.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	vault, err := services.NewCredentialVaultService(provider.GetCredentialStore(), encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential vault: %w", err)
	}

	httpClient := utils.NewHTTPClient(cfg.Engine.BaseURL, time.Duration(cfg.Engine.HTTPTimeoutMs)*time.Millisecond)
	deps := &runtime.Deps{
		HTTP:        httpClient,
		Credentials: services.NewCredentialResolverService(vault),
		Logger:      logger,
	}

	sender, err := utils.NewEmailSender(utils.EmailConfig{
		Provider:     cfg.Email.Provider,
		APIKey:       cfg.Email.APIKey,
		From:         cfg.Email.From,
		SMTPHost:     cfg.Email.SMTPHost,
		SMTPPort:     cfg.Email.SMTPPort,
		SMTPUsername: cfg.Email.SMTPUsername,
		SMTPPassword: cfg.Email.SMTPPassword,
	}, httpClient)
	switch {
	case err == nil:
		deps.Email = sender
		logger.Info("email provider configured", logging.F("provider", sender.Provider()))
	case errors.Is(err, utils.ErrEmailNotConfigured):
		logger.Info("no email provider configured; send_email nodes will report it")
	default:
		return nil, fmt.Errorf("failed to configure email: %w", err)
	}

	hub := events.NewHub(events.DefaultBufferSize)
	publishers := events.MultiPublisher{hub}
	if cfg.Events.NATSURL != "" {
		conn, err := events.Connect(ctx, events.DefaultConnectionConfig(cfg.Events.NATSURL), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		app.nats = conn
		publishers = append(publishers, events.NewNATSPublisher(conn, cfg.Events.SubjectPrefix, logger))
	}
	engineOpts = append(engineOpts, runtime.WithEvents(publishers))

	engine := runtime.NewEngine(flows, runs, runtime.NewRegistry(), deps, engineOpts...)
	triggerService := triggers.NewService(flows, runs, engine,
		triggers.WithAuthorizer(webhooks.Authorizer{GlobalToken: cfg.Webhook.GlobalToken}),
		triggers.WithLogger(logger),
	)

	flowLoader, err := loader.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create flow loader: %w", err)
	}

	apiDeps := api.Dependencies{
		Flows:       flows,
		Runs:        runs,
		Credentials: vault,
		Engine:      engine,
		Triggers:    triggerService,
		Loader:      flowLoader,
		Hub:         hub,
		Tokens:      services.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiration),
		Logger:      logger,
	}

	if cfg.Scheduler.Enabled {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Scheduler.RedisAddr,
			Password: cfg.Scheduler.RedisPassword,
			DB:       cfg.Scheduler.RedisDB,
		})
		if err := app.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Scheduler.RedisAddr, err)
		}
		app.scheduler = scheduler.New(flows, app.redis, triggerService, scheduler.WithLogger(logger))
		apiDeps.Scheduler = app.scheduler
	}

	app.server = api.NewServer(cfg, apiDeps)
	return app, nil
}

// Start starts the scheduler and blocks serving HTTP
func (a *App) Start(ctx context.Context) error {
	a.logger.Info("starting", logging.F("app", AppName), logging.F("version", AppVersion))

	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		interval := time.Duration(a.config.Scheduler.SyncIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		go a.scheduler.Run(ctx, interval)
	}

	return a.server.Start()
}

// Stop stops the application gracefully
func (a *App) Stop(ctx context.Context) error {
	var errs []error

	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop server: %w", err))
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop scheduler: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain NATS: %w", err))
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush traces: %w", err))
		}
	}
	if err := a.storageProvider.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
	}

	return errors.Join(errs...)
}
