package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"nudge-server/internal/auth"
	"nudge-server/internal/breakclock"
	"nudge-server/internal/completion"
	"nudge-server/internal/config"
	"nudge-server/internal/conversation"
	"nudge-server/internal/hub"
	"nudge-server/internal/logging"
	"nudge-server/internal/server"
	"nudge-server/internal/session"
	"nudge-server/internal/store"
	"nudge-server/internal/trigger"
	"nudge-server/internal/version"
)

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	envFile := pflag.String("env-file", ".env", "dotenv file to load if present")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", version.Name, version.Version)
		return
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("load %s: %v", *envFile, err)
		}
	}

	cfg, err := config.Load(*configPath, nil)
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.InitLogger(cfg.LogLevel)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("close failed", "err", err)
			}
		}
	}()

	backend, err := openStore(cfg)
	if err != nil {
		return err
	}
	closers = append(closers, backend)
	st := store.WithRetry(backend, store.RetryPolicy{Attempts: cfg.StoreRetryAttempts})

	svc, err := openCompletions(ctx, cfg)
	if err != nil {
		return err
	}
	if c, ok := svc.(io.Closer); ok {
		closers = append(closers, c)
	}

	var breaks breakclock.Clock = breakclock.NewMemory()
	if cfg.RedisAddr != "" {
		rc := breakclock.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rc.Ping(pingCtx)
		cancel()
		if err != nil {
			_ = rc.Close()
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		closers = append(closers, rc)
		breaks = rc
	}

	classifier := trigger.NewClassifier(svc, breaks, logger)

	engineOpts := conversation.DefaultOptions()
	engineOpts.ContextMessages = cfg.ContextMessages
	engineOpts.MaxTokens = cfg.CompletionMaxTokens
	engineOpts.Report.Window = cfg.ReportWindow
	engineOpts.Report.MaxSamples = cfg.ReportMaxSamples
	engineOpts.Report.MergeThreshold = cfg.MergeThreshold
	engineOpts.Report.NoiseThreshold = cfg.NoiseThreshold
	engine := conversation.NewEngine(st, svc, breaks, classifier, engineOpts, logger)

	sessionOpts := session.Options{
		ReceiveTimeout:     cfg.ReceiveTimeout,
		CheckInInterval:    cfg.CheckInInterval,
		RegisterTimeout:    cfg.RegisterTimeout,
		HistoryReplayLimit: cfg.HistoryReplayLimit,
	}

	tokenCfg := auth.DefaultTokenConfig(cfg.MasterSecret)
	tokenCfg.Expiry = cfg.TokenExpiry

	g, gctx := errgroup.WithContext(ctx)
	router := server.NewRouter(server.Deps{
		Store:               st,
		Engine:              engine,
		Hub:                 hub.New(),
		TokenConfig:         tokenCfg,
		SessionOptions:      sessionOpts,
		WSConnectsPerMinute: cfg.WSConnectsPerMinute,
		Logger:              logger,
		BaseContext:         gctx,
	})

	g.Go(func() error {
		return server.Run(gctx, cfg, router)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "cause", context.Cause(gctx))
		return nil
	})

	logger.Info("starting",
		"version", version.Version,
		"store", cfg.StoreDriver,
		"provider", cfg.CompletionProvider,
		"redis", cfg.RedisAddr != "",
	)
	return g.Wait()
}

func openStore(cfg config.Config) (store.Gateway, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		return store.NewGormStore(cfg.DatabaseURL)
	case config.StoreMemory:
		return store.NewWithOptions(store.Options{StateFile: cfg.StateFile}), nil
	default:
		return store.NewSQLiteStore(cfg.DatabaseURL)
	}
}

func openCompletions(ctx context.Context, cfg config.Config) (completion.Service, error) {
	switch cfg.CompletionProvider {
	case config.ProviderGemini:
		return completion.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.CompletionTimeout)
	default:
		return completion.NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.CompletionTimeout), nil
	}
}
