package main

import (
	"context"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lantianlaoli/flowtra/internal/artifacts"
	"github.com/lantianlaoli/flowtra/internal/http/handlers"
	"github.com/lantianlaoli/flowtra/internal/http/httpapi"
	"github.com/lantianlaoli/flowtra/internal/infra"
	"github.com/lantianlaoli/flowtra/internal/middleware"
	"github.com/lantianlaoli/flowtra/internal/ratelimit"
	"github.com/lantianlaoli/flowtra/internal/service"
	"github.com/lantianlaoli/flowtra/internal/storage"
)

func main() {
	_ = godotenv.Load()

	logger := infra.NewLogger(infra.AppEnv())

	cfg, err := infra.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise service")
	}
	defer svc.Close()

	store, err := storage.FromConfig(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure storage")
	}
	cache := artifacts.NewCache(artifacts.Options{Store: store, Logger: logger})

	var limiter middleware.Limiter
	if svc.Redis != nil {
		limiter = ratelimit.NewTokenBucket(svc.Redis, cfg.RateLimitPerMin)
	} else {
		limiter = ratelimit.NewWindow(cfg.RateLimitPerMin, time.Minute)
	}

	staticDir, staticPrefix := "", ""
	if fs, ok := store.(*storage.FileStore); ok {
		staticDir = fs.BasePath()
		if u, err := url.Parse(cfg.StorageBaseURL); err == nil {
			staticPrefix = u.Path
		}
	}

	app := handlers.NewApp(svc.Controller, svc.Engine, svc.Store, cache, handlers.WebhookConfig{
		Allow:  cfg.WebhookProviderAllowed,
		Secret: cfg.WebhookSecret,
	}, logger)
	app.Probes = svc.Probes()

	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:     cfg.JWTSecret,
		InternalToken: cfg.InternalToken,
		CORSOrigins:   cfg.CORSOrigins,
		Limiter:       limiter,
		StaticDir:     staticDir,
		StaticPrefix:  staticPrefix,
		Logger:        logger,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Str("addr", server.Addr()).Msg("API listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
