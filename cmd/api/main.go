package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"storyteller/internal/adapter/repo"
	"storyteller/internal/http/handlers"
	"storyteller/internal/http/httpapi"
	"storyteller/internal/infra"
	"storyteller/internal/infra/credentials"
	"storyteller/internal/infra/geoip"
	"storyteller/internal/middleware"
	"storyteller/internal/providers/transcribe"
	"storyteller/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: db connection failed")
	}
	defer pool.Close()

	jobs := repo.NewJobRepository(pool)

	store, err := storage.NewFileStore(resolveStoragePath(cfg.StoragePath))
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure storage")
	}

	openAIKey := strings.TrimSpace(cfg.OpenAIAPIKey)
	if openAIKey == "" {
		keyFromStore, err := credentials.NewStore(pool).OpenAIAPIKey(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("api: failed to load openai api key from store")
		} else {
			openAIKey = keyFromStore
		}
	}
	transcriber, err := transcribe.NewOpenAITranscriber(transcribe.Options{
		APIKey:  openAIKey,
		BaseURL: cfg.OpenAIBaseURL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure transcriber")
	}

	// Change feed: Postgres notifications fan out to SSE subscribers.
	hub := handlers.NewEventHub()
	listener := repo.NewNotificationListener(pool, logger)
	go func() {
		if err := listener.Listen(ctx, hub.Broadcast); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("api: change listener stopped")
		}
	}()

	var lookup middleware.CountryLookup
	if cfg.GeoIPDBPath != "" {
		resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
		if err != nil {
			logger.Warn().Err(err).Msg("api: geoip database unavailable")
		} else {
			defer func() { _ = resolver.Close() }()
			lookup = resolver.CountryCode
		}
	}

	app := handlers.NewApp(jobs, transcriber, store, hub, logger, cfg.DefaultLanguage)
	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		DefaultLanguage: cfg.DefaultLanguage,
		CountryLookup:   lookup,
		AllowedOrigins:  []string{"*"},
		RateLimitPerMin: cfg.RateLimitPerMin,
	})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

func resolveStoragePath(path string) string {
	if path == "" {
		path = "./storage"
	}
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			return abs
		}
	}
	return path
}
