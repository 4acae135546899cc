package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"storyteller/internal/adapter/repo"
	"storyteller/internal/infra"
	"storyteller/internal/infra/credentials"
	"storyteller/internal/orchestrator"
	"storyteller/internal/providers/caption"
	"storyteller/internal/providers/speech"
	"storyteller/internal/providers/story"
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
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	jobs := repo.NewJobRepository(pool)

	storagePath := cfg.StoragePath
	if storagePath == "" {
		storagePath = "./storage"
	}
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	store, err := storage.NewFileStore(storagePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	credStore := credentials.NewStore(pool)

	geminiAPIKey := strings.TrimSpace(cfg.GeminiAPIKey)
	if geminiAPIKey == "" {
		keyFromStore, err := credStore.GeminiAPIKey(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("worker: failed to load gemini api key from store")
		} else {
			geminiAPIKey = keyFromStore
		}
	}
	openAIKey := strings.TrimSpace(cfg.OpenAIAPIKey)
	if openAIKey == "" {
		keyFromStore, err := credStore.OpenAIAPIKey(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("worker: failed to load openai api key from store")
		} else {
			openAIKey = keyFromStore
		}
	}

	captioner, err := caption.NewGeminiCaptioner(caption.Options{
		APIKey:     geminiAPIKey,
		BaseURL:    cfg.GeminiBaseURL,
		Model:      cfg.GeminiModel,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure caption client")
	}
	if !captioner.HasCredentials() {
		logger.Warn().Str("model", captioner.Model()).Msg("worker: gemini api key missing, image jobs will fail")
	}

	writer, err := story.NewOpenAIWriter(story.Options{
		APIKey:  openAIKey,
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure story writer")
	}
	synth, err := speech.NewOpenAISynthesizer(speech.Options{
		APIKey:  openAIKey,
		Voice:   cfg.OpenAIVoice,
		BaseURL: cfg.OpenAIBaseURL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure speech synthesizer")
	}

	worker := orchestrator.NewWorker(orchestrator.Options{
		Repo:            jobs,
		Captioner:       captioner,
		Writer:          writer,
		Synthesizer:     synth,
		Store:           store,
		Logger:          logger,
		RequireApproval: cfg.RequireApproval,
		StaleAfter:      cfg.WorkerLease,
	})

	logger.Info().Msg("worker started")
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("worker stopped unexpectedly")
	}
	logger.Info().Msg("worker stopped")
}
