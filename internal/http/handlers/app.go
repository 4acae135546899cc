package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"storyteller/internal/domain"
	"storyteller/internal/infra"
	"storyteller/internal/providers/transcribe"
)

// BlobStore is the storage surface handlers need: persisting uploaded
// inputs and reading narration audio back out.
type BlobStore interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// App is the handler container holding every collaborator the HTTP
// surface needs.
type App struct {
	Repo            domain.JobRepository
	Transcriber     transcribe.Transcriber
	Store           BlobStore
	Hub             *EventHub
	Logger          infra.Logger
	DefaultLanguage string
}

// NewApp builds the handler container.
func NewApp(repo domain.JobRepository, transcriber transcribe.Transcriber, store BlobStore, hub *EventHub, logger infra.Logger, defaultLanguage string) *App {
	if defaultLanguage == "" {
		defaultLanguage = "en"
	}
	return &App{
		Repo:            repo,
		Transcriber:     transcriber,
		Store:           store,
		Hub:             hub,
		Logger:          logger,
		DefaultLanguage: defaultLanguage,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]string{"error": errCode, "message": message})
}
