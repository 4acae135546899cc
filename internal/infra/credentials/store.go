package credentials

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"storyteller/internal/infra"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads vendor API keys from the database as a fallback for
// environments where they are not injected via env vars.
type Store struct {
	sql rowQuerier
}

// NewStore wraps the given querier.
func NewStore(sql rowQuerier) *Store {
	return &Store{sql: sql}
}

// GeminiAPIKey returns the stored Gemini key, or "" when none is stored.
func (s *Store) GeminiAPIKey(ctx context.Context) (string, error) {
	return s.Token(ctx, ProviderGemini)
}

// OpenAIAPIKey returns the stored OpenAI key, or "" when none is stored.
func (s *Store) OpenAIAPIKey(ctx context.Context) (string, error) {
	return s.Token(ctx, ProviderOpenAI)
}

// Token returns the stored credential for a provider, "" when absent.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return "", errors.New("credentials: provider is required")
	}
	row := s.sql.QueryRow(ctx, `SELECT token FROM vendor_credentials WHERE provider = $1;`, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}
