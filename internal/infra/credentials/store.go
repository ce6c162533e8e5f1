package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tryon/internal/infra"
	"tryon/internal/sqlinline"
)

const (
	ProviderGemini = "gemini"
	ProviderQwen   = "qwen"
)

// Token is a stored provider credential.
type Token struct {
	Value     string
	UpdatedAt time.Time
}

// Store keeps provider API keys in the integration_tokens table so operators
// can rotate them without redeploying.
type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

func (s *Store) GeminiAPIKey(ctx context.Context) (string, error) {
	tok, err := s.Token(ctx, ProviderGemini)
	return tok.Value, err
}

func (s *Store) QwenAPIKey(ctx context.Context) (string, error) {
	tok, err := s.Token(ctx, ProviderQwen)
	return tok.Value, err
}

// Token returns the stored credential for provider. A missing row is not an
// error; the zero Token is returned.
func (s *Store) Token(ctx context.Context, provider string) (Token, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var tok Token
	if err := row.Scan(&tok.Value, &tok.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			return Token{}, nil
		}
		return Token{}, fmt.Errorf("load %s token: %w", provider, err)
	}
	tok.Value = strings.TrimSpace(tok.Value)
	return tok, nil
}

// Set stores token for provider, replacing any previous one.
func (s *Store) Set(ctx context.Context, provider, token string, props map[string]any) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	token = strings.TrimSpace(token)
	if provider == "" {
		return errors.New("provider is required")
	}
	if token == "" {
		return fmt.Errorf("%s api key is required", provider)
	}
	if props == nil {
		props = map[string]any{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw)
	return err
}

func (s *Store) SetGeminiAPIKey(ctx context.Context, key string) error {
	return s.Set(ctx, ProviderGemini, key, nil)
}

// Delete removes the credential for provider.
func (s *Store) Delete(ctx context.Context, provider string) error {
	_, err := s.sql.Exec(ctx, sqlinline.QDeleteIntegrationToken, strings.ToLower(strings.TrimSpace(provider)))
	return err
}

// Resolve prefers an explicitly configured key and falls back to the store.
func Resolve(ctx context.Context, configured string, store *Store, provider string) (string, error) {
	if key := strings.TrimSpace(configured); key != "" || store == nil {
		return key, nil
	}
	tok, err := store.Token(ctx, provider)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}
