package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/reviewdeck/reviewdeck/internal/common/errors"
	"github.com/reviewdeck/reviewdeck/internal/db"
	"github.com/reviewdeck/reviewdeck/internal/forge"
)

// SettingsStore persists per-user settings and provider tokens.
type SettingsStore struct {
	db *db.DB
}

// NewSettingsStore creates a SettingsStore.
func NewSettingsStore(database *db.DB) *SettingsStore {
	return &SettingsStore{db: database}
}

// Get fetches the settings row for a user.
func (s *SettingsStore) Get(ctx context.Context, userID string) (*UserSettings, error) {
	row := s.db.QueryRow(ctx, `
		SELECT user_id, github_token, github_refresh_token, gitlab_token,
		       gitlab_refresh_token, provider, model, api_key, max_comments
		FROM user_settings WHERE user_id = $1`, userID)

	var (
		settings UserSettings
		ghTok, ghRef, glTok, glRef, provider, model, apiKey *string
	)
	err := row.Scan(&settings.UserID, &ghTok, &ghRef, &glTok, &glRef,
		&provider, &model, &apiKey, &settings.MaxComments)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("user settings", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("query user settings: %w", err)
	}
	settings.GitHubToken = deref(ghTok)
	settings.GitHubRefreshToken = deref(ghRef)
	settings.GitLabToken = deref(glTok)
	settings.GitLabRefreshToken = deref(glRef)
	settings.LLMProvider = deref(provider)
	settings.LLMModel = deref(model)
	settings.APIKey = deref(apiKey)
	if settings.MaxComments == 0 {
		settings.MaxComments = DefaultMaxComments
	}
	return &settings, nil
}

// Tokens returns the stored (access, refresh) pair for a provider.
func (s *SettingsStore) Tokens(ctx context.Context, userID string, provider forge.Provider) (access, refresh string, err error) {
	settings, err := s.Get(ctx, userID)
	if err != nil {
		return "", "", err
	}
	switch provider {
	case forge.ProviderGitHub:
		return settings.GitHubToken, settings.GitHubRefreshToken, nil
	case forge.ProviderGitLab:
		return settings.GitLabToken, settings.GitLabRefreshToken, nil
	default:
		return "", "", fmt.Errorf("unknown provider %q", provider)
	}
}

// SaveTokens upserts the (access, refresh) pair for a provider. Both columns
// are always written so a refresh never leaves a stale pair behind.
func (s *SettingsStore) SaveTokens(ctx context.Context, userID string, provider forge.Provider, access, refresh string) error {
	var accessCol, refreshCol string
	switch provider {
	case forge.ProviderGitHub:
		accessCol, refreshCol = "github_token", "github_refresh_token"
	case forge.ProviderGitLab:
		accessCol, refreshCol = "gitlab_token", "gitlab_refresh_token"
	default:
		return fmt.Errorf("unknown provider %q", provider)
	}

	query := fmt.Sprintf(`
		INSERT INTO user_settings (user_id, %[1]s, %[2]s)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET %[1]s = $2, %[2]s = $3`,
		accessCol, refreshCol)
	if _, err := s.db.Exec(ctx, query, userID, nullable(access), nullable(refresh)); err != nil {
		return fmt.Errorf("save %s tokens: %w", provider, err)
	}
	return nil
}

// UpdateLLM sets the model selection and API key. The model must be in
// provider/model form.
func (s *SettingsStore) UpdateLLM(ctx context.Context, userID, provider, model, apiKey string) error {
	if model != "" && !strings.Contains(model, "/") {
		return apperrors.ValidationError("model", "must be in provider/model form")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_settings (user_id, provider, model, api_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET provider = $2, model = $3, api_key = $4`,
		userID, nullable(provider), nullable(model), nullable(apiKey))
	if err != nil {
		return fmt.Errorf("update llm settings: %w", err)
	}
	return nil
}

// UpdateMaxComments sets the per-review comment budget, bounded to [1, 50].
func (s *SettingsStore) UpdateMaxComments(ctx context.Context, userID string, maxComments int) error {
	if maxComments < MinMaxComments || maxComments > MaxMaxComments {
		return apperrors.ValidationError("max_comments",
			fmt.Sprintf("must be between %d and %d", MinMaxComments, MaxMaxComments))
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_settings (user_id, max_comments)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET max_comments = $2`,
		userID, maxComments)
	if err != nil {
		return fmt.Errorf("update max comments: %w", err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
