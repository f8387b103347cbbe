// Package tokens provides valid forge access tokens, refreshing expired ones
// on demand.
package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/reviewdeck/reviewdeck/internal/common/config"
	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/forge"
	"github.com/reviewdeck/reviewdeck/internal/store"
)

// probeTimeout bounds the whoami call. Token validation must be a
// two-second-class operation, not a two-minute one.
const probeTimeout = 5 * time.Second

// Endpoints holds the per-provider URLs the store talks to. Overridable so
// tests can point at an httptest server.
type Endpoints struct {
	GitHubAPI   string // default https://api.github.com
	GitHubOAuth string // default https://github.com/login/oauth/access_token
	GitLabAPI   string // default https://gitlab.com
	GitLabOAuth string // default https://gitlab.com/oauth/token
}

// DefaultEndpoints returns the production forge endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		GitHubAPI:   "https://api.github.com",
		GitHubOAuth: "https://github.com/login/oauth/access_token",
		GitLabAPI:   "https://gitlab.com",
		GitLabOAuth: "https://gitlab.com/oauth/token",
	}
}

// Store hands out valid provider access tokens. Reads are fresh on every
// call; a failed probe triggers an OAuth refresh and a write-back of the new
// pair.
//
// There is no lock around refresh: two workers refreshing concurrently both
// get usable tokens and the second write wins. Providers with single-use
// refresh tokens can lose the race and require the user to re-authenticate;
// this is an accepted limitation.
type Store struct {
	settings  *store.SettingsStore
	github    config.GitHubConfig
	gitlab    config.GitLabConfig
	endpoints Endpoints
	client    *http.Client
	logger    *logger.Logger
}

// NewStore creates a token Store.
func NewStore(settings *store.SettingsStore, github config.GitHubConfig, gitlab config.GitLabConfig, endpoints Endpoints, log *logger.Logger) *Store {
	return &Store{
		settings:  settings,
		github:    github,
		gitlab:    gitlab,
		endpoints: endpoints,
		client:    &http.Client{Timeout: probeTimeout},
		logger:    log.WithFields(zap.String("component", "tokens")),
	}
}

// SaveInitial upserts the token pair captured during OAuth connect.
func (s *Store) SaveInitial(ctx context.Context, userID string, provider forge.Provider, access, refresh string) error {
	return s.settings.SaveTokens(ctx, userID, provider, access, refresh)
}

// GetValid returns a provider access token that passed a probe call at the
// moment of return. Returns "" when no usable token exists; the caller
// surfaces that as "re-authenticate".
func (s *Store) GetValid(ctx context.Context, userID string, provider forge.Provider) (string, error) {
	access, refresh, err := s.settings.Tokens(ctx, userID, provider)
	if err != nil {
		return "", err
	}

	if access != "" && s.probe(ctx, provider, access) {
		return access, nil
	}

	if refresh == "" {
		return "", nil
	}

	newAccess, newRefresh, err := s.refresh(ctx, provider, refresh)
	if err != nil {
		s.logger.Warn("token refresh failed",
			zap.String("user_id", userID),
			zap.String("provider", string(provider)),
			zap.Error(err))
		return "", nil
	}

	// Some providers rotate refresh tokens; keep the old one when no new
	// one came back, but always write the latest pair.
	if newRefresh == "" {
		newRefresh = refresh
	}
	if err := s.settings.SaveTokens(ctx, userID, provider, newAccess, newRefresh); err != nil {
		return "", err
	}
	return newAccess, nil
}

// probe makes a lightweight whoami call. Any HTTP or network error means the
// token is treated as invalid.
func (s *Store) probe(ctx context.Context, provider forge.Provider, token string) bool {
	var url string
	switch provider {
	case forge.ProviderGitHub:
		url = s.endpoints.GitHubAPI + "/user"
	case forge.ProviderGitLab:
		url = s.endpoints.GitLabAPI + "/api/v4/user"
	default:
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if provider == forge.ProviderGitHub {
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// refresh exchanges a refresh token at the provider's OAuth endpoint.
func (s *Store) refresh(ctx context.Context, provider forge.Provider, refreshToken string) (access, refresh string, err error) {
	var (
		url      string
		clientID string
		secret   string
	)
	switch provider {
	case forge.ProviderGitHub:
		url = s.endpoints.GitHubOAuth
		clientID = s.github.ClientID
		secret = s.github.ClientSecret
	case forge.ProviderGitLab:
		url = s.endpoints.GitLabOAuth
		clientID = s.gitlab.ClientID
		secret = s.gitlab.ClientSecret
	default:
		return "", "", fmt.Errorf("unknown provider %q", provider)
	}

	body, err := json.Marshal(map[string]string{
		"client_id":     clientID,
		"client_secret": secret,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
	if err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("refresh returned %d", resp.StatusCode)
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		Error        string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", fmt.Errorf("decode refresh response: %w", err)
	}
	if result.Error != "" || result.AccessToken == "" {
		return "", "", fmt.Errorf("refresh rejected: %s", result.Error)
	}
	return result.AccessToken, result.RefreshToken, nil
}
