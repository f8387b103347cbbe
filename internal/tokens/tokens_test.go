package tokens

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewdeck/reviewdeck/internal/common/config"
	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/db"
	"github.com/reviewdeck/reviewdeck/internal/forge"
	"github.com/reviewdeck/reviewdeck/internal/store"
)

func testStore(settings *store.SettingsStore, endpoints Endpoints) *Store {
	return NewStore(settings,
		config.GitHubConfig{ClientID: "gh-client", ClientSecret: "gh-secret"},
		config.GitLabConfig{ClientID: "gl-client", ClientSecret: "gl-secret"},
		endpoints, logger.Default())
}

func TestProbeGitHubSendsVersionHeader(t *testing.T) {
	var gotAuth, gotAccept, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotVersion = r.Header.Get("X-GitHub-Api-Version")
		assert.Equal(t, "/user", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := testStore(nil, Endpoints{GitHubAPI: srv.URL})
	ok := s.probe(context.Background(), forge.ProviderGitHub, "tok-1")

	require.True(t, ok)
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "application/vnd.github+json", gotAccept)
	assert.Equal(t, "2022-11-28", gotVersion)
}

func TestProbeGitLabPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/user", r.URL.Path)
		assert.Equal(t, "Bearer tok-2", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := testStore(nil, Endpoints{GitLabAPI: srv.URL})
	require.True(t, s.probe(context.Background(), forge.ProviderGitLab, "tok-2"))
}

func TestProbeRejectsNonSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := testStore(nil, Endpoints{GitHubAPI: srv.URL})
	require.False(t, s.probe(context.Background(), forge.ProviderGitHub, "expired"))
}

func TestRefreshExchangesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh_token", body["grant_type"])
		assert.Equal(t, "gh-client", body["client_id"])
		assert.Equal(t, "gh-secret", body["client_secret"])
		assert.Equal(t, "old-refresh", body["refresh_token"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
		})
	}))
	defer srv.Close()

	s := testStore(nil, Endpoints{GitHubOAuth: srv.URL})
	access, refresh, err := s.refresh(context.Background(), forge.ProviderGitHub, "old-refresh")

	require.NoError(t, err)
	assert.Equal(t, "new-access", access)
	assert.Equal(t, "new-refresh", refresh)
}

func TestRefreshRejectedByProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "bad_refresh_token"})
	}))
	defer srv.Close()

	s := testStore(nil, Endpoints{GitLabOAuth: srv.URL})
	_, _, err := s.refresh(context.Background(), forge.ProviderGitLab, "revoked")
	require.Error(t, err)
}

// TestGetValidRefreshFlow runs the full probe-fail, refresh, write-back path
// against a real database. Skips without TEST_DATABASE_DSN.
func TestGetValidRefreshFlow(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}
	ctx := context.Background()

	database, err := db.NewDBFromDSN(ctx, dsn, 4, 1)
	require.NoError(t, err)
	t.Cleanup(database.Close)
	require.NoError(t, store.Migrate(ctx, database))
	_, err = database.Exec(ctx, `DELETE FROM user_settings WHERE user_id = 'tok-user'`)
	require.NoError(t, err)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer fresh-access" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "fresh-access"})
	}))
	defer oauth.Close()

	settings := store.NewSettingsStore(database)
	s := testStore(settings, Endpoints{GitHubAPI: api.URL, GitHubOAuth: oauth.URL})

	require.NoError(t, s.SaveInitial(ctx, "tok-user", forge.ProviderGitHub, "stale-access", "old-refresh"))

	access, err := s.GetValid(ctx, "tok-user", forge.ProviderGitHub)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", access)

	// The new access token is persisted; the refresh token is kept because
	// the provider did not rotate it.
	gotAccess, gotRefresh, err := settings.Tokens(ctx, "tok-user", forge.ProviderGitHub)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", gotAccess)
	assert.Equal(t, "old-refresh", gotRefresh)
}
