package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewdeck/reviewdeck/internal/common/config"
	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/forge"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequireUser())
	return router
}

func doJSON(router *gin.Engine, method, path, body string, withUser bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if withUser {
		req.Header.Set(UserHeader, "user-1")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRequireUserRejectsAnonymous(t *testing.T) {
	router := newTestRouter()
	router.GET("/api/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := doJSON(router, http.MethodGet, "/api/ping", "", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(router, http.MethodGet, "/api/ping", "", true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConnectValidation(t *testing.T) {
	router := newTestRouter()
	h := NewRepoHandler(nil, nil, nil, nil, forge.NewGitLabAdapter(logger.Default()),
		config.GitLabConfig{}, nil, logger.Default())
	h.Register(router)

	// Name without owner/ prefix.
	w := doJSON(router, http.MethodPost, "/api/repositories",
		`{"name": "justname", "provider": "github"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown provider.
	w = doJSON(router, http.MethodPost, "/api/repositories",
		`{"name": "acme/api", "provider": "bitbucket"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Garbage body.
	w = doJSON(router, http.MethodPost, "/api/repositories", `{`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusToggleValidation(t *testing.T) {
	router := newTestRouter()
	h := NewRepoHandler(nil, nil, nil, nil, forge.NewGitLabAdapter(logger.Default()),
		config.GitLabConfig{}, nil, logger.Default())
	h.Register(router)

	w := doJSON(router, http.MethodPatch, "/api/repositories/acme-api",
		`{"status": "analyzing"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettingsValidation(t *testing.T) {
	router := newTestRouter()
	h := NewSettingsHandler(nil, nil, logger.Default())
	h.Register(router)

	// Comment budget out of bounds.
	w := doJSON(router, http.MethodPut, "/api/settings/max-comments",
		`{"max_comments": 0}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPut, "/api/settings/max-comments",
		`{"max_comments": 51}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Bare model without a provider cannot be normalized.
	w = doJSON(router, http.MethodPut, "/api/settings/llm",
		`{"model": "gpt-4o", "api_key": "sk-x"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown token provider.
	w = doJSON(router, http.MethodPut, "/api/settings/tokens",
		`{"provider": "svn", "access_token": "t"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "acme-api", Slugify("acme/api"))
	assert.Equal(t, "acme-my-repo-go", Slugify("Acme/My_Repo.go"))
	assert.Equal(t, "group-sub-proj", Slugify("group/sub/proj"))
}

func TestNewWebhookSecret(t *testing.T) {
	a, err := newWebhookSecret()
	require.NoError(t, err)
	b, err := newWebhookSecret()
	require.NoError(t, err)

	assert.Len(t, a, 64) // 256 bits, hex encoded
	assert.NotEqual(t, a, b)
}
