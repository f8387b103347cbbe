package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/reviewdeck/reviewdeck/internal/common/errors"
	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/forge"
	"github.com/reviewdeck/reviewdeck/internal/store"
	"github.com/reviewdeck/reviewdeck/internal/tokens"
)

// SettingsHandler serves per-user settings: provider tokens, LLM selection,
// and the review comment budget.
type SettingsHandler struct {
	settings *store.SettingsStore
	tokens   *tokens.Store
	logger   *logger.Logger
}

// NewSettingsHandler creates a SettingsHandler.
func NewSettingsHandler(settings *store.SettingsStore, tokenStore *tokens.Store, log *logger.Logger) *SettingsHandler {
	return &SettingsHandler{
		settings: settings,
		tokens:   tokenStore,
		logger:   log.WithFields(zap.String("component", "settings_api")),
	}
}

// Register mounts the settings routes.
func (h *SettingsHandler) Register(router gin.IRouter) {
	router.GET("/api/settings", h.get)
	router.PUT("/api/settings/llm", h.updateLLM)
	router.PUT("/api/settings/max-comments", h.updateMaxComments)
	router.PUT("/api/settings/tokens", h.saveTokens)
}

func (h *SettingsHandler) get(c *gin.Context) {
	settings, err := h.settings.Get(c.Request.Context(), userID(c))
	if err != nil {
		if apperrors.IsNotFound(err) {
			c.JSON(http.StatusOK, &store.UserSettings{
				UserID:      userID(c),
				MaxComments: store.DefaultMaxComments,
			})
			return
		}
		respondError(c, h.logger, apperrors.Wrap(err, "load settings"))
		return
	}
	c.JSON(http.StatusOK, settings)
}

type llmRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"` // provider/model form, or bare with Provider set
	APIKey   string `json:"api_key"`
}

func (h *SettingsHandler) updateLLM(c *gin.Context) {
	var req llmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Model == "" {
		respondError(c, h.logger, apperrors.ValidationError("model", "must not be empty"))
		return
	}
	if !strings.Contains(req.Model, "/") && req.Provider == "" {
		respondError(c, h.logger, apperrors.ValidationError("model", "must be in provider/model form"))
		return
	}

	if err := h.settings.UpdateLLM(c.Request.Context(), userID(c), req.Provider, req.Model, req.APIKey); err != nil {
		respondError(c, h.logger, apperrors.Wrap(err, "update llm settings"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": req.Provider, "model": req.Model})
}

type maxCommentsRequest struct {
	MaxComments int `json:"max_comments"`
}

func (h *SettingsHandler) updateMaxComments(c *gin.Context) {
	var req maxCommentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.MaxComments < store.MinMaxComments || req.MaxComments > store.MaxMaxComments {
		respondError(c, h.logger, apperrors.ValidationError("max_comments", "must be between 1 and 50"))
		return
	}

	if err := h.settings.UpdateMaxComments(c.Request.Context(), userID(c), req.MaxComments); err != nil {
		respondError(c, h.logger, apperrors.Wrap(err, "update max comments"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"max_comments": req.MaxComments})
}

type tokensRequest struct {
	Provider     string `json:"provider"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// saveTokens stores the token pair issued by the OAuth callback. The latest
// pair always wins; stale refresh tokens are never kept around.
func (h *SettingsHandler) saveTokens(c *gin.Context) {
	var req tokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	provider := forge.Provider(req.Provider)
	if provider != forge.ProviderGitHub && provider != forge.ProviderGitLab {
		respondError(c, h.logger, apperrors.ValidationError("provider", "must be github or gitlab"))
		return
	}
	if req.AccessToken == "" {
		respondError(c, h.logger, apperrors.ValidationError("access_token", "must not be empty"))
		return
	}

	if err := h.tokens.SaveInitial(c.Request.Context(), userID(c), provider, req.AccessToken, req.RefreshToken); err != nil {
		respondError(c, h.logger, apperrors.Wrap(err, "save tokens"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true})
}
