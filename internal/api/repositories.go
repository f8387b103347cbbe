package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reviewdeck/reviewdeck/internal/common/config"
	apperrors "github.com/reviewdeck/reviewdeck/internal/common/errors"
	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/events"
	"github.com/reviewdeck/reviewdeck/internal/events/bus"
	"github.com/reviewdeck/reviewdeck/internal/forge"
	"github.com/reviewdeck/reviewdeck/internal/queue"
	"github.com/reviewdeck/reviewdeck/internal/store"
	"github.com/reviewdeck/reviewdeck/internal/tokens"
)

// gitlabBotAccessLevel is GitLab's "developer" role, the minimum that can
// post merge request discussions.
const gitlabBotAccessLevel = 30

// RepoHandler serves the connect/repository lifecycle API.
type RepoHandler struct {
	repos   *store.RepoStore
	reviews *store.ReviewStore
	queue   *queue.Queue
	tokens  *tokens.Store
	gitlab  *forge.GitLabAdapter
	cfg     config.GitLabConfig
	events  bus.EventBus // nil disables notifications
	logger  *logger.Logger
}

// NewRepoHandler creates a RepoHandler. eventBus may be nil.
func NewRepoHandler(repos *store.RepoStore, reviews *store.ReviewStore, q *queue.Queue,
	tokenStore *tokens.Store, gitlab *forge.GitLabAdapter, cfg config.GitLabConfig,
	eventBus bus.EventBus, log *logger.Logger) *RepoHandler {
	return &RepoHandler{
		repos:   repos,
		reviews: reviews,
		queue:   q,
		tokens:  tokenStore,
		gitlab:  gitlab,
		cfg:     cfg,
		events:  eventBus,
		logger:  log.WithFields(zap.String("component", "repo_api")),
	}
}

// Register mounts the repository routes.
func (h *RepoHandler) Register(router gin.IRouter) {
	router.POST("/api/repositories", h.connect)
	router.GET("/api/repositories", h.list)
	router.GET("/api/repositories/:slug", h.get)
	router.PATCH("/api/repositories/:slug", h.updateStatus)
	router.DELETE("/api/repositories/:slug", h.remove)
	router.PUT("/api/repositories/:slug/skills", h.updateSkills)
	router.PUT("/api/repositories/:slug/persona", h.updatePersona)
	router.GET("/api/reviews", h.listReviews)
}

type connectRequest struct {
	Name     string `json:"name"`     // owner/name on the forge
	Provider string `json:"provider"` // github or gitlab
}

func (h *RepoHandler) connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if !strings.Contains(req.Name, "/") {
		respondError(c, h.logger, apperrors.ValidationError("name", "must be owner/name"))
		return
	}
	provider := forge.Provider(req.Provider)
	if provider != forge.ProviderGitHub && provider != forge.ProviderGitLab {
		respondError(c, h.logger, apperrors.ValidationError("provider", "must be github or gitlab"))
		return
	}

	uid := userID(c)
	repo := &store.ConnectedRepo{
		UserID:   uid,
		Slug:     Slugify(req.Name),
		Name:     req.Name,
		Provider: provider,
		Status:   store.StatusAnalyzing,
	}

	// GitHub events arrive through the App-level webhook; GitLab needs a
	// per-project hook with its own secret.
	if provider == forge.ProviderGitLab {
		if err := h.createGitLabHook(c, repo); err != nil {
			respondError(c, h.logger, err)
			return
		}
	}

	if err := h.repos.Create(c.Request.Context(), repo); err != nil {
		respondError(c, h.logger, apperrors.Wrap(err, "connect repository"))
		return
	}

	payload := store.RepoAnalysisPayload{
		UserID:   uid,
		Slug:     repo.Slug,
		RepoName: repo.Name,
		Provider: provider,
	}
	if _, err := h.queue.Send(c.Request.Context(), queue.QueueRepoAnalysis, payload); err != nil {
		respondError(c, h.logger, apperrors.Wrap(err, "enqueue analysis"))
		return
	}

	h.logger.Info("repository connected",
		zap.String("user_id", uid),
		zap.String("repo", repo.Name),
		zap.String("provider", string(provider)))
	c.JSON(http.StatusCreated, repo)
}

func (h *RepoHandler) createGitLabHook(c *gin.Context, repo *store.ConnectedRepo) error {
	token, err := h.tokens.GetValid(c.Request.Context(), repo.UserID, forge.ProviderGitLab)
	if err != nil {
		return apperrors.Wrap(err, "gitlab token lookup")
	}
	if token == "" {
		return apperrors.Unauthorized("gitlab token invalid, re-authenticate")
	}

	secret, err := newWebhookSecret()
	if err != nil {
		return apperrors.Wrap(err, "generate webhook secret")
	}
	hookURL := strings.TrimRight(h.cfg.WebhookURL, "/") + "/webhooks"
	hookID, err := h.gitlab.CreateWebhook(c.Request.Context(), repo.Name, token, secret, hookURL)
	if err != nil {
		return apperrors.Wrap(err, "create gitlab webhook")
	}
	repo.WebhookHookID = &hookID
	repo.WebhookSecret = secret

	if h.cfg.BotUserID != 0 {
		if err := h.gitlab.InviteBot(c.Request.Context(), repo.Name, token, h.cfg.BotUserID, gitlabBotAccessLevel); err != nil {
			// The review falls back to posting with the user token.
			h.logger.Warn("bot invite failed",
				zap.String("repo", repo.Name),
				zap.Error(err))
		}
	}
	return nil
}

func (h *RepoHandler) list(c *gin.Context) {
	repos, err := h.repos.ListByUser(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, h.logger, apperrors.Wrap(err, "list repositories"))
		return
	}
	if repos == nil {
		repos = []*store.ConnectedRepo{}
	}
	c.JSON(http.StatusOK, gin.H{"repositories": repos})
}

func (h *RepoHandler) get(c *gin.Context) {
	repo, err := h.repos.Get(c.Request.Context(), userID(c), c.Param("slug"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, repo)
}

type statusRequest struct {
	Status string `json:"status"` // active or paused
}

// updateStatus toggles active <-> paused. Repos still analyzing or in the
// interview cannot be toggled; the pipeline owns those transitions.
func (h *RepoHandler) updateStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	target := store.RepoStatus(req.Status)
	if target != store.StatusActive && target != store.StatusPaused {
		respondError(c, h.logger, apperrors.ValidationError("status", "must be active or paused"))
		return
	}

	uid := userID(c)
	slug := c.Param("slug")
	repo, err := h.repos.Get(c.Request.Context(), uid, slug)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if repo.Status != store.StatusActive && repo.Status != store.StatusPaused {
		respondError(c, h.logger, apperrors.Conflict(
			fmt.Sprintf("repository is %s and cannot be toggled", repo.Status)))
		return
	}

	if err := h.repos.UpdateStatus(c.Request.Context(), uid, slug, target); err != nil {
		respondError(c, h.logger, apperrors.Wrap(err, "update status"))
		return
	}
	publish(c, h.events, h.logger, events.SubjectRepoStatusChanged,
		events.NewRepoStatusChanged(uid, slug, string(target)))
	c.JSON(http.StatusOK, gin.H{"status": target})
}

// remove disconnects the repository: the forge webhook is deleted best
// effort, the row and its review history always.
func (h *RepoHandler) remove(c *gin.Context) {
	uid := userID(c)
	slug := c.Param("slug")
	repo, err := h.repos.Get(c.Request.Context(), uid, slug)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if repo.Provider == forge.ProviderGitLab && repo.WebhookHookID != nil {
		token, err := h.tokens.GetValid(c.Request.Context(), uid, forge.ProviderGitLab)
		if err == nil && token != "" {
			if err := h.gitlab.DeleteWebhook(c.Request.Context(), repo.Name, *repo.WebhookHookID, token); err != nil {
				h.logger.Warn("webhook delete failed",
					zap.String("repo", repo.Name),
					zap.Int("hook_id", *repo.WebhookHookID),
					zap.Error(err))
			}
		}
	}

	if err := h.repos.Delete(c.Request.Context(), uid, slug); err != nil {
		respondError(c, h.logger, apperrors.Wrap(err, "delete repository"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type skillsRequest struct {
	CustomSkills []string `json:"custom_skills"`
}

func (h *RepoHandler) updateSkills(c *gin.Context) {
	var req skillsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.repos.UpdateCustomSkills(c.Request.Context(), userID(c), c.Param("slug"), req.CustomSkills); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"custom_skills": req.CustomSkills})
}

type personaRequest struct {
	Persona string `json:"persona"`
}

// updatePersona replaces the review persona with a hand-edited one and
// activates the repository.
func (h *RepoHandler) updatePersona(c *gin.Context) {
	var req personaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if strings.TrimSpace(req.Persona) == "" {
		respondError(c, h.logger, apperrors.ValidationError("persona", "must not be empty"))
		return
	}

	uid := userID(c)
	slug := c.Param("slug")
	repo, err := h.repos.Get(c.Request.Context(), uid, slug)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if repo.Status == store.StatusAnalyzing {
		respondError(c, h.logger, apperrors.Conflict("repository is still analyzing"))
		return
	}

	persona := &store.PersonaData{Persona: req.Persona, Edited: true}
	if err := h.repos.SetPersona(c.Request.Context(), uid, slug, persona); err != nil {
		respondError(c, h.logger, apperrors.Wrap(err, "save persona"))
		return
	}
	publish(c, h.events, h.logger, events.SubjectRepoStatusChanged,
		events.NewRepoStatusChanged(uid, slug, string(store.StatusActive)))
	c.JSON(http.StatusOK, gin.H{"status": store.StatusActive})
}

const reviewHistoryLimit = 50

func (h *RepoHandler) listReviews(c *gin.Context) {
	reviews, err := h.reviews.ListByUser(c.Request.Context(), userID(c), reviewHistoryLimit)
	if err != nil {
		respondError(c, h.logger, apperrors.Wrap(err, "list reviews"))
		return
	}
	if reviews == nil {
		reviews = []*store.Review{}
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews})
}

// Slugify derives the repository slug from its forge full name.
func Slugify(name string) string {
	slug := strings.ToLower(name)
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, slug)
	return strings.Trim(slug, "-")
}

// newWebhookSecret generates the random 256-bit hex token GitLab echoes back
// in X-Gitlab-Token.
func newWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
