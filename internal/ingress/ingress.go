// Package ingress terminates forge webhooks: verify, normalize, enqueue.
package ingress

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/forge"
	"github.com/reviewdeck/reviewdeck/internal/queue"
	"github.com/reviewdeck/reviewdeck/internal/store"
)

// Handler is the single webhook endpoint shared by both forges.
type Handler struct {
	adapters     map[forge.Provider]forge.Adapter
	repos        *store.RepoStore
	queue        *queue.Queue
	githubSecret string // one app-level secret for all GitHub hooks
	logger       *logger.Logger
}

// NewHandler creates the webhook handler.
func NewHandler(adapters map[forge.Provider]forge.Adapter, repos *store.RepoStore,
	q *queue.Queue, githubSecret string, log *logger.Logger) *Handler {
	return &Handler{
		adapters:     adapters,
		repos:        repos,
		queue:        q,
		githubSecret: githubSecret,
		logger:       log.WithFields(zap.String("component", "ingress")),
	}
}

// Register mounts the webhook route. Non-POST methods get 405 from gin's
// method-not-allowed handling, enabled in the server setup.
func (h *Handler) Register(router gin.IRouter) {
	router.POST("/webhooks", h.handle)
}

func (h *Handler) handle(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	switch {
	case c.GetHeader("X-GitHub-Event") != "":
		h.handleGitHub(c, body)
	case c.GetHeader("X-Gitlab-Event") != "":
		h.handleGitLab(c, body)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unrecognized webhook source"})
	}
}

func (h *Handler) handleGitHub(c *gin.Context, body []byte) {
	if c.GetHeader("X-GitHub-Event") != "pull_request" {
		c.JSON(http.StatusOK, gin.H{"skipped": true})
		return
	}

	adapter := h.adapters[forge.ProviderGitHub]
	headers := map[string]string{"X-Hub-Signature-256": c.GetHeader("X-Hub-Signature-256")}
	if !adapter.VerifyWebhook(body, headers, h.githubSecret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	ev, err := adapter.ParseEvent(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	if ev == nil {
		c.JSON(http.StatusOK, gin.H{"skipped": true})
		return
	}

	rows, err := h.repos.ListByName(c.Request.Context(), forge.ProviderGitHub, ev.RepoName)
	if err != nil {
		// 500 here has the same effect as a failed enqueue: the forge
		// redelivers, so a database blip loses no events.
		h.logger.Error("repo lookup failed", zap.String("repo", ev.RepoName), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	h.enqueueForRows(c, ev, rows)
}

func (h *Handler) handleGitLab(c *gin.Context, body []byte) {
	if c.GetHeader("X-Gitlab-Event") != "Merge Request Hook" {
		c.JSON(http.StatusOK, gin.H{"skipped": true})
		return
	}

	adapter := h.adapters[forge.ProviderGitLab]
	ev, err := adapter.ParseEvent(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	if ev == nil {
		c.JSON(http.StatusOK, gin.H{"skipped": true})
		return
	}

	rows, err := h.repos.ListByName(c.Request.Context(), forge.ProviderGitLab, ev.RepoName)
	if err != nil {
		// 500 here has the same effect as a failed enqueue: the forge
		// redelivers, so a database blip loses no events.
		h.logger.Error("repo lookup failed", zap.String("repo", ev.RepoName), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if len(rows) == 0 {
		c.JSON(http.StatusOK, gin.H{"skipped": true})
		return
	}

	// Each connected row carries its own hook secret; a row without one is
	// skipped, never matched.
	headers := map[string]string{"X-Gitlab-Token": c.GetHeader("X-Gitlab-Token")}
	var matched []*store.ConnectedRepo
	for _, row := range rows {
		if row.WebhookSecret == "" {
			continue
		}
		if adapter.VerifyWebhook(body, headers, row.WebhookSecret) {
			matched = append(matched, row)
		}
	}
	if len(matched) == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	h.enqueueForRows(c, ev, matched)
}

// enqueueForRows fans the event out to every non-paused connected row.
// Duplicates across users are intentional; each user gets their own review.
func (h *Handler) enqueueForRows(c *gin.Context, ev *forge.WebhookEvent, rows []*store.ConnectedRepo) {
	enqueued := 0
	for _, row := range rows {
		if row.Status == store.StatusPaused {
			continue
		}
		perUser := *ev
		perUser.UserID = row.UserID
		perUser.RepoSlug = row.Slug

		if _, err := h.queue.Send(c.Request.Context(), queue.QueueWebhookEvents, perUser); err != nil {
			h.logger.Error("enqueue failed",
				zap.String("user_id", row.UserID),
				zap.String("repo", ev.RepoName),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
			return
		}
		enqueued++
	}

	h.logger.Info("webhook accepted",
		zap.String("provider", string(ev.Provider)),
		zap.String("repo", ev.RepoName),
		zap.Int("pr", ev.PRNumber),
		zap.String("event_type", string(ev.EventType)),
		zap.Int("enqueued", enqueued))
	c.JSON(http.StatusOK, gin.H{"enqueued": enqueued})
}
