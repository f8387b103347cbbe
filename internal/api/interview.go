package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reviewdeck/reviewdeck/internal/common/config"
	apperrors "github.com/reviewdeck/reviewdeck/internal/common/errors"
	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/events"
	"github.com/reviewdeck/reviewdeck/internal/events/bus"
	"github.com/reviewdeck/reviewdeck/internal/interview"
	"github.com/reviewdeck/reviewdeck/internal/prompts"
	"github.com/reviewdeck/reviewdeck/internal/store"
)

// InterviewHandler serves the persona interview loop. Each request carries
// the full transcript; the driver is stateless.
type InterviewHandler struct {
	repos    *store.RepoStore
	settings *store.SettingsStore
	driver   *interview.Driver
	events   bus.EventBus // nil disables notifications
	llm      config.LLMConfig
	logger   *logger.Logger
}

// NewInterviewHandler creates an InterviewHandler. eventBus may be nil.
func NewInterviewHandler(repos *store.RepoStore, settings *store.SettingsStore,
	driver *interview.Driver, eventBus bus.EventBus, llm config.LLMConfig,
	log *logger.Logger) *InterviewHandler {
	return &InterviewHandler{
		repos:    repos,
		settings: settings,
		driver:   driver,
		events:   eventBus,
		llm:      llm,
		logger:   log.WithFields(zap.String("component", "interview_api")),
	}
}

// Register mounts the interview route.
func (h *InterviewHandler) Register(router gin.IRouter) {
	router.POST("/api/repositories/:slug/interview", h.step)
}

type stepRequest struct {
	Answers []prompts.QA `json:"answers"`
}

// step runs one interview turn: the transcript so far in, the next question
// or the finished persona out. A complete response activates the repository.
func (h *InterviewHandler) step(c *gin.Context) {
	var req stepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	uid := userID(c)
	slug := c.Param("slug")
	repo, err := h.repos.Get(c.Request.Context(), uid, slug)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if repo.Status != store.StatusInterview {
		respondError(c, h.logger, apperrors.Conflict("repository is not in the interview stage"))
		return
	}

	settings, err := h.settings.Get(c.Request.Context(), uid)
	if err != nil {
		if apperrors.IsNotFound(err) {
			respondError(c, h.logger, apperrors.BadRequest("configure an llm api key first"))
			return
		}
		respondError(c, h.logger, apperrors.Wrap(err, "load settings"))
		return
	}
	if settings.APIKey == "" {
		respondError(c, h.logger, apperrors.BadRequest("configure an llm api key first"))
		return
	}
	model := settings.ResolveModel(h.llm.DefaultProvider, h.llm.DefaultModel)

	profile := ""
	if repo.Analysis != nil {
		profile = repo.Analysis.Profile
	}

	resp, err := h.driver.Next(c.Request.Context(), model, settings.APIKey, profile, req.Answers)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if resp.Status == interview.StatusComplete {
		persona := &store.PersonaData{Persona: resp.Persona}
		if err := h.repos.SetPersona(c.Request.Context(), uid, slug, persona); err != nil {
			respondError(c, h.logger, apperrors.Wrap(err, "save persona"))
			return
		}
		publish(c, h.events, h.logger, events.SubjectRepoStatusChanged,
			events.NewRepoStatusChanged(uid, slug, string(store.StatusActive)))
		h.logger.Info("interview complete",
			zap.String("user_id", uid),
			zap.String("slug", slug),
			zap.Int("answers", len(req.Answers)))
	}
	c.JSON(http.StatusOK, resp)
}
