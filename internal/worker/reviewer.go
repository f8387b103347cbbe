package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reviewdeck/reviewdeck/internal/agent"
	"github.com/reviewdeck/reviewdeck/internal/common/config"
	apperrors "github.com/reviewdeck/reviewdeck/internal/common/errors"
	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/events"
	"github.com/reviewdeck/reviewdeck/internal/events/bus"
	"github.com/reviewdeck/reviewdeck/internal/forge"
	"github.com/reviewdeck/reviewdeck/internal/prompts"
	"github.com/reviewdeck/reviewdeck/internal/sandbox"
	"github.com/reviewdeck/reviewdeck/internal/skills"
	"github.com/reviewdeck/reviewdeck/internal/store"
	"github.com/reviewdeck/reviewdeck/internal/tokens"
)

const (
	reviewTimeout  = 5 * time.Minute
	maxReviewFiles = 100

	// When more than this many comments survive truncation, suggestions
	// are dropped to keep the review focused.
	suggestionDropThreshold = 5

	// Prior comments within this line distance and sharing a message
	// prefix count as duplicates.
	dedupLineDistance  = 3
	dedupMessagePrefix = 80
)

// Reviewer runs one automated review for one webhook event.
type Reviewer struct {
	repos    *store.RepoStore
	settings *store.SettingsStore
	reviews  *store.ReviewStore
	subs     *store.SubscriptionStore
	tokens   *tokens.Store
	docker   *sandbox.Client
	adapters map[forge.Provider]forge.Adapter
	appAuth  *forge.AppAuth // nil when no GitHub App is configured
	catalog  *skills.Catalog
	events   bus.EventBus // nil disables notifications
	gitlab   config.GitLabConfig
	llm      config.LLMConfig
	image    string
	logger   *logger.Logger
}

// NewReviewer creates a Reviewer. appAuth and eventBus may be nil.
func NewReviewer(repos *store.RepoStore, settings *store.SettingsStore, reviews *store.ReviewStore,
	subs *store.SubscriptionStore, tokenStore *tokens.Store, docker *sandbox.Client,
	adapters map[forge.Provider]forge.Adapter, appAuth *forge.AppAuth, catalog *skills.Catalog,
	eventBus bus.EventBus, gitlab config.GitLabConfig, llm config.LLMConfig,
	image string, log *logger.Logger) *Reviewer {
	return &Reviewer{
		repos:    repos,
		settings: settings,
		reviews:  reviews,
		subs:     subs,
		tokens:   tokenStore,
		docker:   docker,
		adapters: adapters,
		appAuth:  appAuth,
		catalog:  catalog,
		events:   eventBus,
		gitlab:   gitlab,
		llm:      llm,
		image:    image,
		logger:   log.WithFields(zap.String("component", "reviewer")),
	}
}

// Process reviews one PR event. Admission failures return AdmissionDenied so
// the scheduler consumes the message; transient and sandbox failures
// propagate for redelivery.
func (r *Reviewer) Process(ctx context.Context, ev *forge.WebhookEvent) error {
	log := r.logger.WithFields(
		zap.String("user_id", ev.UserID),
		zap.String("repo", ev.RepoName),
		zap.Int("pr", ev.PRNumber))

	adapter, ok := r.adapters[ev.Provider]
	if !ok {
		return apperrors.AdmissionDenied(fmt.Sprintf("unknown provider %q", ev.Provider))
	}

	repo, err := r.repos.Get(ctx, ev.UserID, ev.RepoSlug)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return apperrors.AdmissionDenied("repository no longer connected")
		}
		return err
	}
	if repo.Status != store.StatusActive {
		return apperrors.AdmissionDenied(fmt.Sprintf("repository status is %s", repo.Status))
	}
	if repo.Persona == nil || strings.TrimSpace(repo.Persona.Persona) == "" {
		return apperrors.AdmissionDenied("repository has no review persona")
	}

	sub, err := r.subs.ResetIfExpired(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if err := admitUsage(sub); err != nil {
		return err
	}

	userToken, err := r.tokens.GetValid(ctx, ev.UserID, ev.Provider)
	if err != nil {
		return err
	}
	if userToken == "" {
		return apperrors.AdmissionDenied("no valid provider token")
	}

	settings, err := r.settings.Get(ctx, ev.UserID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return apperrors.AdmissionDenied("user has no settings")
		}
		return err
	}
	if settings.APIKey == "" {
		return apperrors.AdmissionDenied("no llm api key configured")
	}
	model := NormalizeModel(settings, r.llm)

	meta, files, err := adapter.FetchDiff(ctx, ev.RepoName, ev.PRNumber, userToken)
	if err != nil {
		return apperrors.Transient("fetch diff", err)
	}
	if err := admitDiff(meta, len(files)); err != nil {
		return err
	}
	diff := forge.FormatDiff(files)

	prior, err := r.reviews.PriorComments(ctx, ev.UserID, ev.RepoSlug, ev.PRNumber)
	if err != nil {
		return err
	}

	analysisProfile := ""
	if repo.Analysis != nil {
		analysisProfile = repo.Analysis.Profile
	}
	systemPrompt := prompts.ReviewSystemPrompt(
		repo.Persona.Persona, analysisProfile, r.catalog.PromptText(), repo.CustomSkills)
	userMsg := prompts.ReviewUserMessage(meta, len(files), prior, diff)

	comments, err := r.runReview(ctx, adapter, ev, userToken, model, settings.APIKey, systemPrompt, userMsg)
	if err != nil {
		return err
	}

	surviving := Dedup(PostProcess(comments, settings.MaxComments), prior)

	postToken := r.postingToken(ctx, ev, userToken, log)
	posted, err := adapter.PostReview(ctx, ev.RepoName, ev.PRNumber, postToken, surviving, meta)
	if err != nil {
		return apperrors.Transient("post review", err)
	}
	log.Info("review posted",
		zap.Int("surviving", len(surviving)),
		zap.Int("posted", posted))

	provider, _, _ := strings.Cut(model, "/")
	review := &store.Review{
		UserID:      ev.UserID,
		RepoSlug:    ev.RepoSlug,
		PRNumber:    ev.PRNumber,
		PRTitle:     ev.PRTitle,
		PRURL:       ev.PRURL,
		PRAuthor:    ev.PRAuthor,
		Verdict:     "comment",
		Comments:    surviving,
		LLMProvider: provider,
		LLMModel:    model,
	}
	if err := r.reviews.Insert(ctx, review); err != nil {
		return err
	}
	publishEvent(ctx, r.events, r.logger, events.SubjectReviewCompleted,
		events.NewReviewCompleted(ev.UserID, ev.RepoSlug, ev.PRNumber, len(surviving), ev.PRTitle))

	if sub.Plan != store.PlanPro {
		if err := r.subs.IncrementReviewCount(ctx, ev.UserID); err != nil {
			return err
		}
	}
	return nil
}

// admitUsage enforces the monthly review cap. Pro usage is uncapped.
func admitUsage(sub *store.Subscription) error {
	if sub.Plan != store.PlanPro && sub.ReviewCountMonth >= store.FreeMonthlyReviewLimit {
		return apperrors.AdmissionDenied("monthly review limit reached")
	}
	return nil
}

// admitDiff applies the draft and size gates to a fetched diff.
func admitDiff(meta *forge.PRMetadata, fileCount int) error {
	if meta.Draft {
		return apperrors.AdmissionDenied("draft pull request")
	}
	if fileCount == 0 || fileCount > maxReviewFiles {
		return apperrors.AdmissionDenied(fmt.Sprintf("diff has %d files", fileCount))
	}
	return nil
}

// postingToken prefers the bot identity when one is configured, so reviews
// do not appear to come from the repo owner.
func (r *Reviewer) postingToken(ctx context.Context, ev *forge.WebhookEvent, userToken string, log *logger.Logger) string {
	switch ev.Provider {
	case forge.ProviderGitHub:
		if r.appAuth == nil {
			return userToken
		}
		token, err := r.appAuth.InstallationToken(ctx, ev.RepoName)
		if err != nil {
			log.Warn("installation token failed, posting as user", zap.Error(err))
			return userToken
		}
		return token
	case forge.ProviderGitLab:
		if r.gitlab.BotToken != "" {
			return r.gitlab.BotToken
		}
	}
	return userToken
}

func (r *Reviewer) runReview(ctx context.Context, adapter forge.Adapter, ev *forge.WebhookEvent,
	token, model, apiKey, systemPrompt, userMsg string) ([]forge.ReviewComment, error) {
	sb, err := sandbox.Start(ctx, r.docker, r.image)
	if err != nil {
		return nil, err
	}
	defer sb.Stop(context.Background())

	cloneURL := adapter.CloneURL(ev.RepoName, token)
	if _, err := sb.Run(ctx, []string{"git", "clone", "--depth", "50", cloneURL, sandbox.RepoPath}); err != nil {
		return nil, err
	}

	// Best effort: the diff travels in the prompt, so a failed checkout
	// still produces a usable review against the default branch.
	refspec, branch := adapter.FetchRef(ev.PRNumber)
	if _, err := sb.Run(ctx, []string{"git", "-C", sandbox.RepoPath, "fetch", "origin", refspec}); err != nil {
		r.logger.Warn("pr head fetch failed", zap.Int("pr", ev.PRNumber), zap.Error(err))
	} else if _, err := sb.Run(ctx, []string{"git", "-C", sandbox.RepoPath, "checkout", branch}); err != nil {
		r.logger.Warn("pr head checkout failed", zap.Int("pr", ev.PRNumber), zap.Error(err))
	}

	if err := writeAgentAuth(ctx, sb, model, apiKey); err != nil {
		return nil, err
	}
	if err := sb.WriteFile(ctx, agent.SystemPromptPath, systemPrompt); err != nil {
		return nil, err
	}
	if err := sb.WriteFile(ctx, agent.UserPromptPath, userMsg); err != nil {
		return nil, err
	}

	script := agent.RunScript(model, agent.SystemPromptPath)
	if _, err := sb.ExecWithTimeout(ctx, []string{"sh", "-c", script}, reviewTimeout); err != nil {
		return nil, err
	}

	res, err := sb.Run(ctx, []string{"cat", agent.ResultPath})
	if err != nil {
		return nil, err
	}

	var output agent.ReviewOutput
	if err := agent.ParseJSON(agent.ExtractText(res.Stdout), &output); err != nil {
		return nil, err
	}
	if output.Comments == nil {
		return nil, apperrors.AgentMalformed("agent output has no comments list", nil)
	}
	return output.Comments, nil
}

// PostProcess applies the comment budget: truncate to maxComments preserving
// order, then drop all suggestions when more than five comments remain.
func PostProcess(comments []forge.ReviewComment, maxComments int) []forge.ReviewComment {
	if maxComments <= 0 {
		maxComments = store.DefaultMaxComments
	}
	if len(comments) > maxComments {
		comments = comments[:maxComments]
	}
	if len(comments) <= suggestionDropThreshold {
		return comments
	}
	kept := make([]forge.ReviewComment, 0, len(comments))
	for _, c := range comments {
		if c.Severity == forge.SeveritySuggestion {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// Dedup drops comments already raised by a prior review: same file, within
// three lines, and sharing the first 80 characters of the message
// case-insensitively.
func Dedup(comments, prior []forge.ReviewComment) []forge.ReviewComment {
	if len(prior) == 0 {
		return comments
	}
	kept := make([]forge.ReviewComment, 0, len(comments))
	for _, c := range comments {
		duplicate := false
		for _, p := range prior {
			if p.File != c.File {
				continue
			}
			if abs(p.Line-c.Line) > dedupLineDistance {
				continue
			}
			if messagePrefix(p.Message) == messagePrefix(c.Message) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, c)
		}
	}
	return kept
}

func messagePrefix(s string) string {
	if len(s) > dedupMessagePrefix {
		s = s[:dedupMessagePrefix]
	}
	return strings.ToLower(s)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
