// Package worker hosts the long-lived job loop: repository analysis and PR
// review driven off the durable queues.
package worker

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reviewdeck/reviewdeck/internal/agent"
	"github.com/reviewdeck/reviewdeck/internal/common/config"
	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/events"
	"github.com/reviewdeck/reviewdeck/internal/events/bus"
	"github.com/reviewdeck/reviewdeck/internal/forge"
	"github.com/reviewdeck/reviewdeck/internal/prompts"
	"github.com/reviewdeck/reviewdeck/internal/sandbox"
	"github.com/reviewdeck/reviewdeck/internal/store"
	"github.com/reviewdeck/reviewdeck/internal/tokens"
)

const analysisTimeout = 15 * time.Minute

// Analyzer produces the one-shot engineering profile for a freshly connected
// repository.
type Analyzer struct {
	repos    *store.RepoStore
	settings *store.SettingsStore
	tokens   *tokens.Store
	docker   *sandbox.Client
	adapters map[forge.Provider]forge.Adapter
	events   bus.EventBus // nil disables notifications
	llm      config.LLMConfig
	image    string
	logger   *logger.Logger
}

// NewAnalyzer creates an Analyzer. eventBus may be nil.
func NewAnalyzer(repos *store.RepoStore, settings *store.SettingsStore, tokenStore *tokens.Store,
	docker *sandbox.Client, adapters map[forge.Provider]forge.Adapter, eventBus bus.EventBus,
	llm config.LLMConfig, image string, log *logger.Logger) *Analyzer {
	return &Analyzer{
		repos:    repos,
		settings: settings,
		tokens:   tokenStore,
		docker:   docker,
		adapters: adapters,
		events:   eventBus,
		llm:      llm,
		image:    image,
		logger:   log.WithFields(zap.String("component", "analyzer")),
	}
}

// Process analyzes one repository. Analysis is best-effort: any failure
// degrades to the interview state with a null profile instead of retrying,
// so the user is never stuck in "analyzing". Only store errors propagate.
func (a *Analyzer) Process(ctx context.Context, payload store.RepoAnalysisPayload) error {
	log := a.logger.WithFields(
		zap.String("user_id", payload.UserID),
		zap.String("slug", payload.Slug),
		zap.String("repo", payload.RepoName))

	adapter, ok := a.adapters[payload.Provider]
	if !ok {
		log.Error("unknown provider", zap.String("provider", string(payload.Provider)))
		return a.degrade(ctx, payload)
	}

	token, err := a.tokens.GetValid(ctx, payload.UserID, payload.Provider)
	if err != nil {
		return err
	}
	if token == "" {
		log.Warn("no valid provider token, skipping analysis")
		return a.degrade(ctx, payload)
	}

	settings, err := a.settings.Get(ctx, payload.UserID)
	if err != nil || settings.APIKey == "" {
		log.Warn("no usable llm settings, skipping analysis", zap.Error(err))
		return a.degrade(ctx, payload)
	}
	model := NormalizeModel(settings, a.llm)

	profile, err := a.runAnalysis(ctx, adapter, payload.RepoName, token, model, settings.APIKey)
	if err != nil || strings.TrimSpace(profile) == "" {
		log.Warn("analysis run failed, degrading to interview", zap.Error(err))
		return a.degrade(ctx, payload)
	}

	analysis := &store.AnalysisData{
		Profile:    profile,
		Provider:   string(payload.Provider),
		Model:      model,
		AnalyzedAt: time.Now().UTC(),
	}
	if err := a.repos.SetAnalysis(ctx, payload.UserID, payload.Slug, analysis); err != nil {
		return err
	}
	log.Info("repository analyzed", zap.Int("profile_len", len(profile)))
	publishEvent(ctx, a.events, a.logger, events.SubjectRepoStatusChanged,
		events.NewRepoStatusChanged(payload.UserID, payload.Slug, string(store.StatusInterview)))
	return nil
}

// degrade moves the repo to interview with a null profile.
func (a *Analyzer) degrade(ctx context.Context, payload store.RepoAnalysisPayload) error {
	if err := a.repos.SetAnalysis(ctx, payload.UserID, payload.Slug, nil); err != nil {
		return err
	}
	publishEvent(ctx, a.events, a.logger, events.SubjectRepoStatusChanged,
		events.NewRepoStatusChanged(payload.UserID, payload.Slug, string(store.StatusInterview)))
	return nil
}

// publishEvent is best-effort; a bus failure never fails the job.
func publishEvent(ctx context.Context, eventBus bus.EventBus, log *logger.Logger, subject string, ev *bus.Event) {
	if eventBus == nil {
		return
	}
	if err := eventBus.Publish(ctx, subject, ev); err != nil {
		log.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (a *Analyzer) runAnalysis(ctx context.Context, adapter forge.Adapter, repoName, token, model, apiKey string) (string, error) {
	sb, err := sandbox.Start(ctx, a.docker, a.image)
	if err != nil {
		return "", err
	}
	defer sb.Stop(context.Background())

	cloneURL := adapter.CloneURL(repoName, token)
	if _, err := sb.Run(ctx, []string{"git", "clone", "--depth", "1", cloneURL, sandbox.RepoPath}); err != nil {
		return "", err
	}

	if err := writeAgentAuth(ctx, sb, model, apiKey); err != nil {
		return "", err
	}
	if err := sb.WriteFile(ctx, agent.UserPromptPath, prompts.AnalysisSystemPrompt); err != nil {
		return "", err
	}

	script := agent.RunScript(model, "")
	if _, err := sb.ExecWithTimeout(ctx, []string{"sh", "-c", script}, analysisTimeout); err != nil {
		return "", err
	}

	res, err := sb.Run(ctx, []string{"cat", agent.ResultPath})
	if err != nil {
		return "", err
	}
	return agent.ExtractText(res.Stdout), nil
}

// NormalizeModel resolves the user's model selection to provider/model form,
// falling back to the configured defaults.
func NormalizeModel(settings *store.UserSettings, defaults config.LLMConfig) string {
	return settings.ResolveModel(defaults.DefaultProvider, defaults.DefaultModel)
}

// writeAgentAuth writes the agent CLI credential file for the model's
// provider.
func writeAgentAuth(ctx context.Context, sb *sandbox.Sandbox, model, apiKey string) error {
	provider := model
	if i := strings.Index(model, "/"); i > 0 {
		provider = model[:i]
	}
	auth, err := agent.AuthFileContent(provider, apiKey)
	if err != nil {
		return err
	}
	if _, err := sb.Run(ctx, []string{"mkdir", "-p", "/root/.local/share/opencode"}); err != nil {
		return err
	}
	return sb.WriteFile(ctx, agent.AuthFilePath, auth)
}
