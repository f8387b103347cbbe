package interview

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/reviewdeck/reviewdeck/internal/agent"
	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/sandbox"
)

const stepTimeout = 5 * time.Minute

// AgentRunner runs one interview step inside a throwaway sandbox. No repo
// checkout is needed; the model works from the prompts alone.
type AgentRunner struct {
	docker *sandbox.Client
	image  string
	logger *logger.Logger
}

// NewAgentRunner creates a sandbox-backed Runner.
func NewAgentRunner(docker *sandbox.Client, image string, log *logger.Logger) *AgentRunner {
	return &AgentRunner{docker: docker, image: image, logger: log}
}

// Run implements Runner.
func (r *AgentRunner) Run(ctx context.Context, model, apiKey, systemPrompt, userPrompt string) (string, error) {
	sb, err := sandbox.Start(ctx, r.docker, r.image)
	if err != nil {
		return "", err
	}
	defer sb.Stop(context.Background())

	provider := model
	if i := strings.Index(model, "/"); i > 0 {
		provider = model[:i]
	}
	auth, err := agent.AuthFileContent(provider, apiKey)
	if err != nil {
		return "", err
	}

	if _, err := sb.Run(ctx, []string{"mkdir", "-p", path.Dir(agent.AuthFilePath), sandbox.RepoPath}); err != nil {
		return "", err
	}
	if err := sb.WriteFile(ctx, agent.AuthFilePath, auth); err != nil {
		return "", err
	}
	if err := sb.WriteFile(ctx, agent.SystemPromptPath, systemPrompt); err != nil {
		return "", err
	}
	if err := sb.WriteFile(ctx, agent.UserPromptPath, userPrompt); err != nil {
		return "", err
	}

	script := agent.RunScript(model, agent.SystemPromptPath)
	if _, err := sb.ExecWithTimeout(ctx, []string{"sh", "-c", script}, stepTimeout); err != nil {
		return "", err
	}

	res, err := sb.Run(ctx, []string{"cat", agent.ResultPath})
	if err != nil {
		return "", err
	}
	return agent.ExtractText(res.Stdout), nil
}
