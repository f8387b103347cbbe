// Package store persists connected repositories, user settings, reviews and
// subscriptions in PostgreSQL.
package store

import (
	"strings"
	"time"

	"github.com/reviewdeck/reviewdeck/internal/forge"
)

// RepoStatus is the lifecycle state of a connected repository.
// Transitions only advance: analyzing -> interview -> active <-> paused.
type RepoStatus string

const (
	StatusAnalyzing RepoStatus = "analyzing"
	StatusInterview RepoStatus = "interview"
	StatusActive    RepoStatus = "active"
	StatusPaused    RepoStatus = "paused"
)

// Custom skill constraints.
const (
	MaxCustomSkills    = 5
	MaxCustomSkillSize = 2000
)

// Review comment budget bounds.
const (
	MinMaxComments     = 1
	MaxMaxComments     = 50
	DefaultMaxComments = 10
)

// ConnectedRepo is a repository a user has connected for automated review.
type ConnectedRepo struct {
	UserID        string         `json:"user_id"`
	Slug          string         `json:"slug"`
	Name          string         `json:"name"` // owner/name on the forge
	Provider      forge.Provider `json:"provider"`
	Status        RepoStatus     `json:"status"`
	ConnectedAt   time.Time      `json:"connected_at"`
	Analysis      *AnalysisData  `json:"analysis,omitempty"`
	Persona       *PersonaData   `json:"persona,omitempty"`
	CustomSkills  []string       `json:"custom_skills"`
	WebhookHookID *int           `json:"webhook_hook_id,omitempty"` // GitLab only
	WebhookSecret string         `json:"-"`                         // GitLab only, random 256-bit hex
}

// AnalysisData is the stored result of a one-shot repository analysis.
type AnalysisData struct {
	Profile    string    `json:"profile"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}

// PersonaData is the stored review persona produced by the interview.
type PersonaData struct {
	Persona string `json:"persona"`
	Edited  bool   `json:"edited,omitempty"`
}

// UserSettings holds per-user provider tokens and LLM selection.
// Tokens are owned per-user, not per-repo.
type UserSettings struct {
	UserID             string `json:"user_id"`
	GitHubToken        string `json:"-"`
	GitHubRefreshToken string `json:"-"`
	GitLabToken        string `json:"-"`
	GitLabRefreshToken string `json:"-"`
	LLMProvider        string `json:"llm_provider"`
	LLMModel           string `json:"llm_model"` // provider/model form
	APIKey             string `json:"-"`
	MaxComments        int    `json:"max_comments"`
}

// Review is an append-only record of one completed review of one PR.
// CommentCount always equals len(Comments); the count records the agent's
// surviving comments after dedup and truncation, not the forge-accepted
// count (an atomic-post fallback may post fewer).
type Review struct {
	ID           string                `json:"id"`
	UserID       string                `json:"user_id"`
	RepoSlug     string                `json:"repo_slug"`
	PRNumber     int                   `json:"pr_number"`
	PRTitle      string                `json:"pr_title"`
	PRURL        string                `json:"pr_url"`
	PRAuthor     string                `json:"pr_author"`
	Verdict      string                `json:"verdict"`
	Summary      string                `json:"summary"`
	CommentCount int                   `json:"comment_count"`
	Comments     []forge.ReviewComment `json:"comments"`
	LLMProvider  string                `json:"llm_provider"`
	LLMModel     string                `json:"llm_model"`
	CreatedAt    time.Time             `json:"created_at"`
}

// ResolveModel returns the user's model selection in provider/model form,
// falling back to the given defaults. Legacy rows stored the bare model name
// without a provider prefix.
func (s *UserSettings) ResolveModel(defaultProvider, defaultModel string) string {
	model := s.LLMModel
	if model == "" {
		model = defaultModel
	}
	if strings.Contains(model, "/") {
		return model
	}
	provider := s.LLMProvider
	if provider == "" {
		provider = defaultProvider
	}
	return provider + "/" + model
}

// Plan identifies the subscription tier.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// FreeMonthlyReviewLimit is the monthly review cap for free-plan users.
const FreeMonthlyReviewLimit = 50

// Subscription tracks a user's plan and monthly review usage.
type Subscription struct {
	UserID             string     `json:"user_id"`
	Plan               Plan       `json:"plan"`
	Status             string     `json:"status"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	ReviewCountMonth   int        `json:"review_count_month"`
	ReviewCountResetAt time.Time  `json:"review_count_reset_at"`
}

// RepoAnalysisPayload is the repo_analysis queue message body.
type RepoAnalysisPayload struct {
	UserID   string         `json:"user_id"`
	Slug     string         `json:"slug"`
	RepoName string         `json:"repo_name"`
	Provider forge.Provider `json:"provider"`
}
