// Package forge provides a uniform surface over GitHub and GitLab for
// webhook verification, event parsing, diff fetching and review posting.
package forge

import (
	"context"
	"time"
)

// Provider identifies a hosted forge.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
)

// EventType is the normalized pull/merge-request event type.
type EventType string

const (
	EventPROpened   EventType = "pr_opened"
	EventPRUpdated  EventType = "pr_updated"
	EventPRClosed   EventType = "pr_closed"
	EventPRReopened EventType = "pr_reopened"
)

// WebhookEvent is a normalized forge webhook payload, as enqueued for review.
type WebhookEvent struct {
	Provider   Provider  `json:"provider"`
	EventType  EventType `json:"event_type"`
	RepoSlug   string    `json:"repo_slug"`
	RepoName   string    `json:"repo_name"` // owner/name
	PRNumber   int       `json:"pr_number"`
	PRTitle    string    `json:"pr_title"`
	PRURL      string    `json:"pr_url"`
	PRAuthor   string    `json:"pr_author"`
	BaseBranch string    `json:"base_branch"`
	HeadBranch string    `json:"head_branch"`
	RawAction  string    `json:"raw_action"`
	UserID     string    `json:"user_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// PRMetadata describes the pull/merge request under review.
type PRMetadata struct {
	Title        string
	Body         string
	Author       string
	BaseBranch   string
	HeadBranch   string
	HeadSHA      string
	BaseSHA      string // GitLab diff refs
	StartSHA     string // GitLab diff refs
	Draft        bool
}

// FileStatus is the normalized per-file change status.
type FileStatus string

const (
	FileAdded    FileStatus = "added"
	FileModified FileStatus = "modified"
	FileRemoved  FileStatus = "removed"
	FileRenamed  FileStatus = "renamed"
)

// FileChange is one changed file in a diff.
type FileChange struct {
	Path      string
	OldPath   string
	Status    FileStatus
	Additions int
	Deletions int
	Patch     string
}

// Severity classifies a review comment.
type Severity string

const (
	SeverityCritical   Severity = "critical"
	SeverityWarning    Severity = "warning"
	SeveritySuggestion Severity = "suggestion"
)

// ReviewComment is one inline review comment produced by the agent.
// EndLine, when set, must be >= Line.
type ReviewComment struct {
	File       string   `json:"file"`
	Line       int      `json:"line"`
	EndLine    int      `json:"endLine,omitempty"`
	Severity   Severity `json:"severity"`
	Category   string   `json:"category"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// Adapter is the per-provider forge surface. GitHub- and GitLab-specific
// quirks (PAT vs Bearer auth, installation tokens, atomic-post fallback,
// per-repo webhook secrets) stay contained behind this interface.
type Adapter interface {
	Provider() Provider

	// VerifyWebhook checks the request signature or token against secret.
	VerifyWebhook(body []byte, headers map[string]string, secret string) bool

	// ParseEvent normalizes a raw webhook body. Returns nil for actions
	// outside the accepted set.
	ParseEvent(body []byte) (*WebhookEvent, error)

	// FetchDiff returns PR metadata and the changed files.
	FetchDiff(ctx context.Context, repoName string, prNumber int, token string) (*PRMetadata, []FileChange, error)

	// PostReview posts the comments and returns how many were accepted.
	PostReview(ctx context.Context, repoName string, prNumber int, token string, comments []ReviewComment, meta *PRMetadata) (int, error)

	// CloneURL builds an authenticated HTTPS clone URL.
	CloneURL(repoName, token string) string

	// FetchRef returns the refspec that maps the PR head to a local branch,
	// plus the local branch name to check out.
	FetchRef(prNumber int) (refspec, branch string)
}
