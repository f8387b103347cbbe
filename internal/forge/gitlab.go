package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reviewdeck/reviewdeck/internal/common/logger"
)

// GitLabAdapter talks to the GitLab REST API v4.
type GitLabAdapter struct {
	apiBase   string
	cloneHost string
	client    *http.Client
	logger    *logger.Logger
}

// NewGitLabAdapter creates an adapter against gitlab.com.
func NewGitLabAdapter(log *logger.Logger) *GitLabAdapter {
	return &GitLabAdapter{
		apiBase:   "https://gitlab.com/api/v4",
		cloneHost: "gitlab.com",
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    log.WithFields(zap.String("forge", "gitlab")),
	}
}

// Provider implements Adapter.
func (a *GitLabAdapter) Provider() Provider { return ProviderGitLab }

// VerifyWebhook compares the X-Gitlab-Token header with the per-repo secret.
func (a *GitLabAdapter) VerifyWebhook(body []byte, headers map[string]string, secret string) bool {
	token := headers["X-Gitlab-Token"]
	if token == "" || secret == "" {
		return false
	}
	return SecureCompare(token, secret)
}

// glMergeRequestEvent is the webhook payload shape for Merge Request Hook
// events.
type glMergeRequestEvent struct {
	ObjectKind string `json:"object_kind"`
	User       struct {
		Username string `json:"username"`
	} `json:"user"`
	Project struct {
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
	ObjectAttributes struct {
		IID          int    `json:"iid"`
		Title        string `json:"title"`
		URL          string `json:"url"`
		Action       string `json:"action"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
	} `json:"object_attributes"`
}

// ParseEvent normalizes a merge request webhook body. Actions outside the
// accepted set return (nil, nil).
func (a *GitLabAdapter) ParseEvent(body []byte) (*WebhookEvent, error) {
	var raw glMergeRequestEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse merge request payload: %w", err)
	}

	var eventType EventType
	switch raw.ObjectAttributes.Action {
	case "open":
		eventType = EventPROpened
	case "update":
		eventType = EventPRUpdated
	case "reopen":
		eventType = EventPRReopened
	case "close", "merge":
		eventType = EventPRClosed
	default:
		return nil, nil
	}

	if raw.Project.PathWithNamespace == "" || raw.ObjectAttributes.IID == 0 {
		return nil, fmt.Errorf("merge request payload missing project or iid")
	}

	return &WebhookEvent{
		Provider:   ProviderGitLab,
		EventType:  eventType,
		RepoName:   strings.ToLower(raw.Project.PathWithNamespace),
		PRNumber:   raw.ObjectAttributes.IID,
		PRTitle:    raw.ObjectAttributes.Title,
		PRURL:      raw.ObjectAttributes.URL,
		PRAuthor:   raw.User.Username,
		BaseBranch: raw.ObjectAttributes.TargetBranch,
		HeadBranch: raw.ObjectAttributes.SourceBranch,
		RawAction:  raw.ObjectAttributes.Action,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// glChanges is the /merge_requests/{iid}/changes response shape.
type glChanges struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	TargetBranch string `json:"target_branch"`
	SourceBranch string `json:"source_branch"`
	Draft        bool   `json:"draft"`
	Author       struct {
		Username string `json:"username"`
	} `json:"author"`
	DiffRefs struct {
		BaseSHA  string `json:"base_sha"`
		HeadSHA  string `json:"head_sha"`
		StartSHA string `json:"start_sha"`
	} `json:"diff_refs"`
	Changes []struct {
		OldPath     string `json:"old_path"`
		NewPath     string `json:"new_path"`
		Diff        string `json:"diff"`
		NewFile     bool   `json:"new_file"`
		RenamedFile bool   `json:"renamed_file"`
		DeletedFile bool   `json:"deleted_file"`
	} `json:"changes"`
}

// FetchDiff fetches MR metadata and changes in one call.
func (a *GitLabAdapter) FetchDiff(ctx context.Context, repoName string, prNumber int, token string) (*PRMetadata, []FileChange, error) {
	var raw glChanges
	endpoint := fmt.Sprintf("/projects/%s/merge_requests/%d/changes", url.PathEscape(repoName), prNumber)
	if err := a.do(ctx, http.MethodGet, endpoint, token, nil, &raw); err != nil {
		return nil, nil, err
	}

	meta := &PRMetadata{
		Title:      raw.Title,
		Body:       raw.Description,
		Author:     raw.Author.Username,
		BaseBranch: raw.TargetBranch,
		HeadBranch: raw.SourceBranch,
		HeadSHA:    raw.DiffRefs.HeadSHA,
		BaseSHA:    raw.DiffRefs.BaseSHA,
		StartSHA:   raw.DiffRefs.StartSHA,
		Draft:      raw.Draft,
	}

	changes := make([]FileChange, len(raw.Changes))
	for i, c := range raw.Changes {
		status := FileModified
		switch {
		case c.NewFile:
			status = FileAdded
		case c.DeletedFile:
			status = FileRemoved
		case c.RenamedFile:
			status = FileRenamed
		}
		adds, dels := countDiffLines(c.Diff)
		changes[i] = FileChange{
			Path:      c.NewPath,
			OldPath:   c.OldPath,
			Status:    status,
			Additions: adds,
			Deletions: dels,
			Patch:     c.Diff,
		}
	}
	return meta, changes, nil
}

// countDiffLines counts added and removed lines; GitLab does not report
// per-file counters the way GitHub does.
func countDiffLines(diff string) (adds, dels int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			adds++
		case strings.HasPrefix(line, "-"):
			dels++
		}
	}
	return adds, dels
}

// PostReview posts each comment as its own positioned discussion. Individual
// rejections are logged and skipped.
func (a *GitLabAdapter) PostReview(ctx context.Context, repoName string, prNumber int, token string, comments []ReviewComment, meta *PRMetadata) (int, error) {
	endpoint := fmt.Sprintf("/projects/%s/merge_requests/%d/discussions", url.PathEscape(repoName), prNumber)

	posted := 0
	for _, c := range comments {
		payload := map[string]any{
			"body": FormatComment(c),
			"position": map[string]any{
				"position_type": "text",
				"base_sha":      meta.BaseSHA,
				"head_sha":      meta.HeadSHA,
				"start_sha":     meta.StartSHA,
				"old_path":      c.File,
				"new_path":      c.File,
				"new_line":      c.Line,
			},
		}
		if err := a.do(ctx, http.MethodPost, endpoint, token, payload, nil); err != nil {
			a.logger.Warn("discussion rejected",
				zap.String("file", c.File), zap.Int("line", c.Line), zap.Error(err))
			continue
		}
		posted++
	}
	return posted, nil
}

// CreateWebhook registers a merge-request hook on the project and returns its
// id.
func (a *GitLabAdapter) CreateWebhook(ctx context.Context, projectPath, token, secret, hookURL string) (int, error) {
	payload := map[string]any{
		"url":                     hookURL,
		"token":                   secret,
		"merge_requests_events":   true,
		"note_events":             true,
		"push_events":             false,
		"enable_ssl_verification": true,
	}
	var result struct {
		ID int `json:"id"`
	}
	endpoint := fmt.Sprintf("/projects/%s/hooks", url.PathEscape(projectPath))
	if err := a.do(ctx, http.MethodPost, endpoint, token, payload, &result); err != nil {
		return 0, err
	}
	return result.ID, nil
}

// DeleteWebhook removes a project hook. An already-deleted hook is success.
func (a *GitLabAdapter) DeleteWebhook(ctx context.Context, projectPath string, hookID int, token string) error {
	endpoint := fmt.Sprintf("/projects/%s/hooks/%d", url.PathEscape(projectPath), hookID)
	err := a.do(ctx, http.MethodDelete, endpoint, token, nil, nil)
	if err != nil && strings.Contains(err.Error(), "returned 404") {
		return nil
	}
	return err
}

// InviteBot adds the bot account as a project member so it can post
// discussions. An existing membership (409) is success.
func (a *GitLabAdapter) InviteBot(ctx context.Context, projectPath, userToken string, botUserID, accessLevel int) error {
	payload := map[string]any{
		"user_id":      botUserID,
		"access_level": accessLevel,
	}
	endpoint := fmt.Sprintf("/projects/%s/members", url.PathEscape(projectPath))
	err := a.do(ctx, http.MethodPost, endpoint, userToken, payload, nil)
	if err != nil && strings.Contains(err.Error(), "returned 409") {
		return nil
	}
	return err
}

// CloneURL embeds the token in an HTTPS clone URL.
func (a *GitLabAdapter) CloneURL(repoName, token string) string {
	return fmt.Sprintf("https://oauth2:%s@%s/%s.git", token, a.cloneHost, repoName)
}

// FetchRef implements Adapter.
func (a *GitLabAdapter) FetchRef(prNumber int) (refspec, branch string) {
	return fmt.Sprintf("merge-requests/%d/head:mr-review", prNumber), "mr-review"
}

func (a *GitLabAdapter) do(ctx context.Context, method, endpoint, token string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.apiBase+endpoint, body)
	if err != nil {
		return err
	}
	setGitLabAuth(req, token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GitLab API %s returned %d: %s", endpoint, resp.StatusCode, string(data))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// setGitLabAuth picks the auth scheme by token shape: project/bot PATs use
// the PRIVATE-TOKEN header, OAuth tokens use a Bearer header.
func setGitLabAuth(req *http.Request, token string) {
	if strings.HasPrefix(token, "glpat-") {
		req.Header.Set("PRIVATE-TOKEN", token)
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
