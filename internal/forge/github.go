package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reviewdeck/reviewdeck/internal/common/logger"
)

const githubFilesPerPage = 100

// GitHubAdapter talks to the GitHub REST API with a user or installation
// token.
type GitHubAdapter struct {
	apiBase   string
	cloneHost string
	client    *http.Client
	logger    *logger.Logger
}

// NewGitHubAdapter creates an adapter against api.github.com.
func NewGitHubAdapter(log *logger.Logger) *GitHubAdapter {
	return &GitHubAdapter{
		apiBase:   "https://api.github.com",
		cloneHost: "github.com",
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    log.WithFields(zap.String("forge", "github")),
	}
}

// Provider implements Adapter.
func (a *GitHubAdapter) Provider() Provider { return ProviderGitHub }

// VerifyWebhook checks the X-Hub-Signature-256 header against the body HMAC.
func (a *GitHubAdapter) VerifyWebhook(body []byte, headers map[string]string, secret string) bool {
	return VerifySignatureSHA256(body, headers["X-Hub-Signature-256"], secret)
}

// ghPullRequestEvent is the webhook payload shape for pull_request events.
type ghPullRequestEvent struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
		Draft   bool   `json:"draft"`
		User    struct {
			Login string `json:"login"`
		} `json:"user"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
		Head struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// ParseEvent normalizes a pull_request webhook body. Actions outside the
// accepted set return (nil, nil).
func (a *GitHubAdapter) ParseEvent(body []byte) (*WebhookEvent, error) {
	var raw ghPullRequestEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse pull_request payload: %w", err)
	}

	var eventType EventType
	switch raw.Action {
	case "opened":
		eventType = EventPROpened
	case "synchronize":
		eventType = EventPRUpdated
	case "reopened":
		eventType = EventPRReopened
	case "closed":
		eventType = EventPRClosed
	default:
		return nil, nil
	}

	if raw.Repository.FullName == "" || raw.PullRequest.Number == 0 {
		return nil, fmt.Errorf("pull_request payload missing repository or number")
	}

	return &WebhookEvent{
		Provider:   ProviderGitHub,
		EventType:  eventType,
		RepoName:   strings.ToLower(raw.Repository.FullName),
		PRNumber:   raw.PullRequest.Number,
		PRTitle:    raw.PullRequest.Title,
		PRURL:      raw.PullRequest.HTMLURL,
		PRAuthor:   raw.PullRequest.User.Login,
		BaseBranch: raw.PullRequest.Base.Ref,
		HeadBranch: raw.PullRequest.Head.Ref,
		RawAction:  raw.Action,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// ghPR is the REST shape for a pull request.
type ghPR struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Draft bool   `json:"draft"`
	User  struct {
		Login string `json:"login"`
	} `json:"user"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	Head struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
}

// ghFile is the REST shape for one changed file.
type ghFile struct {
	Filename         string `json:"filename"`
	PreviousFilename string `json:"previous_filename"`
	Status           string `json:"status"`
	Additions        int    `json:"additions"`
	Deletions        int    `json:"deletions"`
	Patch            string `json:"patch"`
}

// FetchDiff fetches PR metadata and the changed files. The metadata call and
// the first files page run concurrently.
func (a *GitHubAdapter) FetchDiff(ctx context.Context, repoName string, prNumber int, token string) (*PRMetadata, []FileChange, error) {
	var (
		wg       sync.WaitGroup
		pr       ghPR
		files    []ghFile
		prErr    error
		filesErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		prErr = a.get(ctx, fmt.Sprintf("/repos/%s/pulls/%d", repoName, prNumber), token, &pr)
	}()
	go func() {
		defer wg.Done()
		files, filesErr = a.fetchFiles(ctx, repoName, prNumber, token)
	}()
	wg.Wait()

	if prErr != nil {
		return nil, nil, prErr
	}
	if filesErr != nil {
		return nil, nil, filesErr
	}

	meta := &PRMetadata{
		Title:      pr.Title,
		Body:       pr.Body,
		Author:     pr.User.Login,
		BaseBranch: pr.Base.Ref,
		HeadBranch: pr.Head.Ref,
		HeadSHA:    pr.Head.SHA,
		Draft:      pr.Draft,
	}

	changes := make([]FileChange, len(files))
	for i, f := range files {
		changes[i] = FileChange{
			Path:      f.Filename,
			OldPath:   f.PreviousFilename,
			Status:    normalizeGHStatus(f.Status),
			Additions: f.Additions,
			Deletions: f.Deletions,
			Patch:     f.Patch,
		}
	}
	return meta, changes, nil
}

func (a *GitHubAdapter) fetchFiles(ctx context.Context, repoName string, prNumber int, token string) ([]ghFile, error) {
	var all []ghFile
	for page := 1; page <= 5; page++ {
		var batch []ghFile
		endpoint := fmt.Sprintf("/repos/%s/pulls/%d/files?per_page=%d&page=%d",
			repoName, prNumber, githubFilesPerPage, page)
		if err := a.get(ctx, endpoint, token, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < githubFilesPerPage {
			break
		}
	}
	return all, nil
}

func normalizeGHStatus(s string) FileStatus {
	switch s {
	case "added":
		return FileAdded
	case "removed":
		return FileRemoved
	case "renamed":
		return FileRenamed
	default:
		return FileModified
	}
}

// ghReviewComment is the per-comment shape inside a review POST.
type ghReviewComment struct {
	Path      string `json:"path"`
	Line      int    `json:"line"`
	Side      string `json:"side"`
	StartLine int    `json:"start_line,omitempty"`
	StartSide string `json:"start_side,omitempty"`
	Body      string `json:"body"`
}

// PostReview posts all comments as one COMMENT review. If GitHub rejects the
// batch with 422 (a line outside the diff), each comment is retried as its
// own single-comment review so one bad position cannot sink the rest.
func (a *GitHubAdapter) PostReview(ctx context.Context, repoName string, prNumber int, token string, comments []ReviewComment, meta *PRMetadata) (int, error) {
	if len(comments) == 0 {
		return 0, nil
	}

	status, err := a.postReviewBatch(ctx, repoName, prNumber, token, comments, meta)
	if err == nil {
		return len(comments), nil
	}
	if status != http.StatusUnprocessableEntity {
		return 0, err
	}

	a.logger.Warn("batch review rejected, retrying per comment",
		zap.String("repo", repoName), zap.Int("pr", prNumber))

	posted := 0
	for _, c := range comments {
		if _, err := a.postReviewBatch(ctx, repoName, prNumber, token, []ReviewComment{c}, meta); err != nil {
			a.logger.Warn("comment rejected",
				zap.String("file", c.File), zap.Int("line", c.Line), zap.Error(err))
			continue
		}
		posted++
	}
	return posted, nil
}

func (a *GitHubAdapter) postReviewBatch(ctx context.Context, repoName string, prNumber int, token string, comments []ReviewComment, meta *PRMetadata) (int, error) {
	payload := struct {
		CommitID string            `json:"commit_id,omitempty"`
		Event    string            `json:"event"`
		Body     string            `json:"body"`
		Comments []ghReviewComment `json:"comments"`
	}{
		Event: "COMMENT",
	}
	if meta != nil {
		payload.CommitID = meta.HeadSHA
	}
	for _, c := range comments {
		rc := ghReviewComment{
			Path: c.File,
			Line: c.Line,
			Side: "RIGHT",
			Body: FormatComment(c),
		}
		if c.EndLine > c.Line {
			rc.Line = c.EndLine
			rc.StartLine = c.Line
			rc.StartSide = "RIGHT"
		}
		payload.Comments = append(payload.Comments, rc)
	}

	endpoint := fmt.Sprintf("/repos/%s/pulls/%d/reviews", repoName, prNumber)
	return a.post(ctx, endpoint, token, payload)
}

// CloneURL embeds the token in an HTTPS clone URL.
func (a *GitHubAdapter) CloneURL(repoName, token string) string {
	return fmt.Sprintf("https://x-access-token:%s@%s/%s.git", token, a.cloneHost, repoName)
}

// FetchRef implements Adapter.
func (a *GitHubAdapter) FetchRef(prNumber int) (refspec, branch string) {
	return fmt.Sprintf("pull/%d/head:pr-review", prNumber), "pr-review"
}

func (a *GitHubAdapter) get(ctx context.Context, endpoint, token string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiBase+endpoint, nil)
	if err != nil {
		return err
	}
	a.setHeaders(req, token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GitHub API %s returned %d: %s", endpoint, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

func (a *GitHubAdapter) post(ctx context.Context, endpoint, token string, payload any) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+endpoint, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	a.setHeaders(req, token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("GitHub API %s returned %d: %s", endpoint, resp.StatusCode, string(body))
	}
	return resp.StatusCode, nil
}

func (a *GitHubAdapter) setHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}
