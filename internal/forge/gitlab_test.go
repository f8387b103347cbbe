package forge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewdeck/reviewdeck/internal/common/logger"
)

func testGitLabAdapter(apiBase string) *GitLabAdapter {
	return &GitLabAdapter{
		apiBase:   apiBase,
		cloneHost: "gitlab.com",
		client:    &http.Client{Timeout: 5 * time.Second},
		logger:    logger.Default(),
	}
}

func TestGitLabVerifyWebhook(t *testing.T) {
	a := testGitLabAdapter("")
	headers := map[string]string{"X-Gitlab-Token": "per-repo-secret"}

	assert.True(t, a.VerifyWebhook(nil, headers, "per-repo-secret"))
	assert.False(t, a.VerifyWebhook(nil, headers, "other"))
	assert.False(t, a.VerifyWebhook(nil, map[string]string{}, "per-repo-secret"))
	// A repo row without a secret never matches.
	assert.False(t, a.VerifyWebhook(nil, headers, ""))
}

func TestGitLabParseEventActionMapping(t *testing.T) {
	a := testGitLabAdapter("")
	body := func(action string) []byte {
		payload := map[string]any{
			"object_kind": "merge_request",
			"user":        map[string]string{"username": "dev2"},
			"project":     map[string]string{"path_with_namespace": "Group/App"},
			"object_attributes": map[string]any{
				"iid":           12,
				"title":         "Fix login",
				"url":           "https://gitlab.com/group/app/-/merge_requests/12",
				"action":        action,
				"source_branch": "fix/login",
				"target_branch": "main",
			},
		}
		data, _ := json.Marshal(payload)
		return data
	}

	cases := map[string]EventType{
		"open":   EventPROpened,
		"update": EventPRUpdated,
		"reopen": EventPRReopened,
		"close":  EventPRClosed,
		"merge":  EventPRClosed,
	}
	for action, want := range cases {
		ev, err := a.ParseEvent(body(action))
		require.NoError(t, err, action)
		require.NotNil(t, ev, action)
		assert.Equal(t, want, ev.EventType, action)
		assert.Equal(t, "group/app", ev.RepoName)
		assert.Equal(t, 12, ev.PRNumber)
	}

	ev, err := a.ParseEvent(body("approved"))
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestGitLabFetchDiff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/group%2Fapp/merge_requests/12/changes", r.URL.EscapedPath())
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"title":         "Fix login",
			"description":   "Handles expired sessions",
			"target_branch": "main",
			"source_branch": "fix/login",
			"draft":         false,
			"author":        map[string]string{"username": "dev2"},
			"diff_refs": map[string]string{
				"base_sha":  "base1",
				"head_sha":  "head1",
				"start_sha": "start1",
			},
			"changes": []map[string]any{
				{"old_path": "auth.rb", "new_path": "auth.rb", "diff": "@@ -1,2 +1,3 @@\n ctx\n+added\n-gone", "new_file": false, "renamed_file": false, "deleted_file": false},
			},
		})
	}))
	defer srv.Close()

	a := testGitLabAdapter(srv.URL)
	meta, files, err := a.FetchDiff(context.Background(), "group/app", 12, "tok")

	require.NoError(t, err)
	assert.Equal(t, "head1", meta.HeadSHA)
	assert.Equal(t, "start1", meta.StartSHA)
	require.Len(t, files, 1)
	assert.Equal(t, FileModified, files[0].Status)
	assert.Equal(t, 1, files[0].Additions)
	assert.Equal(t, 1, files[0].Deletions)
}

func TestGitLabPostReviewSkipsRejected(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var payload struct {
			Position struct {
				NewLine int    `json:"new_line"`
				HeadSHA string `json:"head_sha"`
			} `json:"position"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "head1", payload.Position.HeadSHA)
		if payload.Position.NewLine == 999 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	a := testGitLabAdapter(srv.URL)
	meta := &PRMetadata{BaseSHA: "base1", HeadSHA: "head1", StartSHA: "start1"}
	posted, err := a.PostReview(context.Background(), "group/app", 12, "tok",
		[]ReviewComment{
			{File: "auth.rb", Line: 2, Message: "ok"},
			{File: "auth.rb", Line: 999, Message: "off diff"},
		}, meta)

	require.NoError(t, err)
	assert.Equal(t, 1, posted)
	assert.Equal(t, 2, calls)
}

func TestGitLabBotTokenHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "glpat-bottoken", r.Header.Get("PRIVATE-TOKEN"))
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	a := testGitLabAdapter(srv.URL)
	posted, err := a.PostReview(context.Background(), "group/app", 12, "glpat-bottoken",
		[]ReviewComment{{File: "a.rb", Line: 1, Message: "m"}},
		&PRMetadata{BaseSHA: "b", HeadSHA: "h", StartSHA: "s"})

	require.NoError(t, err)
	assert.Equal(t, 1, posted)
}

func TestGitLabDeleteWebhookTreats404AsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := testGitLabAdapter(srv.URL)
	require.NoError(t, a.DeleteWebhook(context.Background(), "group/app", 5, "tok"))
}

func TestGitLabInviteBotTreats409AsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	a := testGitLabAdapter(srv.URL)
	require.NoError(t, a.InviteBot(context.Background(), "group/app", "tok", 42, 30))
}
