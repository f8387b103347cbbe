package worker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewdeck/reviewdeck/internal/common/config"
	apperrors "github.com/reviewdeck/reviewdeck/internal/common/errors"
	"github.com/reviewdeck/reviewdeck/internal/forge"
	"github.com/reviewdeck/reviewdeck/internal/store"
)

func TestAdmitDiffBoundaries(t *testing.T) {
	meta := &forge.PRMetadata{}

	require.NoError(t, admitDiff(meta, 1))
	require.NoError(t, admitDiff(meta, 100))

	err := admitDiff(meta, 101)
	require.Error(t, err)
	assert.True(t, apperrors.IsAdmissionDenied(err))

	assert.True(t, apperrors.IsAdmissionDenied(admitDiff(meta, 0)))
	assert.True(t, apperrors.IsAdmissionDenied(admitDiff(&forge.PRMetadata{Draft: true}, 5)))
}

func TestAdmitUsageFreePlanCap(t *testing.T) {
	require.NoError(t, admitUsage(&store.Subscription{Plan: store.PlanFree, ReviewCountMonth: 49}))

	err := admitUsage(&store.Subscription{Plan: store.PlanFree, ReviewCountMonth: 50})
	require.Error(t, err)
	assert.True(t, apperrors.IsAdmissionDenied(err))

	// Pro users never hit the cap.
	require.NoError(t, admitUsage(&store.Subscription{Plan: store.PlanPro, ReviewCountMonth: 500}))
}

func makeComments(n int, severity forge.Severity) []forge.ReviewComment {
	out := make([]forge.ReviewComment, n)
	for i := range out {
		out[i] = forge.ReviewComment{
			File:     "main.go",
			Line:     i + 1,
			Severity: severity,
			Message:  fmt.Sprintf("issue %d", i),
		}
	}
	return out
}

func TestPostProcessTruncatesPreservingOrder(t *testing.T) {
	comments := makeComments(15, forge.SeverityCritical)
	out := PostProcess(comments, 10)

	require.Len(t, out, 10)
	for i, c := range out {
		assert.Equal(t, fmt.Sprintf("issue %d", i), c.Message)
	}
}

func TestPostProcessDropsSuggestionsAboveThreshold(t *testing.T) {
	comments := append(makeComments(4, forge.SeverityWarning), makeComments(3, forge.SeveritySuggestion)...)
	out := PostProcess(comments, 10)

	require.Len(t, out, 4)
	for _, c := range out {
		assert.NotEqual(t, forge.SeveritySuggestion, c.Severity)
	}
}

func TestPostProcessKeepsSuggestionsAtOrBelowThreshold(t *testing.T) {
	comments := append(makeComments(2, forge.SeverityWarning), makeComments(3, forge.SeveritySuggestion)...)
	out := PostProcess(comments, 10)
	assert.Len(t, out, 5)
}

func TestPostProcessTruncatesBeforeSuggestionDrop(t *testing.T) {
	// Truncation to 5 leaves exactly the threshold, so suggestions stay.
	comments := append(makeComments(5, forge.SeveritySuggestion), makeComments(5, forge.SeverityCritical)...)
	out := PostProcess(comments, 5)
	require.Len(t, out, 5)
	assert.Equal(t, forge.SeveritySuggestion, out[0].Severity)
}

func TestDedupMatchesNearbyLinesAndPrefix(t *testing.T) {
	msg := strings.Repeat("a", 80) + " trailing differs"
	prior := []forge.ReviewComment{{File: "auth.go", Line: 10, Message: msg}}

	cases := []struct {
		name    string
		comment forge.ReviewComment
		kept    bool
	}{
		{"same file line+2 same prefix", forge.ReviewComment{File: "auth.go", Line: 12, Message: strings.Repeat("a", 80) + " other tail"}, false},
		{"same file line-3 same prefix", forge.ReviewComment{File: "auth.go", Line: 7, Message: msg}, false},
		{"line distance 4", forge.ReviewComment{File: "auth.go", Line: 14, Message: msg}, true},
		{"different file", forge.ReviewComment{File: "other.go", Line: 10, Message: msg}, true},
		{"different prefix", forge.ReviewComment{File: "auth.go", Line: 10, Message: strings.Repeat("b", 80)}, true},
		{"case-insensitive match", forge.ReviewComment{File: "auth.go", Line: 10, Message: strings.ToUpper(msg)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := Dedup([]forge.ReviewComment{tc.comment}, prior)
			if tc.kept {
				assert.Len(t, out, 1)
			} else {
				assert.Empty(t, out)
			}
		})
	}
}

func TestDedupIdenticalSetPostsNothing(t *testing.T) {
	prior := makeComments(3, forge.SeverityWarning)
	out := Dedup(makeComments(3, forge.SeverityWarning), prior)
	assert.Empty(t, out)
}

func TestDedupRepeatedSynchronize(t *testing.T) {
	// Second review repeats two findings (one shifted by two lines) and
	// adds one new; only the new one survives.
	c2 := forge.ReviewComment{File: "b.go", Line: 20, Message: "possible nil dereference in handler"}
	c3 := forge.ReviewComment{File: "c.go", Line: 30, Message: "missing error wrap"}
	c4 := forge.ReviewComment{File: "d.go", Line: 40, Message: "unchecked type assertion"}
	prior := []forge.ReviewComment{
		{File: "a.go", Line: 1, Message: "unused variable"},
		c2, c3,
	}

	c2shifted := c2
	c2shifted.Line = 22
	out := Dedup([]forge.ReviewComment{c2shifted, c3, c4}, prior)

	require.Len(t, out, 1)
	assert.Equal(t, c4, out[0])
}

func TestNormalizeModel(t *testing.T) {
	defaults := config.LLMConfig{DefaultProvider: "anthropic", DefaultModel: "anthropic/claude-sonnet"}

	full := NormalizeModel(&store.UserSettings{LLMModel: "openai/gpt-4o"}, defaults)
	assert.Equal(t, "openai/gpt-4o", full)

	legacy := NormalizeModel(&store.UserSettings{LLMProvider: "openai", LLMModel: "gpt-4o"}, defaults)
	assert.Equal(t, "openai/gpt-4o", legacy)

	legacyNoProvider := NormalizeModel(&store.UserSettings{LLMModel: "claude-sonnet"}, defaults)
	assert.Equal(t, "anthropic/claude-sonnet", legacyNoProvider)

	empty := NormalizeModel(&store.UserSettings{}, defaults)
	assert.Equal(t, "anthropic/claude-sonnet", empty)
}
