package forge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDiffLineNumbers(t *testing.T) {
	patch := "@@ -10,4 +15,5 @@ func handler() {\n context one\n-removed line\n+added line\n+second added\n context two"
	out := FormatDiff([]FileChange{{
		Path:      "api/handler.go",
		Status:    FileModified,
		Additions: 2,
		Deletions: 1,
		Patch:     patch,
	}})

	assert.Contains(t, out, "### api/handler.go (modified, +2 -1)")
	assert.Contains(t, out, "@@ -10,4 +15,5 @@ func handler() {")
	assert.Contains(t, out, "15: context one")
	assert.Contains(t, out, "   -removed line")
	assert.Contains(t, out, "16:+added line")
	assert.Contains(t, out, "17:+second added")
	assert.Contains(t, out, "18: context two")
}

func TestFormatDiffMultipleHunksResetNumbering(t *testing.T) {
	patch := "@@ -1,2 +1,2 @@\n+first\n old\n@@ -40,2 +50,2 @@\n+later\n tail"
	out := FormatDiff([]FileChange{{Path: "a.go", Status: FileAdded, Patch: patch}})

	assert.Contains(t, out, "1:+first")
	assert.Contains(t, out, "50:+later")
	assert.Contains(t, out, "51: tail")
}

func TestFormatDiffPerFileTruncation(t *testing.T) {
	var lines []string
	lines = append(lines, "@@ -1,600 +1,600 @@")
	for i := 0; i < 600; i++ {
		lines = append(lines, " context")
	}
	out := FormatDiff([]FileChange{{Path: "big.go", Status: FileModified, Patch: strings.Join(lines, "\n")}})

	assert.Contains(t, out, "... (truncated)")
	assert.NotContains(t, out, "502: context")
}

func TestFormatDiffTotalTruncation(t *testing.T) {
	big := "@@ -1,400 +1,400 @@\n" + strings.Repeat("+x"+strings.Repeat("y", 60)+"\n", 400)
	var files []FileChange
	for i := 0; i < 12; i++ {
		files = append(files, FileChange{Path: "f.go", Status: FileModified, Patch: big})
	}
	out := FormatDiff(files)

	require.Contains(t, out, "more files truncated)")
}

func TestFormatComment(t *testing.T) {
	plain := FormatComment(ReviewComment{Message: "unbounded loop"})
	assert.Equal(t, "unbounded loop", plain)

	withFix := FormatComment(ReviewComment{Message: "off by one", Suggestion: "i <= n"})
	assert.Equal(t, "off by one\n\n```suggestion\ni <= n\n```", withFix)
}
