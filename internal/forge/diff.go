package forge

import (
	"fmt"
	"strconv"
	"strings"
)

// Formatting caps. Oversized diffs get truncated rather than rejected so the
// agent still sees the head of the change.
const (
	maxFileChars  = 15000
	maxFileLines  = 500
	maxTotalChars = 100000
)

// FormatDiff renders changed files as annotated fenced diff blocks. Added and
// context lines carry their new-file line number so the agent can cite exact
// positions; removed lines are padded instead of numbered.
func FormatDiff(files []FileChange) string {
	var out strings.Builder
	for i, f := range files {
		if out.Len() >= maxTotalChars {
			out.WriteString(fmt.Sprintf("... (%d more files truncated)\n", len(files)-i))
			break
		}
		out.WriteString(fmt.Sprintf("### %s (%s, +%d -%d)\n", f.Path, f.Status, f.Additions, f.Deletions))
		out.WriteString("```diff\n")
		out.WriteString(annotatePatch(f.Patch))
		out.WriteString("```\n\n")
	}
	return out.String()
}

// annotatePatch prefixes each patch line with its new-file line number,
// resetting the counter at every hunk header.
func annotatePatch(patch string) string {
	if patch == "" {
		return ""
	}

	var (
		out     strings.Builder
		newLine int
		lines   = strings.Split(patch, "\n")
	)
	written := 0
	for _, line := range lines {
		if written >= maxFileLines || out.Len() >= maxFileChars {
			out.WriteString("... (truncated)\n")
			break
		}
		switch {
		case strings.HasPrefix(line, "@@"):
			newLine = parseNewStart(line)
			out.WriteString(line)
		case strings.HasPrefix(line, "+"):
			out.WriteString(strconv.Itoa(newLine) + ":" + line)
			newLine++
		case strings.HasPrefix(line, "-"):
			out.WriteString("   " + line)
		case line == "":
			// trailing newline in the patch
			continue
		case strings.HasPrefix(line, "\\"):
			out.WriteString(line)
		default:
			out.WriteString(strconv.Itoa(newLine) + ": " + strings.TrimPrefix(line, " "))
			newLine++
		}
		out.WriteString("\n")
		written++
	}
	return out.String()
}

// parseNewStart extracts the new-file start line from a hunk header like
// "@@ -12,7 +15,8 @@ func foo".
func parseNewStart(header string) int {
	plus := strings.Index(header, "+")
	if plus < 0 {
		return 1
	}
	rest := header[plus+1:]
	end := strings.IndexAny(rest, ", @")
	if end < 0 {
		end = len(rest)
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 1
	}
	return n
}

// FormatComment renders a review comment body, with the suggestion as a
// fenced suggestion block when present.
func FormatComment(c ReviewComment) string {
	if c.Suggestion == "" {
		return c.Message
	}
	return c.Message + "\n\n```suggestion\n" + c.Suggestion + "\n```"
}
