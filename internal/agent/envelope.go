// Package agent speaks the LLM agent CLI contract: prompt in, NDJSON events
// out, a JSON payload inside the concatenated text.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/reviewdeck/reviewdeck/internal/common/errors"
	"github.com/reviewdeck/reviewdeck/internal/forge"
)

// Paths inside the sandbox.
const (
	AuthFilePath     = "/root/.local/share/opencode/auth.json"
	SystemPromptPath = "/tmp/system-prompt.md"
	UserPromptPath   = "/tmp/prompt.txt"
	ResultPath       = "/tmp/result.txt"
)

// ReviewOutput is the JSON payload the agent emits for a review run.
type ReviewOutput struct {
	Comments []forge.ReviewComment `json:"comments"`
}

// event is one NDJSON line on the agent's stdout.
type event struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ExtractText concatenates the text of every NDJSON event with type "text".
// Lines that fail to parse are skipped; agents interleave progress noise with
// payload lines.
func ExtractText(output string) string {
	var sb strings.Builder
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.Type == "text" {
			sb.WriteString(ev.Text)
		}
	}
	return sb.String()
}

// ParseJSON decodes the agent's final text blob into v. Markdown fences are
// stripped first; if the plain parse fails, raw control characters inside
// string literals are escaped and the parse retried.
func ParseJSON(text string, v any) error {
	cleaned := stripFences(text)
	if err := json.Unmarshal([]byte(cleaned), v); err == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(sanitizeJSON(cleaned)), v); err != nil {
		return apperrors.AgentMalformed("agent output is not valid JSON", err)
	}
	return nil
}

// stripFences removes a leading ```json or ``` fence and the trailing ```.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```json") {
		s = s[len("```json"):]
	} else if strings.HasPrefix(s, "```") {
		s = s[len("```"):]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// sanitizeJSON escapes raw newlines, carriage returns and tabs that appear
// inside string literals. LLMs routinely emit these even when asked for
// strict JSON.
func sanitizeJSON(s string) string {
	var (
		out      strings.Builder
		inString bool
		escaped  bool
	)
	out.Grow(len(s))
	for _, r := range s {
		if escaped {
			out.WriteRune(r)
			escaped = false
			continue
		}
		switch {
		case r == '\\' && inString:
			out.WriteRune(r)
			escaped = true
		case r == '"':
			inString = !inString
			out.WriteRune(r)
		case inString && r == '\n':
			out.WriteString(`\n`)
		case inString && r == '\r':
			out.WriteString(`\r`)
		case inString && r == '\t':
			out.WriteString(`\t`)
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}

// AuthFileContent renders the agent CLI's credential file for one provider.
func AuthFileContent(provider, apiKey string) (string, error) {
	data, err := json.MarshalIndent(map[string]any{
		provider: map[string]string{
			"type": "api",
			"key":  apiKey,
		},
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RunScript builds the shell pipeline for one agent run: user prompt on
// stdin, optional system prompt by file flag, NDJSON on stdout captured to a
// file.
func RunScript(model, systemPromptPath string) string {
	fileFlag := ""
	if systemPromptPath != "" {
		fileFlag = fmt.Sprintf("--file %s ", systemPromptPath)
	}
	return fmt.Sprintf("cat %s | opencode run %s--model %s --format json --dir %s > %s",
		UserPromptPath, fileFlag, model, sandboxRepoPath, ResultPath)
}

const sandboxRepoPath = "/repo"
