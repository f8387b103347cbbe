package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/reviewdeck/reviewdeck/internal/common/errors"
)

func TestExtractTextConcatenatesTextEvents(t *testing.T) {
	output := `{"type":"step_start","name":"plan"}
{"type":"text","text":"{\"comments\":"}
not json at all
{"type":"tool_call","text":"ignored"}
{"type":"text","text":"[]}"}
`
	assert.Equal(t, `{"comments":[]}`, ExtractText(output))
}

func TestExtractTextEmptyOutput(t *testing.T) {
	assert.Equal(t, "", ExtractText(""))
	assert.Equal(t, "", ExtractText("\n\n"))
}

func TestParseJSONStripsFences(t *testing.T) {
	var out ReviewOutput
	err := ParseJSON("```json\n{\"comments\": []}\n```", &out)
	require.NoError(t, err)
	assert.Empty(t, out.Comments)

	err = ParseJSON("```\n{\"comments\": []}\n```", &out)
	require.NoError(t, err)
}

func TestParseJSONSanitizesRawControlChars(t *testing.T) {
	// A literal newline inside a string value, as LLMs like to emit.
	text := "{\"comments\": [{\"file\": \"a.ts\", \"line\": 10, \"severity\": \"critical\", \"category\": \"baseline\", \"message\": \"has a\nliteral newline\"}]}"

	var out ReviewOutput
	require.NoError(t, ParseJSON(text, &out))
	require.Len(t, out.Comments, 1)
	assert.Equal(t, "has a\nliteral newline", out.Comments[0].Message)
}

func TestParseJSONKeepsEscapesIntact(t *testing.T) {
	text := `{"comments": [{"file": "a\\b.go", "line": 1, "message": "already \"escaped\"\ttab"}]}`

	var out ReviewOutput
	require.NoError(t, ParseJSON(text, &out))
	require.Len(t, out.Comments, 1)
	assert.Equal(t, `a\b.go`, out.Comments[0].File)
	assert.Equal(t, "already \"escaped\"\ttab", out.Comments[0].Message)
}

func TestParseJSONMalformed(t *testing.T) {
	var out ReviewOutput
	err := ParseJSON("I could not produce a review.", &out)
	require.Error(t, err)
	assert.True(t, apperrors.IsAgentMalformed(err))
}

func TestSanitizeJSONOutsideStringsUntouched(t *testing.T) {
	in := "{\n  \"a\": 1\n}"
	assert.Equal(t, in, sanitizeJSON(in))
}

func TestAuthFileContent(t *testing.T) {
	content, err := AuthFileContent("anthropic", "sk-test")
	require.NoError(t, err)
	assert.Contains(t, content, `"anthropic"`)
	assert.Contains(t, content, `"type": "api"`)
	assert.Contains(t, content, `"key": "sk-test"`)
}

func TestRunScript(t *testing.T) {
	script := RunScript("anthropic/claude-sonnet", SystemPromptPath)
	assert.Contains(t, script, "cat /tmp/prompt.txt")
	assert.Contains(t, script, "--file /tmp/system-prompt.md")
	assert.Contains(t, script, "--model anthropic/claude-sonnet")
	assert.Contains(t, script, "--dir /repo")
	assert.Contains(t, script, "> /tmp/result.txt")

	noSystem := RunScript("openai/gpt-4o", "")
	assert.NotContains(t, noSystem, "--file")
}
