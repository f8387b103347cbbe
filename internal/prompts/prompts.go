// Package prompts assembles the system and user prompts for analysis,
// review, and interview runs.
package prompts

import (
	"fmt"
	"strings"

	"github.com/reviewdeck/reviewdeck/internal/forge"
)

// NoneSentinel substitutes a missing persona or analysis profile so the
// template never renders an empty section.
const NoneSentinel = "(none)"

const priorMessageMaxLen = 120

// AnalysisSystemPrompt instructs the agent to profile a freshly cloned repo.
const AnalysisSystemPrompt = `You are a senior engineer onboarding onto an unfamiliar codebase. Explore the repository in the working directory and produce a concise engineering profile covering:

- Languages, frameworks, and notable libraries in use.
- Architecture: entry points, layering, and how modules depend on each other.
- Conventions: naming, error handling, logging, and testing patterns you observe.
- Code-health observations: hot spots, inconsistencies, or risky areas a reviewer should watch.

Write the profile as plain prose sections. Do not include code listings longer than a few lines. Respond with the profile text only.`

// InterviewSystemPrompt drives the persona interview. The question budget and
// category coverage are enforced here, not in code.
const InterviewSystemPrompt = `You are conducting a structured interview to build a code-review persona for a repository. You will receive the repository's analysis profile (possibly "(none)") and the answers collected so far.

Ask one question at a time. Cover all of these categories before finishing: architecture, layers, api, testing, errors, review_philosophy, ignore. Ask at least 7 questions, aim for about 12, and never exceed 15. When you have enough signal, finish with the persona.

Respond with exactly one JSON object and nothing else, in one of these shapes:

{"status": "question", "question": {...}, "questionNumber": N, "estimatedTotal": M}
{"status": "complete", "persona": "..."}
{"status": "error", "message": "..."}

The question object must carry a "type" of single_select, multi_select, code_opinion, confirm_correct, or short_text, plus a "question" text. single_select and multi_select require non-empty "options". code_opinion requires "options", "codeSnippet", and "codeFile". confirm_correct requires non-empty "detections". short_text may carry a "placeholder".

The final persona must be a self-contained instruction block a reviewer agent can follow without this transcript.`

// reviewSystemTemplate carries the four substitution slots for a review run.
const reviewSystemTemplate = `You are an automated code reviewer for this repository. Review the diff you are given against the project's own standards.

# Reviewer Persona

{{PERSONA}}

# Repository Analysis

{{ANALYSIS}}

# Review Skills

{{PREDEFINED_SKILLS}}

# Project-Specific Rules

{{CUSTOM_SKILLS}}

# Output Contract

Respond with exactly one JSON object: {"comments": [...]}. Each comment has "file", "line", optional "endLine", "severity" (critical, warning, or suggestion), "category", "message", and optional "suggestion" containing replacement code. Comment only on lines present in the diff. Prefer few high-signal comments over many minor ones. An empty comments list is a valid review.`

// ReviewSystemPrompt renders the review system prompt. Empty persona or
// analysis become the "(none)" sentinel.
func ReviewSystemPrompt(persona, analysis, predefinedSkills string, customSkills []string) string {
	custom := NoneSentinel
	if len(customSkills) > 0 {
		var sb strings.Builder
		for i, s := range customSkills {
			sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, s))
		}
		custom = strings.TrimRight(sb.String(), "\n")
	}

	r := strings.NewReplacer(
		"{{PERSONA}}", orNone(persona),
		"{{ANALYSIS}}", orNone(analysis),
		"{{PREDEFINED_SKILLS}}", orNone(predefinedSkills),
		"{{CUSTOM_SKILLS}}", custom,
	)
	return r.Replace(reviewSystemTemplate)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return NoneSentinel
	}
	return s
}

// ReviewUserMessage renders the per-PR user message: header, optional prior
// findings, then the annotated diff.
func ReviewUserMessage(meta *forge.PRMetadata, fileCount int, prior []forge.ReviewComment, diff string) string {
	var sb strings.Builder
	sb.WriteString("# Pull Request\n\n")
	sb.WriteString(fmt.Sprintf("Title: %s\n", meta.Title))
	if meta.Body != "" {
		sb.WriteString(fmt.Sprintf("Description: %s\n", meta.Body))
	}
	sb.WriteString(fmt.Sprintf("Author: %s\n", meta.Author))
	sb.WriteString(fmt.Sprintf("Target branch: %s\n", meta.BaseBranch))
	sb.WriteString(fmt.Sprintf("Files changed: %d\n", fileCount))

	if len(prior) > 0 {
		sb.WriteString("\n# Previously Flagged Issues\n\n")
		sb.WriteString("Do not repeat these findings:\n")
		for _, p := range prior {
			sb.WriteString(fmt.Sprintf("- [%s:%d] %s\n", p.File, p.Line, truncate(p.Message, priorMessageMaxLen)))
		}
	}

	sb.WriteString("\n# Diff\n\n")
	sb.WriteString(diff)
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// InterviewUserMessage carries the profile and transcript for one interview
// step.
func InterviewUserMessage(profile string, answers []QA) string {
	var sb strings.Builder
	sb.WriteString("# Repository Analysis Profile\n\n")
	sb.WriteString(orNone(profile))
	sb.WriteString("\n\n# Interview Transcript\n\n")
	if len(answers) == 0 {
		sb.WriteString("(no answers yet, ask the first question)\n")
		return sb.String()
	}
	for i, qa := range answers {
		sb.WriteString(fmt.Sprintf("Q%d: %s\nA%d: %s\n\n", i+1, qa.Question, i+1, qa.Answer))
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

// QA is one answered interview question.
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}
