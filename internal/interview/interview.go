// Package interview drives the persona interview: a stateless step function
// over the analysis profile and the answers collected so far.
package interview

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/reviewdeck/reviewdeck/internal/agent"
	apperrors "github.com/reviewdeck/reviewdeck/internal/common/errors"
	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/prompts"
)

// Question types the model may emit.
const (
	TypeSingleSelect   = "single_select"
	TypeMultiSelect    = "multi_select"
	TypeCodeOpinion    = "code_opinion"
	TypeConfirmCorrect = "confirm_correct"
	TypeShortText      = "short_text"
)

// Statuses of one interview step.
const (
	StatusQuestion = "question"
	StatusComplete = "complete"
	StatusError    = "error"
)

// Question is one interview question in any of its five variants.
type Question struct {
	Type        string   `json:"type"`
	Question    string   `json:"question"`
	Options     []string `json:"options,omitempty"`
	CodeSnippet string   `json:"codeSnippet,omitempty"`
	CodeFile    string   `json:"codeFile,omitempty"`
	Detections  []string `json:"detections,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
}

// Response is the union the model must emit: exactly one of question,
// complete, or error.
type Response struct {
	Status         string    `json:"status"`
	Question       *Question `json:"question,omitempty"`
	QuestionNumber int       `json:"questionNumber,omitempty"`
	EstimatedTotal int       `json:"estimatedTotal,omitempty"`
	Persona        string    `json:"persona,omitempty"`
	Message        string    `json:"message,omitempty"`
}

// ParseResponse decodes and validates one step response.
func ParseResponse(text string) (*Response, error) {
	var resp Response
	if err := agent.ParseJSON(text, &resp); err != nil {
		return nil, err
	}

	switch resp.Status {
	case StatusQuestion:
		if err := validateQuestion(resp.Question); err != nil {
			return nil, apperrors.AgentMalformed("invalid interview question", err)
		}
	case StatusComplete:
		if strings.TrimSpace(resp.Persona) == "" {
			return nil, apperrors.AgentMalformed("complete response without persona", nil)
		}
	case StatusError:
		if resp.Message == "" {
			resp.Message = "interview failed"
		}
	default:
		return nil, apperrors.AgentMalformed(
			fmt.Sprintf("unknown interview status %q", resp.Status), nil)
	}
	return &resp, nil
}

func validateQuestion(q *Question) error {
	if q == nil {
		return fmt.Errorf("question response without question object")
	}
	if q.Question == "" {
		return fmt.Errorf("question text missing")
	}
	switch q.Type {
	case TypeSingleSelect, TypeMultiSelect:
		if len(q.Options) == 0 {
			return fmt.Errorf("%s question without options", q.Type)
		}
	case TypeCodeOpinion:
		if len(q.Options) == 0 || q.CodeSnippet == "" || q.CodeFile == "" {
			return fmt.Errorf("code_opinion question missing options, snippet, or file")
		}
	case TypeConfirmCorrect:
		if len(q.Detections) == 0 {
			return fmt.Errorf("confirm_correct question without detections")
		}
	case TypeShortText:
	default:
		return fmt.Errorf("unknown question type %q", q.Type)
	}
	return nil
}

// Runner executes one agent call and returns the extracted text.
type Runner interface {
	Run(ctx context.Context, model, apiKey, systemPrompt, userPrompt string) (string, error)
}

// Driver produces the next interview step from the profile and transcript.
type Driver struct {
	runner Runner
	logger *logger.Logger
}

// NewDriver creates a Driver.
func NewDriver(runner Runner, log *logger.Logger) *Driver {
	return &Driver{
		runner: runner,
		logger: log.WithFields(zap.String("component", "interview")),
	}
}

// Next runs one interview step. The call is stateless; everything the model
// needs travels in the user message.
func (d *Driver) Next(ctx context.Context, model, apiKey, profile string, answers []prompts.QA) (*Response, error) {
	userMsg := prompts.InterviewUserMessage(profile, answers)
	text, err := d.runner.Run(ctx, model, apiKey, prompts.InterviewSystemPrompt, userMsg)
	if err != nil {
		return nil, err
	}

	resp, err := ParseResponse(text)
	if err != nil {
		d.logger.Warn("interview step rejected", zap.Error(err))
		return nil, err
	}
	return resp, nil
}
