// Package llm adapts question generation and answer grading onto the
// Anthropic Messages API. Each call carries a bounded timeout;
// generation never fails (it degrades to a deterministic fallback set),
// grading surfaces failures so the orchestrator can ask the reviewer to
// retry instead of recording a failing score.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	MinQuestions = 3
	MaxQuestions = 5
)

// FallbackQuestions is the deterministic set used when generation
// times out or returns unusable output. Stable ordering matters: the
// posted comment and later grading both index into it.
func FallbackQuestions() []string {
	return []string{
		"What is the primary purpose of this change?",
		"Are there any edge cases that this change does not handle?",
		"How does this change interact with the existing codebase?",
	}
}

// Client wraps the Anthropic API for question generation and grading.
type Client struct {
	api     *anthropic.Client
	model   anthropic.Model
	timeout time.Duration
}

// NewClient creates an LLM client with the given API key, model, and
// per-call timeout.
func NewClient(apiKey, model string, timeout time.Duration) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:     &client,
		model:   anthropic.Model(model),
		timeout: timeout,
	}
}

// GenerateQuestions derives comprehension questions from a diff. Large
// diffs get the maximum question count and generation scoped to the
// highest-signal changes. Never returns an error alongside an empty
// set: on timeout or malformed output the fallback set is returned.
func (c *Client) GenerateQuestions(ctx context.Context, diff string, large bool) ([]string, error) {
	num := MinQuestions
	if large {
		num = MaxQuestions
	}

	var user strings.Builder
	user.WriteString("Generate exactly ")
	user.WriteString(strconv.Itoa(num))
	user.WriteString(" questions for this diff:\n\n")
	user.WriteString(truncateDiff(diff))

	text, err := c.complete(ctx, questionSystemPrompt, user.String(), 1024)
	if err != nil {
		log.Printf("[llm] question generation failed, using fallback: %v", err)
		return FallbackQuestions(), nil
	}

	questions, outcome := ParseQuestions(text)
	switch outcome {
	case ParseOK:
		return questions, nil
	case ParseFallback:
		log.Printf("[llm] generation returned too few questions, using fallback")
	case ParseMalformed:
		log.Printf("[llm] generation output unparseable, using fallback")
	}
	return FallbackQuestions(), nil
}

// GradeAnswers grades a reviewer's answers against the questions and
// diff. On timeout or malformed output it returns an error; the caller
// treats the attempt as ungraded.
func (c *Client) GradeAnswers(ctx context.Context, diff string, questions, answers []string) (*GradeResult, error) {
	questionsJSON, _ := json.Marshal(questions)
	answersJSON, _ := json.Marshal(answers)

	var user strings.Builder
	user.WriteString("Diff:\n\n")
	user.WriteString(truncateDiff(diff))
	user.WriteString("\n\nQuestions:\n")
	user.Write(questionsJSON)
	user.WriteString("\n\nReviewer answers:\n")
	user.Write(answersJSON)

	text, err := c.complete(ctx, gradeSystemPrompt, user.String(), 2048)
	if err != nil {
		return nil, fmt.Errorf("grade answers: %w", err)
	}

	result, err := ParseGrades(text, len(questions))
	if err != nil {
		return nil, fmt.Errorf("grade answers: %w", err)
	}
	return result, nil
}

// complete sends one system+user exchange and returns the text block
// of the response.
func (c *Client) complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in API response")
}
