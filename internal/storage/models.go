package storage

import (
	"encoding/json"
	"strconv"
	"time"
)

// ReviewState is the lifecycle state of one review generation.
type ReviewState string

const (
	StateNoQuestions      ReviewState = "no_questions"
	StateQuestionsPosted  ReviewState = "questions_posted"
	StateAnswersSubmitted ReviewState = "answers_submitted"
	StatePassed           ReviewState = "passed"
	StateFailed           ReviewState = "failed"
	StateStale            ReviewState = "stale"
	StateErrored          ReviewState = "errored"
)

// Terminal reports whether the state is a grading outcome.
func (s ReviewState) Terminal() bool {
	return s == StatePassed || s == StateFailed
}

// Active reports whether the generation is the live one for its PR.
// Superseded generations are retained as stale, never deleted.
func (s ReviewState) Active() bool {
	return s != StateStale
}

// ReviewRecord is one generation of the comprehension gate for a pull
// request: a (repo, pr_number, diff_hash) lifecycle from questions
// posted to a terminal outcome. A diff change supersedes the active
// generation rather than mutating it.
type ReviewRecord struct {
	ID               int64           `json:"id"`
	Repo             string          `json:"repo"` // "owner/name"
	PRNumber         int             `json:"pr_number"`
	DiffHash         string          `json:"diff_hash"`
	HeadSHA          string          `json:"head_sha"`
	InstallationID   int64           `json:"installation_id"`
	State            ReviewState     `json:"state"`
	Questions        []string        `json:"questions,omitempty"`
	Answers          []string        `json:"answers,omitempty"`
	Grade            json.RawMessage `json:"grade,omitempty"`
	AttemptCount     int             `json:"attempt_count"`
	PassThresholdBps int             `json:"pass_threshold_bps"`
	Reviewer         string          `json:"reviewer,omitempty"`
	BotCommentID     int64           `json:"bot_comment_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Key returns the dispatch/serialization key for the record's PR.
func (r *ReviewRecord) Key() string {
	return Key(r.Repo, r.PRNumber)
}

// Key builds the canonical "owner/name#N" identifier for a PR.
func Key(repo string, prNumber int) string {
	return repo + "#" + strconv.Itoa(prNumber)
}
