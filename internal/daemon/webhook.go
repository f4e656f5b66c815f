package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/exhazordinary/pr-comprehension-gate/internal/gate"
)

// pullRequestActions are the PR webhook actions that drive the gate.
var pullRequestActions = map[string]bool{
	"opened":           true,
	"synchronize":      true,
	"reopened":         true,
	"ready_for_review": true,
}

type webhookRepository struct {
	FullName string `json:"full_name"`
}

type webhookInstallation struct {
	ID int64 `json:"id"`
}

type webhookUser struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Draft bool `json:"draft"`
		Head  struct {
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository   webhookRepository   `json:"repository"`
	Installation webhookInstallation `json:"installation"`
}

type issueCommentPayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number      int              `json:"number"`
		PullRequest *json.RawMessage `json:"pull_request"`
	} `json:"issue"`
	Comment struct {
		User webhookUser `json:"user"`
		Body string      `json:"body"`
	} `json:"comment"`
	Repository   webhookRepository   `json:"repository"`
	Installation webhookInstallation `json:"installation"`
}

// parsePullRequestEvent normalizes a pull_request webhook payload.
// Returns (nil, nil) for actions the gate does not act on.
func parsePullRequestEvent(body []byte) (*gate.PullRequestEvent, error) {
	var payload pullRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse pull_request payload: %w", err)
	}
	if !pullRequestActions[payload.Action] {
		return nil, nil
	}
	if payload.Repository.FullName == "" || payload.Number == 0 {
		return nil, fmt.Errorf("pull_request payload missing repository or number")
	}
	return &gate.PullRequestEvent{
		Action:         payload.Action,
		Repo:           payload.Repository.FullName,
		PRNumber:       payload.Number,
		HeadSHA:        payload.PullRequest.Head.SHA,
		Draft:          payload.PullRequest.Draft,
		InstallationID: payload.Installation.ID,
	}, nil
}

// parseCommentEvent normalizes an issue_comment webhook payload.
// Returns (nil, nil) for non-created actions and comments on plain
// issues.
func parseCommentEvent(body []byte) (*gate.CommentEvent, error) {
	var payload issueCommentPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse issue_comment payload: %w", err)
	}
	if payload.Action != "created" {
		return nil, nil
	}
	if payload.Issue.PullRequest == nil {
		return nil, nil
	}
	if payload.Repository.FullName == "" || payload.Issue.Number == 0 {
		return nil, fmt.Errorf("issue_comment payload missing repository or number")
	}
	return &gate.CommentEvent{
		Repo:           payload.Repository.FullName,
		PRNumber:       payload.Issue.Number,
		Author:         payload.Comment.User.Login,
		AuthorIsBot:    payload.Comment.User.Type == "Bot",
		Body:           payload.Comment.Body,
		InstallationID: payload.Installation.ID,
	}, nil
}
