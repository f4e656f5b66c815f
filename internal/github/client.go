package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusState is a commit status state understood by the GitHub API.
type StatusState string

const (
	StatusPending StatusState = "pending"
	StatusSuccess StatusState = "success"
	StatusFailure StatusState = "failure"
	StatusError   StatusState = "error"
)

// maxStatusDescription is GitHub's limit on status descriptions.
const maxStatusDescription = 140

// StatusReportError wraps a source-control API failure that survived
// the retry budget. The orchestrator treats it as the one condition
// that moves a generation to errored.
type StatusReportError struct {
	Op  string
	Err error
}

func (e *StatusReportError) Error() string {
	return fmt.Sprintf("github %s: %v", e.Op, e.Err)
}

func (e *StatusReportError) Unwrap() error { return e.Err }

// Client is an authenticated GitHub REST client scoped to the calls the
// gate needs: list PR files, post issue comments, set commit statuses.
type Client struct {
	tokens  *AppTokenProvider
	baseURL string

	statusContext string
	retries       int
	// retryBackoff is the base delay between retries; doubled per attempt.
	// Overridable in tests.
	retryBackoff time.Duration

	httpClient *http.Client

	maxDiffLines      int
	maxFilePatchLines int
}

// NewClient builds a client on top of an App token provider. baseURL
// may be empty for api.github.com; retries bounds outbound
// comment/status attempts.
func NewClient(tokens *AppTokenProvider, baseURL, statusContext string, retries, maxDiffLines, maxFilePatchLines int) *Client {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	tokens.baseURL = baseURL
	return &Client{
		tokens:            tokens,
		baseURL:           baseURL,
		statusContext:     statusContext,
		retries:           retries,
		retryBackoff:      500 * time.Millisecond,
		httpClient:        &http.Client{Timeout: 30 * time.Second},
		maxDiffLines:      maxDiffLines,
		maxFilePatchLines: maxFilePatchLines,
	}
}

// PullFile is one changed file in a pull request, as returned by the
// pulls/{n}/files endpoint.
type PullFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Patch     string `json:"patch"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// ListPullFiles fetches all changed files for a PR, following
// pagination.
func (c *Client) ListPullFiles(ctx context.Context, repo string, prNumber int, installationID int64) ([]PullFile, error) {
	var files []PullFile
	for page := 1; ; page++ {
		path := fmt.Sprintf("/repos/%s/pulls/%d/files?per_page=100&page=%d", repo, prNumber, page)
		resp, err := c.request(ctx, "GET", path, nil, installationID)
		if err != nil {
			return nil, fmt.Errorf("list pull files: %w", err)
		}
		var batch []PullFile
		err = decodeResponse(resp, &batch)
		if err != nil {
			return nil, fmt.Errorf("list pull files: %w", err)
		}
		files = append(files, batch...)
		if len(batch) < 100 {
			return files, nil
		}
	}
}

// PullDiff fetches and assembles the reviewable diff for a PR.
func (c *Client) PullDiff(ctx context.Context, repo string, prNumber int, installationID int64) (*Diff, error) {
	files, err := c.ListPullFiles(ctx, repo, prNumber, installationID)
	if err != nil {
		return nil, err
	}
	diff := ParseDiff(files, c.maxDiffLines, c.maxFilePatchLines)
	return &diff, nil
}

type commentResponse struct {
	ID int64 `json:"id"`
}

// PostComment posts a markdown issue comment on the PR, retrying with
// backoff. Returns the created comment id.
func (c *Client) PostComment(ctx context.Context, repo string, prNumber int, installationID int64, body string) (int64, error) {
	payload, _ := json.Marshal(map[string]string{"body": body})
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, prNumber)

	var created commentResponse
	err := c.withRetry(ctx, "post comment", func() error {
		resp, err := c.request(ctx, "POST", path, payload, installationID)
		if err != nil {
			return err
		}
		return decodeResponse(resp, &created)
	})
	if err != nil {
		return 0, err
	}
	return created.ID, nil
}

// SetStatus sets the merge-gate commit status on a SHA, retrying with
// backoff. The description is truncated to GitHub's limit.
func (c *Client) SetStatus(ctx context.Context, repo, sha string, installationID int64, state StatusState, description string) error {
	if len(description) > maxStatusDescription {
		description = description[:maxStatusDescription-1] + "…"
	}
	payload, _ := json.Marshal(map[string]string{
		"state":       string(state),
		"context":     c.statusContext,
		"description": description,
	})
	path := fmt.Sprintf("/repos/%s/statuses/%s", repo, sha)

	return c.withRetry(ctx, "set status", func() error {
		resp, err := c.request(ctx, "POST", path, payload, installationID)
		if err != nil {
			return err
		}
		return decodeResponse(resp, nil)
	})
}

// withRetry runs fn up to retries+1 times with doubling backoff. The
// exhausted error is wrapped as a StatusReportError.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	backoff := c.retryBackoff
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &StatusReportError{Op: op, Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return &StatusReportError{Op: op, Err: lastErr}
}

// request makes an authenticated API request. Callers receive the raw
// response and must consume it via decodeResponse.
func (c *Client) request(ctx context.Context, method, path string, body []byte, installationID int64) (*http.Response, error) {
	token, err := c.tokens.TokenForInstallation(ctx, installationID)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "gated")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// decodeResponse checks the status code and optionally decodes the JSON
// body into out. The body is always drained and closed.
func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("GitHub API %d: %s", resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
