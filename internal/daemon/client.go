package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/exhazordinary/pr-comprehension-gate/internal/gate"
	"github.com/exhazordinary/pr-comprehension-gate/internal/storage"
)

// Client talks to a running gated daemon over its HTTP API. Used by
// the gatectl CLI.
type Client struct {
	addr       string
	httpClient *http.Client
}

// NewClient creates a daemon client for the given base address, e.g.
// "http://127.0.0.1:8177".
func NewClient(addr string) *Client {
	return &Client{
		addr:       addr,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Health reports whether the daemon is up and its version.
func (c *Client) Health() (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.get("/api/health", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Metrics fetches the gate counters.
func (c *Client) Metrics() (*gate.Snapshot, error) {
	var snap gate.Snapshot
	if err := c.get("/api/metrics", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ActiveRecord fetches the active generation for a PR.
func (c *Client) ActiveRecord(repo string, prNumber int) (*storage.ReviewRecord, error) {
	q := url.Values{}
	q.Set("repo", repo)
	q.Set("pr", fmt.Sprintf("%d", prNumber))
	var rec storage.ReviewRecord
	if err := c.get("/api/record", q, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Generations fetches all generations for a PR, newest first.
func (c *Client) Generations(repo string, prNumber int) ([]storage.ReviewRecord, error) {
	q := url.Values{}
	q.Set("repo", repo)
	q.Set("pr", fmt.Sprintf("%d", prNumber))
	q.Set("all", "1")
	var out struct {
		Records []storage.ReviewRecord `json:"records"`
	}
	if err := c.get("/api/record", q, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Status fetches the daemon status summary.
func (c *Client) Status() (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.get("/api/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(path string, query url.Values, out interface{}) error {
	u := c.addr + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := c.httpClient.Get(u)
	if err != nil {
		return fmt.Errorf("daemon request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("daemon: %s", errResp.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}
