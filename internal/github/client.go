// Package github is a minimal GitHub Issues client implementing the
// ticket-creation collaborator. It talks to the REST v3 issues endpoint
// directly; the bot needs exactly one call, so a full SDK would be dead
// weight. No logging here: callers decide how to report failures.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// DefaultBaseURL is the public GitHub API root.
const DefaultBaseURL = "https://api.github.com"

// Client creates issues on behalf of the bot. The zero value is not usable;
// construct with New.
type Client struct {
	token   string
	baseURL string
	http    *http.Client

	// ExtraLabels are applied to every created issue in addition to the
	// resolved developer label.
	ExtraLabels []string
}

// New constructs a Client. baseURL may be empty for the public API; tests
// point it at an httptest server.
func New(token, baseURL string, extraLabels []string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		token:       token,
		baseURL:     baseURL,
		http:        &http.Client{Timeout: 30 * time.Second},
		ExtraLabels: extraLabels,
	}
}

type issueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

type issueResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// CreateTicket implements services.TicketCreator. The returned ref is
// "owner/repo#N" so it stays meaningful across repositories; url is the
// issue's HTML page.
func (c *Client) CreateTicket(ctx context.Context, ownerRepo, branch, label, title, body string) (string, string, error) {
	if c.token == "" {
		return "", "", fmt.Errorf("github: token not configured")
	}

	labels := make([]string, 0, len(c.ExtraLabels)+1)
	if label != "" {
		labels = append(labels, label)
	}
	labels = append(labels, c.ExtraLabels...)

	payload, err := json.Marshal(issueRequest{Title: title, Body: body, Labels: labels})
	if err != nil {
		return "", "", err
	}

	url := fmt.Sprintf("%s/repos/%s/issues", c.baseURL, ownerRepo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", "", fmt.Errorf("github: create issue on %s failed with %d: %s", ownerRepo, resp.StatusCode, snippet)
	}

	var out issueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("github: decode issue response: %w", err)
	}
	ref := ownerRepo + "#" + strconv.Itoa(out.Number)
	return ref, out.HTMLURL, nil
}
