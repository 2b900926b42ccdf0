// Package extapi adapts the external project-management API and user
// directory to the engine's Authorizer and TaskAPI interfaces.
package extapi

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Client talks to the external domain API over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Authenticated reports whether the user is known to the directory.
func (c *Client) Authenticated(ctx context.Context, userID string) (bool, error) {
	return c.exists(ctx, fmt.Sprintf("%s/users/%s", c.baseURL, userID))
}

// CanAccessTask reports whether the user may update the task.
func (c *Client) CanAccessTask(ctx context.Context, userID, taskID string) (bool, error) {
	return c.exists(ctx, fmt.Sprintf("%s/users/%s/tasks/%s", c.baseURL, userID, taskID))
}

// TaskExists reports whether the task exists in the external system.
func (c *Client) TaskExists(ctx context.Context, taskID string) (bool, error) {
	return c.exists(ctx, fmt.Sprintf("%s/tasks/%s", c.baseURL, taskID))
}

// MarkComplete marks the task complete in the external system.
func (c *Client) MarkComplete(ctx context.Context, taskID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/tasks/%s/complete", c.baseURL, taskID), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

func (c *Client) exists(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, fmt.Errorf("domain api: unexpected status %d for %s", resp.StatusCode, url)
	}
}

// Permissive is a stand-in Authorizer/TaskAPI that allows everything. Used
// when no domain API is configured; deployments should plug the real one.
type Permissive struct{}

func (Permissive) Authenticated(context.Context, string) (bool, error) { return true, nil }

func (Permissive) CanAccessTask(context.Context, string, string) (bool, error) { return true, nil }

func (Permissive) TaskExists(context.Context, string) (bool, error) { return true, nil }

func (Permissive) MarkComplete(context.Context, string) (bool, error) { return true, nil }
