package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sofatutor/deckguard/internal/database"
	"github.com/sofatutor/deckguard/internal/monitor"
)

// Client calls the operator API with a management token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates an operator API client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Stats returns the statistics over window. Zero uses the server default.
func (c *Client) Stats(ctx context.Context, window time.Duration) (*monitor.Statistics, error) {
	path := "/api/stats"
	if window > 0 {
		path += "?window=" + url.QueryEscape(window.String())
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var stats monitor.Statistics
	if err := c.doRequest(req, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Alerts returns up to limit recent alerts, newest first.
func (c *Client) Alerts(ctx context.Context, limit int) ([]monitor.Alert, error) {
	path := "/api/alerts"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var resp AlertsResponse
	if err := c.doRequest(req, &resp); err != nil {
		return nil, err
	}
	return resp.Alerts, nil
}

// Events queries the durable event log.
func (c *Client) Events(ctx context.Context, f database.EventFilter) ([]monitor.Event, error) {
	q := url.Values{}
	if f.Type != "" {
		q.Set("type", string(f.Type))
	}
	if f.IP != "" {
		q.Set("ip", f.IP)
	}
	if f.UserID != "" {
		q.Set("user", f.UserID)
	}
	if f.RequestID != "" {
		q.Set("request_id", f.RequestID)
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/api/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var resp EventsResponse
	if err := c.doRequest(req, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Blocks lists the active IP blocks.
func (c *Client) Blocks(ctx context.Context) ([]monitor.BlockedIP, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/blocks", nil)
	if err != nil {
		return nil, err
	}
	var resp BlocksResponse
	if err := c.doRequest(req, &resp); err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

// Block blocks ip for d. Zero uses the server's block duration.
func (c *Client) Block(ctx context.Context, ip string, d time.Duration, reason string) (*monitor.BlockedIP, error) {
	payload := BlockRequest{IP: ip, Reason: reason}
	if d > 0 {
		payload.Duration = d.String()
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/blocks", payload)
	if err != nil {
		return nil, err
	}
	var b monitor.BlockedIP
	if err := c.doRequest(req, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Unblock removes ip from the block list.
func (c *Client) Unblock(ctx context.Context, ip string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/blocks/"+url.PathEscape(ip), nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, nil)
}

// newRequest creates a new HTTP request with authentication
func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reqBody []byte
	var err error

	if body != nil {
		reqBody, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doRequest executes an HTTP request and handles the response
func (c *Client) doRequest(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errorResp map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err == nil {
			if msg, ok := errorResp["error"].(string); ok {
				return fmt.Errorf("API error (%d): %s", resp.StatusCode, msg)
			}
		}
		return fmt.Errorf("API error: %d %s", resp.StatusCode, resp.Status)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
