package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SessionInfo mirrors session.Summary's JSON shape.
type SessionInfo struct {
	AgentID    string
	Name       string
	Persistent bool
	Status     string
}

// ChannelInfo mirrors channel.ChannelSummary's JSON shape.
type ChannelInfo struct {
	Name    string
	Members int
}

// DisputeInfo mirrors dispute.Dispute's JSON shape, trimmed to what the
// dashboard displays.
type DisputeInfo struct {
	ID         string
	ProposalID string
	Disputant  string
	Respondent string
	Phase      string
	Verdict    string
	CreatedAt  time.Time
}

// AuditEvent mirrors opsstore.AuditEvent's JSON shape.
type AuditEvent struct {
	ID        string          `json:"id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Client polls the admin HTTP API over a bearer-token session.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// NewClient logs into the admin API at baseURL and returns an authenticated
// Client.
func NewClient(ctx context.Context, baseURL, username, password string) (*Client, error) {
	c := &Client{baseURL: baseURL, http: &http.Client{Timeout: 5 * time.Second}}

	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to admin api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login failed: status %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	c.token = out.Token
	return c, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Health is a minimal snapshot from /health.
type Health struct {
	Status        string `json:"status"`
	UptimeSeconds int    `json:"uptime_seconds"`
	SessionCount  int    `json:"session_count"`
	ChannelCount  int    `json:"channel_count"`
	DisputeCount  int    `json:"dispute_count"`
	OpenDisputes  int    `json:"open_disputes"`
}

// Health fetches the relay's unauthenticated health summary.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return h, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return h, fmt.Errorf("health: status %d", resp.StatusCode)
	}
	return h, json.NewDecoder(resp.Body).Decode(&h)
}

// Sessions fetches the current session list.
func (c *Client) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	err := c.get(ctx, "/api/sessions", &out)
	return out, err
}

// Channels fetches the current public channel list.
func (c *Client) Channels(ctx context.Context) ([]ChannelInfo, error) {
	var out []ChannelInfo
	err := c.get(ctx, "/api/channels", &out)
	return out, err
}

// Disputes fetches every dispute's current state.
func (c *Client) Disputes(ctx context.Context) ([]DisputeInfo, error) {
	var out []DisputeInfo
	err := c.get(ctx, "/api/disputes", &out)
	return out, err
}

// Audit fetches recent audit log entries.
func (c *Client) Audit(ctx context.Context) ([]AuditEvent, error) {
	var out []AuditEvent
	err := c.get(ctx, "/api/audit", &out)
	return out, err
}
