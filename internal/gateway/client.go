// Package gateway is the HTTP client for the agent-spawning gateway. The
// orchestrator uses it to spawn worker sessions and deliver messages; all
// calls go through the gateway's single /tools/invoke endpoint.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultURL     = "http://127.0.0.1:18789"
	requestTimeout = 20 * time.Second
)

// ErrMissingToken is returned when no gateway token is configured.
var ErrMissingToken = errors.New("gateway token is missing (set CREWD_GATEWAY_TOKEN)")

// Client invokes gateway tools over HTTP with bearer auth.
type Client struct {
	baseURL    string
	token      string
	sessionKey string
	httpClient *http.Client
}

// NewClient builds a client. Empty fields fall back to CREWD_GATEWAY_URL,
// CREWD_GATEWAY_TOKEN and CREWD_SESSION_KEY, then to built-in defaults.
func NewClient(url, token, sessionKey string) *Client {
	if url == "" {
		url = os.Getenv("CREWD_GATEWAY_URL")
	}
	if url == "" {
		url = defaultURL
	}
	if token == "" {
		token = os.Getenv("CREWD_GATEWAY_TOKEN")
	}
	if sessionKey == "" {
		sessionKey = os.Getenv("CREWD_SESSION_KEY")
	}
	if sessionKey == "" {
		sessionKey = "main"
	}
	return &Client{
		baseURL:    strings.TrimRight(url, "/"),
		token:      token,
		sessionKey: sessionKey,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// InvokeTool POSTs one tool invocation and decodes the JSON response.
func (c *Client) InvokeTool(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	if c.token == "" {
		return nil, ErrMissingToken
	}
	if args == nil {
		args = map[string]any{}
	}
	payload := map[string]any{
		"tool":       tool,
		"args":       args,
		"sessionKey": c.sessionKey,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tools/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gateway: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: invoke %s: %w", tool, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("gateway: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway: invoke %s: HTTP %d: %s", tool, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("gateway: decode response: %w", err)
	}
	return out, nil
}

// SpawnArgs parameterizes a worker session spawn.
type SpawnArgs struct {
	Task              string
	Label             string
	AgentID           string
	Model             string
	RunTimeoutSeconds int
	Cleanup           string
}

// SessionsSpawn starts a new worker session running the given task prompt.
func (c *Client) SessionsSpawn(ctx context.Context, a SpawnArgs) (map[string]any, error) {
	args := map[string]any{"task": a.Task}
	if a.Label != "" {
		args["label"] = a.Label
	}
	if a.AgentID != "" {
		args["agentId"] = a.AgentID
	}
	if a.Model != "" {
		args["model"] = a.Model
	}
	if a.RunTimeoutSeconds > 0 {
		args["runTimeoutSeconds"] = a.RunTimeoutSeconds
	}
	if a.Cleanup != "" {
		args["cleanup"] = a.Cleanup
	}
	return c.InvokeTool(ctx, "sessions_spawn", args)
}

// SessionsSend delivers a message to a running session.
func (c *Client) SessionsSend(ctx context.Context, sessionKey, message string, timeoutSeconds int) (map[string]any, error) {
	args := map[string]any{
		"sessionKey": sessionKey,
		"message":    message,
	}
	if timeoutSeconds > 0 {
		args["timeoutSeconds"] = timeoutSeconds
	}
	return c.InvokeTool(ctx, "sessions_send", args)
}

// SessionsList enumerates active sessions.
func (c *Client) SessionsList(ctx context.Context) (map[string]any, error) {
	return c.InvokeTool(ctx, "sessions_list", nil)
}
