package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fentz26/mcpgate/internal/gateway"
	"github.com/fentz26/mcpgate/internal/mcp"
	"github.com/fentz26/mcpgate/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the mcpgate API.
type Client struct {
	baseURL    string
	user       string
	token      string
	httpClient *http.Client
}

// NewClient creates a client. token, when set, is sent as a bearer token;
// otherwise user is sent in the identity header.
func NewClient(baseURL, user, token string) *Client {
	return &Client{
		baseURL: baseURL,
		user:    user,
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// Health fetches the gateway health report.
func (c *Client) Health() (*Health, error) {
	var h Health
	if err := c.do(http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ListTools fetches the tools the caller may execute.
func (c *Client) ListTools() ([]mcp.ToolRegistration, error) {
	var tools []mcp.ToolRegistration
	err := c.do(http.MethodGet, "/tools", nil, &tools)
	return tools, err
}

// SearchTools runs a scored search over the permitted catalog.
func (c *Client) SearchTools(query string) ([]gateway.ScoredTool, error) {
	var tools []gateway.ScoredTool
	err := c.do(http.MethodGet, "/tools/search?q="+url.QueryEscape(query), nil, &tools)
	return tools, err
}

// CallTool executes a tool with JSON arguments.
func (c *Client) CallTool(name string, args json.RawMessage) (*models.ToolResult, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var result models.ToolResult
	body := map[string]json.RawMessage{"arguments": args}
	if err := c.do(http.MethodPost, "/tools/"+url.PathEscape(name)+"/call", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListApprovals fetches approval requests, optionally by status.
func (c *Client) ListApprovals(status string) ([]models.ApprovalRequest, error) {
	path := "/approvals"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var reqs []models.ApprovalRequest
	err := c.do(http.MethodGet, path, nil, &reqs)
	return reqs, err
}

// Approve grants a pending request.
func (c *Client) Approve(id, reason string) error {
	return c.do(http.MethodPost, "/approvals/"+url.PathEscape(id)+"/approve", map[string]string{"reason": reason}, nil)
}

// Reject refuses a pending request.
func (c *Client) Reject(id, reason string) error {
	return c.do(http.MethodPost, "/approvals/"+url.PathEscape(id)+"/reject", map[string]string{"reason": reason}, nil)
}

// ExecuteApproval runs an approved request.
func (c *Client) ExecuteApproval(id string) (*models.ApprovalRequest, error) {
	var out struct {
		Approval models.ApprovalRequest `json:"approval"`
	}
	if err := c.do(http.MethodPost, "/approvals/"+url.PathEscape(id)+"/execute", nil, &out); err != nil {
		return nil, err
	}
	return &out.Approval, nil
}

// RefreshServer asks the gateway to re-list a server's tools.
func (c *Client) RefreshServer(id string) error {
	return c.do(http.MethodPost, "/servers/"+url.PathEscape(id)+"/refresh", nil, nil)
}

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error: %d", e.Status)
}

func (c *Client) do(method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.user != "" {
		req.Header.Set("X-MCPGate-User", c.user)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	// /health answers 503 with a full body when the store is down.
	if resp.StatusCode >= 400 && !(path == "/health" && resp.StatusCode == http.StatusServiceUnavailable) {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
