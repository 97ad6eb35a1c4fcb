package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fentz26/mcpgate/internal/api"
	"github.com/fentz26/mcpgate/internal/mcp"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// apiClient is the shared HTTP client with timeout.
var apiClient = &http.Client{
	Timeout: DefaultClientTimeout,
}

// apiGet performs a GET request to the API and decodes the JSON response into out.
func apiGet(path string, out interface{}) error {
	return apiDo(http.MethodGet, path, nil, out)
}

// apiPost performs a POST request to the API and decodes the JSON response into out.
func apiPost(path string, in, out interface{}) error {
	return apiDo(http.MethodPost, path, in, out)
}

// apiDelete performs a DELETE request to the API.
func apiDelete(path string) error {
	return apiDo(http.MethodDelete, path, nil, nil)
}

func apiDo(method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, apiAddr+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	setIdentity(req)

	resp, err := apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return apiError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func setIdentity(req *http.Request) {
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
		return
	}
	if apiUser != "" {
		req.Header.Set(api.HeaderUser, apiUser)
	}
}

func apiError(status int, body []byte) error {
	var e struct {
		Error      string   `json:"error"`
		Message    string   `json:"message"`
		ApprovalID string   `json:"approval_id"`
		Approvers  []string `json:"approvers"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return fmt.Errorf("API error (%d): %s", status, string(body))
	}
	msg := e.Message
	if msg == "" {
		msg = e.Error
	}
	if e.ApprovalID != "" {
		return fmt.Errorf("API error (%d): %s (approval %s pending)", status, msg, e.ApprovalID)
	}
	return fmt.Errorf("API error (%d): %s", status, msg)
}

// CheckHealth checks if the daemon is healthy and returns the health response.
// Unlike other API calls, this returns the parsed HealthResponse even on non-200
// responses, allowing callers to inspect the health payload alongside the error.
func CheckHealth() (*HealthResponse, error) {
	req, err := http.NewRequest(http.MethodGet, apiAddr+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &health, fmt.Errorf("health check failed (status %d): %s", resp.StatusCode, string(body))
	}

	return &health, nil
}

// HealthResponse matches the server's health response structure.
type HealthResponse struct {
	OK      bool             `json:"ok"`
	DB      string           `json:"db"`
	Version string           `json:"version"`
	Time    string           `json:"time"`
	Gateway mcp.HealthReport `json:"gateway"`
}
