// Package mcp tracks backend MCP servers and the tools they provide, and
// routes tool names to healthy server connections.
package mcp

import (
	"encoding/json"
	"time"
)

// EndpointKind tags the transport variant of a ServerEndpoint.
type EndpointKind string

const (
	EndpointStdio     EndpointKind = "stdio"
	EndpointSSE       EndpointKind = "sse"
	EndpointWebSocket EndpointKind = "websocket"
)

// StdioEndpoint launches a server as a child process speaking over stdin/stdout.
type StdioEndpoint struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// HTTPEndpoint reaches a server over SSE or WebSocket.
type HTTPEndpoint struct {
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// ServerEndpoint is a closed variant: exactly the field matching Kind is set.
type ServerEndpoint struct {
	Kind      EndpointKind   `yaml:"kind" json:"kind"`
	Stdio     *StdioEndpoint `yaml:"stdio,omitempty" json:"stdio,omitempty"`
	SSE       *HTTPEndpoint  `yaml:"sse,omitempty" json:"sse,omitempty"`
	WebSocket *HTTPEndpoint  `yaml:"websocket,omitempty" json:"websocket,omitempty"`
}

// StdioServer builds a stdio endpoint.
func StdioServer(command string, args ...string) ServerEndpoint {
	return ServerEndpoint{Kind: EndpointStdio, Stdio: &StdioEndpoint{Command: command, Args: args}}
}

// SSEServer builds an SSE endpoint.
func SSEServer(url string) ServerEndpoint {
	return ServerEndpoint{Kind: EndpointSSE, SSE: &HTTPEndpoint{URL: url}}
}

// WebSocketServer builds a WebSocket endpoint.
func WebSocketServer(url string) ServerEndpoint {
	return ServerEndpoint{Kind: EndpointWebSocket, WebSocket: &HTTPEndpoint{URL: url}}
}

// String renders the endpoint for listings.
func (e ServerEndpoint) String() string {
	switch e.Kind {
	case EndpointStdio:
		if e.Stdio != nil {
			return "stdio:" + e.Stdio.Command
		}
	case EndpointSSE:
		if e.SSE != nil {
			return e.SSE.URL
		}
	case EndpointWebSocket:
		if e.WebSocket != nil {
			return e.WebSocket.URL
		}
	}
	return string(e.Kind)
}

func cloneEndpoint(e ServerEndpoint) ServerEndpoint {
	c := ServerEndpoint{Kind: e.Kind}
	if e.Stdio != nil {
		s := *e.Stdio
		s.Args = append([]string(nil), e.Stdio.Args...)
		s.Env = cloneStrings(e.Stdio.Env)
		c.Stdio = &s
	}
	if e.SSE != nil {
		h := *e.SSE
		h.Headers = cloneStrings(e.SSE.Headers)
		c.SSE = &h
	}
	if e.WebSocket != nil {
		h := *e.WebSocket
		h.Headers = cloneStrings(e.WebSocket.Headers)
		c.WebSocket = &h
	}
	return c
}

// ServerStatus is the connection state of a registered server.
type ServerStatus string

const (
	StatusInitializing ServerStatus = "initializing"
	StatusConnected    ServerStatus = "connected"
	StatusReconnecting ServerStatus = "reconnecting"
	StatusUnhealthy    ServerStatus = "unhealthy"
	StatusDisconnected ServerStatus = "disconnected"
)

// Capabilities advertised by a server during its handshake.
type Capabilities struct {
	Tools      bool                   `json:"tools"`
	Resources  bool                   `json:"resources"`
	Prompts    bool                   `json:"prompts"`
	Sampling   bool                   `json:"sampling"`
	Logging    bool                   `json:"logging"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// ServerConnection is the router's record of one registered backend.
type ServerConnection struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	Endpoint             ServerEndpoint    `json:"endpoint"`
	Status               ServerStatus      `json:"status"`
	Capabilities         Capabilities      `json:"capabilities"`
	HealthCheckInterval  time.Duration     `json:"health_check_interval"`
	ConnectionTimeout    time.Duration     `json:"connection_timeout"`
	AutoReconnect        bool              `json:"auto_reconnect"`
	MaxReconnectAttempts uint32            `json:"max_reconnect_attempts"`
	LastHealthCheck      *time.Time        `json:"last_health_check,omitempty"`
	Version              string            `json:"version,omitempty"`
	ConnectedAt          *time.Time        `json:"connected_at,omitempty"`
	FailureCount         uint32            `json:"failure_count"`
	LastError            string            `json:"last_error,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

func cloneConnection(s *ServerConnection) ServerConnection {
	c := *s
	c.Endpoint = cloneEndpoint(s.Endpoint)
	c.Metadata = cloneStrings(s.Metadata)
	if s.Capabilities.Extensions != nil {
		c.Capabilities.Extensions = make(map[string]interface{}, len(s.Capabilities.Extensions))
		for k, v := range s.Capabilities.Extensions {
			c.Capabilities.Extensions[k] = v
		}
	}
	if s.LastHealthCheck != nil {
		t := *s.LastHealthCheck
		c.LastHealthCheck = &t
	}
	if s.ConnectedAt != nil {
		t := *s.ConnectedAt
		c.ConnectedAt = &t
	}
	return c
}

// ToolDefinition describes a tool exposed by a backend server.
type ToolDefinition struct {
	Name                 string            `json:"name"`
	Description          string            `json:"description"`
	InputSchema          json.RawMessage   `json:"input_schema,omitempty"`
	ServerID             string            `json:"server_id"`
	RequiresConfirmation bool              `json:"requires_confirmation"`
	Tags                 []string          `json:"tags,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// ToolRegistration is a ToolDefinition plus its call statistics.
type ToolRegistration struct {
	Definition     ToolDefinition `json:"definition"`
	RegisteredAt   time.Time      `json:"registered_at"`
	CallCount      uint64         `json:"call_count"`
	AvgExecutionMs float64        `json:"avg_execution_ms"`
}

func cloneRegistration(r *ToolRegistration) ToolRegistration {
	c := *r
	c.Definition.InputSchema = append(json.RawMessage(nil), r.Definition.InputSchema...)
	c.Definition.Tags = append([]string(nil), r.Definition.Tags...)
	c.Definition.Metadata = cloneStrings(r.Definition.Metadata)
	return c
}

// HealthState is the three-valued fleet health summary.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// ServerHealth is one server's entry in a HealthReport.
type ServerHealth struct {
	ServerID        string       `json:"server_id"`
	Name            string       `json:"name"`
	Status          ServerStatus `json:"status"`
	FailureCount    uint32       `json:"failure_count"`
	LastError       string       `json:"last_error,omitempty"`
	LastHealthCheck *time.Time   `json:"last_health_check,omitempty"`
	ConnectedAt     *time.Time   `json:"connected_at,omitempty"`
}

// HealthReport snapshots all servers. OverallHealthy is true only when every
// server is connected; Overall separates starting servers from broken ones.
type HealthReport struct {
	Servers        []ServerHealth `json:"servers"`
	OverallHealthy bool           `json:"overall_healthy"`
	Overall        HealthState    `json:"overall"`
	CheckedAt      time.Time      `json:"checked_at"`
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
