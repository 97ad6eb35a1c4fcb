package mcp

import (
	"fmt"
	"time"
)

// Defaults applied to zero-valued ServerConfig fields.
const (
	DefaultHealthCheckIntervalSecs = 30
	DefaultConnectionTimeoutSecs   = 10
	DefaultMaxReconnectAttempts    = 5
)

// ServerConfig is the input for registering a backend server. An empty ID
// asks the router to generate one.
type ServerConfig struct {
	ID                      string            `yaml:"id,omitempty" json:"id,omitempty"`
	Name                    string            `yaml:"name" json:"name"`
	Endpoint                ServerEndpoint    `yaml:"endpoint" json:"endpoint"`
	HealthCheckIntervalSecs uint64            `yaml:"health_check_interval_secs,omitempty" json:"health_check_interval_secs,omitempty"`
	ConnectionTimeoutSecs   uint64            `yaml:"connection_timeout_secs,omitempty" json:"connection_timeout_secs,omitempty"`
	AutoReconnect           bool              `yaml:"auto_reconnect" json:"auto_reconnect"`
	MaxReconnectAttempts    uint32            `yaml:"max_reconnect_attempts,omitempty" json:"max_reconnect_attempts,omitempty"`
	Metadata                map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Validate checks that the configuration describes a reachable endpoint.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("server name cannot be empty")
	}
	return c.Endpoint.Validate()
}

// Validate checks that the field matching Kind is populated.
func (e ServerEndpoint) Validate() error {
	switch e.Kind {
	case EndpointStdio:
		if e.Stdio == nil || e.Stdio.Command == "" {
			return fmt.Errorf("stdio endpoint requires a command")
		}
	case EndpointSSE:
		if e.SSE == nil || e.SSE.URL == "" {
			return fmt.Errorf("sse endpoint requires a url")
		}
	case EndpointWebSocket:
		if e.WebSocket == nil || e.WebSocket.URL == "" {
			return fmt.Errorf("websocket endpoint requires a url")
		}
	default:
		return fmt.Errorf("invalid endpoint kind %q, must be: stdio, sse, or websocket", e.Kind)
	}
	return nil
}

// HealthCheckInterval returns the check interval, falling back to the default.
func (c *ServerConfig) HealthCheckInterval() time.Duration {
	if c.HealthCheckIntervalSecs == 0 {
		return DefaultHealthCheckIntervalSecs * time.Second
	}
	return time.Duration(c.HealthCheckIntervalSecs) * time.Second
}

// ConnectionTimeout returns the dial timeout, falling back to the default.
func (c *ServerConfig) ConnectionTimeout() time.Duration {
	if c.ConnectionTimeoutSecs == 0 {
		return DefaultConnectionTimeoutSecs * time.Second
	}
	return time.Duration(c.ConnectionTimeoutSecs) * time.Second
}

// ReconnectAttempts returns the reconnect budget, falling back to the default.
func (c *ServerConfig) ReconnectAttempts() uint32 {
	if c.MaxReconnectAttempts == 0 {
		return DefaultMaxReconnectAttempts
	}
	return c.MaxReconnectAttempts
}
