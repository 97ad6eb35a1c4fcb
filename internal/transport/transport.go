// Package transport speaks MCP to backend servers over stdio, SSE, and
// WebSocket, and keeps one live session per registered server.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/mcpgate/internal/credentials"
	"github.com/fentz26/mcpgate/internal/mcp"
	"github.com/fentz26/mcpgate/internal/models"
)

// Client identity announced during the MCP handshake.
const (
	ClientName    = "mcpgate"
	ClientVersion = "0.1.0"
)

var (
	// ErrUnsupportedEndpoint is returned for endpoint kinds with no transport.
	ErrUnsupportedEndpoint = errors.New("unsupported endpoint")
	// ErrToolFailed marks a call the server completed but flagged as an error.
	ErrToolFailed = errors.New("tool reported error")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport closed")
)

// Transport is a live session with one backend server.
type Transport interface {
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
	Call(ctx context.Context, toolName string, args json.RawMessage) (models.ToolResult, error)
	Close() error
}

// Describer is implemented by transports that learned the server's version
// and capabilities during the handshake.
type Describer interface {
	ServerInfo() (version string, caps mcp.Capabilities)
}

// Dialer opens a transport for a server. creds may be nil.
type Dialer func(ctx context.Context, conn mcp.ServerConnection, creds *credentials.Credentials) (Transport, error)

// New dials conn using the transport matching its endpoint kind.
func New(ctx context.Context, conn mcp.ServerConnection, creds *credentials.Credentials) (Transport, error) {
	switch conn.Endpoint.Kind {
	case mcp.EndpointStdio, mcp.EndpointSSE:
		return DialSDK(ctx, conn, creds)
	case mcp.EndpointWebSocket:
		return DialWebSocket(ctx, conn, creds)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEndpoint, conn.Endpoint.Kind)
	}
}

type credentialsKey struct{}

// WithCredentials attaches per-call credentials to ctx.
func WithCredentials(ctx context.Context, c *credentials.Credentials) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, credentialsKey{}, c)
}

// CredentialsFrom returns the credentials attached by WithCredentials.
func CredentialsFrom(ctx context.Context) (*credentials.Credentials, bool) {
	c, ok := ctx.Value(credentialsKey{}).(*credentials.Credentials)
	return c, ok
}

// callMeta builds the _meta block forwarded with a tool call.
func callMeta(ctx context.Context) map[string]any {
	c, ok := CredentialsFrom(ctx)
	if !ok || c.Token == "" {
		return nil
	}
	return map[string]any{"authorization": "Bearer " + c.Token}
}

// mergeHeaders overlays credential headers on endpoint headers.
func mergeHeaders(base map[string]string, creds *credentials.Credentials) map[string]string {
	out := make(map[string]string, len(base))
	for k, v := range base {
		out[k] = v
	}
	if creds != nil {
		for k, v := range creds.Headers {
			out[k] = v
		}
		if creds.Token != "" {
			if _, ok := out["Authorization"]; !ok {
				out["Authorization"] = "Bearer " + creds.Token
			}
		}
	}
	return out
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
