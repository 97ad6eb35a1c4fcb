package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/mcpgate/internal/credentials"
	"github.com/fentz26/mcpgate/internal/mcp"
	"github.com/fentz26/mcpgate/internal/models"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// SDKTransport wraps a go-sdk client session. It serves stdio and SSE
// endpoints.
type SDKTransport struct {
	serverID string
	session  *sdk.ClientSession

	mu     sync.Mutex
	closed bool
}

// DialSDK launches or connects to the server described by conn.
func DialSDK(ctx context.Context, conn mcp.ServerConnection, creds *credentials.Credentials) (*SDKTransport, error) {
	var t sdk.Transport
	switch conn.Endpoint.Kind {
	case mcp.EndpointStdio:
		ep := conn.Endpoint.Stdio
		if ep == nil || ep.Command == "" {
			return nil, fmt.Errorf("stdio endpoint for %s has no command", conn.ID)
		}
		cmd := exec.Command(ep.Command, ep.Args...)
		env := make(map[string]string, len(ep.Env))
		for k, v := range ep.Env {
			env[k] = v
		}
		if creds != nil {
			for k, v := range creds.Env {
				env[k] = v
			}
		}
		if len(env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range env {
				cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
			}
		}
		t = &sdk.CommandTransport{Command: cmd}
	case mcp.EndpointSSE:
		ep := conn.Endpoint.SSE
		if ep == nil || ep.URL == "" {
			return nil, fmt.Errorf("sse endpoint for %s has no url", conn.ID)
		}
		t = &sdk.SSEClientTransport{
			Endpoint:   ep.URL,
			HTTPClient: headerClient(mergeHeaders(ep.Headers, creds)),
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEndpoint, conn.Endpoint.Kind)
	}
	return ConnectSDK(ctx, conn.ID, t)
}

// ConnectSDK performs the MCP handshake over t.
func ConnectSDK(ctx context.Context, serverID string, t sdk.Transport) (*SDKTransport, error) {
	client := sdk.NewClient(&sdk.Implementation{Name: ClientName, Version: ClientVersion}, nil)
	session, err := client.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", serverID, err)
	}
	return &SDKTransport{serverID: serverID, session: session}, nil
}

// ListTools pages through the server's tool list.
func (s *SDKTransport) ListTools(ctx context.Context) ([]mcp.ToolDefinition, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	var defs []mcp.ToolDefinition
	params := &sdk.ListToolsParams{}
	for {
		res, err := s.session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list tools on %s: %w", s.serverID, err)
		}
		for _, tool := range res.Tools {
			def, err := toolDefinition(s.serverID, tool)
			if err != nil {
				return nil, err
			}
			defs = append(defs, def)
		}
		if res.NextCursor == "" {
			return defs, nil
		}
		params = &sdk.ListToolsParams{Cursor: res.NextCursor}
	}
}

func toolDefinition(serverID string, tool *sdk.Tool) (mcp.ToolDefinition, error) {
	def := mcp.ToolDefinition{
		Name:        tool.Name,
		Description: tool.Description,
		ServerID:    serverID,
	}
	if tool.InputSchema != nil {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return def, fmt.Errorf("encode schema for %s: %w", tool.Name, err)
		}
		def.InputSchema = schema
	}
	if a := tool.Annotations; a != nil {
		if a.DestructiveHint != nil && *a.DestructiveHint {
			def.RequiresConfirmation = true
			def.Tags = append(def.Tags, "destructive")
		}
		if a.ReadOnlyHint {
			def.Tags = append(def.Tags, "read-only")
		}
	}
	return def, nil
}

// Call invokes a tool. A result flagged IsError is returned alongside an
// error wrapping ErrToolFailed.
func (s *SDKTransport) Call(ctx context.Context, toolName string, args json.RawMessage) (models.ToolResult, error) {
	result := models.ToolResult{ToolName: toolName, ServerID: s.serverID}
	if s.isClosed() {
		result.Error = ErrClosed.Error()
		return result, ErrClosed
	}

	params := &sdk.CallToolParams{Name: toolName}
	if len(args) > 0 {
		params.Arguments = args
	}
	if meta := callMeta(ctx); meta != nil {
		params.Meta = meta
	}

	start := time.Now()
	res, err := s.session.CallTool(ctx, params)
	result.ExecutionMs = elapsedMs(start)
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("call %s on %s: %w", toolName, s.serverID, err)
	}

	content, err := json.Marshal(res.Content)
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("encode result of %s: %w", toolName, err)
	}
	result.Content = content

	if res.IsError {
		result.Error = textOf(res.Content)
		return result, fmt.Errorf("%w: %s", ErrToolFailed, result.Error)
	}
	result.Success = true
	return result, nil
}

func textOf(content []sdk.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*sdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ServerInfo implements Describer.
func (s *SDKTransport) ServerInfo() (string, mcp.Capabilities) {
	var caps mcp.Capabilities
	init := s.session.InitializeResult()
	if init == nil {
		return "", caps
	}
	var version string
	if init.ServerInfo != nil {
		version = init.ServerInfo.Version
	}
	if c := init.Capabilities; c != nil {
		caps.Tools = c.Tools != nil
		caps.Resources = c.Resources != nil
		caps.Prompts = c.Prompts != nil
		caps.Logging = c.Logging != nil
		if len(c.Experimental) > 0 {
			caps.Extensions = make(map[string]interface{}, len(c.Experimental))
			for k, v := range c.Experimental {
				caps.Extensions[k] = v
			}
		}
	}
	return version, caps
}

// Close ends the session. For stdio servers this terminates the process.
func (s *SDKTransport) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.session.Close()
}

func (s *SDKTransport) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// headerRoundTripper adds fixed headers to every request.
type headerRoundTripper struct {
	headers map[string]string
	base    http.RoundTripper
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(h.headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range h.headers {
			req.Header.Set(k, v)
		}
	}
	return h.base.RoundTrip(req)
}

func headerClient(headers map[string]string) *http.Client {
	return &http.Client{Transport: &headerRoundTripper{headers: headers, base: http.DefaultTransport}}
}
