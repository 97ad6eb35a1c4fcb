package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fentz26/mcpgate/internal/credentials"
	"github.com/fentz26/mcpgate/internal/mcp"
	"github.com/fentz26/mcpgate/internal/models"
)

// ProtocolVersion is the MCP revision requested over WebSocket.
const ProtocolVersion = "2025-06-18"

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type wsTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Annotations *struct {
		ReadOnlyHint    bool  `json:"readOnlyHint,omitempty"`
		DestructiveHint *bool `json:"destructiveHint,omitempty"`
	} `json:"annotations,omitempty"`
}

type wsInitializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	Capabilities    struct {
		Tools        json.RawMessage        `json:"tools,omitempty"`
		Resources    json.RawMessage        `json:"resources,omitempty"`
		Prompts      json.RawMessage        `json:"prompts,omitempty"`
		Logging      json.RawMessage        `json:"logging,omitempty"`
		Experimental map[string]interface{} `json:"experimental,omitempty"`
	} `json:"capabilities"`
	ServerInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// wsWriteTimeout bounds a single frame write. A write that cannot finish in
// time means the connection is stuck and it is torn down.
const wsWriteTimeout = 10 * time.Second

// WebSocketTransport speaks JSON-RPC 2.0 MCP messages over a WebSocket.
// One reader goroutine owns the connection's read side and hands each
// response to the call waiting on its id, so calls proceed concurrently.
// Notifications and server-initiated requests are skipped.
type WebSocketTransport struct {
	serverID string
	conn     *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcResponse
	closed  bool
	err     error
	done    chan struct{}

	version string
	caps    mcp.Capabilities
}

// DialWebSocket connects to conn's WebSocket endpoint and initializes the
// session.
func DialWebSocket(ctx context.Context, conn mcp.ServerConnection, creds *credentials.Credentials) (*WebSocketTransport, error) {
	ep := conn.Endpoint.WebSocket
	if ep == nil || ep.URL == "" {
		return nil, fmt.Errorf("websocket endpoint for %s has no url", conn.ID)
	}

	header := http.Header{}
	for k, v := range mergeHeaders(ep.Headers, creds) {
		header.Set(k, v)
	}

	c, _, err := websocket.Dial(ctx, ep.URL, &websocket.DialOptions{
		HTTPHeader:   header,
		Subprotocols: []string{"mcp"},
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep.URL, err)
	}
	c.SetReadLimit(16 << 20)

	t := &WebSocketTransport{
		serverID: conn.ID,
		conn:     c,
		pending:  make(map[int64]chan rpcResponse),
		done:     make(chan struct{}),
	}
	go t.readLoop()

	if err := t.initialize(ctx); err != nil {
		t.shutdown(ErrClosed)
		return nil, err
	}
	return t, nil
}

func (t *WebSocketTransport) initialize(ctx context.Context) error {
	var res wsInitializeResult
	err := t.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]string{"name": ClientName, "version": ClientVersion},
	}, &res)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", t.serverID, err)
	}

	t.version = res.ServerInfo.Version
	t.caps = mcp.Capabilities{
		Tools:      len(res.Capabilities.Tools) > 0,
		Resources:  len(res.Capabilities.Resources) > 0,
		Prompts:    len(res.Capabilities.Prompts) > 0,
		Logging:    len(res.Capabilities.Logging) > 0,
		Extensions: res.Capabilities.Experimental,
	}

	return t.write(ctx, rpcRequest{JSONRPC: "2.0", Method: "notifications/initialized"})
}

// readLoop delivers responses until the connection fails or is closed.
func (t *WebSocketTransport) readLoop() {
	for {
		var resp rpcResponse
		if err := wsjson.Read(context.Background(), t.conn, &resp); err != nil {
			t.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		if resp.ID == nil || resp.Method != "" {
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[*resp.ID]
		delete(t.pending, *resp.ID)
		t.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// write sends one message. The caller's cancellation is not propagated to
// the socket, since a cancelled frame write closes the whole connection.
func (t *WebSocketTransport) write(ctx context.Context, msg rpcRequest) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), wsWriteTimeout)
	defer cancel()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return wsjson.Write(wctx, t.conn, msg)
}

// call sends one request and waits for the response with the same id, the
// caller's context, or the transport shutting down, whichever comes first.
func (t *WebSocketTransport) call(ctx context.Context, method string, params, out interface{}) error {
	ch := make(chan rpcResponse, 1)

	t.mu.Lock()
	if t.closed {
		err := t.err
		t.mu.Unlock()
		return err
	}
	t.nextID++
	id := t.nextID
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := t.write(ctx, rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-t.done:
		t.mu.Lock()
		err := t.err
		t.mu.Unlock()
		return fmt.Errorf("%s: %w", method, err)
	}
}

// shutdown marks the transport closed, wakes every waiting call and drops
// the connection. Only the first cause is kept.
func (t *WebSocketTransport) shutdown(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.err = cause
	t.pending = make(map[int64]chan rpcResponse)
	close(t.done)
	t.mu.Unlock()

	_ = t.conn.CloseNow()
}

// ListTools implements Transport.
func (t *WebSocketTransport) ListTools(ctx context.Context) ([]mcp.ToolDefinition, error) {
	var defs []mcp.ToolDefinition
	cursor := ""
	for {
		params := map[string]interface{}{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var res struct {
			Tools      []wsTool `json:"tools"`
			NextCursor string   `json:"nextCursor,omitempty"`
		}
		if err := t.call(ctx, "tools/list", params, &res); err != nil {
			return nil, fmt.Errorf("list tools on %s: %w", t.serverID, err)
		}
		for _, tool := range res.Tools {
			def := mcp.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
				ServerID:    t.serverID,
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
			defs = append(defs, def)
		}
		if res.NextCursor == "" {
			return defs, nil
		}
		cursor = res.NextCursor
	}
}

// Call implements Transport.
func (t *WebSocketTransport) Call(ctx context.Context, toolName string, args json.RawMessage) (models.ToolResult, error) {
	result := models.ToolResult{ToolName: toolName, ServerID: t.serverID}

	params := map[string]interface{}{"name": toolName}
	if len(args) > 0 {
		params["arguments"] = args
	}
	if meta := callMeta(ctx); meta != nil {
		params["_meta"] = meta
	}

	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
		IsError bool `json:"isError,omitempty"`
	}
	var raw json.RawMessage

	start := time.Now()
	err := t.call(ctx, "tools/call", params, &raw)
	result.ExecutionMs = elapsedMs(start)
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("call %s on %s: %w", toolName, t.serverID, err)
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("decode result of %s: %w", toolName, err)
	}

	var content struct {
		Content json.RawMessage `json:"content"`
	}
	_ = json.Unmarshal(raw, &content)
	result.Content = content.Content

	if res.IsError {
		for _, c := range res.Content {
			if c.Type == "text" {
				if result.Error != "" {
					result.Error += "\n"
				}
				result.Error += c.Text
			}
		}
		return result, fmt.Errorf("%w: %s", ErrToolFailed, result.Error)
	}
	result.Success = true
	return result, nil
}

// ServerInfo implements Describer.
func (t *WebSocketTransport) ServerInfo() (string, mcp.Capabilities) {
	return t.version, t.caps
}

// Close implements Transport. Calls still waiting fail with ErrClosed.
func (t *WebSocketTransport) Close() error {
	t.shutdown(ErrClosed)
	return nil
}
