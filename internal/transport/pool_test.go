package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/mcpgate/internal/credentials"
	"github.com/fentz26/mcpgate/internal/mcp"
	"github.com/fentz26/mcpgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport for pool and gateway tests.
type fakeTransport struct {
	mu       sync.Mutex
	tools    []mcp.ToolDefinition
	listErr  error
	callErr  error
	result   json.RawMessage
	calls    []string
	closed   bool
	version  string
	lastArgs json.RawMessage
}

func (f *fakeTransport) ListTools(context.Context) ([]mcp.ToolDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]mcp.ToolDefinition(nil), f.tools...), nil
}

func (f *fakeTransport) Call(_ context.Context, name string, args json.RawMessage) (models.ToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.lastArgs = args
	res := models.ToolResult{ToolName: name, Content: f.result}
	if f.callErr != nil {
		res.Error = f.callErr.Error()
		return res, f.callErr
	}
	res.Success = true
	return res, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) ServerInfo() (string, mcp.Capabilities) {
	return f.version, mcp.Capabilities{Tools: true}
}

func fakeDialer(ts map[string]*fakeTransport, dialErr *error) Dialer {
	return func(_ context.Context, conn mcp.ServerConnection, _ *credentials.Credentials) (Transport, error) {
		if dialErr != nil && *dialErr != nil {
			return nil, *dialErr
		}
		t, ok := ts[conn.ID]
		if !ok {
			return nil, errors.New("no such server")
		}
		return t, nil
	}
}

func registerServer(t *testing.T, r *mcp.Router, id string) {
	t.Helper()
	_, err := r.RegisterServer(mcp.ServerConfig{ID: id, Name: id, Endpoint: mcp.StdioServer("true")})
	require.NoError(t, err)
}

func TestPool_AttachRegistersToolsAndConnects(t *testing.T) {
	router := mcp.NewRouter(nil)
	registerServer(t, router, "fs")

	ft := &fakeTransport{version: "1.2.0", tools: []mcp.ToolDefinition{{Name: "file_read"}, {Name: "file_write"}}}
	pool := NewPool(router, fakeDialer(map[string]*fakeTransport{"fs": ft}, nil), nil)

	require.NoError(t, pool.Attach(context.Background(), "fs"))

	conn, ok := router.Server("fs")
	require.True(t, ok)
	assert.Equal(t, mcp.StatusConnected, conn.Status)
	assert.Equal(t, "1.2.0", conn.Version)
	assert.True(t, conn.Capabilities.Tools)
	assert.NotNil(t, conn.LastHealthCheck)

	routed, err := router.Route("file_write")
	require.NoError(t, err)
	assert.Equal(t, "fs", routed.ID)
	assert.True(t, pool.Attached("fs"))
}

func TestPool_AttachFailureRecorded(t *testing.T) {
	router := mcp.NewRouter(nil)
	registerServer(t, router, "fs")

	dialErr := errors.New("connection refused")
	pool := NewPool(router, fakeDialer(nil, &dialErr), nil)

	err := pool.Attach(context.Background(), "fs")
	require.ErrorIs(t, err, dialErr)

	conn, _ := router.Server("fs")
	assert.Equal(t, mcp.StatusReconnecting, conn.Status)
	assert.Equal(t, uint32(1), conn.FailureCount)
	assert.Equal(t, "connection refused", conn.LastError)
	assert.False(t, pool.Attached("fs"))
}

func TestPool_AttachUnknownServer(t *testing.T) {
	pool := NewPool(mcp.NewRouter(nil), fakeDialer(nil, nil), nil)
	err := pool.Attach(context.Background(), "ghost")
	assert.ErrorIs(t, err, mcp.ErrServerNotAvailable)
}

func TestPool_CallCountsTransportFailuresOnly(t *testing.T) {
	router := mcp.NewRouter(nil)
	registerServer(t, router, "fs")
	ft := &fakeTransport{tools: []mcp.ToolDefinition{{Name: "file_read"}}}
	pool := NewPool(router, fakeDialer(map[string]*fakeTransport{"fs": ft}, nil), nil)
	require.NoError(t, pool.Attach(context.Background(), "fs"))
	ctx := context.Background()

	ft.callErr = errors.Join(ErrToolFailed, errors.New("bad path"))
	_, err := pool.Call(ctx, "fs", "file_read", nil)
	require.ErrorIs(t, err, ErrToolFailed)
	conn, _ := router.Server("fs")
	assert.Equal(t, mcp.StatusConnected, conn.Status)

	ft.callErr = errors.New("broken pipe")
	_, err = pool.Call(ctx, "fs", "file_read", nil)
	require.Error(t, err)
	conn, _ = router.Server("fs")
	assert.Equal(t, mcp.StatusReconnecting, conn.Status)
	assert.Equal(t, uint32(1), conn.FailureCount)
}

func TestPool_CancelledCallDoesNotCountAgainstServer(t *testing.T) {
	router := mcp.NewRouter(nil)
	registerServer(t, router, "fs")
	ft := &fakeTransport{tools: []mcp.ToolDefinition{{Name: "file_read"}}}
	pool := NewPool(router, fakeDialer(map[string]*fakeTransport{"fs": ft}, nil), nil)
	require.NoError(t, pool.Attach(context.Background(), "fs"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ft.callErr = context.Canceled
	for i := 0; i < 5; i++ {
		_, err := pool.Call(ctx, "fs", "file_read", nil)
		require.ErrorIs(t, err, context.Canceled)
	}

	ft.callErr = fmt.Errorf("read response: %w", context.DeadlineExceeded)
	_, err := pool.Call(context.Background(), "fs", "file_read", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	conn, _ := router.Server("fs")
	assert.Equal(t, mcp.StatusConnected, conn.Status)
	assert.Zero(t, conn.FailureCount)
	routed, err := router.Route("file_read")
	require.NoError(t, err)
	assert.Equal(t, "fs", routed.ID)
}

func TestPool_CallUnattached(t *testing.T) {
	pool := NewPool(mcp.NewRouter(nil), nil, nil)
	_, err := pool.Call(context.Background(), "fs", "file_read", nil)
	assert.ErrorIs(t, err, mcp.ErrServerNotAvailable)
}

func TestPool_RefreshDropsRemovedTools(t *testing.T) {
	router := mcp.NewRouter(nil)
	registerServer(t, router, "fs")
	ft := &fakeTransport{tools: []mcp.ToolDefinition{{Name: "file_read"}, {Name: "file_write"}}}
	pool := NewPool(router, fakeDialer(map[string]*fakeTransport{"fs": ft}, nil), nil)
	require.NoError(t, pool.Attach(context.Background(), "fs"))

	ft.tools = []mcp.ToolDefinition{{Name: "file_read"}}
	require.NoError(t, pool.Refresh(context.Background(), "fs"))

	_, err := router.Route("file_write")
	assert.ErrorIs(t, err, mcp.ErrToolNotFound)
	_, err = router.Route("file_read")
	assert.NoError(t, err)
}

func TestPool_DetachClosesAndDisconnects(t *testing.T) {
	router := mcp.NewRouter(nil)
	registerServer(t, router, "fs")
	ft := &fakeTransport{}
	pool := NewPool(router, fakeDialer(map[string]*fakeTransport{"fs": ft}, nil), nil)
	require.NoError(t, pool.Attach(context.Background(), "fs"))

	require.NoError(t, pool.Detach("fs"))
	assert.True(t, ft.closed)
	assert.False(t, pool.Attached("fs"))
	conn, _ := router.Server("fs")
	assert.Equal(t, mcp.StatusDisconnected, conn.Status)
}

func TestPool_PassesServerCredentialsToDialer(t *testing.T) {
	router := mcp.NewRouter(nil)
	registerServer(t, router, "gh")
	var got *credentials.Credentials
	dial := func(_ context.Context, _ mcp.ServerConnection, c *credentials.Credentials) (Transport, error) {
		got = c
		return &fakeTransport{}, nil
	}
	creds := credentials.NewStatic([]credentials.Credentials{{ServerID: "gh", Token: "t0k"}})
	pool := NewPool(router, dial, creds)

	require.NoError(t, pool.Attach(context.Background(), "gh"))
	require.NotNil(t, got)
	assert.Equal(t, "t0k", got.Token)
}

func TestMonitor_ReconnectsAndGivesUp(t *testing.T) {
	router := mcp.NewRouter(nil)
	_, err := router.RegisterServer(mcp.ServerConfig{
		ID: "fs", Name: "fs", Endpoint: mcp.StdioServer("true"),
		AutoReconnect: true, MaxReconnectAttempts: 2, HealthCheckIntervalSecs: 1,
	})
	require.NoError(t, err)

	dialErr := errors.New("down")
	ft := &fakeTransport{tools: []mcp.ToolDefinition{{Name: "file_read"}}}
	pool := NewPool(router, fakeDialer(map[string]*fakeTransport{"fs": ft}, &dialErr), nil)
	m := NewMonitor(pool, router, time.Second)

	clock := time.Unix(1000, 0)
	m.now = func() time.Time { return clock }
	ctx := context.Background()

	m.CheckOnce(ctx)
	conn, _ := router.Server("fs")
	assert.Equal(t, mcp.StatusReconnecting, conn.Status)

	// Not yet due.
	m.CheckOnce(ctx)
	conn, _ = router.Server("fs")
	assert.Equal(t, uint32(1), conn.FailureCount)

	clock = clock.Add(2 * time.Second)
	dialErr = nil
	m.CheckOnce(ctx)
	conn, _ = router.Server("fs")
	assert.Equal(t, mcp.StatusConnected, conn.Status)

	// Break it again and exhaust the budget.
	ft.listErr = errors.New("eof")
	dialErr = errors.New("down")
	for i := 0; i < 4; i++ {
		clock = clock.Add(2 * time.Second)
		m.CheckOnce(ctx)
	}
	conn, _ = router.Server("fs")
	assert.Equal(t, mcp.StatusDisconnected, conn.Status)
	assert.False(t, pool.Attached("fs"))
}

func TestMonitor_StartStop(t *testing.T) {
	router := mcp.NewRouter(nil)
	m := NewMonitor(NewPool(router, nil, nil), router, 10*time.Millisecond)
	m.Start()
	time.Sleep(30 * time.Millisecond)
	m.Stop()
}
