package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoInput struct {
	Text string `json:"text" jsonschema:"text to echo"`
}

func newSDKPair(t *testing.T) *SDKTransport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := sdk.NewServer(&sdk.Implementation{Name: "fs-test", Version: "2.0.0"}, nil)
	sdk.AddTool(server, &sdk.Tool{Name: "echo", Description: "Echo text"},
		func(_ context.Context, _ *sdk.CallToolRequest, in echoInput) (*sdk.CallToolResult, any, error) {
			return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: in.Text}}}, nil, nil
		})
	destructive := true
	sdk.AddTool(server, &sdk.Tool{Name: "wipe", Annotations: &sdk.ToolAnnotations{DestructiveHint: &destructive}},
		func(context.Context, *sdk.CallToolRequest, struct{}) (*sdk.CallToolResult, any, error) {
			return &sdk.CallToolResult{
				IsError: true,
				Content: []sdk.Content{&sdk.TextContent{Text: "refusing to wipe"}},
			}, nil, nil
		})

	clientT, serverT := sdk.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ss.Close() })

	tr, err := ConnectSDK(ctx, "fs", clientT)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestSDKTransport_ListTools(t *testing.T) {
	tr := newSDKPair(t)

	tools, err := tr.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)

	byName := map[string]int{}
	for i, d := range tools {
		byName[d.Name] = i
		assert.Equal(t, "fs", d.ServerID)
	}
	echo := tools[byName["echo"]]
	assert.Equal(t, "Echo text", echo.Description)
	assert.Contains(t, string(echo.InputSchema), `"text"`)
	assert.True(t, tools[byName["wipe"]].RequiresConfirmation)

	version, caps := tr.ServerInfo()
	assert.Equal(t, "2.0.0", version)
	assert.True(t, caps.Tools)
}

func TestSDKTransport_Call(t *testing.T) {
	tr := newSDKPair(t)
	ctx := context.Background()

	res, err := tr.Call(ctx, "echo", json.RawMessage(`{"text":"hello"}`))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "fs", res.ServerID)
	assert.Contains(t, string(res.Content), "hello")

	res, err = tr.Call(ctx, "wipe", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrToolFailed)
	assert.False(t, res.Success)
	assert.Equal(t, "refusing to wipe", res.Error)
}

func TestSDKTransport_Closed(t *testing.T) {
	tr := newSDKPair(t)
	require.NoError(t, tr.Close())

	_, err := tr.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tr.Call(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrClosed)
}
