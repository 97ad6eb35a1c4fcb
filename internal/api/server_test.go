package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/mcpgate/internal/approval"
	"github.com/fentz26/mcpgate/internal/audit"
	"github.com/fentz26/mcpgate/internal/gateway"
	"github.com/fentz26/mcpgate/internal/mcp"
	"github.com/fentz26/mcpgate/internal/models"
	"github.com/fentz26/mcpgate/internal/permissions"
	"github.com/fentz26/mcpgate/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubBackend struct {
	router  *mcp.Router
	tools   []mcp.ToolDefinition
	callErr error
}

func (b *stubBackend) Attach(_ context.Context, id string) error {
	tools := make([]mcp.ToolDefinition, len(b.tools))
	copy(tools, b.tools)
	if err := b.router.ReplaceTools(id, tools); err != nil {
		return err
	}
	return b.router.UpdateServerStatus(id, mcp.StatusConnected)
}

func (b *stubBackend) Detach(string) error { return nil }

func (b *stubBackend) Refresh(ctx context.Context, id string) error { return b.Attach(ctx, id) }

func (b *stubBackend) Call(_ context.Context, _, name string, args json.RawMessage) (models.ToolResult, error) {
	if b.callErr != nil {
		return models.ToolResult{}, b.callErr
	}
	return models.ToolResult{Success: true, Content: args}, nil
}

type testEnv struct {
	srv       *Server
	gw        *gateway.Gateway
	store     *store.Store
	approvals *approval.Service
	backend   *stubBackend
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	router := mcp.NewRouter(nil)
	backend := &stubBackend{
		router: router,
		tools: []mcp.ToolDefinition{
			{Name: "file_read", Description: "Read a file"},
			{Name: "file_write", Description: "Write a file"},
			{Name: "shell_exec", Description: "Run a command"},
		},
	}
	auditLog := audit.NewStoreLogger(st)
	approvals := approval.NewService(st, auditLog)

	pm := permissions.NewManager(permissions.Deny)
	pm.AddPolicy(permissions.Policy{
		ID: "base", Priority: 1, Enabled: true,
		Rules: []permissions.Rule{
			{ID: "read", ToolPattern: "file_*", Subject: permissions.All(), Decision: permissions.Allow},
			{ID: "shell", ToolPattern: "shell_*", Subject: permissions.All(), Decision: permissions.RequireApproval},
		},
	})

	cfg := gateway.DefaultConfig()
	cfg.DefaultPolicy = permissions.Deny
	gw := gateway.New(cfg, gateway.Deps{
		Permissions: pm,
		Router:      router,
		Backend:     backend,
		Audit:       auditLog,
		Approvals:   approvals,
	})
	approvals.SetExecutor(gw)

	_, err = gw.RegisterServer(context.Background(), mcp.ServerConfig{
		ID: "fs", Name: "filesystem", Endpoint: mcp.StdioServer("mcp-fs"),
	}, models.UserContext{UserID: "admin"})
	require.NoError(t, err)

	return &testEnv{
		srv:       NewServer(gw, approvals, st, opts),
		gw:        gw,
		store:     st,
		approvals: approvals,
		backend:   backend,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func anon() Options { return Options{AllowAnonymous: true, AdminRoles: []string{"admin"}} }

var root = http.Header{HeaderUser: {"root"}, HeaderRoles: {"admin"}}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestEnv(t, anon())

	w := env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	decode(t, w, &health)
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.DB)
	assert.Equal(t, Version, health.Version)
	assert.NotEmpty(t, health.Time)
	assert.Equal(t, mcp.HealthHealthy, health.Gateway.Overall)
	require.Len(t, health.Gateway.Servers, 1)
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestEnv(t, anon())
	require.NoError(t, env.store.Close())

	w := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var health HealthResponse
	decode(t, w, &health)
	assert.False(t, health.OK)
}

func TestTools_ListAndSearch(t *testing.T) {
	env := newTestEnv(t, anon())

	w := env.do(t, http.MethodGet, "/tools", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tools []mcp.ToolRegistration
	decode(t, w, &tools)
	assert.Len(t, tools, 2, "shell_exec requires approval and is not listed")

	w = env.do(t, http.MethodGet, "/tools/search?q=file_read", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var scored []gateway.ScoredTool
	decode(t, w, &scored)
	require.NotEmpty(t, scored)
	assert.Equal(t, "file_read", scored[0].Definition.Name)
	assert.Equal(t, 1.0, scored[0].Score)
}

func TestCallTool(t *testing.T) {
	env := newTestEnv(t, anon())

	w := env.do(t, http.MethodPost, "/tools/file_read/call", gin.H{"arguments": gin.H{"path": "/tmp/a"}}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result models.ToolResult
	decode(t, w, &result)
	assert.True(t, result.Success)
	assert.Equal(t, "fs", result.ServerID)
	assert.JSONEq(t, `{"path":"/tmp/a"}`, string(result.Content))

	entries, err := env.store.ListAuditEntries(context.Background(), store.AuditFilter{EventType: models.AuditToolExecution})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, AnonymousUser, entries[0].User.UserID)
}

func TestCallTool_ErrorMapping(t *testing.T) {
	env := newTestEnv(t, anon())

	tests := []struct {
		name   string
		tool   string
		status int
		code   string
	}{
		{"unknown tool is denied by default", "nope", http.StatusForbidden, "permission_denied"},
		{"requires approval", "shell_exec", http.StatusForbidden, "permission_denied"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/tools/"+tt.tool+"/call", nil, nil)
			assert.Equal(t, tt.status, w.Code)
			var body map[string]interface{}
			decode(t, w, &body)
			assert.Equal(t, tt.code, body["error"])
		})
	}

	env.gw.Permissions().SetDefaultPolicy(permissions.Allow)
	w := env.do(t, http.MethodPost, "/tools/nope/call", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	env.backend.callErr = errors.New("disk full")
	w = env.do(t, http.MethodPost, "/tools/file_write/call", gin.H{"arguments": gin.H{}}, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	var body map[string]interface{}
	decode(t, w, &body)
	assert.Equal(t, "execution_error", body["error"])
	assert.Contains(t, body, "result")

	require.NoError(t, env.gw.Router().UpdateServerStatus("fs", mcp.StatusDisconnected))
	w = env.do(t, http.MethodPost, "/tools/file_read/call", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestApprovalFlow(t *testing.T) {
	env := newTestEnv(t, anon())
	alice := http.Header{HeaderUser: {"alice"}}
	bob := http.Header{HeaderUser: {"bob"}, HeaderRoles: {"admin"}}

	w := env.do(t, http.MethodPost, "/tools/shell_exec/call", gin.H{"arguments": gin.H{"cmd": "ls"}}, alice)
	require.Equal(t, http.StatusForbidden, w.Code)
	var denied map[string]interface{}
	decode(t, w, &denied)
	id, _ := denied["approval_id"].(string)
	require.NotEmpty(t, id)

	w = env.do(t, http.MethodGet, "/approvals?status=pending", nil, bob)
	require.Equal(t, http.StatusOK, w.Code)
	var pending []models.ApprovalRequest
	decode(t, w, &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, "alice", pending[0].User.UserID)

	w = env.do(t, http.MethodPost, "/approvals/"+id+"/execute", nil, alice)
	assert.Equal(t, http.StatusConflict, w.Code, "cannot execute before approval")

	w = env.do(t, http.MethodPost, "/approvals/"+id+"/approve", gin.H{"reason": "looks fine"}, bob)
	require.Equal(t, http.StatusOK, w.Code)
	var approved models.ApprovalRequest
	decode(t, w, &approved)
	assert.Equal(t, models.ApprovalApproved, approved.Status)
	assert.Equal(t, "bob", approved.DecidedBy)

	w = env.do(t, http.MethodPost, "/approvals/"+id+"/execute", nil, alice)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var executed struct {
		Approval models.ApprovalRequest `json:"approval"`
		Result   models.ToolResult      `json:"result"`
	}
	decode(t, w, &executed)
	assert.Equal(t, models.ApprovalCompleted, executed.Approval.Status)
	assert.True(t, executed.Result.Success)

	w = env.do(t, http.MethodPost, "/approvals/"+id+"/execute", nil, alice)
	assert.Equal(t, http.StatusConflict, w.Code, "runs at most once")

	w = env.do(t, http.MethodGet, "/approvals/missing", nil, bob)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApprovals_RestrictedToOwnerAndAdmins(t *testing.T) {
	env := newTestEnv(t, anon())
	alice := http.Header{HeaderUser: {"alice"}, HeaderRoles: {"admin"}}
	mallory := http.Header{HeaderUser: {"mallory"}}

	w := env.do(t, http.MethodPost, "/tools/shell_exec/call", nil, alice)
	require.Equal(t, http.StatusForbidden, w.Code)
	var denied map[string]interface{}
	decode(t, w, &denied)
	id, _ := denied["approval_id"].(string)
	require.NotEmpty(t, id)

	w = env.do(t, http.MethodPost, "/approvals/"+id+"/approve", nil, alice)
	assert.Equal(t, http.StatusForbidden, w.Code, "an admin cannot approve their own call")
	var body map[string]interface{}
	decode(t, w, &body)
	assert.Equal(t, "forbidden", body["error"])

	w = env.do(t, http.MethodPost, "/approvals/"+id+"/approve", nil, mallory)
	assert.Equal(t, http.StatusForbidden, w.Code, "non-admins cannot approve")

	w = env.do(t, http.MethodGet, "/approvals/"+id, nil, mallory)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodPost, "/approvals/"+id+"/reject", nil, mallory)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodPost, "/approvals/"+id+"/execute", nil, mallory)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/approvals", nil, mallory)
	require.Equal(t, http.StatusOK, w.Code)
	var visible []models.ApprovalRequest
	decode(t, w, &visible)
	assert.Empty(t, visible)

	req, err := env.approvals.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, req.Status)

	w = env.do(t, http.MethodPost, "/approvals/"+id+"/reject", gin.H{"reason": "withdrawn"}, alice)
	assert.Equal(t, http.StatusOK, w.Code, "owners may withdraw their request")
}

func TestServers_RegisterUnregister(t *testing.T) {
	env := newTestEnv(t, anon())

	w := env.do(t, http.MethodPost, "/servers", mcp.ServerConfig{
		ID: "web", Name: "web", Endpoint: mcp.SSEServer("http://localhost:9/sse"),
	}, root)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var conn mcp.ServerConnection
	decode(t, w, &conn)
	assert.Equal(t, "web", conn.ID)
	assert.Equal(t, mcp.StatusConnected, conn.Status)

	w = env.do(t, http.MethodPost, "/servers", gin.H{"name": "bad", "endpoint": gin.H{"kind": "ftp"}}, root)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/servers", nil, nil)
	var servers []mcp.ServerConnection
	decode(t, w, &servers)
	assert.Len(t, servers, 2)

	w = env.do(t, http.MethodPost, "/servers/web/refresh", nil, root)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/servers/web", nil, root)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodDelete, "/servers/web", nil, root)
	assert.Equal(t, http.StatusNotFound, w.Code)

	entries, err := env.store.ListAuditEntries(context.Background(), store.AuditFilter{EventType: models.AuditServerUnregistered})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPoliciesAndAllowLists(t *testing.T) {
	env := newTestEnv(t, anon())
	carol := http.Header{HeaderUser: {"carol"}}

	w := env.do(t, http.MethodPost, "/policies", permissions.Policy{
		ID: "deny-write", Priority: 10, Enabled: true,
		Rules: []permissions.Rule{{ID: "w", ToolPattern: "file_write", Subject: permissions.User("carol"), Decision: permissions.Deny}},
	}, root)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/permissions/check", gin.H{"tool_name": "file_write"}, carol)
	require.Equal(t, http.StatusOK, w.Code)
	var res permissions.Result
	decode(t, w, &res)
	assert.Equal(t, permissions.ResultDenied, res.Kind)

	w = env.do(t, http.MethodDelete, "/policies/deny-write", nil, root)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodDelete, "/policies/deny-write", nil, root)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/policies", gin.H{"id": "", "rules": []gin.H{}}, root)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/allowlists", gin.H{"bundle_id": "ro", "tools": []string{"file_read"}}, root)
	require.Equal(t, http.StatusCreated, w.Code)
	var list permissions.AllowList
	decode(t, w, &list)

	w = env.do(t, http.MethodPost, "/allowlists/"+list.ID+"/assign", gin.H{"user_id": "carol"}, root)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodPost, "/allowlists/missing/assign", gin.H{"user_id": "carol"}, root)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/tools/file_write/call", nil, carol)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodPost, "/tools/file_read/call", nil, carol)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAudit_List(t *testing.T) {
	env := newTestEnv(t, anon())
	env.do(t, http.MethodPost, "/tools/nope/call", nil, http.Header{HeaderUser: {"dave"}})

	w := env.do(t, http.MethodGet, "/audit?user=dave&event=permission_denied", nil, root)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []models.AuditEntry
	decode(t, w, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "nope", entries[0].ToolName)

	w = env.do(t, http.MethodGet, "/audit?limit=zero", nil, root)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminEndpoints_RefuseNonAdmins(t *testing.T) {
	env := newTestEnv(t, anon())
	mallory := http.Header{HeaderUser: {"mallory"}}

	escalate := permissions.Policy{
		ID: "mine", Priority: 2147483647, Enabled: true,
		Rules: []permissions.Rule{{ID: "all", ToolPattern: "*", Subject: permissions.User("mallory"), Decision: permissions.Allow}},
	}
	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		header http.Header
	}{
		{"add policy", http.MethodPost, "/policies", escalate, mallory},
		{"add policy anonymously", http.MethodPost, "/policies", escalate, nil},
		{"remove policy", http.MethodDelete, "/policies/base", nil, mallory},
		{"create allow-list", http.MethodPost, "/allowlists", gin.H{"bundle_id": "x", "tools": []string{"*"}}, mallory},
		{"list allow-lists", http.MethodGet, "/allowlists", nil, mallory},
		{"register server", http.MethodPost, "/servers", mcp.ServerConfig{Name: "sh", Endpoint: mcp.StdioServer("/bin/sh")}, mallory},
		{"unregister server", http.MethodDelete, "/servers/fs", nil, mallory},
		{"refresh server", http.MethodPost, "/servers/fs/refresh", nil, mallory},
		{"read audit", http.MethodGet, "/audit", nil, mallory},
		{"anonymous cannot claim the role", http.MethodPost, "/policies", escalate, http.Header{HeaderRoles: {"admin"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body, tt.header)
			assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
		})
	}

	w := env.do(t, http.MethodPost, "/tools/shell_exec/call", nil, mallory)
	assert.Equal(t, http.StatusForbidden, w.Code, "policies are unchanged")
	assert.Len(t, env.gw.Permissions().Policies(), 1)
	assert.Len(t, env.gw.Servers(), 1)

	env2 := newTestEnv(t, Options{AllowAnonymous: true, AdminUsers: []string{"mallory"}})
	w = env2.do(t, http.MethodGet, "/allowlists", nil, mallory)
	assert.Equal(t, http.StatusOK, w.Code, "listed admin users pass")
}

func TestAuthentication_HeaderRequiredWithoutAnonymous(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := env.do(t, http.MethodGet, "/tools", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/tools", nil, http.Header{HeaderUser: {"erin"}})
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code, "health is unauthenticated")
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAuthentication_JWT(t *testing.T) {
	const secret = "test-secret"
	env := newTestEnv(t, Options{JWTSecret: secret})
	env.gw.Permissions().AddPolicy(permissions.Policy{
		ID: "ops", Priority: 50, Enabled: true,
		Rules: []permissions.Rule{{ID: "ops", ToolPattern: "shell_exec", Subject: permissions.Group("ops"), Decision: permissions.Allow}},
	})

	w := env.do(t, http.MethodGet, "/tools", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	bad := signToken(t, "other", jwt.MapClaims{"sub": "frank"})
	w = env.do(t, http.MethodGet, "/tools", nil, http.Header{"Authorization": {"Bearer " + bad}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	noSub := signToken(t, secret, jwt.MapClaims{"groups": []string{"ops"}})
	w = env.do(t, http.MethodGet, "/tools", nil, http.Header{"Authorization": {"Bearer " + noSub}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired := signToken(t, secret, jwt.MapClaims{"sub": "frank", "exp": time.Now().Add(-time.Hour).Unix()})
	w = env.do(t, http.MethodGet, "/tools", nil, http.Header{"Authorization": {"Bearer " + expired}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	good := signToken(t, secret, jwt.MapClaims{
		"sub":    "frank",
		"groups": []string{"ops"},
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	hdr := http.Header{"Authorization": {"Bearer " + good}, HeaderUser: {"mallory"}}
	w = env.do(t, http.MethodPost, "/tools/shell_exec/call", nil, hdr)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	entries, err := env.store.ListAuditEntries(context.Background(), store.AuditFilter{ToolName: "shell_exec"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "frank", entries[0].User.UserID, "token identity wins over headers")
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t, Options{AllowAnonymous: true, CORSOrigins: []string{"https://console.example"}})

	req := httptest.NewRequest(http.MethodOptions, "/tools", nil)
	req.Header.Set("Origin", "https://console.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "https://console.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStringsClaim(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, stringsClaim("a, b"))
	assert.Equal(t, []string{"a"}, stringsClaim([]interface{}{"a", 1, ""}))
	assert.Nil(t, stringsClaim(42))
}
