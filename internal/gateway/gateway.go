// Package gateway is the single entry point for tool execution. It checks
// permissions, routes to a backend server, attaches credentials, executes,
// and audits, in that order.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fentz26/mcpgate/internal/audit"
	"github.com/fentz26/mcpgate/internal/credentials"
	"github.com/fentz26/mcpgate/internal/logger"
	"github.com/fentz26/mcpgate/internal/mcp"
	"github.com/fentz26/mcpgate/internal/models"
	"github.com/fentz26/mcpgate/internal/permissions"
	"github.com/fentz26/mcpgate/internal/transport"
	"github.com/sirupsen/logrus"
)

// Backend owns live sessions with backend servers.
type Backend interface {
	Attach(ctx context.Context, serverID string) error
	Detach(serverID string) error
	Refresh(ctx context.Context, serverID string) error
	Call(ctx context.Context, serverID, toolName string, args json.RawMessage) (models.ToolResult, error)
}

// ApprovalQueue files a pending approval for a call that needs one.
type ApprovalQueue interface {
	Request(ctx context.Context, toolName string, args json.RawMessage, user models.UserContext) (*models.ApprovalRequest, error)
}

// Deps are the collaborators a Gateway orchestrates. Audit, Credentials and
// Approvals are optional. Without a Backend, registration only updates the
// router and every execution fails with KindInternal.
type Deps struct {
	Permissions *permissions.Manager
	Router      *mcp.Router
	Backend     Backend
	Audit       audit.Logger
	Credentials credentials.Manager
	Approvals   ApprovalQueue
}

// Gateway coordinates the permission manager, router, backend sessions,
// credentials and audit log.
type Gateway struct {
	cfg       Config
	perms     *permissions.Manager
	router    *mcp.Router
	backend   Backend
	audit     audit.Logger
	creds     credentials.Manager
	approvals ApprovalQueue

	sem chan struct{}
}

// New creates a gateway. The permission manager's default policy and
// condition mode are taken from cfg.
func New(cfg Config, d Deps) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		perms:   d.Permissions,
		router:  d.Router,
		backend: d.Backend,
		audit:   d.Audit,
		creds:   d.Credentials,
	}
	if g.perms == nil {
		g.perms = permissions.NewManager(cfg.DefaultPolicy)
	} else if cfg.DefaultPolicy != "" {
		g.perms.SetDefaultPolicy(cfg.DefaultPolicy)
	}
	if mode, err := permissions.ParseConditionMode(cfg.ConditionMode); err == nil {
		g.perms.SetConditionMode(mode)
	}
	if g.router == nil {
		g.router = mcp.NewRouter(nil)
	}
	if g.audit == nil {
		g.audit = audit.Nop
	}
	if cfg.RedactArguments {
		g.audit = audit.Redacting(g.audit)
	}
	if cfg.ApprovalsEnabled {
		g.approvals = d.Approvals
	}
	if cfg.MaxConcurrentExecutions > 0 {
		g.sem = make(chan struct{}, cfg.MaxConcurrentExecutions)
	}
	return g
}

// Config returns the gateway configuration.
func (g *Gateway) Config() Config { return g.cfg }

// Permissions returns the permission manager for administrative calls.
func (g *Gateway) Permissions() *permissions.Manager { return g.perms }

// Router returns the server router.
func (g *Gateway) Router() *mcp.Router { return g.router }

// ExecuteTool runs a tool on behalf of user.
func (g *Gateway) ExecuteTool(ctx context.Context, toolName string, args json.RawMessage, user models.UserContext) (models.ToolResult, error) {
	return g.execute(ctx, toolName, args, user, false)
}

// ExecuteApproved runs a tool whose approval has been granted. A rule that
// denies the tool still wins.
func (g *Gateway) ExecuteApproved(ctx context.Context, toolName string, args json.RawMessage, user models.UserContext) (models.ToolResult, error) {
	return g.execute(ctx, toolName, args, user, true)
}

func (g *Gateway) execute(ctx context.Context, toolName string, args json.RawMessage, user models.UserContext, approved bool) (models.ToolResult, error) {
	empty := models.ToolResult{ToolName: toolName}
	if !g.cfg.Enabled {
		return empty, &Error{Kind: KindInternal, ToolName: toolName, Reason: "Gateway is disabled"}
	}
	log := logger.WithFields(logrus.Fields{"tool": toolName, "user_id": user.UserID})
	policy := g.cfg.auditPolicy()

	check := g.perms.CheckWithArguments(toolName, args, user)
	switch check.Kind {
	case permissions.ResultDenied:
		if policy != AuditNone {
			if err := g.audit.Log(ctx, audit.PermissionDenied(toolName, user.Snapshot(), check.Reason)); err != nil {
				log.WithError(err).Warn("Failed to audit permission denial")
			}
		}
		log.WithField("reason", check.Reason).Info("Tool call denied")
		return empty, &Error{Kind: KindPermissionDenied, ToolName: toolName, Reason: check.Reason}
	case permissions.ResultRequiresApproval:
		if !approved {
			return empty, g.requireApproval(ctx, toolName, args, user, check.Approvers)
		}
	}

	conn, err := g.router.Route(toolName)
	if err != nil {
		gerr := g.routeError(toolName, err)
		if policy == AuditAll {
			if aerr := g.audit.Log(ctx, audit.RoutingFailed(toolName, user.Snapshot(), err)); aerr != nil {
				log.WithError(aerr).Warn("Failed to audit routing failure")
			}
		}
		return empty, gerr
	}
	log = log.WithField("server_id", conn.ID)
	if g.backend == nil {
		return empty, &Error{Kind: KindInternal, ToolName: toolName, ServerID: conn.ID, Reason: "no backend configured"}
	}

	if g.sem != nil {
		select {
		case g.sem <- struct{}{}:
			defer func() { <-g.sem }()
		case <-ctx.Done():
			return empty, &Error{Kind: KindInternal, ToolName: toolName, ServerID: conn.ID, Reason: "waiting for execution slot", Err: ctx.Err()}
		}
	}

	var pending *audit.Execution
	if policy != AuditNone {
		pending = audit.BeginExecution(toolName, args, user.Snapshot(), conn.ID)
	}

	callCtx := g.withCredentials(ctx, conn.ID, user, log)
	if timeout := g.cfg.ExecutionTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, timeout)
		defer cancel()
	}

	start := time.Now()
	result, callErr := g.backend.Call(callCtx, conn.ID, toolName, args)
	if result.ExecutionMs == 0 {
		result.ExecutionMs = time.Since(start).Milliseconds()
	}
	result.ToolName = toolName
	result.ServerID = conn.ID

	g.router.RecordToolCall(toolName, result.ExecutionMs)

	if pending != nil {
		var entry *models.AuditEntry
		if callErr != nil {
			entry = pending.Fail(callErr)
		} else {
			entry = pending.Succeed(len(result.Content))
		}
		if err := g.audit.Log(ctx, entry); err != nil {
			log.WithError(err).Warn("Failed to audit tool execution")
		}
	}

	if callErr != nil {
		result.Success = false
		if result.Error == "" {
			result.Error = callErr.Error()
		}
		log.WithError(callErr).WithField("duration_ms", result.ExecutionMs).Warn("Tool execution failed")
		if errors.Is(callErr, mcp.ErrServerNotAvailable) {
			return result, &Error{Kind: KindServerNotAvailable, ToolName: toolName, ServerID: conn.ID, Reason: callErr.Error(), Err: callErr}
		}
		return result, &Error{Kind: KindExecution, ToolName: toolName, ServerID: conn.ID, Reason: callErr.Error(), Err: callErr}
	}

	log.WithField("duration_ms", result.ExecutionMs).Info("Tool executed")
	return result, nil
}

func (g *Gateway) requireApproval(ctx context.Context, toolName string, args json.RawMessage, user models.UserContext, approvers []string) error {
	gerr := &Error{Kind: KindPermissionDenied, ToolName: toolName, Reason: "Tool requires approval", Approvers: approvers}
	if g.approvals == nil {
		return gerr
	}
	req, err := g.approvals.Request(ctx, toolName, args, user)
	if err != nil {
		logger.WithFields(logrus.Fields{"tool": toolName, "user_id": user.UserID}).WithError(err).Warn("Failed to file approval request")
		return gerr
	}
	gerr.ApprovalID = req.ID
	return gerr
}

func (g *Gateway) withCredentials(ctx context.Context, serverID string, user models.UserContext, log *logrus.Entry) context.Context {
	if g.creds == nil {
		return ctx
	}
	c, err := g.creds.Get(ctx, serverID, user)
	if err != nil {
		if !errors.Is(err, credentials.ErrNoCredentials) {
			log.WithError(err).Warn("Credential lookup failed, continuing without credentials")
		}
		return ctx
	}
	return transport.WithCredentials(ctx, c)
}

func (g *Gateway) routeError(toolName string, err error) error {
	if errors.Is(err, mcp.ErrToolNotFound) {
		return &Error{Kind: KindToolNotFound, ToolName: toolName, Err: err}
	}
	serverID, _ := g.router.Registry().ServerForTool(toolName)
	return &Error{Kind: KindServerNotAvailable, ToolName: toolName, ServerID: serverID, Reason: err.Error(), Err: err}
}

// CheckPermission evaluates a call without executing it.
func (g *Gateway) CheckPermission(toolName string, args json.RawMessage, user models.UserContext) permissions.Result {
	return g.perms.CheckWithArguments(toolName, args, user)
}

// HealthCheck reports the state of every registered server.
func (g *Gateway) HealthCheck() mcp.HealthReport {
	return g.router.HealthCheck()
}

// Servers returns every registered server.
func (g *Gateway) Servers() []mcp.ServerConnection {
	return g.router.Servers()
}

// RegisterServer records a server, audits the registration and attaches a
// session. A failed attach leaves the server registered for the health
// monitor to retry; a failed audit write undoes the registration.
func (g *Gateway) RegisterServer(ctx context.Context, cfg mcp.ServerConfig, user models.UserContext) (string, error) {
	id, err := g.router.RegisterServer(cfg)
	if err != nil {
		return "", &Error{Kind: KindInternal, ServerID: cfg.ID, Reason: err.Error(), Err: err}
	}

	if g.cfg.auditPolicy() != AuditNone {
		if err := g.audit.Log(ctx, audit.ServerEvent(models.AuditServerRegistered, id, user.Snapshot())); err != nil {
			_ = g.router.UnregisterServer(id)
			return "", &Error{Kind: KindAuditError, ServerID: id, Reason: err.Error(), Err: err}
		}
	}

	log := logger.WithFields(logrus.Fields{"server_id": id, "name": cfg.Name})
	if g.backend != nil {
		if err := g.backend.Attach(ctx, id); err != nil {
			log.WithError(err).Warn("Server registered but not yet connected")
			return id, nil
		}
	}
	log.Info("Server registered")
	return id, nil
}

// UnregisterServer detaches and removes a server and all of its tools.
func (g *Gateway) UnregisterServer(ctx context.Context, id string, user models.UserContext) error {
	if _, ok := g.router.Server(id); !ok {
		return &Error{Kind: KindServerNotAvailable, ServerID: id, Reason: "unknown server", Err: mcp.ErrServerNotAvailable}
	}
	if g.backend != nil {
		if err := g.backend.Detach(id); err != nil {
			logger.WithField("server_id", id).WithError(err).Warn("Error closing server session")
		}
	}
	if err := g.router.UnregisterServer(id); err != nil {
		return &Error{Kind: KindServerNotAvailable, ServerID: id, Reason: err.Error(), Err: err}
	}

	if g.cfg.auditPolicy() != AuditNone {
		if err := g.audit.Log(ctx, audit.ServerEvent(models.AuditServerUnregistered, id, user.Snapshot())); err != nil {
			return &Error{Kind: KindAuditError, ServerID: id, Reason: err.Error(), Err: err}
		}
	}
	logger.WithField("server_id", id).Info("Server unregistered")
	return nil
}

// RefreshServer re-lists a server's tools.
func (g *Gateway) RefreshServer(ctx context.Context, id string) error {
	if _, ok := g.router.Server(id); !ok {
		return &Error{Kind: KindServerNotAvailable, ServerID: id, Reason: "unknown server", Err: mcp.ErrServerNotAvailable}
	}
	if g.backend == nil {
		return nil
	}
	if err := g.backend.Refresh(ctx, id); err != nil {
		if errors.Is(err, mcp.ErrServerNotAvailable) {
			// Not attached yet: dial instead.
			err = g.backend.Attach(ctx, id)
		}
		if err != nil {
			return &Error{Kind: KindServerNotAvailable, ServerID: id, Reason: err.Error(), Err: err}
		}
	}
	return nil
}
