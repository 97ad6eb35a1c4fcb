package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/fentz26/mcpgate/internal/credentials"
	"github.com/fentz26/mcpgate/internal/logger"
	"github.com/fentz26/mcpgate/internal/mcp"
	"github.com/fentz26/mcpgate/internal/models"
	"github.com/sirupsen/logrus"
)

// Pool holds one transport per attached server and keeps the router's view
// of each server in step with what the transport observes.
type Pool struct {
	router *mcp.Router
	dial   Dialer
	creds  credentials.Manager

	mu    sync.RWMutex
	conns map[string]Transport
}

// NewPool creates a pool. A nil dial uses New; creds may be nil.
func NewPool(router *mcp.Router, dial Dialer, creds credentials.Manager) *Pool {
	if dial == nil {
		dial = New
	}
	return &Pool{
		router: router,
		dial:   dial,
		creds:  creds,
		conns:  make(map[string]Transport),
	}
}

// Attach dials the server, registers its tools and marks it connected. A
// failure is recorded against the server and returned.
func (p *Pool) Attach(ctx context.Context, serverID string) error {
	conn, ok := p.router.Server(serverID)
	if !ok {
		return fmt.Errorf("%w: %s", mcp.ErrServerNotAvailable, serverID)
	}
	log := logger.WithFields(logrus.Fields{"server_id": serverID, "endpoint": conn.Endpoint.String()})

	dialCtx := ctx
	if conn.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, conn.ConnectionTimeout)
		defer cancel()
	}

	t, err := p.dial(dialCtx, conn, p.serverCredentials(ctx, serverID))
	if err != nil {
		p.fail(serverID, err)
		log.WithError(err).Warn("Server dial failed")
		return err
	}

	tools, err := t.ListTools(dialCtx)
	if err != nil {
		t.Close()
		p.fail(serverID, err)
		log.WithError(err).Warn("Server tool listing failed")
		return err
	}

	if err := p.router.ReplaceTools(serverID, tools); err != nil {
		t.Close()
		return err
	}
	if d, ok := t.(Describer); ok {
		version, caps := d.ServerInfo()
		p.router.UpdateServerInfo(serverID, version, caps)
	}

	p.mu.Lock()
	old := p.conns[serverID]
	p.conns[serverID] = t
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}

	p.router.RecordHealthCheck(serverID)
	if err := p.router.UpdateServerStatus(serverID, mcp.StatusConnected); err != nil {
		return err
	}
	log.WithField("tools", len(tools)).Info("Server connected")
	return nil
}

// Detach closes the server's transport. The router record, if still present,
// is marked disconnected.
func (p *Pool) Detach(serverID string) error {
	p.mu.Lock()
	t, ok := p.conns[serverID]
	delete(p.conns, serverID)
	p.mu.Unlock()

	_ = p.router.UpdateServerStatus(serverID, mcp.StatusDisconnected)
	if !ok {
		return nil
	}
	return t.Close()
}

// Attached reports whether the server has a live transport.
func (p *Pool) Attached(serverID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.conns[serverID]
	return ok
}

// Call executes a tool on the server. Transport-level failures count against
// the server. A tool that reports an error does not, nor does a call whose
// context was cancelled or timed out.
func (p *Pool) Call(ctx context.Context, serverID, toolName string, args json.RawMessage) (models.ToolResult, error) {
	p.mu.RLock()
	t, ok := p.conns[serverID]
	p.mu.RUnlock()
	if !ok {
		return models.ToolResult{ToolName: toolName, ServerID: serverID},
			fmt.Errorf("%w: %s", mcp.ErrServerNotAvailable, serverID)
	}

	res, err := t.Call(ctx, toolName, args)
	if err != nil && !errors.Is(err, ErrToolFailed) && !abandoned(ctx, err) {
		p.fail(serverID, err)
	}
	return res, err
}

// Refresh re-lists the server's tools. Success marks the server connected.
func (p *Pool) Refresh(ctx context.Context, serverID string) error {
	p.mu.RLock()
	t, ok := p.conns[serverID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", mcp.ErrServerNotAvailable, serverID)
	}

	p.router.RecordHealthCheck(serverID)
	tools, err := t.ListTools(ctx)
	if err != nil {
		p.fail(serverID, err)
		return err
	}
	if err := p.router.ReplaceTools(serverID, tools); err != nil {
		return err
	}
	return p.router.UpdateServerStatus(serverID, mcp.StatusConnected)
}

// Close detaches every server.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]Transport)
	p.mu.Unlock()

	var errs []error
	for id, t := range conns {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// abandoned reports whether err is the caller giving up rather than the
// server misbehaving.
func abandoned(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (p *Pool) fail(serverID string, err error) {
	_ = p.router.RecordServerFailure(serverID, err)
}

func (p *Pool) serverCredentials(ctx context.Context, serverID string) *credentials.Credentials {
	if p.creds == nil {
		return nil
	}
	c, err := p.creds.Get(ctx, serverID, models.UserContext{})
	if err != nil {
		if !errors.Is(err, credentials.ErrNoCredentials) {
			logger.WithField("server_id", serverID).WithError(err).Warn("Credential lookup failed")
		}
		return nil
	}
	return c
}
