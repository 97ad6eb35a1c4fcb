package mcp

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for routing operations.
var (
	ErrToolNotFound       = errors.New("tool not found")
	ErrServerNotAvailable = errors.New("server not available")
)

// failureThreshold is the failure count at which a server becomes unhealthy.
const failureThreshold = 3

// Router owns server connection records and the tool registry, and resolves
// tool names to connected servers. Status transitions are driven by callers;
// the router never reconnects on its own.
type Router struct {
	servers  map[string]*ServerConnection
	registry *ToolRegistry
	mu       sync.RWMutex
	now      func() time.Time
}

// NewRouter creates a router over reg. A nil registry gets a fresh one.
func NewRouter(reg *ToolRegistry) *Router {
	if reg == nil {
		reg = NewToolRegistry()
	}
	return &Router{
		servers:  make(map[string]*ServerConnection),
		registry: reg,
		now:      time.Now,
	}
}

// Registry returns the router's tool registry.
func (r *Router) Registry() *ToolRegistry {
	return r.registry
}

// RegisterServer records a server in the initializing state and returns its
// id. Registering an existing id replaces the previous record entirely.
func (r *Router) RegisterServer(cfg ServerConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}

	conn := &ServerConnection{
		ID:                   id,
		Name:                 cfg.Name,
		Endpoint:             cloneEndpoint(cfg.Endpoint),
		Status:               StatusInitializing,
		HealthCheckInterval:  cfg.HealthCheckInterval(),
		ConnectionTimeout:    cfg.ConnectionTimeout(),
		AutoReconnect:        cfg.AutoReconnect,
		MaxReconnectAttempts: cfg.ReconnectAttempts(),
		Metadata:             cloneStrings(cfg.Metadata),
	}

	r.mu.Lock()
	r.servers[id] = conn
	r.mu.Unlock()

	return id, nil
}

// UnregisterServer removes a server and every tool it owns.
func (r *Router) UnregisterServer(id string) error {
	r.mu.Lock()
	if _, ok := r.servers[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotAvailable, id)
	}
	delete(r.servers, id)
	r.registry.UnregisterServer(id)
	r.mu.Unlock()
	return nil
}

// RegisterTools registers defs as owned by serverID. The server lock is held
// throughout so a concurrent UnregisterServer cannot leave orphaned tools.
func (r *Router) RegisterTools(serverID string, defs []ToolDefinition) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.servers[serverID]; !ok {
		return fmt.Errorf("%w: %s", ErrServerNotAvailable, serverID)
	}

	for _, def := range defs {
		def.ServerID = serverID
		r.registry.Register(def)
	}
	return nil
}

// ReplaceTools registers defs for serverID and drops any of its previously
// registered tools that are no longer listed.
func (r *Router) ReplaceTools(serverID string, defs []ToolDefinition) error {
	keep := make(map[string]bool, len(defs))
	for _, def := range defs {
		keep[def.Name] = true
	}
	if err := r.RegisterTools(serverID, defs); err != nil {
		return err
	}
	for _, reg := range r.registry.ListByServer(serverID) {
		if !keep[reg.Definition.Name] {
			r.registry.unregisterTool(reg.Definition.Name, serverID)
		}
	}
	return nil
}

// Route resolves a tool to its owning server, which must be connected.
func (r *Router) Route(toolName string) (ServerConnection, error) {
	serverID, ok := r.registry.ServerForTool(toolName)
	if !ok {
		return ServerConnection{}, fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.servers[serverID]
	if !ok || conn.Status != StatusConnected {
		return ServerConnection{}, fmt.Errorf("%w: %s", ErrServerNotAvailable, serverID)
	}
	return cloneConnection(conn), nil
}

// UpdateServerStatus sets a server's status. Connected resets the failure
// count and stamps the connection time.
func (r *Router) UpdateServerStatus(id string, status ServerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.servers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotAvailable, id)
	}
	conn.Status = status
	if status == StatusConnected {
		now := r.now().UTC()
		conn.FailureCount = 0
		conn.ConnectedAt = &now
		conn.LastError = ""
	}
	return nil
}

// RecordServerFailure counts a failure and moves the server to reconnecting,
// or unhealthy once the failure threshold is reached.
func (r *Router) RecordServerFailure(id string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.servers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotAvailable, id)
	}
	conn.FailureCount++
	if cause != nil {
		conn.LastError = cause.Error()
	}
	if conn.FailureCount >= failureThreshold {
		conn.Status = StatusUnhealthy
	} else {
		conn.Status = StatusReconnecting
	}
	return nil
}

// RecordHealthCheck stamps the time of the latest check.
func (r *Router) RecordHealthCheck(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.servers[id]; ok {
		now := r.now().UTC()
		conn.LastHealthCheck = &now
	}
}

// UpdateServerInfo stores what the server reported during its handshake.
func (r *Router) UpdateServerInfo(id, version string, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.servers[id]; ok {
		conn.Version = version
		conn.Capabilities = caps
	}
}

// RecordToolCall updates the tool's call statistics.
func (r *Router) RecordToolCall(toolName string, executionMs int64) {
	r.registry.RecordCall(toolName, executionMs)
}

// Server returns a copy of the record for id.
func (r *Router) Server(id string) (ServerConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.servers[id]
	if !ok {
		return ServerConnection{}, false
	}
	return cloneConnection(conn), true
}

// Servers returns copies of all records sorted by name.
func (r *Router) Servers() []ServerConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerConnection, 0, len(r.servers))
	for _, conn := range r.servers {
		out = append(out, cloneConnection(conn))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Tools returns every registered tool.
func (r *Router) Tools() []ToolRegistration {
	return r.registry.List()
}

// SearchTools returns tools matching query.
func (r *Router) SearchTools(query string) []ToolRegistration {
	return r.registry.Search(query)
}

// HealthCheck snapshots the status of every server.
func (r *Router) HealthCheck() HealthReport {
	servers := r.Servers()

	report := HealthReport{
		Servers:        make([]ServerHealth, 0, len(servers)),
		OverallHealthy: true,
		Overall:        HealthHealthy,
		CheckedAt:      r.now().UTC(),
	}

	starting, broken := false, false
	for _, s := range servers {
		report.Servers = append(report.Servers, ServerHealth{
			ServerID:        s.ID,
			Name:            s.Name,
			Status:          s.Status,
			FailureCount:    s.FailureCount,
			LastError:       s.LastError,
			LastHealthCheck: s.LastHealthCheck,
			ConnectedAt:     s.ConnectedAt,
		})
		switch s.Status {
		case StatusConnected:
		case StatusInitializing, StatusReconnecting:
			starting = true
		default:
			broken = true
		}
	}

	switch {
	case broken:
		report.OverallHealthy = false
		report.Overall = HealthUnhealthy
	case starting:
		report.OverallHealthy = false
		report.Overall = HealthDegraded
	}
	return report
}
