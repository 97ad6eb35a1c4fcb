package mcp

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// ToolRegistry maps tool names to their owning server and call statistics.
// A tool name has at most one registration; the last writer wins.
type ToolRegistry struct {
	tools map[string]*ToolRegistration
	mu    sync.RWMutex
	now   func() time.Time
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*ToolRegistration),
		now:   time.Now,
	}
}

// Register inserts or overwrites the registration for def.Name and resets
// its statistics.
func (r *ToolRegistry) Register(def ToolDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := &ToolRegistration{
		Definition:   def,
		RegisteredAt: r.now().UTC(),
	}
	// Detach caller-owned slices and maps.
	*reg = cloneRegistration(reg)
	r.tools[def.Name] = reg
}

// UnregisterServer removes every tool owned by serverID and returns how many
// were removed.
func (r *ToolRegistry) UnregisterServer(serverID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, reg := range r.tools {
		if reg.Definition.ServerID == serverID {
			delete(r.tools, name)
			removed++
		}
	}
	return removed
}

// ServerForTool returns the id of the server owning the named tool.
func (r *ToolRegistry) ServerForTool(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.tools[name]
	if !ok {
		return "", false
	}
	return reg.Definition.ServerID, true
}

// Get returns a copy of the registration for name.
func (r *ToolRegistry) Get(name string) (*ToolRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	copy := cloneRegistration(reg)
	return &copy, true
}

// List returns copies of all registrations sorted by tool name.
func (r *ToolRegistry) List() []ToolRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolRegistration, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, cloneRegistration(reg))
	}
	sortByName(out)
	return out
}

// ListByServer returns the registrations owned by serverID.
func (r *ToolRegistry) ListByServer(serverID string) []ToolRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolRegistration, 0)
	for _, reg := range r.tools {
		if reg.Definition.ServerID == serverID {
			out = append(out, cloneRegistration(reg))
		}
	}
	sortByName(out)
	return out
}

// Search returns tools whose name, description or any tag contains query,
// compared case-insensitively.
func (r *ToolRegistry) Search(query string) []ToolRegistration {
	q := strings.ToLower(query)

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolRegistration, 0)
	for _, reg := range r.tools {
		if matchesQuery(&reg.Definition, q) {
			out = append(out, cloneRegistration(reg))
		}
	}
	sortByName(out)
	return out
}

func matchesQuery(def *ToolDefinition, q string) bool {
	if strings.Contains(strings.ToLower(def.Name), q) {
		return true
	}
	if strings.Contains(strings.ToLower(def.Description), q) {
		return true
	}
	for _, tag := range def.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

// RecordCall folds executionMs into the tool's running mean. Unknown tools
// are ignored.
func (r *ToolRegistry) RecordCall(name string, executionMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.tools[name]
	if !ok {
		return
	}
	n := float64(reg.CallCount)
	reg.AvgExecutionMs = (reg.AvgExecutionMs*n + float64(executionMs)) / (n + 1)
	reg.CallCount++
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func sortByName(regs []ToolRegistration) {
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].Definition.Name < regs[j].Definition.Name
	})
}

// unregisterTool removes name only if it is still owned by serverID, so a
// tool re-registered by another server survives.
func (r *ToolRegistry) unregisterTool(name, serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.tools[name]; ok && reg.Definition.ServerID == serverID {
		delete(r.tools, name)
	}
}
