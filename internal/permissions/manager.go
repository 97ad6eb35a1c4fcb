package permissions

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/mcpgate/internal/models"
	"github.com/google/uuid"
)

// Manager holds policies and allow-lists and answers permission checks.
// Check is total: it always returns a concrete Result.
type Manager struct {
	mu             sync.RWMutex
	policies       []Policy
	allowLists     map[string]*AllowList
	userAllowLists map[string]string
	defaultPolicy  Decision
	evaluator      ConditionEvaluator
	conditionMode  ConditionMode

	globs *globCache
	now   func() time.Time
}

// NewManager creates a manager applying defaultPolicy when no rule matches.
func NewManager(defaultPolicy Decision) *Manager {
	return &Manager{
		allowLists:     make(map[string]*AllowList),
		userAllowLists: make(map[string]string),
		defaultPolicy:  canonical(defaultPolicy),
		evaluator:      NewDefaultEvaluator(),
		conditionMode:  ConditionsReject,
		globs:          newGlobCache(),
		now:            time.Now,
	}
}

// SetConditionEvaluator replaces the evaluator used for rule conditions.
func (m *Manager) SetConditionEvaluator(ev ConditionEvaluator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluator = ev
}

// SetConditionMode selects how rules carrying conditions are treated.
func (m *Manager) SetConditionMode(mode ConditionMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conditionMode = mode
}

// DefaultPolicy returns the decision applied when nothing matches.
func (m *Manager) DefaultPolicy() Decision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultPolicy
}

// SetDefaultPolicy replaces the fallback decision.
func (m *Manager) SetDefaultPolicy(d Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultPolicy = canonical(d)
}

// Check decides whether user may execute toolName.
func (m *Manager) Check(toolName string, user models.UserContext) Result {
	return m.CheckWithArguments(toolName, nil, user)
}

// CheckWithArguments is Check with the call arguments made available to
// argument conditions.
func (m *Manager) CheckWithArguments(toolName string, args json.RawMessage, user models.UserContext) Result {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()

	if listID, ok := m.userAllowLists[user.UserID]; ok {
		if list, ok := m.allowLists[listID]; ok {
			if list.Expired(now) {
				return Denied(fmt.Sprintf("Allow list expired for bundle: %s", list.BundleID))
			}
			if !list.Contains(toolName) {
				return Denied(fmt.Sprintf("Tool '%s' not in allow list", toolName))
			}
		}
	}

	ec := EvalContext{Tool: toolName, User: user, Arguments: args, Now: now}
	for _, policy := range m.policies {
		if !policy.Enabled {
			continue
		}
		for _, rule := range policy.Rules {
			if !m.globs.Match(rule.ToolPattern, toolName) {
				continue
			}
			if !rule.Subject.Matches(user) {
				continue
			}
			if !evaluateConditions(m.evaluator, m.conditionMode, rule.Conditions, ec) {
				continue
			}
			return ruleResult(rule)
		}
	}

	return fromDecision(m.defaultPolicy)
}

func ruleResult(rule Rule) Result {
	switch canonical(rule.Decision) {
	case Allow:
		return Allowed()
	case RequireApproval:
		return RequiresApproval(nil)
	}
	if rule.Description != "" {
		return Denied(rule.Description)
	}
	return Denied(fmt.Sprintf("Denied by rule: %s", rule.ID))
}

// AddPolicy inserts a policy and keeps the list ordered by descending
// priority. Equal priorities keep insertion order.
func (m *Manager) AddPolicy(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := clonePolicy(p)
	for i := range c.Rules {
		c.Rules[i].Decision = canonical(c.Rules[i].Decision)
	}
	m.policies = append(m.policies, c)
	sort.SliceStable(m.policies, func(i, j int) bool {
		return m.policies[i].Priority > m.policies[j].Priority
	})
}

// RemovePolicy deletes every policy with the given id and reports whether
// anything was removed.
func (m *Manager) RemovePolicy(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.policies[:0]
	for _, p := range m.policies {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	removed := len(kept) != len(m.policies)
	m.policies = kept
	return removed
}

// Policies returns copies of all policies in evaluation order.
func (m *Manager) Policies() []Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, clonePolicy(p))
	}
	return out
}

// CreateAllowList stores a new allow-list with a fresh id.
func (m *Manager) CreateAllowList(bundleID string, tools []string, expiresAt *time.Time) AllowList {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := newAllowList(uuid.New().String(), bundleID, tools, m.now().UTC(), expiresAt)
	m.allowLists[list.ID] = list
	return cloneAllowList(list)
}

// AssignAllowList binds a user to an allow-list, replacing any previous
// assignment. Unknown list ids are ignored and reported as false.
func (m *Manager) AssignAllowList(userID, allowListID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.allowLists[allowListID]; !ok {
		return false
	}
	m.userAllowLists[userID] = allowListID
	return true
}

// RemoveAllowList deletes an allow-list and every assignment to it.
func (m *Manager) RemoveAllowList(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.allowLists[id]; !ok {
		return false
	}
	delete(m.allowLists, id)
	for user, listID := range m.userAllowLists {
		if listID == id {
			delete(m.userAllowLists, user)
		}
	}
	return true
}

// AllowList returns a copy of the allow-list with the given id.
func (m *Manager) AllowList(id string) (AllowList, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list, ok := m.allowLists[id]
	if !ok {
		return AllowList{}, false
	}
	return cloneAllowList(list), true
}

// AllowListForUser returns the allow-list assigned to a user, if any.
func (m *Manager) AllowListForUser(userID string) (AllowList, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	listID, ok := m.userAllowLists[userID]
	if !ok {
		return AllowList{}, false
	}
	list, ok := m.allowLists[listID]
	if !ok {
		return AllowList{}, false
	}
	return cloneAllowList(list), true
}

// AllowLists returns copies of every allow-list.
func (m *Manager) AllowLists() []AllowList {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AllowList, 0, len(m.allowLists))
	for _, l := range m.allowLists {
		out = append(out, cloneAllowList(l))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
