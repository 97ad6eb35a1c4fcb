// Package models defines the core domain types shared across the gateway.
package models

import (
	"encoding/json"
	"time"
)

// UserContext identifies the caller of a gateway operation. It is built per
// request and never persisted.
type UserContext struct {
	UserID     string            `json:"user_id"`
	Groups     []string          `json:"groups,omitempty"`
	Roles      []string          `json:"roles,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// InGroup reports whether the user belongs to the named group.
func (u UserContext) InGroup(name string) bool {
	return contains(u.Groups, name)
}

// HasRole reports whether the user holds the named role.
func (u UserContext) HasRole(name string) bool {
	return contains(u.Roles, name)
}

// Snapshot returns a frozen copy suitable for storing in audit records.
func (u UserContext) Snapshot() UserContextSnapshot {
	s := UserContextSnapshot{
		UserID:    u.UserID,
		SessionID: u.SessionID,
	}
	if u.Groups != nil {
		s.Groups = append([]string(nil), u.Groups...)
	}
	if u.Roles != nil {
		s.Roles = append([]string(nil), u.Roles...)
	}
	if u.Attributes != nil {
		s.Attributes = make(map[string]string, len(u.Attributes))
		for k, v := range u.Attributes {
			s.Attributes[k] = v
		}
	}
	return s
}

// UserContextSnapshot is the audit-log view of a UserContext.
type UserContextSnapshot struct {
	UserID     string            `json:"user_id" dynamodbav:"user_id"`
	Groups     []string          `json:"groups,omitempty" dynamodbav:"groups,omitempty"`
	Roles      []string          `json:"roles,omitempty" dynamodbav:"roles,omitempty"`
	SessionID  string            `json:"session_id,omitempty" dynamodbav:"session_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" dynamodbav:"attributes,omitempty"`
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// ToolResult is the outcome of a single tool invocation on a backend server.
type ToolResult struct {
	ToolName    string          `json:"tool_name"`
	Success     bool            `json:"success"`
	Content     json.RawMessage `json:"content,omitempty"`
	ExecutionMs int64           `json:"execution_ms"`
	ServerID    string          `json:"server_id"`
	Error       string          `json:"error,omitempty"`
}

// AuditEventType classifies an audit entry.
type AuditEventType string

const (
	AuditToolExecution      AuditEventType = "tool_execution"
	AuditPermissionDenied   AuditEventType = "permission_denied"
	AuditRoutingFailed      AuditEventType = "routing_failed"
	AuditServerRegistered   AuditEventType = "server_registered"
	AuditServerUnregistered AuditEventType = "server_unregistered"
	AuditApprovalDecision   AuditEventType = "approval_decision"
)

// Error categories recorded on failed audit entries.
const (
	ErrorCategoryExecution  = "execution_error"
	ErrorCategoryPermission = "permission_denied"
	ErrorCategoryRouting    = "routing_error"
)

// AuditEntry is a structured record of a gateway action.
type AuditEntry struct {
	ID            string              `json:"id" dynamodbav:"id"`
	EventType     AuditEventType      `json:"event_type" dynamodbav:"event_type"`
	User          UserContextSnapshot `json:"user" dynamodbav:"user"`
	Arguments     json.RawMessage     `json:"arguments,omitempty" dynamodbav:"-"`
	ArgumentsHash string              `json:"arguments_hash,omitempty" dynamodbav:"arguments_hash,omitempty"`
	ServerID      string              `json:"server_id,omitempty" dynamodbav:"server_id,omitempty"`
	ToolName      string              `json:"tool_name,omitempty" dynamodbav:"tool_name,omitempty"`
	ResultSize    int                 `json:"result_size" dynamodbav:"result_size"`
	DurationMs    int64               `json:"duration_ms" dynamodbav:"duration_ms"`
	Success       bool                `json:"success" dynamodbav:"success"`
	ErrorCategory string              `json:"error_category,omitempty" dynamodbav:"error_category,omitempty"`
	ErrorMessage  string              `json:"error_message,omitempty" dynamodbav:"error_message,omitempty"`
	Timestamp     time.Time           `json:"timestamp" dynamodbav:"timestamp"`
}

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExecuting ApprovalStatus = "executing"
	ApprovalCompleted ApprovalStatus = "completed"
	ApprovalFailed    ApprovalStatus = "failed"
)

// ApprovalRequest is a persisted tool invocation awaiting a human decision.
type ApprovalRequest struct {
	ID        string              `json:"id"`
	ToolName  string              `json:"tool_name"`
	Arguments json.RawMessage     `json:"arguments,omitempty"`
	User      UserContextSnapshot `json:"user"`
	Status    ApprovalStatus      `json:"status"`
	DecidedBy string              `json:"decided_by,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Result    json.RawMessage     `json:"result,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// UserContext rebuilds a caller context from the stored snapshot.
func (r *ApprovalRequest) UserContext() UserContext {
	s := r.User
	return UserContext{
		UserID:     s.UserID,
		Groups:     s.Groups,
		Roles:      s.Roles,
		SessionID:  s.SessionID,
		Attributes: s.Attributes,
	}
}
