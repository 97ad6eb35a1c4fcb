// Package audit records structured gateway events to one or more sinks.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/fentz26/mcpgate/internal/models"
	"github.com/google/uuid"
)

// RedactedPlaceholder replaces argument payloads when redaction is enabled.
const RedactedPlaceholder = "[REDACTED]"

// Logger accepts audit entries.
type Logger interface {
	Log(ctx context.Context, e *models.AuditEntry) error
}

// LoggerFunc adapts a function to Logger.
type LoggerFunc func(ctx context.Context, e *models.AuditEntry) error

// Log implements Logger.
func (f LoggerFunc) Log(ctx context.Context, e *models.AuditEntry) error {
	return f(ctx, e)
}

// Nop discards every entry.
var Nop Logger = LoggerFunc(func(context.Context, *models.AuditEntry) error { return nil })

// PermissionDenied builds the entry recorded when a check denies a tool.
func PermissionDenied(toolName string, user models.UserContextSnapshot, reason string) *models.AuditEntry {
	return &models.AuditEntry{
		ID:            uuid.New().String(),
		EventType:     models.AuditPermissionDenied,
		User:          user,
		ToolName:      toolName,
		Success:       false,
		ErrorCategory: models.ErrorCategoryPermission,
		ErrorMessage:  reason,
		Timestamp:     time.Now().UTC(),
	}
}

// RoutingFailed builds the entry recorded when a tool cannot be routed.
func RoutingFailed(toolName string, user models.UserContextSnapshot, err error) *models.AuditEntry {
	return &models.AuditEntry{
		ID:            uuid.New().String(),
		EventType:     models.AuditRoutingFailed,
		User:          user,
		ToolName:      toolName,
		ErrorCategory: models.ErrorCategoryRouting,
		ErrorMessage:  err.Error(),
		Timestamp:     time.Now().UTC(),
	}
}

// ServerEvent builds a server lifecycle entry.
func ServerEvent(eventType models.AuditEventType, serverID string, user models.UserContextSnapshot) *models.AuditEntry {
	return &models.AuditEntry{
		ID:        uuid.New().String(),
		EventType: eventType,
		User:      user,
		ServerID:  serverID,
		Success:   true,
		Timestamp: time.Now().UTC(),
	}
}

// Execution is an audit entry opened before a tool runs and completed after.
type Execution struct {
	entry   models.AuditEntry
	started time.Time
}

// BeginExecution opens an execution entry and stamps its start time.
func BeginExecution(toolName string, args json.RawMessage, user models.UserContextSnapshot, serverID string) *Execution {
	now := time.Now().UTC()
	return &Execution{
		entry: models.AuditEntry{
			ID:            uuid.New().String(),
			EventType:     models.AuditToolExecution,
			User:          user,
			Arguments:     append(json.RawMessage(nil), args...),
			ArgumentsHash: HashArguments(args),
			ServerID:      serverID,
			ToolName:      toolName,
			Timestamp:     now,
		},
		started: now,
	}
}

// Succeed completes the entry for a successful call.
func (x *Execution) Succeed(resultSize int) *models.AuditEntry {
	e := x.entry
	e.Success = true
	e.ResultSize = resultSize
	e.DurationMs = time.Since(x.started).Milliseconds()
	return &e
}

// Fail completes the entry for a failed call.
func (x *Execution) Fail(err error) *models.AuditEntry {
	e := x.entry
	e.Success = false
	e.ErrorCategory = models.ErrorCategoryExecution
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	e.DurationMs = time.Since(x.started).Milliseconds()
	return &e
}

// HashArguments returns a SHA256 of the canonical JSON arguments so entries
// can be correlated even when the payload is redacted.
func HashArguments(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var v interface{}
	data := []byte(args)
	if err := json.Unmarshal(args, &v); err == nil {
		if canonical, err := json.Marshal(v); err == nil {
			data = canonical
		}
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Redacting wraps a logger so argument payloads are replaced with
// RedactedPlaceholder before they reach it.
func Redacting(l Logger) Logger {
	return LoggerFunc(func(ctx context.Context, e *models.AuditEntry) error {
		if len(e.Arguments) > 0 {
			c := *e
			c.Arguments = json.RawMessage(`"` + RedactedPlaceholder + `"`)
			return l.Log(ctx, &c)
		}
		return l.Log(ctx, e)
	})
}

// Multi fans entries out to every logger and joins their errors.
func Multi(loggers ...Logger) Logger {
	return LoggerFunc(func(ctx context.Context, e *models.AuditEntry) error {
		var errs []error
		for _, l := range loggers {
			if err := l.Log(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// ApprovalDecision builds the entry recorded when an approval request is
// approved or rejected. The requester's snapshot is kept; the decider is
// recorded in the message.
func ApprovalDecision(req *models.ApprovalRequest, decidedBy string, approved bool) *models.AuditEntry {
	verdict := "rejected"
	if approved {
		verdict = "approved"
	}
	return &models.AuditEntry{
		ID:            uuid.New().String(),
		EventType:     models.AuditApprovalDecision,
		User:          req.User,
		ArgumentsHash: HashArguments(req.Arguments),
		ToolName:      req.ToolName,
		Success:       approved,
		ErrorMessage:  verdict + " by " + decidedBy,
		Timestamp:     time.Now().UTC(),
	}
}
