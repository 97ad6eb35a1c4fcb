// Package approval manages tool calls held for a human decision.
//
// A request moves pending -> approved -> executing -> completed|failed, or
// pending -> rejected. Every state is persisted so decisions survive a
// restart.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/fentz26/mcpgate/internal/audit"
	"github.com/fentz26/mcpgate/internal/logger"
	"github.com/fentz26/mcpgate/internal/models"
	"github.com/fentz26/mcpgate/internal/store"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoExecutor is returned by Execute before SetExecutor is called.
	ErrNoExecutor = errors.New("no executor configured")
	// ErrSelfApproval is returned when a requester tries to approve their own call.
	ErrSelfApproval = errors.New("requester cannot approve their own call")
	// ErrNotFound aliases the store's not-found error.
	ErrNotFound = store.ErrNotFound
	// ErrInvalidTransition aliases the store's transition error.
	ErrInvalidTransition = store.ErrInvalidTransition
)

// Executor runs a tool whose approval has been granted.
type Executor interface {
	ExecuteApproved(ctx context.Context, toolName string, args json.RawMessage, user models.UserContext) (models.ToolResult, error)
}

// Service implements the approval workflow over the store.
type Service struct {
	store *store.Store
	audit audit.Logger

	mu   sync.RWMutex
	exec Executor
}

// NewService creates a service. auditLog may be nil.
func NewService(s *store.Store, auditLog audit.Logger) *Service {
	if auditLog == nil {
		auditLog = audit.Nop
	}
	return &Service{store: s, audit: auditLog}
}

// SetExecutor wires the component that runs approved calls.
func (s *Service) SetExecutor(e Executor) {
	s.mu.Lock()
	s.exec = e
	s.mu.Unlock()
}

// Request files a pending approval.
func (s *Service) Request(ctx context.Context, toolName string, args json.RawMessage, user models.UserContext) (*models.ApprovalRequest, error) {
	req, err := s.store.CreateApproval(ctx, toolName, args, user.Snapshot())
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"approval_id": req.ID,
		"tool":        toolName,
		"user_id":     user.UserID,
	}).Info("Approval requested")
	return req, nil
}

// Get returns one request.
func (s *Service) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return s.store.GetApproval(ctx, id)
}

// List returns requests, optionally filtered by status.
func (s *Service) List(ctx context.Context, status models.ApprovalStatus) ([]models.ApprovalRequest, error) {
	return s.store.ListApprovals(ctx, status)
}

// Approve grants a pending request.
func (s *Service) Approve(ctx context.Context, id, decidedBy, reason string) (*models.ApprovalRequest, error) {
	return s.decide(ctx, id, decidedBy, reason, true)
}

// Reject refuses a pending request.
func (s *Service) Reject(ctx context.Context, id, decidedBy, reason string) (*models.ApprovalRequest, error) {
	return s.decide(ctx, id, decidedBy, reason, false)
}

func (s *Service) decide(ctx context.Context, id, decidedBy, reason string, approve bool) (*models.ApprovalRequest, error) {
	if decidedBy == "" {
		return nil, fmt.Errorf("decided_by cannot be empty")
	}
	to := models.ApprovalRejected
	if approve {
		to = models.ApprovalApproved
		pending, err := s.store.GetApproval(ctx, id)
		if err != nil {
			return nil, err
		}
		if pending.User.UserID == decidedBy {
			return nil, ErrSelfApproval
		}
	}

	req, err := s.store.TransitionApproval(ctx, id, []models.ApprovalStatus{models.ApprovalPending}, store.ApprovalUpdate{
		To:        to,
		DecidedBy: decidedBy,
		Reason:    reason,
	})
	if err != nil {
		return nil, err
	}

	if err := s.audit.Log(ctx, audit.ApprovalDecision(req, decidedBy, approve)); err != nil {
		logger.WithField("approval_id", id).WithError(err).Warn("Failed to audit approval decision")
	}
	logger.WithFields(logrus.Fields{"approval_id": id, "status": to, "decided_by": decidedBy}).Info("Approval decided")
	return req, nil
}

// Execute runs an approved request through the executor and records the
// outcome. The returned request reflects its final state.
func (s *Service) Execute(ctx context.Context, id string) (*models.ApprovalRequest, models.ToolResult, error) {
	s.mu.RLock()
	exec := s.exec
	s.mu.RUnlock()
	if exec == nil {
		return nil, models.ToolResult{}, ErrNoExecutor
	}

	req, err := s.store.TransitionApproval(ctx, id, []models.ApprovalStatus{models.ApprovalApproved}, store.ApprovalUpdate{
		To: models.ApprovalExecuting,
	})
	if err != nil {
		return nil, models.ToolResult{}, err
	}

	result, execErr := exec.ExecuteApproved(ctx, req.ToolName, req.Arguments, req.UserContext())

	update := store.ApprovalUpdate{To: models.ApprovalCompleted}
	if encoded, err := json.Marshal(result); err == nil {
		update.Result = encoded
	}
	if execErr != nil {
		update.To = models.ApprovalFailed
		update.Reason = execErr.Error()
	}

	// The call already ran; record its outcome even if the caller went away.
	final, err := s.store.TransitionApproval(context.WithoutCancel(ctx), id,
		[]models.ApprovalStatus{models.ApprovalExecuting}, update)
	if err != nil {
		return nil, result, fmt.Errorf("record approval outcome: %w", err)
	}
	return final, result, execErr
}
