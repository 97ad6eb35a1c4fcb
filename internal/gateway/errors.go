package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure.
type Kind string

const (
	KindToolNotFound       Kind = "tool_not_found"
	KindServerNotAvailable Kind = "server_not_available"
	KindPermissionDenied   Kind = "permission_denied"
	KindAuditError         Kind = "audit_error"
	KindExecution          Kind = "execution_error"
	KindInternal           Kind = "internal"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrToolNotFound       = errors.New("tool not found")
	ErrServerNotAvailable = errors.New("server not available")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrAudit              = errors.New("audit error")
	ErrExecution          = errors.New("execution failed")
	ErrInternal           = errors.New("internal error")
)

var kindSentinels = map[Kind]error{
	KindToolNotFound:       ErrToolNotFound,
	KindServerNotAvailable: ErrServerNotAvailable,
	KindPermissionDenied:   ErrPermissionDenied,
	KindAuditError:         ErrAudit,
	KindExecution:          ErrExecution,
	KindInternal:           ErrInternal,
}

// Error is returned by every gateway operation that fails.
type Error struct {
	Kind     Kind
	ToolName string
	ServerID string
	Reason   string
	// ApprovalID is set when a pending approval was filed for the call.
	ApprovalID string
	Approvers  []string
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindToolNotFound:
		return fmt.Sprintf("tool not found: %s", e.ToolName)
	case KindServerNotAvailable:
		return fmt.Sprintf("server not available: %s", e.ServerID)
	case KindPermissionDenied:
		return fmt.Sprintf("permission denied: %s", e.Reason)
	case KindAuditError:
		return fmt.Sprintf("audit error: %s", e.Reason)
	case KindExecution:
		return fmt.Sprintf("execution of %s failed: %s", e.ToolName, e.Reason)
	default:
		return fmt.Sprintf("internal error: %s", e.Reason)
	}
}

// Unwrap exposes the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the kind of a gateway error, or KindInternal for anything else.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}
