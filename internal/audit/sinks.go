package audit

import (
	"context"

	"github.com/fentz26/mcpgate/internal/models"
	"github.com/fentz26/mcpgate/internal/store"
	"github.com/sirupsen/logrus"
)

// StoreLogger persists audit entries in the SQLite store.
type StoreLogger struct {
	store *store.Store
}

// NewStoreLogger creates a logger writing to s.
func NewStoreLogger(s *store.Store) *StoreLogger {
	return &StoreLogger{store: s}
}

// Log implements Logger.
func (w *StoreLogger) Log(ctx context.Context, e *models.AuditEntry) error {
	return w.store.WriteAuditEntry(ctx, e)
}

// LogrusLogger mirrors audit entries into the structured log stream.
type LogrusLogger struct {
	log *logrus.Logger
}

// NewLogrusLogger creates a logger writing to l.
func NewLogrusLogger(l *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{log: l}
}

// Log implements Logger.
func (w *LogrusLogger) Log(ctx context.Context, e *models.AuditEntry) error {
	entry := w.log.WithFields(logrus.Fields{
		"audit_id":    e.ID,
		"event_type":  e.EventType,
		"user_id":     e.User.UserID,
		"tool":        e.ToolName,
		"server_id":   e.ServerID,
		"success":     e.Success,
		"duration_ms": e.DurationMs,
		"result_size": e.ResultSize,
	})
	if e.ErrorCategory != "" {
		entry = entry.WithFields(logrus.Fields{
			"error_category": e.ErrorCategory,
			"error":          e.ErrorMessage,
		})
	}
	if e.Success {
		entry.Info("audit")
	} else {
		entry.Warn("audit")
	}
	return nil
}
