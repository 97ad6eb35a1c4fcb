// Package store provides SQLite-backed persistence for audit entries and
// approval requests.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/mcpgate/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition indicates an approval is not in a state that
	// permits the requested change.
	ErrInvalidTransition = errors.New("invalid approval transition")
)

// Store provides access to the gateway SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		user_id TEXT,
		user_snapshot TEXT,
		arguments TEXT,
		arguments_hash TEXT,
		server_id TEXT,
		tool_name TEXT,
		result_size INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		error_category TEXT,
		error_message TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		tool_name TEXT NOT NULL,
		arguments TEXT,
		user_snapshot TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		decided_by TEXT,
		reason TEXT,
		result TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entries_tool ON audit_entries(tool_name);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_user ON audit_entries(user_id);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries(timestamp);
	CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Audit Operations ---

// AuditFilter narrows ListAuditEntries. Zero fields match everything.
type AuditFilter struct {
	ToolName  string
	UserID    string
	EventType models.AuditEventType
	Limit     int
}

// WriteAuditEntry inserts an audit entry, assigning an id and timestamp when
// they are unset.
func (s *Store) WriteAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	user, err := json.Marshal(e.User)
	if err != nil {
		return fmt.Errorf("marshal user snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, event_type, user_id, user_snapshot, arguments, arguments_hash, server_id, tool_name,
			result_size, duration_ms, success, error_category, error_message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventType, e.User.UserID, string(user), nullString(string(e.Arguments)), e.ArgumentsHash,
		e.ServerID, e.ToolName, e.ResultSize, e.DurationMs, e.Success, e.ErrorCategory, e.ErrorMessage, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns entries newest first.
func (s *Store) ListAuditEntries(ctx context.Context, f AuditFilter) ([]models.AuditEntry, error) {
	query := `SELECT id, event_type, user_snapshot, arguments, arguments_hash, server_id, tool_name,
		result_size, duration_ms, success, error_category, error_message, timestamp FROM audit_entries`
	var where []string
	var args []interface{}

	if f.ToolName != "" {
		where = append(where, "tool_name = ?")
		args = append(args, f.ToolName)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY timestamp DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var user string
		var arguments, hash, serverID, toolName, category, message sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &user, &arguments, &hash, &serverID, &toolName,
			&e.ResultSize, &e.DurationMs, &e.Success, &category, &message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if err := json.Unmarshal([]byte(user), &e.User); err != nil {
			return nil, fmt.Errorf("decode user snapshot: %w", err)
		}
		if arguments.Valid {
			e.Arguments = json.RawMessage(arguments.String)
		}
		e.ArgumentsHash = hash.String
		e.ServerID = serverID.String
		e.ToolName = toolName.String
		e.ErrorCategory = category.String
		e.ErrorMessage = message.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Approval Operations ---

// CreateApproval inserts a pending approval request.
func (s *Store) CreateApproval(ctx context.Context, toolName string, args json.RawMessage, user models.UserContextSnapshot) (*models.ApprovalRequest, error) {
	now := time.Now().UTC()
	req := &models.ApprovalRequest{
		ID:        uuid.New().String(),
		ToolName:  toolName,
		Arguments: args,
		User:      user,
		Status:    models.ApprovalPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	snapshot, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("marshal user snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_requests (id, tool_name, arguments, user_snapshot, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ToolName, nullString(string(args)), string(snapshot), req.Status, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert approval: %w", err)
	}
	return req, nil
}

// GetApproval retrieves an approval request by ID.
func (s *Store) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tool_name, arguments, user_snapshot, status, decided_by, reason, result, created_at, updated_at
		FROM approval_requests WHERE id = ?`, id)

	req, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ListApprovals returns approval requests, optionally filtered by status.
func (s *Store) ListApprovals(ctx context.Context, status models.ApprovalStatus) ([]models.ApprovalRequest, error) {
	query := `SELECT id, tool_name, arguments, user_snapshot, status, decided_by, reason, result, created_at, updated_at
		FROM approval_requests`
	var args []interface{}

	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var out []models.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// ApprovalUpdate describes a state change for TransitionApproval.
type ApprovalUpdate struct {
	To        models.ApprovalStatus
	DecidedBy string
	Reason    string
	Result    json.RawMessage
}

// TransitionApproval atomically moves a request from one of the from states
// to u.To. Empty DecidedBy, Reason and Result leave the stored values alone.
func (s *Store) TransitionApproval(ctx context.Context, id string, from []models.ApprovalStatus, u ApprovalUpdate) (*models.ApprovalRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current models.ApprovalStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM approval_requests WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query approval status: %w", err)
	}

	allowed := false
	for _, st := range from {
		if st == current {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, u.To)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE approval_requests SET status = ?,
			decided_by = COALESCE(?, decided_by),
			reason = COALESCE(?, reason),
			result = COALESCE(?, result),
			updated_at = ?
		WHERE id = ?`,
		u.To, nullString(u.DecidedBy), nullString(u.Reason), nullString(string(u.Result)), time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update approval: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return s.GetApproval(ctx, id)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(row rowScanner) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	var arguments, decidedBy, reason, result sql.NullString
	var user string
	if err := row.Scan(&req.ID, &req.ToolName, &arguments, &user, &req.Status, &decidedBy, &reason, &result,
		&req.CreatedAt, &req.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	if err := json.Unmarshal([]byte(user), &req.User); err != nil {
		return nil, fmt.Errorf("decode user snapshot: %w", err)
	}
	if arguments.Valid {
		req.Arguments = json.RawMessage(arguments.String)
	}
	if result.Valid {
		req.Result = json.RawMessage(result.String)
	}
	req.DecidedBy = decidedBy.String
	req.Reason = reason.String
	return &req, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
