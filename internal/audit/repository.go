// Package audit records relay session and command history in the
// audit_logs table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Page size bounds for List.
const (
	defaultPageSize = 50
	maxPageSize     = 200
)

const selectColumns = "id, action, entity_type, entity_id, source, details, created_at"

// AuditLog is one row of the audit trail.
type AuditLog struct { //nolint:revive // reads better than audit.Log at call sites
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	Source     string         `json:"source"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter selects and pages audit entries. Empty fields match anything.
type Filter struct {
	Action     string
	EntityType string
	EntityID   string
	Limit      int // 1 to 200, 0 means 50
	Offset     int
}

// ListResult is one page of entries plus the unpaged match count.
type ListResult struct {
	Logs   []AuditLog `json:"logs"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// Repository stores and queries audit entries.
type Repository interface {
	Create(ctx context.Context, log *AuditLog) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository is the Repository over the bridge database.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository returns a Repository using db, which must already
// carry the audit_logs migration.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts log, filling in ID and CreatedAt when they are unset.
func (r *SQLiteRepository) Create(ctx context.Context, log *AuditLog) error {
	if log.ID == "" {
		log.ID = "aud-" + uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	details, err := encodeDetails(log.Details)
	if err != nil {
		return err
	}

	var entityID sql.NullString
	if log.EntityID != "" {
		entityID = sql.NullString{String: log.EntityID, Valid: true}
	}

	if _, err := r.db.ExecContext(ctx,
		"INSERT INTO audit_logs ("+selectColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		log.ID, log.Action, log.EntityType, entityID, log.Source, details,
		log.CreatedAt.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("inserting audit log: %w", err)
	}
	return nil
}

// List returns the entries matching filter, newest first. Out-of-range
// Limit and Offset values are clamped, and the result echoes the values
// actually used.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	filter = filter.clamped()
	where, args := filter.where()

	res := &ListResult{Logs: []AuditLog{}, Limit: filter.Limit, Offset: filter.Offset}

	//nolint:gosec // where holds only fixed column names and placeholders
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs"+where, args...).Scan(&res.Total); err != nil {
		return nil, fmt.Errorf("counting audit logs: %w", err)
	}

	//nolint:gosec // where holds only fixed column names and placeholders
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM audit_logs"+where+" ORDER BY created_at DESC, id LIMIT ? OFFSET ?",
		append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying audit logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		res.Logs = append(res.Logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit logs: %w", err)
	}
	return res, nil
}

func (f Filter) clamped() Filter {
	switch {
	case f.Limit <= 0:
		f.Limit = defaultPageSize
	case f.Limit > maxPageSize:
		f.Limit = maxPageSize
	}
	f.Offset = max(f.Offset, 0)
	return f
}

// where renders the filter as a WHERE clause with positional arguments.
func (f Filter) where() (string, []any) {
	var clauses []string
	var args []any
	for _, c := range []struct{ column, value string }{
		{"action", f.Action},
		{"entity_type", f.EntityType},
		{"entity_id", f.EntityID},
	} {
		if c.value != "" {
			clauses = append(clauses, c.column+" = ?")
			args = append(args, c.value)
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanLog(rows *sql.Rows) (AuditLog, error) {
	var (
		entry     AuditLog
		entityID  sql.NullString
		details   sql.NullString
		createdAt string
	)
	if err := rows.Scan(&entry.ID, &entry.Action, &entry.EntityType,
		&entityID, &entry.Source, &details, &createdAt); err != nil {
		return AuditLog{}, fmt.Errorf("scanning audit log: %w", err)
	}

	entry.EntityID = entityID.String
	if details.String != "" {
		// A malformed details blob loses its details, not the row.
		_ = json.Unmarshal([]byte(details.String), &entry.Details)
	}

	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return AuditLog{}, fmt.Errorf("parsing audit log timestamp %q: %w", createdAt, err)
	}
	entry.CreatedAt = t
	return entry, nil
}

func encodeDetails(details map[string]any) (sql.NullString, error) {
	if details == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshalling audit details: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
