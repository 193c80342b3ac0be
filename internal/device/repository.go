package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// timeLayout is fixed-width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Repository defines the interface for module persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// Get retrieves a module by serial number.
	// Returns ErrModuleNotFound if the module does not exist.
	Get(ctx context.Context, serial string) (*Module, error)

	// List retrieves all modules, most recently seen first.
	List(ctx context.Context) ([]Module, error)

	// Upsert inserts a module or refreshes an existing one.
	// FirstSeen of an existing row is preserved.
	Upsert(ctx context.Context, m *Module) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Get retrieves a module by serial number.
func (r *SQLiteRepository) Get(ctx context.Context, serial string) (*Module, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT serial, module_id, hardware, firmware, address, host_name, first_seen, last_seen
		FROM modules
		WHERE serial = ?`, serial)

	m, err := scanModule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrModuleNotFound
		}
		return nil, fmt.Errorf("querying module: %w", err)
	}
	return m, nil
}

// List retrieves all modules, most recently seen first.
func (r *SQLiteRepository) List(ctx context.Context) ([]Module, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT serial, module_id, hardware, firmware, address, host_name, first_seen, last_seen
		FROM modules
		ORDER BY last_seen DESC, serial`)
	if err != nil {
		return nil, fmt.Errorf("querying modules: %w", err)
	}
	defer rows.Close()

	var modules []Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning module: %w", err)
		}
		modules = append(modules, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating modules: %w", err)
	}

	return modules, nil
}

// Upsert inserts a module or refreshes an existing one.
func (r *SQLiteRepository) Upsert(ctx context.Context, m *Module) error {
	if err := m.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if m.FirstSeen.IsZero() {
		m.FirstSeen = now
	}
	if m.LastSeen.IsZero() {
		m.LastSeen = now
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO modules (serial, module_id, hardware, firmware, address, host_name, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			module_id = excluded.module_id,
			hardware  = excluded.hardware,
			firmware  = excluded.firmware,
			address   = excluded.address,
			host_name = COALESCE(excluded.host_name, modules.host_name),
			last_seen = excluded.last_seen`,
		m.Serial, m.ModuleID, m.Hardware, m.Firmware, m.Address,
		nullableString(m.HostName),
		m.FirstSeen.UTC().Format(timeLayout),
		m.LastSeen.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upserting module: %w", err)
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanModule(s rowScanner) (*Module, error) {
	var m Module
	var hostName sql.NullString
	var firstSeen, lastSeen string

	if err := s.Scan(&m.Serial, &m.ModuleID, &m.Hardware, &m.Firmware,
		&m.Address, &hostName, &firstSeen, &lastSeen); err != nil {
		return nil, err
	}

	if hostName.Valid {
		m.HostName = hostName.String
	}

	var err error
	if m.FirstSeen, err = time.Parse(timeLayout, firstSeen); err != nil {
		return nil, fmt.Errorf("parsing first_seen %q: %w", firstSeen, err)
	}
	if m.LastSeen, err = time.Parse(timeLayout, lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen %q: %w", lastSeen, err)
	}

	return &m, nil
}

// nullableString returns a sql.NullString that is NULL for empty strings.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
