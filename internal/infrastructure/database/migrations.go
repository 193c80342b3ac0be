package database

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

// migrations is the schema source. Files are named
// YYYYMMDD_HHMMSS_description.up.sql with an optional matching .down.sql
// and sit at the root of the FS. Nil means the binary carries no schema.
var migrations fs.FS

// SetMigrations installs the schema source. The migrations package calls
// it from init with its embedded files.
func SetMigrations(fsys fs.FS) {
	migrations = fsys
}

// Migration is one schema step.
type Migration struct {
	Version string // YYYYMMDD_HHMMSS
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrationRecord is a row of schema_migrations.
type MigrationRecord struct {
	Version   string
	AppliedAt time.Time
}

// migrationPlan compares the schema source with the database.
type migrationPlan struct {
	known   []Migration
	applied []MigrationRecord
	pending []Migration
}

// Migrate applies every pending migration, oldest first. Each migration
// commits on its own, so a failure leaves the earlier ones applied and a
// rerun resumes at the failed step.
func (db *DB) Migrate(ctx context.Context) error {
	plan, err := db.plan(ctx)
	if err != nil {
		return err
	}

	for _, m := range plan.pending {
		if err := db.step(ctx, m, true); err != nil {
			return fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// MigrateDown reverts the newest applied migration. It is a no-op on an
// empty schema and fails when that migration has no down file.
func (db *DB) MigrateDown(ctx context.Context) error {
	plan, err := db.plan(ctx)
	if err != nil {
		return err
	}
	if len(plan.applied) == 0 {
		return nil
	}

	latest := plan.applied[len(plan.applied)-1].Version
	for _, m := range plan.known {
		if m.Version != latest {
			continue
		}
		if m.DownSQL == "" {
			return fmt.Errorf("migration %s has no down SQL", latest)
		}
		if err := db.step(ctx, m, false); err != nil {
			return fmt.Errorf("reverting migration %s (%s): %w", m.Version, m.Name, err)
		}
		return nil
	}
	return fmt.Errorf("migration %s is applied but not in the schema source", latest)
}

// GetMigrationStatus lists applied and pending migrations.
func (db *DB) GetMigrationStatus(ctx context.Context) (applied []MigrationRecord, pending []Migration, err error) {
	plan, err := db.plan(ctx)
	if err != nil {
		return nil, nil, err
	}
	return plan.applied, plan.pending, nil
}

func (db *DB) plan(ctx context.Context) (*migrationPlan, error) {
	if err := db.createMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("creating migrations table: %w", err)
	}

	known, err := loadMigrations(migrations)
	if err != nil {
		return nil, fmt.Errorf("loading migrations: %w", err)
	}

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	done := make(map[string]bool, len(applied))
	for _, r := range applied {
		done[r.Version] = true
	}

	plan := &migrationPlan{known: known, applied: applied}
	for _, m := range known {
		if !done[m.Version] {
			plan.pending = append(plan.pending, m)
		}
	}
	return plan, nil
}

func (db *DB) createMigrationsTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`)
	return err
}

func (db *DB) appliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()

	var out []MigrationRecord
	for rows.Next() {
		var (
			r  MigrationRecord
			at string
		)
		if err := rows.Scan(&r.Version, &at); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		r.AppliedAt, _ = time.Parse(time.RFC3339, at) //nolint:errcheck // written by step
		out = append(out, r)
	}
	return out, rows.Err()
}

// step runs one direction of m and updates schema_migrations in the
// same transaction.
func (db *DB) step(ctx context.Context, m Migration, up bool) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	body, record, args := m.DownSQL, `DELETE FROM schema_migrations WHERE version = ?`, []any{m.Version}
	if up {
		body = m.UpSQL
		record = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`
		args = append(args, time.Now().UTC().Format(time.RFC3339))
	}

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("executing SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit()
}

// migrationFile is a parsed migration filename.
type migrationFile struct {
	version string
	name    string
	up      bool
}

// parseMigrationFilename splits "20260118_120000_create_modules.up.sql"
// into its version, description and direction.
func parseMigrationFilename(filename string) (migrationFile, bool) {
	base, ok := strings.CutSuffix(filename, ".sql")
	if !ok {
		return migrationFile{}, false
	}

	var f migrationFile
	if b, ok := strings.CutSuffix(base, ".up"); ok {
		base, f.up = b, true
	} else if b, ok := strings.CutSuffix(base, ".down"); ok {
		base = b
	} else {
		return migrationFile{}, false
	}

	parts := strings.SplitN(base, "_", 3)
	if len(parts) < 2 {
		return migrationFile{}, false
	}
	f.version = parts[0] + "_" + parts[1]
	f.name = base
	if len(parts) == 3 {
		f.name = parts[2]
	}
	return f, true
}

// loadMigrations reads every migration in fsys, sorted by version.
// Down files without an up file are ignored.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	byVersion := make(map[string]*Migration)
	downs := make(map[string]string)
	for _, e := range entries {
		f, ok := parseMigrationFilename(e.Name())
		if e.IsDir() || !ok {
			continue
		}

		body, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}

		if !f.up {
			downs[f.version] = string(body)
			continue
		}
		byVersion[f.version] = &Migration{Version: f.version, Name: f.name, UpSQL: string(body)}
	}

	out := make([]Migration, 0, len(byVersion))
	for v, m := range byVersion {
		m.DownSQL = downs[v]
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
