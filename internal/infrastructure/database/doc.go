// Package database opens the bridge's SQLite file and keeps its schema
// current.
//
// Two tables live here: the inventory of identified relay modules and
// the audit log. Both are written through parameterised statements by
// the device and audit packages, which use the embedded *sql.DB.
//
// Migrations are embedded SQL pairs (NNN_name.up.sql / .down.sql)
// registered by the migrations package. Migrate applies pending ones in
// order, MigrateDown reverts the newest, and GetMigrationStatus backs
// the --migrate-status flag. New columns must be nullable or defaulted.
//
// The file is created 0600 and never holds the module password.
package database
