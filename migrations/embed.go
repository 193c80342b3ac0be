// Package migrations embeds the bridge's SQL migration files into the binary.
//
// Import it for side effects before calling database.Migrate.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-ethrelay/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.SetMigrations(files)
}
