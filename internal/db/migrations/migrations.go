// Package migrations embeds the Jobmon execution-core schema and runs it
// through goose. Kept separate from package db so the embed directive sits
// next to the .sql files it captures.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var embedded embed.FS

// Run applies every pending migration to conn using modernc.org/sqlite's
// dialect. Safe to call on every process start; goose tracks applied
// versions in its own bookkeeping table.
func Run(conn *sql.DB) error {
	goose.SetBaseFS(embedded)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(conn, "sql"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
