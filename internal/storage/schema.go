package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// initSchema creates every table of a session store. Each statement is
// idempotent so it is safe to run on every open.
func initSchema(ctx context.Context, db *sql.DB, slots []SlotConfig) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (ts INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE IF NOT EXISTS device (name TEXT, location TEXT)`,
	}
	for i, slot := range slots {
		for _, kind := range Kinds {
			stmts = append(stmts, createSlotTable(kind, i, slot))
		}
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func createSlotTable(kind Kind, slot int, cfg SlotConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (ts INTEGER PRIMARY KEY", TableName(kind, slot))
	for _, col := range cfg.Columns(kind) {
		fmt.Fprintf(&b, ", %s REAL", col)
	}
	b.WriteString(")")
	return b.String()
}
