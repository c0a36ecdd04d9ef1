package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
)

// Core ledger tables captured by snapshots, in FK-safe insert order.
var snapshotTables = []string{
	"tenants",
	"projects",
	"agents",
	"executions",
	"reservations",
	"event_log",
	"events",
	"budgets",
	"quota_limits",
	"rate_windows",
}

var snapshotTagRe = regexp.MustCompile(`^[a-zA-Z0-9_]{1,48}$`)

// Snapshot copies the core ledger tables into a snap_<tag> schema. An
// existing snapshot under the same tag is replaced.
func (c *Client) Snapshot(ctx context.Context, tag string) error {
	if !snapshotTagRe.MatchString(tag) {
		return fmt.Errorf("invalid snapshot tag %q", tag)
	}
	schema := "snap_" + tag

	return c.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE`, schema)); err != nil {
			return fmt.Errorf("dropping stale snapshot schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA %s`, schema)); err != nil {
			return fmt.Errorf("creating snapshot schema: %w", err)
		}
		for _, table := range snapshotTables {
			stmt := fmt.Sprintf(`CREATE TABLE %s.%s AS TABLE public.%s`, schema, table, table)
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("snapshotting %s: %w", table, err)
			}
		}
		slog.Info("Snapshot created", "tag", tag, "tables", len(snapshotTables))
		return nil
	})
}

// Rollback restores the core ledger tables from a snap_<tag> schema created
// by Snapshot. Rows written after the snapshot are lost.
func (c *Client) Rollback(ctx context.Context, tag string) error {
	if !snapshotTagRe.MatchString(tag) {
		return fmt.Errorf("invalid snapshot tag %q", tag)
	}
	schema := "snap_" + tag

	var exists bool
	err := c.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`,
		schema).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking snapshot schema: %w", err)
	}
	if !exists {
		return fmt.Errorf("snapshot %q not found", tag)
	}

	return c.WithTx(ctx, func(tx *sql.Tx) error {
		// Truncate in one statement so FK references never dangle.
		if _, err := tx.ExecContext(ctx, truncateStatement()); err != nil {
			return fmt.Errorf("truncating live tables: %w", err)
		}
		for _, table := range snapshotTables {
			stmt := fmt.Sprintf(`INSERT INTO public.%s SELECT * FROM %s.%s`, table, schema, table)
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("restoring %s: %w", table, err)
			}
		}
		slog.Info("Snapshot restored", "tag", tag)
		return nil
	})
}

func truncateStatement() string {
	stmt := "TRUNCATE "
	for i, table := range snapshotTables {
		if i > 0 {
			stmt += ", "
		}
		stmt += "public." + table
	}
	return stmt + " CASCADE"
}
