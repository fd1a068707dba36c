// Package schema owns the Postgres DDL. Every invariant the engine relies on
// (terminal immutability, append-only ledgers, positive amounts, zero-sum,
// the global sequence) is enforced here, below application code.
package schema

import (
	"context"
	"database/sql"
	_ "embed"
)

//go:embed schema.sql
var ddl string

// Apply creates or updates the schema. Statements are idempotent, so Apply is
// safe to run on every boot.
func Apply(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, ddl)
	return err
}

// DDL exposes the raw schema text for operator tooling.
func DDL() string {
	return ddl
}
