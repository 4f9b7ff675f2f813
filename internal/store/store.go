package store

import (
	"context"
	"embed"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Row is one result row keyed by column name.
type Row map[string]any

// Querier runs statements inside an open unit of work.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) ([]Row, error)
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// Driver opens tenant-scoped units of work. fn's Querier is only valid until
// fn returns; the unit of work commits when fn returns nil and rolls back
// otherwise.
type Driver interface {
	Dialect() Dialect
	Builder() sq.StatementBuilderType
	InTenantTx(ctx context.Context, tenantID string, fn func(q Querier) error) error
	Close() error
}

//go:embed schema/*.sql
var schemaFS embed.FS

// Schema returns the bundled DDL for the dialect.
func Schema(d Dialect) (string, error) {
	b, err := schemaFS.ReadFile("schema/" + string(d) + ".sql")
	if err != nil {
		return "", fmt.Errorf("store: no schema for dialect %q", d)
	}
	return string(b), nil
}

// Tables lists the relations created by the bundled schema.
var Tables = []string{
	"members",
	"apartments",
	"invoices",
	"monthly_fees",
	"cases",
	"documents",
	"board_meetings",
	"bookings",
	"audit_entries",
}
