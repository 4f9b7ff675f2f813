package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jacksonlee411/coopguard/internal/store"
	"github.com/jacksonlee411/coopguard/pkg/httperr"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// Store is the single-connection sqlite driver used for local runs and tests.
// SQLite has no row level security, so isolation rests on the engine alone.
// Units of work must not nest: the pool holds one connection.
type Store struct {
	db *sqlx.DB
}

var _ store.Driver = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenMemory opens a private in-memory database with the bundled schema.
func OpenMemory(ctx context.Context) (*Store, error) {
	s, err := Open(fmt.Sprintf("file:coopguard-%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		return nil, err
	}
	if err := s.ApplySchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Dialect() store.Dialect { return store.DialectSQLite }

func (s *Store) Builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ApplySchema(ctx context.Context) error {
	ddl, err := store.Schema(store.DialectSQLite)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) InTenantTx(ctx context.Context, tenantID string, fn func(q store.Querier) error) error {
	if tenantID == "" {
		return errors.New("sqlitestore: tenant id required")
	}
	// database/sql rolls a transaction back when its context ends; the
	// commit has to outlive the caller.
	tx, err := s.db.BeginTxx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&querier{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type querier struct {
	tx *sqlx.Tx
}

func (q *querier) Query(ctx context.Context, query string, args ...any) ([]store.Row, error) {
	rows, err := q.tx.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []store.Row
	for rows.Next() {
		m := map[string]any{}
		if err := rows.MapScan(m); err != nil {
			return nil, err
		}
		for k, v := range m {
			if b, ok := v.([]byte); ok {
				m[k] = string(b)
			}
		}
		out = append(out, store.Row(m))
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (q *querier) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

func classify(err error) error {
	if sqErr, ok := errors.AsType[sqlite3.Error](err); ok {
		switch sqErr.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
			return httperr.NewBadRequest("duplicate key")
		}
		msg := sqErr.Error()
		if strings.Contains(msg, "no such column") || strings.Contains(msg, "ambiguous column") {
			return httperr.NewBadRequest("unknown column")
		}
	}
	return err
}
