package pgstore

import (
	"context"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jacksonlee411/coopguard/internal/store"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store runs every unit of work with app.current_tenant set, so the RLS
// policies in the bundled schema apply on top of the engine's own scoping.
type Store struct {
	pool  pgBeginner
	close func()
}

var _ store.Driver = (*Store)(nil)

func New(pool pgBeginner) *Store {
	return &Store{pool: pool}
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, close: pool.Close}, nil
}

func (s *Store) Dialect() store.Dialect { return store.DialectPostgres }

func (s *Store) Builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

func (s *Store) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

func (s *Store) InTenantTx(ctx context.Context, tenantID string, fn func(q store.Querier) error) error {
	if tenantID == "" {
		return errors.New("pgstore: tenant id required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return classify(err)
	}
	if err := fn(&querier{tx: tx}); err != nil {
		return err
	}
	// A cancelled caller must not strand a mutation whose audit row is
	// already written in this transaction.
	return classify(tx.Commit(context.WithoutCancel(ctx)))
}

// ApplySchema creates the bundled tables, policies and triggers.
func (s *Store) ApplySchema(ctx context.Context) error {
	ddl, err := store.Schema(store.DialectPostgres)
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type querier struct {
	tx pgx.Tx
}

func (q *querier) Query(ctx context.Context, sql string, args ...any) ([]store.Row, error) {
	rows, err := q.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]store.Row, 0, len(maps))
	for _, m := range maps {
		out = append(out, store.Row(m))
	}
	return out, nil
}

func (q *querier) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := q.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}
