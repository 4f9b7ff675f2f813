package pgstore

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type beginnerFunc func(ctx context.Context) (pgx.Tx, error)

func (f beginnerFunc) Begin(ctx context.Context) (pgx.Tx, error) { return f(ctx) }

type stubTx struct {
	execErr   error
	execErrAt int
	execN     int
	execSQLs  []string
	execArgs  [][]any
	execTag   pgconn.CommandTag
	queryErr  error
	commitErr error
	rows      pgx.Rows

	commitCtxErr error
	committed    bool
	rolledBack   bool
}

func (t *stubTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *stubTx) Commit(ctx context.Context) error {
	t.commitCtxErr = ctx.Err()
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}
func (t *stubTx) Rollback(context.Context) error { t.rolledBack = !t.committed; return nil }
func (t *stubTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *stubTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *stubTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *stubTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *stubTx) Conn() *pgx.Conn { return nil }

func (t *stubTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execSQLs = append(t.execSQLs, sql)
	t.execArgs = append(t.execArgs, args)
	t.execN++
	if t.execErr != nil {
		at := t.execErrAt
		if at == 0 {
			at = 1
		}
		if t.execN == at {
			return pgconn.CommandTag{}, t.execErr
		}
	}
	if strings.HasPrefix(sql, "SELECT set_config") {
		return pgconn.NewCommandTag("SELECT 1"), nil
	}
	return t.execTag, nil
}

func (t *stubTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	if t.queryErr != nil {
		return nil, t.queryErr
	}
	if t.rows != nil {
		return t.rows, nil
	}
	return &mapRows{}, nil
}

func (t *stubTx) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

// mapRows serves fixed column names and values to pgx.RowToMap.
type mapRows struct {
	fields []string
	vals   [][]any
	idx    int
	err    error
}

func (r *mapRows) Close()                        {}
func (r *mapRows) Err() error                    { return r.err }
func (r *mapRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *mapRows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, 0, len(r.fields))
	for _, f := range r.fields {
		out = append(out, pgconn.FieldDescription{Name: f})
	}
	return out
}
func (r *mapRows) Next() bool {
	if r.idx >= len(r.vals) {
		return false
	}
	r.idx++
	return true
}
// Scan hands the row to a pgx.RowScanner such as the one RowToMap passes.
func (r *mapRows) Scan(dest ...any) error {
	if len(dest) == 1 {
		if rs, ok := dest[0].(pgx.RowScanner); ok {
			return rs.ScanRow(r)
		}
	}
	return errors.New("mapRows: only pgx.RowScanner destinations")
}
func (r *mapRows) Values() ([]any, error) { return r.vals[r.idx-1], nil }
func (r *mapRows) RawValues() [][]byte    { return nil }
func (r *mapRows) Conn() *pgx.Conn        { return nil }
