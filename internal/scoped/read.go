package scoped

import (
	"context"

	"github.com/jacksonlee411/coopguard/internal/audit"
	"github.com/jacksonlee411/coopguard/internal/store"
	"github.com/jacksonlee411/coopguard/pkg/authz"
	"github.com/jacksonlee411/coopguard/pkg/tenantctx"
)

// Select returns the caller's live rows in table matching filter.
func (e *Engine) Select(ctx context.Context, tc tenantctx.Context, table string, filter Filter, q Query) ([]store.Row, error) {
	var out []store.Row
	o := op{
		action: authz.ActionSelect,
		table:  table,
		filter: filter,
		order:  q.OrderBy,
		where:  q.Where,
		limit:  q.Limit,
		offset: q.Offset,
	}
	err := e.run(ctx, tc, o, func(qr store.Querier, p *plan, _ *audit.Entry) error {
		rows, err := e.selectRows(ctx, qr, p, o)
		out = rows
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SelectOne is Select limited to the first row.
func (e *Engine) SelectOne(ctx context.Context, tc tenantctx.Context, table string, filter Filter, q Query) (store.Row, bool, error) {
	q.Limit = 1
	rows, err := e.Select(ctx, tc, table, filter, q)
	if err != nil || len(rows) == 0 {
		return nil, false, err
	}
	return rows[0], true, nil
}

func (e *Engine) Count(ctx context.Context, tc tenantctx.Context, table string, filter Filter) (int64, error) {
	var n int64
	o := op{action: authz.ActionCount, table: table, filter: filter}
	err := e.run(ctx, tc, o, func(qr store.Querier, p *plan, _ *audit.Entry) error {
		sqlStr, args, err := e.driver.Builder().
			Select("COUNT(*) AS n").
			From(p.table.Name).
			Where(p.conds).
			ToSql()
		if err != nil {
			return err
		}
		rows, err := qr.Query(ctx, sqlStr, args...)
		if err != nil {
			return err
		}
		if len(rows) == 1 {
			n = toInt64(rows[0]["n"])
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (e *Engine) Exists(ctx context.Context, tc tenantctx.Context, table string, filter Filter) (bool, error) {
	var found bool
	o := op{action: authz.ActionExists, table: table, filter: filter}
	err := e.run(ctx, tc, o, func(qr store.Querier, p *plan, _ *audit.Entry) error {
		sqlStr, args, err := e.driver.Builder().
			Select("1 AS found").
			From(p.table.Name).
			Where(p.conds).
			Limit(1).
			ToSql()
		if err != nil {
			return err
		}
		rows, err := qr.Query(ctx, sqlStr, args...)
		if err != nil {
			return err
		}
		found = len(rows) > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (e *Engine) selectRows(ctx context.Context, qr store.Querier, p *plan, o op) ([]store.Row, error) {
	b := e.driver.Builder().
		Select(p.table.Columns...).
		From(p.table.Name).
		Where(p.conds)
	if len(o.order) > 0 {
		b = b.OrderBy(orderClauses(o.order)...)
	}
	if o.limit > 0 {
		b = b.Limit(uint64(o.limit))
	}
	if o.offset > 0 {
		b = b.Offset(uint64(o.offset))
	}
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return qr.Query(ctx, sqlStr, args...)
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
