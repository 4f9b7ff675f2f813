package scoped

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jacksonlee411/coopguard/internal/audit"
	"github.com/jacksonlee411/coopguard/internal/store"
	"github.com/jacksonlee411/coopguard/pkg/authz"
	"github.com/jacksonlee411/coopguard/pkg/tenantctx"
)

const (
	reasonSoftDelete       = "soft_delete"
	reasonSoftDeleteColumn = "soft_delete_column"
)

// Insert writes one row under the caller's tenant and returns it as stored.
// A missing id is generated; a tenant_id other than the caller's is refused.
func (e *Engine) Insert(ctx context.Context, tc tenantctx.Context, table string, payload Payload) (store.Row, error) {
	var out store.Row
	o := op{action: authz.ActionInsert, table: table, payload: nonNil(payload)}
	err := e.run(ctx, tc, o, func(qr store.Querier, p *plan, entry *audit.Entry) error {
		values := p.payload
		if id, ok := values[authz.ColumnID]; !ok || id == nil || id == "" {
			id, err := e.newID()
			if err != nil {
				return err
			}
			values[authz.ColumnID] = id
		}

		sqlStr, args, err := e.driver.Builder().
			Insert(p.table.Name).
			SetMap(values).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := qr.Exec(ctx, sqlStr, args...); err != nil {
			return err
		}

		rows, err := e.rowsByID(ctx, qr, p.table, tc.TenantID, []any{values[authz.ColumnID]})
		if err != nil {
			return err
		}
		if len(rows) != 1 {
			return errors.New("scoped: inserted row not readable")
		}
		out = rows[0]
		entry.EntityID = fmt.Sprint(values[authz.ColumnID])
		entry.NewValues = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update changes the caller's live rows matching filter. An empty filter
// still only reaches the caller's tenant.
func (e *Engine) Update(ctx context.Context, tc tenantctx.Context, table string, payload Payload, filter Filter) (int64, error) {
	var affected int64
	o := op{action: authz.ActionUpdate, table: table, payload: nonNil(payload), filter: filter}
	err := e.run(ctx, tc, o, func(qr store.Querier, p *plan, entry *audit.Entry) error {
		before, err := e.lockRows(ctx, qr, p)
		if err != nil {
			return err
		}

		sqlStr, args, err := e.driver.Builder().
			Update(p.table.Name).
			SetMap(p.payload).
			Where(p.conds).
			ToSql()
		if err != nil {
			return err
		}
		if affected, err = qr.Exec(ctx, sqlStr, args...); err != nil {
			return err
		}

		after, err := e.rowsByID(ctx, qr, p.table, tc.TenantID, ids(before))
		if err != nil {
			return err
		}
		describe(entry, before, after)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// Delete removes the caller's rows matching filter. On soft-delete tables it
// stamps the deletion column of live rows instead.
func (e *Engine) Delete(ctx context.Context, tc tenantctx.Context, table string, filter Filter) (int64, error) {
	var affected int64
	o := op{action: authz.ActionDelete, table: table, filter: filter}
	err := e.run(ctx, tc, o, func(qr store.Querier, p *plan, entry *audit.Entry) error {
		before, err := e.lockRows(ctx, qr, p)
		if err != nil {
			return err
		}

		var sqlStr string
		var args []any
		if col := p.table.SoftDelete; col != "" {
			sqlStr, args, err = e.driver.Builder().
				Update(p.table.Name).
				Set(col, e.clock.Now().UTC()).
				Where(p.conds).
				ToSql()
			entry.Reason = reasonSoftDelete
		} else {
			sqlStr, args, err = e.driver.Builder().
				Delete(p.table.Name).
				Where(p.conds).
				ToSql()
		}
		if err != nil {
			return err
		}
		if affected, err = qr.Exec(ctx, sqlStr, args...); err != nil {
			return err
		}
		describe(entry, before, nil)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// lockRows reads the rows a mutation is about to touch. On postgres they are
// locked until the unit of work ends.
func (e *Engine) lockRows(ctx context.Context, qr store.Querier, p *plan) ([]store.Row, error) {
	b := e.driver.Builder().
		Select(p.table.Columns...).
		From(p.table.Name).
		Where(p.conds)
	if e.driver.Dialect() == store.DialectPostgres {
		b = b.Suffix("FOR UPDATE")
	}
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return qr.Query(ctx, sqlStr, args...)
}

func (e *Engine) rowsByID(ctx context.Context, qr store.Querier, t authz.Table, tenantID string, idList []any) ([]store.Row, error) {
	if len(idList) == 0 {
		return nil, nil
	}
	sqlStr, args, err := e.driver.Builder().
		Select(t.Columns...).
		From(t.Name).
		Where(sq.And{
			sq.Eq{authz.ColumnTenantID: tenantID},
			sq.Eq{authz.ColumnID: idList},
		}).
		OrderBy(authz.ColumnID).
		ToSql()
	if err != nil {
		return nil, err
	}
	return qr.Query(ctx, sqlStr, args...)
}

// describe fills the before/after images; the entity id is set only when the
// call touched exactly one row.
func describe(entry *audit.Entry, before, after []store.Row) {
	if len(before) > 0 {
		entry.OldValues = before
	}
	if len(after) > 0 {
		entry.NewValues = after
	}
	if len(before) == 1 {
		entry.EntityID = fmt.Sprint(before[0][authz.ColumnID])
	}
}

func ids(rows []store.Row) []any {
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, r[authz.ColumnID])
	}
	return out
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
