package scoped

import (
	"context"
	"strconv"
	"strings"

	"github.com/jacksonlee411/coopguard/internal/audit"
	"github.com/jacksonlee411/coopguard/internal/store"
	"github.com/jacksonlee411/coopguard/pkg/authz"
	"github.com/jacksonlee411/coopguard/pkg/httperr"
	"github.com/jacksonlee411/coopguard/pkg/tenantctx"
)

// rawScopeAlias names the derived table that wraps a raw statement.
const rawScopeAlias = "raw_scope"

// ExecuteRaw runs a read-only statement written by the caller. It needs the
// raw grant, must pass the analyzer including the tenant predicate checks,
// and every tenant_id predicate must be bound to the caller's tenant.
// Placeholders follow the driver's dialect.
//
// The statement runs as a derived table filtered on tenant_id again, so it
// has to return a tenant_id column; aggregates group by it. Any returned row
// carrying another tenant's id aborts the call.
func (e *Engine) ExecuteRaw(ctx context.Context, tc tenantctx.Context, sql string, params ...any) ([]store.Row, error) {
	var out []store.Row
	o := op{action: authz.ActionRaw, table: authz.TableRaw, statement: sql, params: params}
	err := e.run(ctx, tc, o, func(qr store.Querier, _ *plan, _ *audit.Entry) error {
		scoped, args := e.scopeRaw(tc.TenantID, sql, params)
		rows, err := qr.Query(ctx, scoped, args...)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if v, ok := r[authz.ColumnTenantID]; !ok || v != tc.TenantID {
				return httperr.NewRLSViolation("raw statement returned a row outside the caller tenant")
			}
		}
		out = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) scopeRaw(tenantID, sql string, params []any) (string, []any) {
	inner := strings.TrimRight(strings.TrimSpace(sql), "; \t\n")
	ph := "?"
	if e.driver.Dialect() == store.DialectPostgres {
		ph = "$" + strconv.Itoa(len(params)+1)
	}
	args := make([]any, 0, len(params)+1)
	args = append(args, params...)
	args = append(args, tenantID)
	return "SELECT * FROM (" + inner + ") AS " + rawScopeAlias +
		" WHERE " + rawScopeAlias + "." + authz.ColumnTenantID + " = " + ph, args
}
