package scoped

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jacksonlee411/coopguard/internal/analyzer"
	"github.com/jacksonlee411/coopguard/internal/audit"
	"github.com/jacksonlee411/coopguard/pkg/authz"
	"github.com/jacksonlee411/coopguard/pkg/httperr"
	"github.com/jacksonlee411/coopguard/pkg/tenantctx"
)

type Order struct {
	Column string
	Desc   bool
}

// Predicate is a caller-written SQL fragment with ? placeholders. It is
// screened by the analyzer and AND-ed after the tenant filter.
type Predicate struct {
	SQL  string
	Args []any
}

func Where(sql string, args ...any) *Predicate {
	return &Predicate{SQL: sql, Args: args}
}

type Query struct {
	OrderBy []Order
	Limit   int
	Offset  int
	Where   *Predicate
}

// Filter keys map to equality. A nil value means IS NULL and a slice means IN.
type Filter map[string]any

// Payload is the column set written by Insert and Update.
type Payload map[string]any

// scopeFilter builds the WHERE conditions for t: the tenant predicate first,
// then the live-row predicate for soft-delete tables, then the caller's
// filter in key order.
func scopeFilter(tc tenantctx.Context, t authz.Table, filter map[string]any) (sq.And, *denial) {
	conds := sq.And{sq.Eq{authz.ColumnTenantID: tc.TenantID}}
	if t.SoftDelete != "" {
		conds = append(conds, sq.Eq{t.SoftDelete: nil})
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if !t.HasColumn(k) {
			return nil, deny(httperr.NewBadRequest("unknown column"), "bad_request: unknown filter column "+k, audit.SeverityLow)
		}
		v, err := normalizeFilterValue(filter[k])
		if err != nil {
			return nil, deny(httperr.NewBadRequest("invalid filter value"), "bad_request: filter "+k+": "+err.Error(), audit.SeverityLow)
		}
		if k == authz.ColumnTenantID {
			if !onlyTenant(tc.TenantID, v) {
				return nil, deny(httperr.NewRLSViolation("filter targets another tenant"),
					"rls_violation: filter tenant_id differs from context", audit.SeverityHigh)
			}
			continue
		}
		conds = append(conds, sq.Eq{k: v})
	}
	return conds, nil
}

// scopePayload validates columns and values and pins tenant_id. The
// soft-delete column is only written by Delete, which carries its own grant.
// The caller's map is not modified.
func scopePayload(tc tenantctx.Context, t authz.Table, action string, payload map[string]any) (map[string]any, *denial) {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		if !t.HasColumn(k) {
			return nil, deny(httperr.NewBadRequest("unknown column"), "bad_request: unknown payload column "+k, audit.SeverityLow)
		}
		if t.SoftDelete != "" && k == t.SoftDelete {
			return nil, deny(httperr.NewAuthorization(reasonSoftDeleteColumn),
				"authorization_denied: "+reasonSoftDeleteColumn, audit.SeverityMedium)
		}
		if !isScalar(v) {
			return nil, deny(httperr.NewBadRequest("invalid payload value"), "bad_request: payload "+k+" is not a scalar", audit.SeverityLow)
		}
		out[k] = v
	}

	if v, ok := out[authz.ColumnTenantID]; ok {
		if s, isStr := v.(string); !isStr || s != tc.TenantID {
			return nil, deny(httperr.NewRLSViolation("payload targets another tenant"),
				"rls_violation: payload tenant_id differs from context", audit.SeverityHigh)
		}
	}

	switch action {
	case authz.ActionInsert:
		out[authz.ColumnTenantID] = tc.TenantID
	case authz.ActionUpdate:
		delete(out, authz.ColumnTenantID)
		if _, ok := out[authz.ColumnID]; ok {
			return nil, deny(httperr.NewBadRequest("id cannot be updated"), "bad_request: update of id", audit.SeverityLow)
		}
		if len(out) == 0 {
			return nil, deny(httperr.NewBadRequest("empty payload"), "bad_request: empty update payload", audit.SeverityLow)
		}
	}
	return out, nil
}

func onlyTenant(tenantID string, v any) bool {
	switch t := v.(type) {
	case string:
		return t == tenantID
	case []any:
		if len(t) == 0 {
			return false
		}
		for _, item := range t {
			if s, ok := item.(string); !ok || s != tenantID {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// bindsOnlyTenant reports whether every tenant_id predicate in sql is bound
// to tenantID.
func bindsOnlyTenant(a *analyzer.Analyzer, tenantID, sql string, args []any) bool {
	positions, ok := a.TenantArgs(sql)
	if !ok {
		return false
	}
	for _, i := range positions {
		if i >= len(args) {
			return false
		}
		if s, isStr := args[i].(string); !isStr || s != tenantID {
			return false
		}
	}
	return true
}

func normalizeFilterValue(v any) (any, error) {
	if isScalar(v) {
		return v, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("unsupported type %T", v)
	}
	out := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		item := rv.Index(i).Interface()
		if item == nil || !isScalar(item) {
			return nil, fmt.Errorf("unsupported list element %T", item)
		}
		out = append(out, item)
	}
	return out, nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, time.Time,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}

func orderClauses(order []Order) []string {
	out := make([]string, 0, len(order))
	for _, o := range order {
		dir := " ASC"
		if o.Desc {
			dir = " DESC"
		}
		out = append(out, o.Column+dir)
	}
	return out
}
