package pgstore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jacksonlee411/coopguard/internal/store"
	"github.com/jacksonlee411/coopguard/pkg/httperr"
)

func newStubStore(tx *stubTx) *Store {
	return New(beginnerFunc(func(context.Context) (pgx.Tx, error) { return tx, nil }))
}

func TestInTenantTx_SetsTenantAndCommits(t *testing.T) {
	tx := &stubTx{execTag: pgconn.NewCommandTag("UPDATE 3")}
	s := newStubStore(tx)

	var affected int64
	err := s.InTenantTx(context.Background(), "coop-1", func(q store.Querier) error {
		n, err := q.Exec(context.Background(), "UPDATE cases SET status = $1 WHERE tenant_id = $2", "closed", "coop-1")
		affected = n
		return err
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if affected != 3 {
		t.Fatalf("affected=%d", affected)
	}
	if !tx.committed {
		t.Fatal("expected commit")
	}
	if len(tx.execSQLs) != 2 || !strings.Contains(tx.execSQLs[0], "set_config('app.current_tenant'") {
		t.Fatalf("sqls=%v", tx.execSQLs)
	}
	if got := tx.execArgs[0]; len(got) != 1 || got[0] != "coop-1" {
		t.Fatalf("args=%v", got)
	}
}

func TestInTenantTx_FnErrorRollsBack(t *testing.T) {
	tx := &stubTx{}
	s := newStubStore(tx)
	boom := errors.New("boom")
	err := s.InTenantTx(context.Background(), "coop-1", func(store.Querier) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if tx.committed || !tx.rolledBack {
		t.Fatalf("committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}
}

func TestInTenantTx_Errors(t *testing.T) {
	s := New(beginnerFunc(func(context.Context) (pgx.Tx, error) { return nil, errors.New("begin") }))
	if err := s.InTenantTx(context.Background(), "coop-1", func(store.Querier) error { return nil }); err == nil {
		t.Fatal("expected begin error")
	}

	if err := newStubStore(&stubTx{}).InTenantTx(context.Background(), "", func(store.Querier) error { return nil }); err == nil {
		t.Fatal("expected tenant error")
	}

	tx := &stubTx{execErr: errors.New("set_config")}
	if err := newStubStore(tx).InTenantTx(context.Background(), "coop-1", func(store.Querier) error {
		t.Fatal("fn must not run")
		return nil
	}); err == nil {
		t.Fatal("expected set_config error")
	}

	tx = &stubTx{commitErr: errors.New("commit")}
	if err := newStubStore(tx).InTenantTx(context.Background(), "coop-1", func(store.Querier) error { return nil }); err == nil {
		t.Fatal("expected commit error")
	}
}

func TestInTenantTx_CommitIgnoresCallerCancel(t *testing.T) {
	tx := &stubTx{}
	s := newStubStore(tx)
	ctx, cancel := context.WithCancel(context.Background())
	err := s.InTenantTx(ctx, "coop-1", func(store.Querier) error {
		cancel()
		return nil
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if tx.commitCtxErr != nil || !tx.committed {
		t.Fatalf("commitCtxErr=%v committed=%v", tx.commitCtxErr, tx.committed)
	}
}

func TestQuerier_QueryCollectsRows(t *testing.T) {
	tx := &stubTx{rows: &mapRows{
		fields: []string{"id", "tenant_id"},
		vals:   [][]any{{"m1", "coop-1"}, {"m2", "coop-1"}},
	}}
	var got []store.Row
	err := newStubStore(tx).InTenantTx(context.Background(), "coop-1", func(q store.Querier) error {
		var err error
		got, err = q.Query(context.Background(), "SELECT id, tenant_id FROM members WHERE tenant_id = $1", "coop-1")
		return err
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(got) != 2 || got[1]["id"] != "m2" || got[0]["tenant_id"] != "coop-1" {
		t.Fatalf("rows=%v", got)
	}

	tx = &stubTx{rows: &mapRows{err: errors.New("rows")}}
	err = newStubStore(tx).InTenantTx(context.Background(), "coop-1", func(q store.Querier) error {
		_, err := q.Query(context.Background(), "SELECT 1")
		return err
	})
	if err == nil {
		t.Fatal("expected rows error")
	}
}

func TestClassify(t *testing.T) {
	if !httperr.IsRLSViolation(classify(&pgconn.PgError{Code: "42501", Message: "new row violates row-level security policy"})) {
		t.Fatal("expected rls violation")
	}
	if !httperr.IsRLSViolation(classify(&pgconn.PgError{Code: "P0001", Message: "RLS_TENANT_CONTEXT_MISSING"})) {
		t.Fatal("expected rls violation for missing tenant")
	}
	if !httperr.IsBadRequest(classify(&pgconn.PgError{Code: "22P02"})) {
		t.Fatal("expected bad request")
	}
	if !httperr.IsBadRequest(classify(&pgconn.PgError{Code: "23505"})) {
		t.Fatal("expected bad request for duplicate")
	}
	for _, code := range []string{"42703", "42702"} {
		if !httperr.IsBadRequest(classify(&pgconn.PgError{Code: code})) {
			t.Fatalf("code=%s expected bad request", code)
		}
	}
	plain := errors.New("conn reset")
	if classify(plain) != plain || classify(nil) != nil {
		t.Fatal("unexpected classification")
	}
	if ErrorMessage(plain) != "UNKNOWN" || ErrorCode(plain) != "" {
		t.Fatal("unexpected message/code")
	}
}

func TestQuerier_ExecClassifiesPolicyRejection(t *testing.T) {
	tx := &stubTx{execErr: &pgconn.PgError{Code: "42501"}, execErrAt: 2}
	err := newStubStore(tx).InTenantTx(context.Background(), "coop-1", func(q store.Querier) error {
		_, err := q.Exec(context.Background(), "INSERT INTO members (id, tenant_id) VALUES ($1, $2)", "m1", "coop-2")
		return err
	})
	if !httperr.IsRLSViolation(err) {
		t.Fatalf("err=%v", err)
	}
	if tx.committed {
		t.Fatal("unexpected commit")
	}
}

func TestBuilderUsesDollarPlaceholders(t *testing.T) {
	sql, _, err := newStubStore(&stubTx{}).Builder().Select("id").From("members").Where("tenant_id = ?", "coop-1").ToSql()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !strings.Contains(sql, "tenant_id = $1") {
		t.Fatalf("sql=%s", sql)
	}
}
