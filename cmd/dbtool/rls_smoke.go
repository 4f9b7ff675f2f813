package main

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jacksonlee411/coopguard/internal/config"
	"github.com/jacksonlee411/coopguard/internal/store/pgstore"
	"github.com/spf13/cobra"
)

// newRLSSmokeCommand checks the database-side wall on its own: with the
// schema applied, a role without BYPASSRLS must fail closed without a tenant,
// must not write or read across tenants and must not rewrite audit entries.
func newRLSSmokeCommand() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "rls-smoke",
		Short: "Verify postgres row level security on the coopguard schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" {
				url = config.DSNFromEnv()
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := rlsSmoke(ctx, url); err != nil {
				return fmt.Errorf("[rls-smoke] %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "[rls-smoke] OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "postgres connection string (default from DATABASE_URL or DB_*)")
	return cmd
}

func rlsSmoke(ctx context.Context, url string) error {
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	_ = tryEnsureRole(ctx, conn, "app_nobypassrls")

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	// Nothing the smoke test writes survives it.
	defer func() { _ = tx.Rollback(context.Background()) }()

	_ = trySetRole(ctx, tx, "app_nobypassrls")

	if _, err := tx.Exec(ctx, `SAVEPOINT sp_failclosed;`); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT count(*) FROM public.cases;`)
	if _, rbErr := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT sp_failclosed;`); rbErr != nil {
		return rbErr
	}
	if err == nil {
		return errors.New("expected fail-closed error when app.current_tenant is missing")
	}
	if !pgstore.IsPolicyRejection(err) {
		return fmt.Errorf("fail-closed error is not a policy rejection: %w", err)
	}

	run := uuid.NewString()
	tenantA := "rls-smoke-a-" + run
	tenantB := "rls-smoke-b-" + run
	if err := setTenant(ctx, tx, tenantA); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO public.cases (id, tenant_id, title) VALUES ($1, $2, 'a');`, uuid.NewString(), tenantA); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `SAVEPOINT sp_cross_insert;`); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO public.cases (id, tenant_id, title) VALUES ($1, $2, 'b');`, uuid.NewString(), tenantB)
	if _, rbErr := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT sp_cross_insert;`); rbErr != nil {
		return rbErr
	}
	if err == nil {
		return errors.New("expected RLS rejection on cross-tenant insert")
	}

	if n, err := countCases(ctx, tx, tenantA); err != nil {
		return err
	} else if n != 1 {
		return fmt.Errorf("expected count=1 under tenant A, got %d", n)
	}

	if err := setTenant(ctx, tx, tenantB); err != nil {
		return err
	}
	if n, err := countCases(ctx, tx, tenantA); err != nil {
		return err
	} else if n != 0 {
		return fmt.Errorf("expected tenant A rows invisible under tenant B, got %d", n)
	}
	updated, err := tx.Exec(ctx, `UPDATE public.cases SET title = 'x' WHERE tenant_id = $1;`, tenantA)
	if err != nil {
		return err
	}
	if updated.RowsAffected() != 0 {
		return fmt.Errorf("expected no cross-tenant update, got %d rows", updated.RowsAffected())
	}

	auditID := uuid.NewString()
	if _, err := tx.Exec(ctx, `
INSERT INTO public.audit_entries (id, tenant_id, action, table_name, success, severity, event_type, created_at)
VALUES ($1, $2, 'select', 'cases', true, 'info', 'access', now());`, auditID, tenantB); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SAVEPOINT sp_audit;`); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `UPDATE public.audit_entries SET success = false WHERE id = $1;`, auditID)
	if _, rbErr := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT sp_audit;`); rbErr != nil {
		return rbErr
	}
	if err == nil {
		return errors.New("expected audit entries to reject UPDATE")
	}
	if msg := pgstore.ErrorMessage(err); msg != "AUDIT_ENTRIES_APPEND_ONLY" {
		return fmt.Errorf("unexpected audit rejection %q", msg)
	}
	return nil
}

func setTenant(ctx context.Context, tx pgx.Tx, tenantID string) error {
	_, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID)
	return err
}

func countCases(ctx context.Context, tx pgx.Tx, tenantID string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT count(*) FROM public.cases WHERE tenant_id = $1;`, tenantID).Scan(&n)
	return n, err
}

func tryEnsureRole(ctx context.Context, conn *pgx.Conn, role string) error {
	if !validSQLIdent(role) {
		return fmt.Errorf("invalid role: %s", role)
	}

	stmt := fmt.Sprintf(`DO $$
BEGIN
  IF NOT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = '%s') THEN
    EXECUTE 'CREATE ROLE %s NOBYPASSRLS';
  END IF;
END
$$;`, role, role)
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return err
	}
	_, _ = conn.Exec(ctx, `GRANT USAGE ON SCHEMA public TO `+role+`;`)
	_, _ = conn.Exec(ctx, `GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA public TO `+role+`;`)
	_, _ = conn.Exec(ctx, `GRANT EXECUTE ON ALL FUNCTIONS IN SCHEMA public TO `+role+`;`)
	return nil
}

func trySetRole(ctx context.Context, tx pgx.Tx, role string) bool {
	if _, err := tx.Exec(ctx, `SET ROLE `+role+`;`); err != nil {
		return false
	}
	return true
}

var reSQLIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validSQLIdent(s string) bool {
	return reSQLIdent.MatchString(s)
}
