package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/jacksonlee411/coopguard/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(config.PathEnvVar, "")
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMatrixLint_BundledMatrix(t *testing.T) {
	out, err := execute(t, "matrix-lint", "--format", "json")
	if err != nil {
		t.Fatalf("err=%v out=%s", err, out)
	}
	var res matrixLintResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("err=%v", err)
	}
	if !res.Valid || len(res.Rules) == 0 {
		t.Fatalf("res=%+v", res)
	}
}

func TestMatrixLint_TextAndUncovered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matrix.yaml")
	body := `
version: 1
override_role: admin
tables:
  cases:
    columns: [id, tenant_id, title]
  orphans:
    columns: [id, tenant_id]
grants:
  chairman:
    cases: [read]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("err=%v", err)
	}
	out, err := execute(t, "matrix-lint", "--matrix", path)
	if err == nil {
		t.Fatal("expected lint failure")
	}
	if !strings.Contains(err.Error(), "orphans") || !strings.Contains(err.Error(), "members") {
		t.Fatalf("err=%v", err)
	}
	if !strings.Contains(out, "ROLE") || !strings.Contains(out, "chairman") {
		t.Fatalf("out=%s", out)
	}

	if _, err := execute(t, "matrix-lint", "--matrix", path, "--format", "xml"); err == nil {
		t.Fatal("expected format error")
	}
}

func TestIsolationCheck_SQLiteMemory(t *testing.T) {
	reportPath := filepath.Join(t.TempDir(), "report.json")
	t.Setenv("COOPGUARD_LOG_LEVEL", "error")
	_, err := execute(t, "isolation-check", "--tenants", "2", "--latency-threshold", "1m", "--out", reportPath)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	b, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	var rep struct {
		Passed  bool     `json:"passed"`
		Dialect string   `json:"dialect"`
		Tenants []string `json:"tenants"`
	}
	if err := json.Unmarshal(b, &rep); err != nil {
		t.Fatalf("err=%v", err)
	}
	if !rep.Passed || rep.Dialect != "sqlite" || len(rep.Tenants) != 2 {
		t.Fatalf("report=%s", b)
	}
}

func TestIsolationCheck_BadSeverity(t *testing.T) {
	if _, err := execute(t, "isolation-check", "--fail-on", "urgent"); err == nil {
		t.Fatal("expected error")
	}
}

func TestApplySchema_SQLiteFile(t *testing.T) {
	t.Setenv("COOPGUARD_STORE_DSN", filepath.Join(t.TempDir(), "coop.db"))
	out, err := execute(t, "apply-schema")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !strings.Contains(out, "[apply-schema] sqlite OK") {
		t.Fatalf("out=%s", out)
	}
}
