package scoped

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jacksonlee411/coopguard/internal/analyzer"
	"github.com/jacksonlee411/coopguard/internal/audit"
	"github.com/jacksonlee411/coopguard/internal/store"
	"github.com/jacksonlee411/coopguard/internal/store/sqlitestore"
	"github.com/jacksonlee411/coopguard/internal/throttle"
	"github.com/jacksonlee411/coopguard/pkg/authz"
	"github.com/jacksonlee411/coopguard/pkg/tenantctx"
)

var (
	testSealKey   = []byte("seal-key-seal-key-seal-key-32byt")
	testRedactKey = []byte("redact-key-redact-key-redact-32b")
)

type fixture struct {
	eng     *Engine
	store   *sqlitestore.Store
	rec     *audit.Recorder
	sealer  *tenantctx.Sealer
	clock   *clock.Mock
	limiter *throttle.Limiter
}

type fixtureOpts struct {
	limiter throttle.Config
	wrap    func(*sqlitestore.Store) store.Driver
}

func newFixture(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := sqlitestore.OpenMemory(ctx)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	var driver store.Driver = s
	if fo.wrap != nil {
		driver = fo.wrap(s)
	}

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC))

	matrix, err := authz.DefaultMatrix()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	redactor, err := audit.NewRedactor(testRedactKey)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	rec, err := audit.NewRecorder(driver, redactor, audit.WithClock(mock))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	sealer, err := tenantctx.NewSealer(testSealKey)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	cfg := fo.limiter
	if cfg.Limit == 0 {
		cfg = throttle.Config{Limit: 10000, Window: time.Minute, SuspiciousThreshold: 1000, SuspiciousWindow: time.Hour}
	}
	limiter := throttle.New(cfg, throttle.WithClock(mock), throttle.WithRand(func() float64 { return 1 }))

	eng, err := New(Deps{
		Driver:   driver,
		Matrix:   matrix,
		Analyzer: analyzer.New(),
		Limiter:  limiter,
		Recorder: rec,
		Sealer:   sealer,
	}, WithClock(mock))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	return &fixture{eng: eng, store: s, rec: rec, sealer: sealer, clock: mock, limiter: limiter}
}

func (f *fixture) as(t *testing.T, tenant, user, role string) tenantctx.Context {
	t.Helper()
	tc, err := f.sealer.Seal(tenantctx.Context{
		TenantID:      tenant,
		UserID:        user,
		Role:          role,
		NetworkOrigin: "10.1.1.1",
		UserAgent:     "test",
		SessionID:     "sess-" + user,
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	return tc
}

func (f *fixture) entries(t *testing.T, tenant string, lf audit.ListFilter) []audit.Entry {
	t.Helper()
	out, err := f.rec.List(context.Background(), tenant, lf)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	return out
}

func (f *fixture) mustInsert(t *testing.T, tc tenantctx.Context, table string, payload Payload) store.Row {
	t.Helper()
	row, err := f.eng.Insert(context.Background(), tc, table, payload)
	if err != nil {
		t.Fatalf("insert %s err=%v", table, err)
	}
	return row
}

// faultyDriver fails any statement containing failOn.
type faultyDriver struct {
	*sqlitestore.Store
	failOn string
	err    error
}

func (d *faultyDriver) InTenantTx(ctx context.Context, tenantID string, fn func(q store.Querier) error) error {
	return d.Store.InTenantTx(ctx, tenantID, func(q store.Querier) error {
		return fn(&faultyQuerier{next: q, failOn: d.failOn, err: d.err})
	})
}

type faultyQuerier struct {
	next   store.Querier
	failOn string
	err    error
}

func (q *faultyQuerier) Query(ctx context.Context, sql string, args ...any) ([]store.Row, error) {
	if strings.Contains(sql, q.failOn) {
		return nil, q.err
	}
	return q.next.Query(ctx, sql, args...)
}

func (q *faultyQuerier) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	if strings.Contains(sql, q.failOn) {
		return 0, q.err
	}
	return q.next.Exec(ctx, sql, args...)
}

var errDiskFull = errors.New("disk I/O error")
