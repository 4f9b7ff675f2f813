// Package isolation exercises a scoped engine across several freshly
// provisioned tenants and reports every way one tenant could see or touch
// another tenant's rows.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jacksonlee411/coopguard/internal/audit"
	"github.com/jacksonlee411/coopguard/internal/logging"
	"github.com/jacksonlee411/coopguard/internal/scoped"
	"github.com/jacksonlee411/coopguard/internal/store"
	"github.com/jacksonlee411/coopguard/pkg/authz"
	"github.com/jacksonlee411/coopguard/pkg/httperr"
	"github.com/jacksonlee411/coopguard/pkg/tenantctx"
	"github.com/rs/zerolog"
)

type Config struct {
	Tenants          int           `koanf:"tenants" validate:"min=2"`
	LatencySamples   int           `koanf:"latency_samples" validate:"min=1"`
	LatencyThreshold time.Duration `koanf:"latency_threshold" validate:"gt=0"`
	LatencyTable     string        `koanf:"latency_table"`
}

func DefaultConfig() Config {
	return Config{
		Tenants:          3,
		LatencySamples:   20,
		LatencyThreshold: 50 * time.Millisecond,
		LatencyTable:     "cases",
	}
}

type Deps struct {
	Engine   *scoped.Engine
	Driver   store.Driver
	Matrix   *authz.Matrix
	Recorder *audit.Recorder
	Sealer   *tenantctx.Sealer
}

// Runner drives one verification pass per Run call. The engine's rate limiter
// must admit a few hundred calls per harness user and window.
type Runner struct {
	deps     Deps
	cfg      Config
	fixtures map[string]Fixture
	clock    clock.Clock
	log      zerolog.Logger
}

type Option func(*Runner)

func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

//nolint:gocritic // zerolog.Logger is passed by value
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.log = logging.Component(l, "isolation") }
}

func WithFixtures(f map[string]Fixture) Option {
	return func(r *Runner) { r.fixtures = f }
}

func NewRunner(d Deps, cfg Config, opts ...Option) (*Runner, error) {
	if d.Engine == nil || d.Driver == nil || d.Matrix == nil || d.Recorder == nil || d.Sealer == nil {
		return nil, errors.New("isolation: engine, driver, matrix, recorder and sealer are required")
	}
	if cfg.Tenants < 2 {
		return nil, errors.New("isolation: at least two tenants are required")
	}
	if cfg.LatencySamples <= 0 || cfg.LatencyThreshold <= 0 {
		return nil, errors.New("isolation: latency samples and threshold must be positive")
	}
	r := &Runner{
		deps:     d,
		cfg:      cfg,
		fixtures: DefaultFixtures(),
		clock:    clock.New(),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type probeTenant struct {
	id     string
	admin  tenantctx.Context
	probes map[string]string
}

// run is the state of one Run call.
type run struct {
	r       *Runner
	report  *Report
	tenants []*probeTenant
	tables  []string
	calls   map[string]int
}

type check struct {
	s   *run
	res CheckResult
}

func (s *run) begin(name string, sev Severity) *check {
	return &check{s: s, res: CheckResult{Name: name, Severity: sev}}
}

// call counts one engine call attributed to tenant.
func (c *check) call(tenant string) {
	c.res.Calls++
	c.s.calls[tenant]++
}

func (c *check) violate(tenant, table, format string, args ...any) {
	c.violateAs(c.res.Severity, tenant, table, format, args...)
}

func (c *check) violateAs(sev Severity, tenant, table, format string, args ...any) {
	v := Violation{
		Check:    c.res.Name,
		Severity: sev,
		Tenant:   tenant,
		Table:    table,
		Detail:   fmt.Sprintf(format, args...),
	}
	c.res.Violations++
	c.s.report.Violations = append(c.s.report.Violations, v)
	c.s.r.log.Warn().
		Str("check", v.Check).
		Str("severity", string(v.Severity)).
		Str("tenant_id", v.Tenant).
		Str("table", v.Table).
		Msg(v.Detail)
}

func (c *check) done() {
	c.res.Passed = c.res.Violations == 0
	c.s.report.Checks = append(c.s.report.Checks, c.res)
}

// Run provisions the tenants and probe rows, runs every check and removes
// the probes again. An error means the pass could not run; findings are in
// the report.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := r.clock.Now()
	runID := uuid.NewString()
	s := &run{
		r: r,
		report: &Report{
			RunID:     runID,
			Dialect:   string(r.deps.Driver.Dialect()),
			StartedAt: start.UTC(),
		},
		calls: make(map[string]int),
	}

	coverage := s.begin(CheckCoverage, SeverityHigh)
	s.tables = r.probeTables(coverage)
	if len(s.tables) == 0 {
		return nil, errors.New("isolation: no table has a probe fixture")
	}
	s.report.Tables = s.tables

	if err := s.provision(ctx, runID); err != nil {
		return nil, err
	}
	defer s.cleanup(ctx)

	s.crossTenant(ctx)
	s.predicates(ctx)
	s.retargeted(ctx)
	s.coverage(coverage)
	s.latency(ctx)
	if err := s.auditCompleteness(ctx); err != nil {
		return nil, err
	}

	s.report.Passed = len(s.report.Violations) == 0
	s.report.Duration = r.clock.Since(start)
	r.log.Info().
		Str("run_id", runID).
		Bool("passed", s.report.Passed).
		Int("violations", len(s.report.Violations)).
		Dur("p95", s.report.Latency.P95).
		Msg("isolation run finished")
	return s.report, nil
}

// probeTables lists the writable tables that have a fixture. A writable table
// without one is a coverage finding since nothing below would exercise it.
func (r *Runner) probeTables(c *check) []string {
	var out []string
	for _, t := range r.deps.Matrix.Tables() {
		if t.Virtual || t.Immutable {
			continue
		}
		f, ok := r.fixtures[t.Name]
		if !ok {
			c.violate("", t.Name, "no probe fixture, cross-tenant checks skipped")
			continue
		}
		if !t.HasColumn(f.Column) {
			c.violate("", t.Name, "probe column %s not in table", f.Column)
			continue
		}
		out = append(out, t.Name)
	}
	return out
}

func (s *run) provision(ctx context.Context, runID string) error {
	for i := 0; i < s.r.cfg.Tenants; i++ {
		id := fmt.Sprintf("isolation-%s-%d", runID, i+1)
		admin, err := s.r.deps.Sealer.Seal(tenantctx.Context{
			TenantID:      id,
			UserID:        fmt.Sprintf("isolation-admin-%d", i+1),
			Role:          s.r.deps.Matrix.OverrideRole(),
			NetworkOrigin: "isolation-harness",
			UserAgent:     "coopguard-isolation",
			SessionID:     runID,
		})
		if err != nil {
			return fmt.Errorf("isolation: seal %s: %w", id, err)
		}
		pt := &probeTenant{id: id, admin: admin, probes: make(map[string]string, len(s.tables))}
		for _, table := range s.tables {
			payload := scoped.Payload{authz.ColumnID: "probe-" + id + "-" + table}
			for k, v := range s.r.fixtures[table].Payload {
				payload[k] = v
			}
			s.calls[id]++
			row, err := s.r.deps.Engine.Insert(ctx, admin, table, payload)
			if err != nil {
				return fmt.Errorf("isolation: provision %s/%s: %w", id, table, err)
			}
			pt.probes[table] = fmt.Sprint(row[authz.ColumnID])
		}
		s.tenants = append(s.tenants, pt)
		s.report.Tenants = append(s.report.Tenants, id)
	}
	return nil
}

func (s *run) cleanup(ctx context.Context) {
	for _, t := range s.tenants {
		for table, id := range t.probes {
			if _, err := s.r.deps.Engine.Delete(ctx, t.admin, table, scoped.Filter{authz.ColumnID: id}); err != nil {
				s.r.log.Warn().Err(err).Str("tenant_id", t.id).Str("table", table).Msg("probe cleanup failed")
			}
		}
	}
}

// crossTenant runs the full operation set under every tenant against every
// other tenant's probes, then verifies that no probe was modified.
func (s *run) crossTenant(ctx context.Context) {
	c := s.begin(CheckCrossTenant, SeverityCritical)
	eng := s.r.deps.Engine

	for _, a := range s.tenants {
		for _, table := range s.tables {
			c.call(a.id)
			rows, err := eng.Select(ctx, a.admin, table, nil, scoped.Query{})
			if err != nil {
				c.violate(a.id, table, "select failed: %s", httperr.Code(err))
			}
			own := false
			for _, row := range rows {
				if row[authz.ColumnTenantID] != a.id {
					c.violate(a.id, table, "unfiltered select returned a row of tenant %v", row[authz.ColumnTenantID])
				}
				if fmt.Sprint(row[authz.ColumnID]) == a.probes[table] {
					own = true
				}
			}
			if err == nil && !own {
				c.violateAs(SeverityHigh, a.id, table, "unfiltered select missed the tenant's own probe")
			}

			for _, b := range s.tenants {
				if b != a {
					s.probeOther(ctx, c, a, b, table)
				}
			}
		}
	}

	s.verifyProbes(ctx, c, func(_ *probeTenant, table string) string {
		return fmt.Sprint(s.r.fixtures[table].Payload[s.r.fixtures[table].Column])
	})

	// An empty filter must still stay inside the tenant.
	for _, a := range s.tenants {
		for _, table := range s.tables {
			c.call(a.id)
			n, err := eng.Update(ctx, a.admin, table, scoped.Payload{s.r.fixtures[table].Column: marker(a)}, nil)
			switch {
			case err != nil:
				c.violate(a.id, table, "empty-filter update failed: %s", httperr.Code(err))
			case n != 1:
				c.violate(a.id, table, "empty-filter update touched %d rows, want 1", n)
			}
		}
	}
	s.verifyProbes(ctx, c, func(b *probeTenant, _ string) string { return marker(b) })
	c.done()
}

func (s *run) probeOther(ctx context.Context, c *check, a, b *probeTenant, table string) {
	eng := s.r.deps.Engine
	target := scoped.Filter{authz.ColumnID: b.probes[table]}
	fail := func(op string, err error) {
		c.violate(a.id, table, "%s against tenant %s failed: %s", op, b.id, httperr.Code(err))
	}

	c.call(a.id)
	if rows, err := eng.Select(ctx, a.admin, table, target, scoped.Query{}); err != nil {
		fail("select", err)
	} else if len(rows) > 0 {
		c.violate(a.id, table, "select by id returned tenant %s's probe", b.id)
	}

	c.call(a.id)
	if _, found, err := eng.SelectOne(ctx, a.admin, table, target, scoped.Query{}); err != nil {
		fail("select one", err)
	} else if found {
		c.violate(a.id, table, "select one returned tenant %s's probe", b.id)
	}

	c.call(a.id)
	if n, err := eng.Count(ctx, a.admin, table, target); err != nil {
		fail("count", err)
	} else if n != 0 {
		c.violate(a.id, table, "count saw %d of tenant %s's rows", n, b.id)
	}

	c.call(a.id)
	if ok, err := eng.Exists(ctx, a.admin, table, target); err != nil {
		fail("exists", err)
	} else if ok {
		c.violate(a.id, table, "exists saw tenant %s's probe", b.id)
	}

	c.call(a.id)
	if n, err := eng.Update(ctx, a.admin, table, scoped.Payload{s.r.fixtures[table].Column: "tampered"}, target); err != nil {
		fail("update", err)
	} else if n != 0 {
		c.violate(a.id, table, "update changed tenant %s's probe", b.id)
	}

	c.call(a.id)
	if n, err := eng.Delete(ctx, a.admin, table, target); err != nil {
		fail("delete", err)
	} else if n != 0 {
		c.violate(a.id, table, "delete removed tenant %s's probe", b.id)
	}

	c.call(a.id)
	stmt := fmt.Sprintf("SELECT id, tenant_id FROM %s WHERE tenant_id = %s AND id = %s",
		table, s.placeholder(1), s.placeholder(2))
	if rows, err := eng.ExecuteRaw(ctx, a.admin, stmt, a.id, b.probes[table]); err != nil {
		fail("raw select", err)
	} else if len(rows) > 0 {
		c.violate(a.id, table, "raw select returned tenant %s's probe", b.id)
	}
}

// predicates sends hostile caller-written SQL aimed at another tenant's
// fixture row. Refusals are expected; a returned row of any other tenant is a leak.
func (s *run) predicates(ctx context.Context) {
	c := s.begin(CheckPredicates, SeverityCritical)
	eng := s.r.deps.Engine

	for _, a := range s.tenants {
		for _, b := range s.tenants {
			if b == a {
				continue
			}
			for _, table := range s.tables {
				theirs := b.probes[table]
				leaked := func(kind string, rows []store.Row) {
					for _, row := range rows {
						if row[authz.ColumnTenantID] != a.id || fmt.Sprint(row[authz.ColumnID]) == theirs {
							c.violate(a.id, table, "%s returned a row of tenant %v", kind, row[authz.ColumnTenantID])
						}
					}
				}

				for _, w := range []*scoped.Predicate{
					scoped.Where("1=0) OR (1=1"),
					scoped.Where("1=0) OR (tenant_id = ?", b.id),
					scoped.Where("tenant_id = ?", b.id),
					scoped.Where("id = ? OR (1=1)", theirs),
				} {
					c.call(a.id)
					rows, _ := eng.Select(ctx, a.admin, table, nil, scoped.Query{Where: w})
					leaked(fmt.Sprintf("where %q", w.SQL), rows)
				}

				for _, cols := range []string{"id", "id, tenant_id"} {
					stmt := fmt.Sprintf("SELECT %s FROM %s WHERE tenant_id = %s OR id = %s",
						cols, table, s.placeholder(1), s.placeholder(2))
					c.call(a.id)
					rows, _ := eng.ExecuteRaw(ctx, a.admin, stmt, a.id, theirs)
					leaked(fmt.Sprintf("raw %q", stmt), rows)
				}
			}
		}
	}
	c.done()
}

// verifyProbes reads every probe under its own tenant and compares the probe
// column with want.
func (s *run) verifyProbes(ctx context.Context, c *check, want func(*probeTenant, string) string) {
	for _, b := range s.tenants {
		for _, table := range s.tables {
			col := s.r.fixtures[table].Column
			c.call(b.id)
			row, found, err := s.r.deps.Engine.SelectOne(ctx, b.admin, table, scoped.Filter{authz.ColumnID: b.probes[table]}, scoped.Query{})
			switch {
			case err != nil:
				c.violate(b.id, table, "probe read failed: %s", httperr.Code(err))
			case !found:
				c.violate(b.id, table, "probe was removed by another tenant")
			case fmt.Sprint(row[col]) != want(b, table):
				c.violate(b.id, table, "probe column %s was changed to %v", col, row[col])
			}
		}
	}
}

// retargeted checks that contexts edited after sealing are refused.
func (s *run) retargeted(ctx context.Context) {
	c := s.begin(CheckRetargeted, SeverityCritical)
	eng := s.r.deps.Engine
	table := s.tables[0]
	expectRLS := func(tenant, what string, tc tenantctx.Context) {
		c.call(tenant)
		rows, err := eng.Select(ctx, tc, table, nil, scoped.Query{})
		switch {
		case err == nil:
			c.violate(tenant, table, "%s accepted, %d rows returned", what, len(rows))
		case !httperr.IsRLSViolation(err):
			c.violate(tenant, table, "%s refused with %s instead of rls_violation", what, httperr.Code(err))
		}
	}

	for _, a := range s.tenants {
		for _, b := range s.tenants {
			if b == a {
				continue
			}
			forged := a.admin
			forged.TenantID = b.id
			expectRLS(b.id, "context retargeted from "+a.id, forged)
		}

		member, err := s.r.deps.Sealer.Seal(tenantctx.Context{
			TenantID:      a.id,
			UserID:        "isolation-member",
			Role:          authz.RoleMember,
			NetworkOrigin: "isolation-harness",
		})
		if err == nil {
			member.Role = s.r.deps.Matrix.OverrideRole()
			expectRLS(a.id, "role escalated after sealing", member)
		}

		unsealed := a.admin
		unsealed.Seal = ""
		expectRLS(a.id, "unsealed context", unsealed)
	}
	c.done()
}

// coverage finishes the matrix coverage check started by probeTables.
func (s *run) coverage(c *check) {
	m := s.r.deps.Matrix
	for _, name := range m.UncoveredTables() {
		c.violate("", name, "no grant covers the table")
	}
	for _, name := range store.Tables {
		if _, ok := m.Table(name); !ok {
			c.violate("", name, "store table is missing from the permission matrix")
		}
	}
	for _, t := range m.Tables() {
		if t.Virtual {
			continue
		}
		if d := m.Decide("isolation-unknown-role", authz.ActionSelect, t.Name, nil); d.Allowed {
			c.violate("", t.Name, "unknown role allowed to select")
		}
	}
	c.done()
}

func (s *run) latency(ctx context.Context) {
	c := s.begin(CheckLatency, SeverityMedium)
	table := s.r.cfg.LatencyTable
	if _, ok := s.r.fixtures[table]; !ok || table == "" {
		table = s.tables[0]
	}

	var samples []time.Duration
	for _, a := range s.tenants {
		for i := 0; i < s.r.cfg.LatencySamples; i++ {
			c.call(a.id)
			start := s.r.clock.Now()
			if _, err := s.r.deps.Engine.Select(ctx, a.admin, table, nil, scoped.Query{}); err != nil {
				c.violate(a.id, table, "timed select failed: %s", httperr.Code(err))
				continue
			}
			samples = append(samples, s.r.clock.Since(start))
		}
	}

	stats := LatencyStats{Samples: len(samples), Threshold: s.r.cfg.LatencyThreshold}
	if len(samples) > 0 {
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		stats.P50 = percentile(samples, 50)
		stats.P95 = percentile(samples, 95)
		stats.Max = samples[len(samples)-1]
	}
	s.report.Latency = stats
	if stats.P95 > stats.Threshold {
		c.violate("", table, "p95 %s above threshold %s", stats.P95, stats.Threshold)
	}
	c.done()
}

// auditCompleteness compares the engine calls made under each tenant with
// the access entries the recorder holds for it. Threshold events are not
// per-call entries.
func (s *run) auditCompleteness(ctx context.Context) error {
	c := s.begin(CheckAudit, SeverityHigh)
	rec := s.r.deps.Recorder
	for _, t := range s.tenants {
		all, err := rec.Count(ctx, t.id, audit.ListFilter{})
		if err != nil {
			return fmt.Errorf("isolation: count audit entries: %w", err)
		}
		thr, err := rec.Count(ctx, t.id, audit.ListFilter{EventType: audit.EventThresholdExceeded})
		if err != nil {
			return fmt.Errorf("isolation: count audit entries: %w", err)
		}
		if got, want := all-thr, int64(s.calls[t.id]); got != want {
			c.violate(t.id, "", "%d audit entries for %d engine calls", got, want)
		}
	}
	c.done()
	return nil
}

func (s *run) placeholder(n int) string {
	if s.r.deps.Driver.Dialect() == store.DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func marker(t *probeTenant) string { return "touched-" + t.id }

// percentile uses nearest rank on sorted samples.
func percentile(sorted []time.Duration, p int) time.Duration {
	idx := (len(sorted)*p + 99) / 100
	if idx < 1 {
		idx = 1
	}
	return sorted[idx-1]
}
