// Package scoped is the only path from application code to tenant data. Every
// call is throttled, authorized against the permission matrix, scoped to the
// caller's tenant and audited, in that order.
package scoped

import (
	"context"
	"errors"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/benbjohnson/clock"
	"github.com/jacksonlee411/coopguard/internal/analyzer"
	"github.com/jacksonlee411/coopguard/internal/audit"
	"github.com/jacksonlee411/coopguard/internal/logging"
	"github.com/jacksonlee411/coopguard/internal/metrics"
	"github.com/jacksonlee411/coopguard/internal/store"
	"github.com/jacksonlee411/coopguard/internal/throttle"
	"github.com/jacksonlee411/coopguard/pkg/authz"
	"github.com/jacksonlee411/coopguard/pkg/httperr"
	"github.com/jacksonlee411/coopguard/pkg/tenantctx"
	"github.com/jacksonlee411/coopguard/pkg/uuidv7"
	"github.com/rs/zerolog"
)

type Deps struct {
	Driver   store.Driver
	Matrix   *authz.Matrix
	Analyzer *analyzer.Analyzer
	Limiter  *throttle.Limiter
	Recorder *audit.Recorder
	Sealer   *tenantctx.Sealer
}

type Engine struct {
	driver   store.Driver
	matrix   *authz.Matrix
	analyzer *analyzer.Analyzer
	limiter  *throttle.Limiter
	recorder *audit.Recorder
	sealer   *tenantctx.Sealer

	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Collectors
	newID   func() (string, error)
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

//nolint:gocritic // zerolog.Logger is passed by value
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = logging.Component(l, "scoped") }
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithIDGenerator(fn func() (string, error)) Option {
	return func(e *Engine) { e.newID = fn }
}

func New(d Deps, opts ...Option) (*Engine, error) {
	switch {
	case d.Driver == nil:
		return nil, errors.New("scoped: nil driver")
	case d.Matrix == nil:
		return nil, errors.New("scoped: nil matrix")
	case d.Recorder == nil:
		return nil, errors.New("scoped: nil audit recorder")
	case d.Limiter == nil:
		return nil, errors.New("scoped: nil rate limiter")
	case d.Sealer == nil:
		return nil, errors.New("scoped: nil sealer")
	}
	e := &Engine{
		driver:   d.Driver,
		matrix:   d.Matrix,
		analyzer: d.Analyzer,
		limiter:  d.Limiter,
		recorder: d.Recorder,
		sealer:   d.Sealer,
		clock:    clock.New(),
		log:      zerolog.Nop(),
	}
	if e.analyzer == nil {
		e.analyzer = analyzer.New()
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.newID == nil {
		e.newID = uuidv7.NewGenerator(e.clock).NewString
	}
	return e, nil
}

// op is one engine call after argument parsing.
type op struct {
	action  string
	table   string
	filter  map[string]any
	payload map[string]any
	order   []Order
	where   *Predicate
	limit   int
	offset  int

	statement string
	params    []any
}

// plan is what admit hands to execution.
type plan struct {
	table      authz.Table
	conds      sq.And
	payload    map[string]any
	suspicious []string
}

// denial is a refusal before or during execution, with its audit detail.
type denial struct {
	err      error
	reason   string
	severity audit.Severity
	event    audit.EventType
}

func deny(err error, reason string, sev audit.Severity) *denial {
	return &denial{err: err, reason: reason, severity: sev, event: audit.EventAccess}
}

// run drives one call through the pipeline. exec runs inside the tenant's unit
// of work and may fill in the audit entry; the entry is written in the same
// unit of work after exec succeeds.
func (e *Engine) run(ctx context.Context, tc tenantctx.Context, o op, exec func(q store.Querier, p *plan, entry *audit.Entry) error) error {
	start := e.clock.Now()
	tc.TenantID = strings.TrimSpace(tc.TenantID)

	if err := tc.Validate(); err != nil {
		// Nowhere to file an audit entry without a tenant.
		logging.Ctx(ctx, e.log).Error().
			Str("action", o.action).
			Str("table", o.table).
			Str("user_id", tc.UserID).
			Str("ip", tc.NetworkOrigin).
			Msg("engine call without tenant context")
		err := httperr.NewRLSViolation("tenant context missing")
		e.metrics.Decision(o.action, o.table, httperr.Code(err), e.clock.Since(start))
		return err
	}

	p, d := e.admit(ctx, tc, o)
	if d != nil {
		return e.refuse(ctx, tc, o, d, start)
	}

	entry := audit.NewEntry(tc, o.action, o.table)
	if len(p.suspicious) > 0 {
		entry.EventType = audit.EventSuspicious
		entry.Severity = audit.SeverityMedium
		entry.Reason = "suspicious: " + strings.Join(p.suspicious, ",")
	}

	var recorded audit.Entry
	err := e.driver.InTenantTx(ctx, tc.TenantID, func(q store.Querier) error {
		if err := exec(q, p, &entry); err != nil {
			return err
		}
		var err error
		recorded, err = e.recorder.RecordIn(ctx, q, entry.Granted())
		return err
	})
	if err != nil {
		return e.refuse(ctx, tc, o, classify(o.action, err), start)
	}
	e.recorder.Mirror(recorded)
	e.metrics.Decision(o.action, o.table, "granted", e.clock.Since(start))
	return nil
}

// classify turns an error from inside the unit of work into a denial.
func classify(action string, err error) *denial {
	if rls, ok := errors.AsType[*httperr.RLSViolation](err); ok {
		return deny(err, "rls_violation: "+rls.Detail, audit.SeverityCritical)
	}
	if httperr.IsBadRequest(err) {
		return deny(err, "bad_request: "+err.Error(), audit.SeverityLow)
	}
	return deny(httperr.NewStoreError(action, err), "store_error: "+err.Error(), audit.SeverityMedium)
}

// refuse writes the single failed entry for the call in its own unit of work.
func (e *Engine) refuse(ctx context.Context, tc tenantctx.Context, o op, d *denial, start time.Time) error {
	entry := audit.NewEntry(tc, o.action, o.table).Denied(d.reason, d.severity)
	entry.EventType = d.event

	e.metrics.Decision(o.action, o.table, httperr.Code(d.err), e.clock.Since(start))
	logging.Ctx(ctx, e.log).Warn().
		Str("tenant_id", tc.TenantID).
		Str("user_id", tc.UserID).
		Str("role", tc.RoleOrAnonymous()).
		Str("action", o.action).
		Str("table", o.table).
		Str("code", httperr.Code(d.err)).
		Msg("engine call refused")

	if _, err := e.recorder.Record(ctx, entry); err != nil {
		return errors.Join(d.err, err)
	}
	return d.err
}

// admit runs every check that happens before the store is touched.
func (e *Engine) admit(ctx context.Context, tc tenantctx.Context, o op) (*plan, *denial) {
	if err := e.sealer.Verify(tc); err != nil {
		return nil, deny(httperr.NewRLSViolation(err.Error()), "rls_violation: "+err.Error(), audit.SeverityCritical)
	}

	if dec := e.limiter.Allow(tc); !dec.Allowed {
		e.metrics.Throttled()
		return nil, deny(httperr.NewRateLimitExceeded(dec.Key, dec.RetryAfter), "rate_limited", audit.SeverityMedium)
	}

	t, ok := e.matrix.Table(o.table)
	if !ok || t.Virtual != (o.action == authz.ActionRaw) {
		return nil, deny(httperr.NewBadRequest("unknown table"), "bad_request: unknown table "+o.table, audit.SeverityLow)
	}

	if d := e.matrix.Decide(tc.RoleOrAnonymous(), o.action, o.table, o.payload); !d.Allowed {
		sev := audit.SeverityLow
		if d.Reason == authz.ReasonImmutableTable || authz.IsRefinementReason(d.Reason) {
			sev = audit.SeverityMedium
		}
		return nil, deny(httperr.NewAuthorization(d.Reason), "authorization_denied: "+d.Reason, sev)
	}

	p := &plan{table: t}
	if !t.Virtual {
		conds, d := scopeFilter(tc, t, o.filter)
		if d != nil {
			return nil, d
		}
		p.conds = conds
		if o.payload != nil {
			payload, d := scopePayload(tc, t, o.action, o.payload)
			if d != nil {
				return nil, d
			}
			p.payload = payload
		}
		for _, ord := range o.order {
			if !t.HasColumn(ord.Column) {
				return nil, deny(httperr.NewBadRequest("unknown column"), "bad_request: unknown order column "+ord.Column, audit.SeverityLow)
			}
		}
		if o.limit < 0 || o.offset < 0 || (o.offset > 0 && o.limit == 0) {
			return nil, deny(httperr.NewBadRequest("invalid limit or offset"), "bad_request: invalid limit or offset", audit.SeverityLow)
		}
	}

	if o.where != nil {
		res := e.analyzer.Analyze(o.where.SQL)
		if d := e.screen(ctx, tc, o, res); d != nil {
			return nil, d
		}
		p.suspicious = res.Signatures()
		if !bindsOnlyTenant(e.analyzer, tc.TenantID, o.where.SQL, o.where.Args) {
			return nil, deny(httperr.NewRLSViolation("predicate bound to another tenant"),
				"rls_violation: predicate tenant_id not bound to caller tenant", audit.SeverityHigh)
		}
		if !t.Virtual {
			p.conds = append(p.conds, sq.Expr("("+o.where.SQL+")", o.where.Args...))
		}
	}

	if o.action == authz.ActionRaw {
		res := e.analyzer.AnalyzeStatement(o.statement)
		if d := e.screen(ctx, tc, o, res); d != nil {
			return nil, d
		}
		p.suspicious = res.Signatures()
		if !bindsOnlyTenant(e.analyzer, tc.TenantID, o.statement, o.params) {
			return nil, deny(httperr.NewRLSViolation("raw statement not bound to caller tenant"),
				"rls_violation: raw statement not bound to caller tenant", audit.SeverityHigh)
		}
	}
	return p, nil
}

// screen feeds analyzer findings to the suspicious-activity counter and
// refuses blocked fragments.
func (e *Engine) screen(ctx context.Context, tc tenantctx.Context, o op, res analyzer.Result) *denial {
	if len(res.Findings) == 0 {
		return nil
	}
	for _, f := range res.Findings {
		e.metrics.Finding(f.Signature, f.Severity.String())
	}
	if count, crossed := e.limiter.RecordSuspicious(tc); crossed {
		e.thresholdExceeded(ctx, tc, o, count)
	}
	if res.Blocked() {
		sigs := res.Signatures()
		d := deny(httperr.NewSuspiciousQueryBlocked(sigs), "suspicious_query_blocked: "+strings.Join(sigs, ","), audit.SeverityHigh)
		d.event = audit.EventSuspicious
		return d
	}
	logging.Ctx(ctx, e.log).Warn().
		Str("tenant_id", tc.TenantID).
		Str("user_id", tc.UserID).
		Strs("signatures", res.Signatures()).
		Msg("suspicious fragment allowed")
	return nil
}

func (e *Engine) thresholdExceeded(ctx context.Context, tc tenantctx.Context, o op, count int) {
	e.metrics.ThresholdExceeded()
	entry := audit.NewEntry(tc, o.action, o.table)
	entry.EventType = audit.EventThresholdExceeded
	entry.Severity = audit.SeverityHigh
	entry.Success = true
	entry.Reason = "suspicious activity threshold reached"
	if _, err := e.recorder.Record(ctx, entry); err != nil {
		logging.Ctx(ctx, e.log).Error().Err(err).
			Str("tenant_id", tc.TenantID).
			Int("count", count).
			Msg("threshold event not recorded")
	}
}
