package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/jacksonlee411/coopguard/internal/store"
	"github.com/jacksonlee411/coopguard/pkg/uuidv7"
	"github.com/rs/zerolog"
)

const tableName = "audit_entries"

var entryColumns = []string{
	"id", "tenant_id", "user_id", "role", "action", "table_name", "entity_id",
	"old_values", "new_values", "network_origin", "user_agent", "session_id",
	"success", "reason", "severity", "event_type", "created_at",
}

// Recorder appends entries to the audit_entries table and mirrors each one
// to the security log. It never updates or deletes an entry.
type Recorder struct {
	driver   store.Driver
	redactor *Redactor
	clock    clock.Clock
	ids      *uuidv7.Generator
	log      zerolog.Logger
}

type Option func(*Recorder)

func WithClock(c clock.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

//nolint:gocritic // zerolog.Logger is passed by value
func WithLogger(l zerolog.Logger) Option {
	return func(r *Recorder) { r.log = l.With().Str("component", "audit").Logger() }
}

func NewRecorder(driver store.Driver, redactor *Redactor, opts ...Option) (*Recorder, error) {
	if driver == nil {
		return nil, errors.New("audit: nil driver")
	}
	if redactor == nil {
		return nil, errors.New("audit: nil redactor")
	}
	r := &Recorder{
		driver:   driver,
		redactor: redactor,
		clock:    clock.New(),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ids = uuidv7.NewGenerator(r.clock)
	return r, nil
}

// RecordIn writes e inside the caller's unit of work, so the entry commits or
// rolls back together with the action it describes. The caller passes the
// returned entry to Mirror once the unit of work has committed.
func (r *Recorder) RecordIn(ctx context.Context, q store.Querier, e Entry) (Entry, error) {
	e, err := r.prepare(e)
	if err != nil {
		return e, err
	}
	sqlStr, args, err := r.insert(e)
	if err != nil {
		return e, err
	}
	if _, err := q.Exec(ctx, sqlStr, args...); err != nil {
		return e, fmt.Errorf("audit: insert: %w", err)
	}
	return e, nil
}

// Record writes e in its own unit of work. The write ignores the caller's
// cancellation.
func (r *Recorder) Record(ctx context.Context, e Entry) (Entry, error) {
	var out Entry
	err := r.driver.InTenantTx(context.WithoutCancel(ctx), e.TenantID, func(q store.Querier) error {
		var err error
		out, err = r.RecordIn(context.WithoutCancel(ctx), q, e)
		return err
	})
	if err != nil {
		r.log.Error().Err(err).
			Str("tenant_id", e.TenantID).
			Str("action", e.Action).
			Str("table", e.Table).
			Msg("audit write failed")
		return e, err
	}
	r.Mirror(out)
	return out, nil
}

func (r *Recorder) prepare(e Entry) (Entry, error) {
	if e.TenantID == "" {
		return e, errors.New("audit: tenant_id required")
	}
	if e.Action == "" || e.Table == "" {
		return e, errors.New("audit: action and table required")
	}
	if e.ID == "" {
		id, err := r.ids.NewString()
		if err != nil {
			return e, err
		}
		e.ID = id
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.clock.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.EventType == "" {
		e.EventType = EventAccess
	}
	return r.redactor.Entry(e), nil
}

func (r *Recorder) insert(e Entry) (string, []any, error) {
	oldValues, err := encodeRows(e.OldValues)
	if err != nil {
		return "", nil, err
	}
	newValues, err := encodeRows(e.NewValues)
	if err != nil {
		return "", nil, err
	}
	return r.driver.Builder().
		Insert(tableName).
		Columns(entryColumns...).
		Values(
			e.ID, e.TenantID, nullable(e.UserID), nullable(e.Role), e.Action, e.Table, nullable(e.EntityID),
			oldValues, newValues, nullable(e.NetworkOrigin), nullable(e.UserAgent), nullable(e.SessionID),
			e.Success, nullable(e.Reason), string(e.Severity), string(e.EventType), e.Timestamp,
		).
		ToSql()
}

// Mirror copies a committed entry to the security log.
func (r *Recorder) Mirror(e Entry) {
	ev := r.log.WithLevel(logLevel(e))
	ev.Str("audit_id", e.ID).
		Str("event_type", string(e.EventType)).
		Str("severity", string(e.Severity)).
		Str("tenant_id", e.TenantID).
		Str("user_id", e.UserID).
		Str("role", e.Role).
		Str("action", e.Action).
		Str("table", e.Table).
		Bool("success", e.Success)
	if e.EntityID != "" {
		ev.Str("entity_id", e.EntityID)
	}
	if e.Reason != "" {
		ev.Str("reason", e.Reason)
	}
	if e.NetworkOrigin != "" {
		ev.Str("ip", e.NetworkOrigin)
	}
	ev.Msg("audit")
}

func logLevel(e Entry) zerolog.Level {
	switch e.Severity {
	case SeverityHigh, SeverityCritical:
		return zerolog.ErrorLevel
	case SeverityMedium:
		return zerolog.WarnLevel
	}
	if !e.Success {
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}

type ListFilter struct {
	UserID    string
	Action    string
	Table     string
	EventType EventType
	Success   *bool
	Since     time.Time
	Limit     int
}

func (f ListFilter) where(tenantID string) sq.And {
	and := sq.And{sq.Eq{"tenant_id": tenantID}}
	if f.UserID != "" {
		and = append(and, sq.Eq{"user_id": f.UserID})
	}
	if f.Action != "" {
		and = append(and, sq.Eq{"action": f.Action})
	}
	if f.Table != "" {
		and = append(and, sq.Eq{"table_name": f.Table})
	}
	if f.EventType != "" {
		and = append(and, sq.Eq{"event_type": string(f.EventType)})
	}
	if f.Success != nil {
		and = append(and, sq.Eq{"success": *f.Success})
	}
	if !f.Since.IsZero() {
		and = append(and, sq.GtOrEq{"created_at": f.Since.UTC()})
	}
	return and
}

// List returns tenantID's entries oldest first.
func (r *Recorder) List(ctx context.Context, tenantID string, f ListFilter) ([]Entry, error) {
	b := r.driver.Builder().
		Select(entryColumns...).
		From(tableName).
		Where(f.where(tenantID)).
		OrderBy("created_at ASC", "id ASC")
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	var rows []store.Row
	err = r.driver.InTenantTx(ctx, tenantID, func(q store.Querier) error {
		var err error
		rows, err = q.Query(ctx, sqlStr, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e, err := entryFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Recorder) Count(ctx context.Context, tenantID string, f ListFilter) (int64, error) {
	sqlStr, args, err := r.driver.Builder().
		Select("COUNT(*) AS n").
		From(tableName).
		Where(f.where(tenantID)).
		ToSql()
	if err != nil {
		return 0, err
	}
	var n int64
	err = r.driver.InTenantTx(ctx, tenantID, func(q store.Querier) error {
		rows, err := q.Query(ctx, sqlStr, args...)
		if err != nil {
			return err
		}
		if len(rows) == 1 {
			n = toInt64(rows[0]["n"])
		}
		return nil
	})
	return n, err
}

func entryFromRow(row store.Row) (Entry, error) {
	e := Entry{
		ID:            toStr(row["id"]),
		TenantID:      toStr(row["tenant_id"]),
		UserID:        toStr(row["user_id"]),
		Role:          toStr(row["role"]),
		Action:        toStr(row["action"]),
		Table:         toStr(row["table_name"]),
		EntityID:      toStr(row["entity_id"]),
		NetworkOrigin: toStr(row["network_origin"]),
		UserAgent:     toStr(row["user_agent"]),
		SessionID:     toStr(row["session_id"]),
		Success:       toBool(row["success"]),
		Reason:        toStr(row["reason"]),
		Severity:      Severity(toStr(row["severity"])),
		EventType:     EventType(toStr(row["event_type"])),
	}
	var err error
	if e.OldValues, err = decodeRows(row["old_values"]); err != nil {
		return e, err
	}
	if e.NewValues, err = decodeRows(row["new_values"]); err != nil {
		return e, err
	}
	switch ts := row["created_at"].(type) {
	case time.Time:
		e.Timestamp = ts.UTC()
	case string:
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t.UTC()
		}
	}
	return e, nil
}

func encodeRows(rows []store.Row) (any, error) {
	if rows == nil {
		return nil, nil
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("audit: encode values: %w", err)
	}
	return string(b), nil
}

func decodeRows(v any) ([]store.Row, error) {
	var raw []byte
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		raw = []byte(t)
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var rows []store.Row
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("audit: decode values: %w", err)
	}
	return rows, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toStr(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case int:
		return t != 0
	default:
		return false
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	default:
		return 0
	}
}
