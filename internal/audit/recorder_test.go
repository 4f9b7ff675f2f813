package audit

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/jacksonlee411/coopguard/internal/store"
	"github.com/jacksonlee411/coopguard/internal/store/sqlitestore"
	"github.com/jacksonlee411/coopguard/pkg/tenantctx"
	"github.com/rs/zerolog"
)

type recorderFixture struct {
	store *sqlitestore.Store
	rec   *Recorder
	clock *clock.Mock
	logs  *bytes.Buffer
}

func newRecorderFixture(t *testing.T) recorderFixture {
	t.Helper()
	s, err := sqlitestore.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC))
	var logs bytes.Buffer
	rec, err := NewRecorder(s, testRedactor(t), WithClock(mock), WithLogger(zerolog.New(&logs)))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	return recorderFixture{store: s, rec: rec, clock: mock, logs: &logs}
}

func testTenant() tenantctx.Context {
	return tenantctx.Context{TenantID: "coop-1", UserID: "u1", Role: "board", NetworkOrigin: "10.0.0.9", SessionID: "s1"}
}

func TestRecord_PersistsRedactedEntry(t *testing.T) {
	f := newRecorderFixture(t)
	ctx := context.Background()

	e := NewEntry(testTenant(), "update", "members").Granted()
	e.EntityID = "m1"
	e.OldValues = []store.Row{{"id": "m1", "personnummer": "800101-1234", "role": "member"}}
	e.NewValues = []store.Row{{"id": "m1", "personnummer": "800101-1234", "role": "board"}}

	got, err := f.rec.Record(ctx, e)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if got.ID == "" || !got.Timestamp.Equal(f.clock.Now()) {
		t.Fatalf("entry=%+v", got)
	}

	list, err := f.rec.List(ctx, "coop-1", ListFilter{})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len=%d", len(list))
	}
	stored := list[0]
	if stored.ID != got.ID || stored.UserID != "u1" || stored.Role != "board" || stored.Action != "update" ||
		stored.Table != "members" || stored.EntityID != "m1" || !stored.Success || stored.SessionID != "s1" ||
		stored.EventType != EventAccess || stored.Severity != SeverityInfo {
		t.Fatalf("stored=%+v", stored)
	}
	if !stored.Timestamp.Equal(f.clock.Now()) {
		t.Fatalf("ts=%v", stored.Timestamp)
	}
	if len(stored.OldValues) != 1 || stored.OldValues[0]["role"] != "member" || stored.NewValues[0]["role"] != "board" {
		t.Fatalf("values=%v %v", stored.OldValues, stored.NewValues)
	}
	if pn := stored.NewValues[0]["personnummer"]; pn == "800101-1234" {
		t.Fatalf("personnummer stored in clear: %v", pn)
	}

	// the security log sees the same entry
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(f.logs.Bytes()), &rec); err != nil {
		t.Fatalf("log=%q err=%v", f.logs.String(), err)
	}
	if rec["component"] != "audit" || rec["audit_id"] != got.ID || rec["tenant_id"] != "coop-1" {
		t.Fatalf("log=%v", rec)
	}
}

func TestRecordIn_RollsBackWithUnitOfWork(t *testing.T) {
	f := newRecorderFixture(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := f.store.InTenantTx(ctx, "coop-1", func(q store.Querier) error {
		if _, err := f.rec.RecordIn(ctx, q, NewEntry(testTenant(), "insert", "cases").Granted()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	n, err := f.rec.Count(ctx, "coop-1", ListFilter{})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if n != 0 {
		t.Fatalf("n=%d", n)
	}
	// nothing committed, nothing mirrored
	if f.logs.Len() != 0 {
		t.Fatalf("logs=%s", f.logs.String())
	}
}

func TestRecordIn_MirrorAfterCommit(t *testing.T) {
	f := newRecorderFixture(t)
	ctx := context.Background()

	var got Entry
	err := f.store.InTenantTx(ctx, "coop-1", func(q store.Querier) error {
		var err error
		got, err = f.rec.RecordIn(ctx, q, NewEntry(testTenant(), "insert", "cases").Granted())
		if f.logs.Len() != 0 {
			t.Fatalf("mirrored inside unit of work: %s", f.logs.String())
		}
		return err
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	f.rec.Mirror(got)
	if !strings.Contains(f.logs.String(), got.ID) {
		t.Fatalf("logs=%q id=%s", f.logs.String(), got.ID)
	}
}

func TestRecord_SurvivesCallerCancel(t *testing.T) {
	f := newRecorderFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.rec.Record(ctx, NewEntry(testTenant(), "delete", "cases").Denied("no_grant", SeverityLow)); err != nil {
		t.Fatalf("err=%v", err)
	}
	n, err := f.rec.Count(context.Background(), "coop-1", ListFilter{})
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestList_FiltersAndTenantScope(t *testing.T) {
	f := newRecorderFixture(t)
	ctx := context.Background()

	other := testTenant()
	other.TenantID = "coop-2"
	entries := []Entry{
		NewEntry(testTenant(), "select", "members").Granted(),
		NewEntry(testTenant(), "update", "invoices").Denied("no_grant", SeverityLow),
		NewEntry(other, "select", "members").Granted(),
	}
	threshold := NewEntry(testTenant(), "select", "members")
	threshold.EventType = EventThresholdExceeded
	threshold.Severity = SeverityHigh
	entries = append(entries, threshold)

	for _, e := range entries {
		f.clock.Add(time.Second)
		if _, err := f.rec.Record(ctx, e); err != nil {
			t.Fatalf("err=%v", err)
		}
	}

	all, err := f.rec.List(ctx, "coop-1", ListFilter{})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len=%d", len(all))
	}
	for _, e := range all {
		if e.TenantID != "coop-1" {
			t.Fatalf("foreign entry %+v", e)
		}
	}
	if all[0].Action != "select" || all[1].Action != "update" {
		t.Fatalf("order=%v,%v", all[0].Action, all[1].Action)
	}

	denied := false
	n, err := f.rec.Count(ctx, "coop-1", ListFilter{Success: &denied})
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	n, err = f.rec.Count(ctx, "coop-1", ListFilter{EventType: EventAccess, Table: "members"})
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	n, err = f.rec.Count(ctx, "coop-1", ListFilter{Since: all[1].Timestamp})
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	limited, err := f.rec.List(ctx, "coop-1", ListFilter{Limit: 1, Action: "update"})
	if err != nil || len(limited) != 1 || limited[0].Reason != "no_grant" || limited[0].Severity != SeverityLow {
		t.Fatalf("limited=%+v err=%v", limited, err)
	}
}

func TestRecord_Validation(t *testing.T) {
	f := newRecorderFixture(t)
	if _, err := f.rec.Record(context.Background(), Entry{Action: "select", Table: "members"}); err == nil {
		t.Fatal("expected tenant error")
	}
	if _, err := f.rec.Record(context.Background(), Entry{TenantID: "coop-1"}); err == nil {
		t.Fatal("expected action error")
	}
	if !strings.Contains(f.logs.String(), "audit write failed") {
		t.Fatalf("logs=%q", f.logs.String())
	}
	if _, err := NewRecorder(nil, testRedactor(t)); err == nil {
		t.Fatal("expected driver error")
	}
	if _, err := NewRecorder(f.store, nil); err == nil {
		t.Fatal("expected redactor error")
	}
}

func TestNewEntry_AnonymousRole(t *testing.T) {
	e := NewEntry(tenantctx.Context{TenantID: "coop-1", Role: "board"}, "select", "members")
	if e.Role != tenantctx.RoleAnonymous || e.EventType != EventAccess || e.Severity != SeverityInfo {
		t.Fatalf("entry=%+v", e)
	}
}
