package uuidv7

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestGenerator_New(t *testing.T) {
	g := NewGenerator(nil)
	u, err := g.New()
	if err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	if u.Version() != 7 {
		t.Fatalf("expected version 7, got %d", u.Version())
	}
	if u.Variant() != uuid.RFC4122 {
		t.Fatalf("expected RFC4122 variant, got %v", u.Variant())
	}
}

func TestGenerator_UsesClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	g := NewGenerator(mock)

	first, err := g.New()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	sec, nsec := first.Time().UnixTime()
	if got := time.Unix(sec, nsec).UTC(); !got.Equal(mock.Now().UTC()) {
		t.Fatalf("time=%v want %v", got, mock.Now().UTC())
	}

	mock.Add(time.Millisecond)
	second, err := g.NewString()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if second <= first.String() {
		t.Fatalf("expected %s > %s", second, first)
	}
}

func TestGenerator_MonotonicWithFrozenClock(t *testing.T) {
	g := NewGenerator(clock.NewMock())
	prev := ""
	for i := 0; i < 5000; i++ {
		id, err := g.NewString()
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if id <= prev {
			t.Fatalf("i=%d %s <= %s", i, id, prev)
		}
		prev = id
	}
}

func TestGenerator_RandError(t *testing.T) {
	g := NewGenerator(clock.NewMock())
	g.rand = errReader{}
	if _, err := g.New(); err == nil {
		t.Fatal("expected error")
	}
	if _, err := g.NewString(); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewString(t *testing.T) {
	got, err := NewString()
	if err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	if _, err := uuid.Parse(got); err != nil {
		t.Fatalf("expected parseable uuid, got %v", err)
	}
}
