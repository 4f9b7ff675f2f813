package tenantctx

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealerFromHex(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	return s
}

func TestNewSealer_KeyLength(t *testing.T) {
	if _, err := NewSealer([]byte("short")); err == nil {
		t.Fatal("expected error")
	}
	if _, err := NewSealerFromHex("zz"); err == nil {
		t.Fatal("expected error")
	}
}

func TestSealAndVerify(t *testing.T) {
	s := testSealer(t)
	c, err := s.Seal(Context{TenantID: " coop-1 ", UserID: "u1", Role: "board", NetworkOrigin: "10.0.0.1"})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if c.TenantID != "coop-1" || c.Seal == "" {
		t.Fatalf("ctx=%+v", c)
	}
	if err := s.Verify(c); err != nil {
		t.Fatalf("err=%v", err)
	}

	switched := c
	switched.TenantID = "coop-2"
	if err := s.Verify(switched); !errors.Is(err, ErrSealMismatch) {
		t.Fatalf("err=%v", err)
	}

	promoted := c
	promoted.Role = "admin"
	if err := s.Verify(promoted); !errors.Is(err, ErrSealMismatch) {
		t.Fatalf("err=%v", err)
	}

	unsealed := c
	unsealed.Seal = ""
	if err := s.Verify(unsealed); !errors.Is(err, ErrUnsealed) {
		t.Fatalf("err=%v", err)
	}
}

func TestSeal_RequiresTenant(t *testing.T) {
	s := testSealer(t)
	if _, err := s.Seal(Context{UserID: "u1"}); !errors.Is(err, ErrTenantMissing) {
		t.Fatalf("err=%v", err)
	}
	if err := s.Verify(Context{Seal: "x"}); !errors.Is(err, ErrTenantMissing) {
		t.Fatalf("err=%v", err)
	}
}

func TestRoleOrAnonymous(t *testing.T) {
	cases := []struct {
		ctx  Context
		want string
	}{
		{Context{TenantID: "t", UserID: "u", Role: " Board "}, "board"},
		{Context{TenantID: "t", UserID: "u"}, RoleAnonymous},
		{Context{TenantID: "t", Role: "admin"}, RoleAnonymous},
	}
	for _, tc := range cases {
		if got := tc.ctx.RoleOrAnonymous(); got != tc.want {
			t.Fatalf("ctx=%+v got=%q want=%q", tc.ctx, got, tc.want)
		}
	}
}

func TestThrottleKey(t *testing.T) {
	if got := (Context{UserID: "u1", NetworkOrigin: "1.2.3.4"}).ThrottleKey(); got != "u1|1.2.3.4" {
		t.Fatalf("got=%q", got)
	}
	if got := (Context{NetworkOrigin: "1.2.3.4"}).ThrottleKey(); got != "anonymous|1.2.3.4" {
		t.Fatalf("got=%q", got)
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := From(context.Background()); ok {
		t.Fatal("expected missing")
	}
	ctx := With(context.Background(), Context{TenantID: "coop-1"})
	c, ok := From(ctx)
	if !ok || c.TenantID != "coop-1" {
		t.Fatalf("ctx=%+v ok=%v", c, ok)
	}
}
