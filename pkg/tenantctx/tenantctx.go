package tenantctx

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/zeebo/blake3"
)

const RoleAnonymous = "anonymous"

var (
	ErrTenantMissing = errors.New("tenantctx: tenant_id missing")
	ErrUnsealed      = errors.New("tenantctx: context not sealed")
	ErrSealMismatch  = errors.New("tenantctx: seal mismatch")
)

// Context identifies who is asking. It is built once per request by the auth
// layer, sealed, and then passed by value; editing a field after sealing
// invalidates the seal.
type Context struct {
	TenantID      string
	UserID        string
	Role          string
	NetworkOrigin string
	UserAgent     string
	SessionID     string
	Seal          string
}

// RoleOrAnonymous returns the normalized role slug.
func (c Context) RoleOrAnonymous() string {
	role := strings.ToLower(strings.TrimSpace(c.Role))
	if role == "" || strings.TrimSpace(c.UserID) == "" {
		return RoleAnonymous
	}
	return role
}

func (c Context) Anonymous() bool {
	return c.RoleOrAnonymous() == RoleAnonymous
}

// ThrottleKey is the rate-limit bucket key: user (or anonymous) plus origin.
func (c Context) ThrottleKey() string {
	user := strings.TrimSpace(c.UserID)
	if user == "" {
		user = RoleAnonymous
	}
	return user + "|" + strings.TrimSpace(c.NetworkOrigin)
}

func (c Context) Validate() error {
	if strings.TrimSpace(c.TenantID) == "" {
		return ErrTenantMissing
	}
	return nil
}

// Sealer binds a Context to the identity that was authenticated. It holds the
// key shared by the auth middleware and the scoped engine.
type Sealer struct {
	key [32]byte
}

func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, errors.New("tenantctx: seal key must be 32 bytes")
	}
	s := &Sealer{}
	copy(s.key[:], key)
	return s, nil
}

// NewSealerFromHex parses a 64 character hex key.
func NewSealerFromHex(hexKey string) (*Sealer, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, errors.New("tenantctx: seal key is not hex")
	}
	return NewSealer(key)
}

func (s *Sealer) Seal(c Context) (Context, error) {
	if err := c.Validate(); err != nil {
		return Context{}, err
	}
	c.TenantID = strings.TrimSpace(c.TenantID)
	c.Seal = s.mac(c)
	return c, nil
}

func (s *Sealer) Verify(c Context) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Seal == "" {
		return ErrUnsealed
	}
	want := s.mac(c)
	if subtle.ConstantTimeCompare([]byte(want), []byte(c.Seal)) != 1 {
		return ErrSealMismatch
	}
	return nil
}

func (s *Sealer) mac(c Context) string {
	h, err := blake3.NewKeyed(s.key[:])
	if err != nil {
		panic("tenantctx: keyed hash init: " + err.Error())
	}
	for _, part := range []string{c.TenantID, c.UserID, c.Role, c.NetworkOrigin, c.UserAgent, c.SessionID} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type ctxKey struct{}

func With(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func From(ctx context.Context) (Context, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return Context{}, false
	}
	c, ok := v.(Context)
	return c, ok
}
