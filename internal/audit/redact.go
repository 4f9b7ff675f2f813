package audit

import (
	"encoding/hex"
	"errors"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
	"github.com/jacksonlee411/coopguard/internal/store"
	"github.com/zeebo/blake3"
)

const Redacted = "[REDACTED]"

// Fields whose values never reach the audit table.
var redactKeys = []string{
	"password",
	"password_hash",
	"secret",
	"token",
	"access_token",
	"refresh_token",
	"api_key",
	"bankid_token",
	"session_token",
}

// Fields kept as a keyed hash so equal values can still be correlated.
var hashKeys = []string{
	"personnummer",
	"national_id",
	"ssn",
	"bank_account",
	"iban",
}

var valuePatterns = []*regexp.Regexp{
	// JWT
	regexp.MustCompile(`eyJ[A-Za-z0-9_=-]+\.eyJ[A-Za-z0-9_=-]+\.[A-Za-z0-9_.+/=-]*`),
	// IBAN
	regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){3,7}(?: ?[A-Z0-9]{1,3})?\b`),
	// personnummer (12 digit) and organisation numbers with century
	regexp.MustCompile(`\b(?:19|20)\d{6}[-+\s]?\d{4}\b`),
	// personnummer and organisation numbers
	regexp.MustCompile(`\b\d{6}[-+\s]?\d{4}\b`),
}

// Redactor scrubs credentials and identity numbers from audit values.
type Redactor struct {
	key        [32]byte
	redactKeys map[string]struct{}
	hashKeys   map[string]struct{}
}

func NewRedactor(key []byte) (*Redactor, error) {
	if len(key) != 32 {
		return nil, errors.New("audit: redaction key must be 32 bytes")
	}
	r := &Redactor{
		redactKeys: make(map[string]struct{}, len(redactKeys)),
		hashKeys:   make(map[string]struct{}, len(hashKeys)),
	}
	copy(r.key[:], key)
	for _, k := range redactKeys {
		r.redactKeys[k] = struct{}{}
	}
	for _, k := range hashKeys {
		r.hashKeys[k] = struct{}{}
	}
	return r, nil
}

func NewRedactorFromHex(hexKey string) (*Redactor, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, errors.New("audit: redaction key is not hex")
	}
	return NewRedactor(key)
}

func (r *Redactor) Entry(e Entry) Entry {
	e.OldValues = r.Rows(e.OldValues)
	e.NewValues = r.Rows(e.NewValues)
	e.Reason = r.String(e.Reason)
	return e
}

// Rows returns scrubbed copies; the caller's rows are left untouched.
func (r *Redactor) Rows(rows []store.Row) []store.Row {
	if rows == nil {
		return nil
	}
	out := make([]store.Row, 0, len(rows))
	for _, row := range rows {
		out = append(out, r.Row(row))
	}
	return out
}

func (r *Redactor) Row(row store.Row) store.Row {
	if row == nil {
		return nil
	}
	out := make(store.Row, len(row))
	for k, v := range row {
		out[k] = r.Value(k, v)
	}
	return out
}

func (r *Redactor) Value(key string, v any) any {
	if v == nil {
		return nil
	}
	k := strings.ToLower(key)
	if _, ok := r.redactKeys[k]; ok {
		return Redacted
	}
	if _, ok := r.hashKeys[k]; ok {
		if s, ok := v.(string); ok && s == "" {
			return s
		}
		return r.Hash(toString(v))
	}
	switch t := v.(type) {
	case string:
		return r.String(t)
	case map[string]any:
		return map[string]any(r.Row(store.Row(t)))
	case store.Row:
		return r.Row(t)
	default:
		return v
	}
}

// String hashes every identity number, JWT or IBAN found in s.
func (r *Redactor) String(s string) string {
	if s == "" {
		return s
	}
	for _, re := range valuePatterns {
		s = re.ReplaceAllStringFunc(s, r.Hash)
	}
	return s
}

func (r *Redactor) Hash(s string) string {
	h, err := blake3.NewKeyed(r.key[:])
	if err != nil {
		panic("audit: keyed hash init: " + err.Error())
	}
	_, _ = h.Write([]byte(s))
	return "blake3:" + hex.EncodeToString(h.Sum(nil))
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
