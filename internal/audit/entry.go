package audit

import (
	"time"

	"github.com/jacksonlee411/coopguard/internal/store"
	"github.com/jacksonlee411/coopguard/pkg/tenantctx"
)

type EventType string

const (
	EventAccess            EventType = "access"
	EventSuspicious        EventType = "security.suspicious"
	EventThresholdExceeded EventType = "security.threshold_exceeded"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Entry is one immutable audit record. OldValues and NewValues carry the rows
// an update or delete touched, before and after.
type Entry struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenant_id"`
	UserID        string      `json:"user_id,omitempty"`
	Role          string      `json:"role,omitempty"`
	Action        string      `json:"action"`
	Table         string      `json:"table"`
	EntityID      string      `json:"entity_id,omitempty"`
	OldValues     []store.Row `json:"old_values,omitempty"`
	NewValues     []store.Row `json:"new_values,omitempty"`
	NetworkOrigin string      `json:"network_origin,omitempty"`
	UserAgent     string      `json:"user_agent,omitempty"`
	SessionID     string      `json:"session_id,omitempty"`
	Success       bool        `json:"success"`
	Reason        string      `json:"reason,omitempty"`
	Severity      Severity    `json:"severity"`
	EventType     EventType   `json:"event_type"`
	Timestamp     time.Time   `json:"timestamp"`
}

// NewEntry starts an access entry carrying tc's identity.
func NewEntry(tc tenantctx.Context, action, table string) Entry {
	return Entry{
		TenantID:      tc.TenantID,
		UserID:        tc.UserID,
		Role:          tc.RoleOrAnonymous(),
		Action:        action,
		Table:         table,
		NetworkOrigin: tc.NetworkOrigin,
		UserAgent:     tc.UserAgent,
		SessionID:     tc.SessionID,
		Severity:      SeverityInfo,
		EventType:     EventAccess,
	}
}

func (e Entry) Granted() Entry {
	e.Success = true
	return e
}

func (e Entry) Denied(reason string, sev Severity) Entry {
	e.Success = false
	e.Reason = reason
	e.Severity = sev
	return e
}
