package isolation

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity accepts the four severity names.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if sev.rank() == 0 {
		return "", fmt.Errorf("isolation: unknown severity %q", s)
	}
	return sev, nil
}

const (
	CheckCrossTenant = "cross_tenant"
	CheckPredicates  = "caller_predicates"
	CheckRetargeted  = "retargeted_context"
	CheckCoverage    = "matrix_coverage"
	CheckLatency     = "scoped_latency"
	CheckAudit       = "audit_completeness"
)

type Violation struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Tenant   string   `json:"tenant,omitempty"`
	Table    string   `json:"table,omitempty"`
	Detail   string   `json:"detail"`
}

type CheckResult struct {
	Name       string   `json:"name"`
	Severity   Severity `json:"severity"`
	Calls      int      `json:"calls"`
	Violations int      `json:"violations"`
	Passed     bool     `json:"passed"`
}

type LatencyStats struct {
	Samples   int           `json:"samples"`
	P50       time.Duration `json:"p50_ns"`
	P95       time.Duration `json:"p95_ns"`
	Max       time.Duration `json:"max_ns"`
	Threshold time.Duration `json:"threshold_ns"`
}

type Report struct {
	RunID      string        `json:"run_id"`
	Dialect    string        `json:"dialect"`
	Tenants    []string      `json:"tenants"`
	Tables     []string      `json:"tables"`
	Passed     bool          `json:"passed"`
	Checks     []CheckResult `json:"checks"`
	Violations []Violation   `json:"violations"`
	Latency    LatencyStats  `json:"latency"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
}

// Failed reports whether any violation is at least as severe as min. CI jobs
// gate on Failed(SeverityHigh) or stricter.
func (r *Report) Failed(min Severity) bool {
	for _, v := range r.Violations {
		if v.Severity.rank() >= min.rank() {
			return true
		}
	}
	return false
}

// Count returns the number of violations with exactly severity s.
func (r *Report) Count(s Severity) int {
	n := 0
	for _, v := range r.Violations {
		if v.Severity == s {
			n++
		}
	}
	return n
}

func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
