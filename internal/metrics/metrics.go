package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "coopguard"
	subsystem = "scoped"
)

// Collectors holds the engine's RED metrics. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	decisions *prometheus.CounterVec
	blocked   *prometheus.CounterVec
	throttled prometheus.Counter
	threshold prometheus.Counter
	durs      *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "decision_total",
			Help:      "Engine calls by action, table and outcome",
		}, []string{"action", "table", "outcome"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "suspicious_query_total",
			Help:      "Analyzer findings by signature and severity",
		}, []string{"signature", "severity"}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "throttled_total",
			Help:      "Calls refused by the rate limiter",
		}),
		threshold: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "suspicious_threshold_total",
			Help:      "Suspicious-activity threshold crossings",
		}),
		durs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duration_seconds",
			Help:      "Duration of engine calls",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"action"}),
	}
	if reg != nil {
		reg.MustRegister(c.decisions, c.blocked, c.throttled, c.threshold, c.durs)
	}
	return c
}

func (c *Collectors) Decision(action, table, outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues(action, table, outcome).Inc()
	c.durs.WithLabelValues(action).Observe(took.Seconds())
}

func (c *Collectors) Finding(signature, severity string) {
	if c == nil {
		return
	}
	c.blocked.WithLabelValues(signature, severity).Inc()
}

func (c *Collectors) Throttled() {
	if c == nil {
		return
	}
	c.throttled.Inc()
}

func (c *Collectors) ThresholdExceeded() {
	if c == nil {
		return
	}
	c.threshold.Inc()
}
