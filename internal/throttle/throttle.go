package throttle

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jacksonlee411/coopguard/pkg/tenantctx"
)

type Config struct {
	// Limit requests per Window for one user|origin key. Loaded config must
	// set both; New falls back to DefaultConfig for zero values.
	Limit  int           `koanf:"limit" validate:"gt=0"`
	Window time.Duration `koanf:"window" validate:"gt=0"`

	// SuspiciousThreshold analyzer hits within SuspiciousWindow raise one
	// threshold event per window. Zero disables the event.
	SuspiciousThreshold int           `koanf:"suspicious_threshold" validate:"gte=0"`
	SuspiciousWindow    time.Duration `koanf:"suspicious_window" validate:"gte=0"`

	// SweepProbability is the chance that a call also drops expired entries.
	SweepProbability float64 `koanf:"sweep_probability" validate:"gte=0,lte=1"`
}

func DefaultConfig() Config {
	return Config{
		Limit:               100,
		Window:              time.Minute,
		SuspiciousThreshold: 5,
		SuspiciousWindow:    time.Hour,
		SweepProbability:    0.01,
	}
}

type Decision struct {
	Allowed    bool
	Key        string
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	count   int
	resetAt time.Time
}

type counter struct {
	count   int
	resetAt time.Time
	crossed bool
}

// Limiter holds the fixed-window request buckets and the suspicious-activity
// counters. Both live only in memory; a restart forgets them.
type Limiter struct {
	cfg   Config
	clock clock.Clock
	roll  func() float64

	mu         sync.Mutex
	buckets    map[string]*bucket
	suspicious map[string]*counter
}

type Option func(*Limiter)

func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithRand replaces the sweep dice, mostly for tests.
func WithRand(roll func() float64) Option {
	return func(l *Limiter) { l.roll = roll }
}

func New(cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.SuspiciousWindow <= 0 {
		cfg.SuspiciousWindow = def.SuspiciousWindow
	}
	if cfg.SweepProbability < 0 {
		cfg.SweepProbability = 0
	}
	l := &Limiter{
		cfg:        cfg,
		clock:      clock.New(),
		roll:       rand.Float64,
		buckets:    make(map[string]*bucket),
		suspicious: make(map[string]*counter),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Config() Config { return l.cfg }

// Allow counts one request for tc's key and reports whether it fits in the
// current window.
func (l *Limiter) Allow(tc tenantctx.Context) Decision {
	key := tc.ThrottleKey()
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeSweepLocked(now)

	b, ok := l.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{resetAt: now.Add(l.cfg.Window)}
		l.buckets[key] = b
	}
	if b.count >= l.cfg.Limit {
		return Decision{Key: key, RetryAfter: b.resetAt.Sub(now)}
	}
	b.count++
	return Decision{Allowed: true, Key: key, Remaining: l.cfg.Limit - b.count}
}

// RecordSuspicious counts one analyzer hit for tc's key. crossed is true only
// for the hit that reaches the threshold within the current window.
func (l *Limiter) RecordSuspicious(tc tenantctx.Context) (count int, crossed bool) {
	key := tc.ThrottleKey()
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeSweepLocked(now)

	c, ok := l.suspicious[key]
	if !ok || !now.Before(c.resetAt) {
		c = &counter{resetAt: now.Add(l.cfg.SuspiciousWindow)}
		l.suspicious[key] = c
	}
	c.count++
	if l.cfg.SuspiciousThreshold > 0 && !c.crossed && c.count >= l.cfg.SuspiciousThreshold {
		c.crossed = true
		return c.count, true
	}
	return c.count, false
}

// Sweep drops expired buckets and counters and returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(now)
}

func (l *Limiter) Len() (buckets int, suspicious int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets), len(l.suspicious)
}

func (l *Limiter) maybeSweepLocked(now time.Time) {
	if l.cfg.SweepProbability <= 0 {
		return
	}
	if l.roll() < l.cfg.SweepProbability {
		l.sweepLocked(now)
	}
}

func (l *Limiter) sweepLocked(now time.Time) int {
	removed := 0
	for k, b := range l.buckets {
		if !now.Before(b.resetAt) {
			delete(l.buckets, k)
			removed++
		}
	}
	for k, c := range l.suspicious {
		if !now.Before(c.resetAt) {
			delete(l.suspicious, k)
			removed++
		}
	}
	return removed
}
