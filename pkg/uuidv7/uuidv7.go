// Package uuidv7 generates time-ordered identifiers (RFC 9562 version 7) for
// case rows and audit entries.
package uuidv7

import (
	"crypto/rand"
	"io"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Generator stamps identifiers with its clock. Identifiers from one generator
// are strictly increasing, also when the clock stands still.
type Generator struct {
	clock clock.Clock
	rand  io.Reader

	mu     sync.Mutex
	lastMS uint64
	seq    uint16
}

func NewGenerator(c clock.Clock) *Generator {
	if c == nil {
		c = clock.New()
	}
	return &Generator{clock: c, rand: rand.Reader}
}

var defaultGenerator = NewGenerator(nil)

// New returns a UUIDv7 with millisecond precision.
func (g *Generator) New() (uuid.UUID, error) {
	var b [16]byte
	if _, err := io.ReadFull(g.rand, b[:]); err != nil {
		return uuid.Nil, err
	}

	ms, seq := g.next()
	b[0] = byte(ms >> 40)
	b[1] = byte(ms >> 32)
	b[2] = byte(ms >> 24)
	b[3] = byte(ms >> 16)
	b[4] = byte(ms >> 8)
	b[5] = byte(ms)

	// Version 7 (0b0111) followed by the 12 bit sequence
	b[6] = 0x70 | byte(seq>>8)
	b[7] = byte(seq)
	// Variant RFC 4122 (0b10xxxxxx)
	b[8] = (b[8] & 0x3f) | 0x80

	return uuid.FromBytes(b[:])
}

// next returns the millisecond and sequence for the next identifier. A full
// sequence borrows the following millisecond.
func (g *Generator) next() (uint64, uint16) {
	ms := uint64(g.clock.Now().UnixMilli())
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case ms > g.lastMS:
		g.lastMS, g.seq = ms, 0
	case g.seq == 0x0fff:
		g.lastMS, g.seq = g.lastMS+1, 0
	default:
		g.seq++
	}
	return g.lastMS, g.seq
}

func (g *Generator) NewString() (string, error) {
	u, err := g.New()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// NewString returns a UUIDv7 string stamped with the wall clock.
func NewString() (string, error) { return defaultGenerator.NewString() }
