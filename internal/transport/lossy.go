package transport

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
)

// ErrBadProbability is returned for loss probabilities outside [0, 1].
var ErrBadProbability = errors.New("loss probability must be within [0, 1]")

// ValidProbability reports whether p is a usable loss probability.
func ValidProbability(p float64) bool {
	return !math.IsNaN(p) && p >= 0 && p <= 1
}

// Lossy wraps a Conn and silently discards each outgoing datagram with a
// fixed probability. Receive passes through unchanged. It is the only
// fault-injection point; control and data packets are treated alike.
//
// Not safe for concurrent use.
type Lossy struct {
	Conn
	p       float64
	rng     *rand.Rand
	sent    uint64
	dropped uint64
}

// NewLossy wraps inner with loss probability p. src drives the drop
// decisions; pass a seeded source for reproducible runs.
func NewLossy(inner Conn, p float64, src rand.Source) (*Lossy, error) {
	if !ValidProbability(p) {
		return nil, fmt.Errorf("%w: %v", ErrBadProbability, p)
	}
	return &Lossy{Conn: inner, p: p, rng: rand.New(src)}, nil
}

// NewSeededSource returns a deterministic source for NewLossy.
func NewSeededSource(seed int64) rand.Source {
	return rand.NewPCG(uint64(seed), uint64(seed)^0x9E3779B97F4A7C15)
}

// Send forwards b unless the loss roll drops it. A dropped datagram is
// reported as sent.
func (l *Lossy) Send(b []byte, to net.Addr) error {
	if l.p > 0 && l.rng.Float64() < l.p {
		l.dropped++
		return nil
	}
	l.sent++
	return l.Conn.Send(b, to)
}

// Sent returns the number of datagrams forwarded to the inner Conn.
func (l *Lossy) Sent() uint64 { return l.sent }

// Dropped returns the number of datagrams discarded.
func (l *Lossy) Dropped() uint64 { return l.dropped }
