package transport

import (
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrTimeout is returned by Receive when no datagram arrived in time.
	ErrTimeout = errors.New("receive timed out")
	// ErrSocketOption is returned when a bound socket cannot be configured.
	ErrSocketOption = errors.New("socket option")
)

// Mode selects how the UDP socket is owned.
type Mode int

const (
	// ModeUDP reads and writes a plain UDP socket.
	ModeUDP Mode = iota
	// ModeShared hands the socket to a QUIC transport and exchanges RDP
	// datagrams over its non-QUIC path, so the port can also carry QUIC.
	ModeShared
)

func (m Mode) String() string {
	switch m {
	case ModeUDP:
		return "UDP"
	case ModeShared:
		return "shared"
	default:
		return "unknown"
	}
}

// Conn is a datagram endpoint. Implementations are used from a single
// goroutine.
type Conn interface {
	// Send transmits one datagram to the given address.
	Send(b []byte, to net.Addr) error
	// Receive waits up to timeout for one datagram and copies it into b.
	// A timeout <= 0 waits indefinitely. Returns ErrTimeout when the
	// wait elapsed with nothing received.
	Receive(b []byte, timeout time.Duration) (int, net.Addr, error)
	LocalAddr() net.Addr
	Close() error
}

// Options tune the underlying socket.
type Options struct {
	// TOS sets the IPv4 type-of-service byte on outgoing datagrams.
	// Zero leaves the system default.
	TOS int
}

// Listen opens a datagram endpoint bound to addr ("host:port", port 0 for
// an ephemeral port).
func Listen(mode Mode, addr string, opts Options) (Conn, error) {
	switch mode {
	case ModeUDP:
		c, err := ListenUDP(addr, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	case ModeShared:
		c, err := ListenShared(addr, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported transport mode %d", mode)
	}
}

// ResolveAddr resolves an IPv4 UDP address from host and port.
func ResolveAddr(host string, port int) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve %s:%d: %w", host, port, err)
	}
	return addr, nil
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
