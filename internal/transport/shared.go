package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// SharedConn is a Conn whose socket is owned by a quic.Transport. RDP
// datagrams never set the QUIC fixed bit (0x40) or long-header bit (0x80)
// in their first byte, so quic-go hands all of them to the non-QUIC path.
type SharedConn struct {
	udp    *net.UDPConn
	tr     *quic.Transport
	closed atomic.Bool
}

// ListenShared binds an IPv4 UDP socket at addr and wraps it in a QUIC
// transport.
func ListenShared(addr string, opts Options) (*SharedConn, error) {
	udp, err := listenUDP4(addr, opts)
	if err != nil {
		return nil, err
	}
	c := &SharedConn{
		udp: udp,
		tr:  &quic.Transport{Conn: udp},
	}

	// quic-go discards non-QUIC datagrams until the first ReadNonQUICPacket
	// call. Make that call now with a cancelled context so nothing that
	// arrives before the first Receive is lost.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.tr.ReadNonQUICPacket(ctx, nil)
	return c, nil
}

// Transport exposes the QUIC transport that owns the socket.
func (c *SharedConn) Transport() *quic.Transport {
	return c.tr
}

// Send writes b to the given address through the QUIC transport.
func (c *SharedConn) Send(b []byte, to net.Addr) error {
	_, err := c.tr.WriteTo(b, to)
	return err
}

// Receive waits up to timeout for the next non-QUIC datagram.
func (c *SharedConn) Receive(b []byte, timeout time.Duration) (int, net.Addr, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	n, addr, err := c.tr.ReadNonQUICPacket(ctx, b)
	if err != nil {
		if c.closed.Load() {
			return 0, nil, net.ErrClosed
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, ErrTimeout
		}
		return 0, nil, fmt.Errorf("read non-QUIC packet: %w", err)
	}
	return n, addr, nil
}

// LocalAddr returns the bound address.
func (c *SharedConn) LocalAddr() net.Addr {
	return c.udp.LocalAddr()
}

// Close stops the QUIC transport, then closes the socket it was given.
// Safe to call more than once and from another goroutine.
func (c *SharedConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.tr.Close()
	if cerr := c.udp.Close(); err == nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}
