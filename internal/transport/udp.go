package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/ipv4"
)

// UDPConn is a Conn over a plain IPv4 UDP socket.
type UDPConn struct {
	conn *net.UDPConn
}

// ListenUDP binds an IPv4 UDP socket at addr.
func ListenUDP(addr string, opts Options) (*UDPConn, error) {
	conn, err := listenUDP4(addr, opts)
	if err != nil {
		return nil, err
	}
	return &UDPConn{conn: conn}, nil
}

func listenUDP4(addr string, opts Options) (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}
	if opts.TOS != 0 {
		if err := ipv4.NewPacketConn(conn).SetTOS(opts.TOS); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: set TOS 0x%02x: %w", ErrSocketOption, opts.TOS, err)
		}
	}
	return conn, nil
}

// Send writes b to the given address.
func (c *UDPConn) Send(b []byte, to net.Addr) error {
	_, err := c.conn.WriteTo(b, to)
	return err
}

// Receive reads one datagram, waiting at most timeout.
func (c *UDPConn) Receive(b []byte, timeout time.Duration) (int, net.Addr, error) {
	if err := c.conn.SetReadDeadline(deadline(timeout)); err != nil {
		return 0, nil, err
	}
	n, addr, err := c.conn.ReadFromUDP(b)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, nil, ErrTimeout
		}
		return 0, nil, err
	}
	return n, addr, nil
}

// LocalAddr returns the bound address.
func (c *UDPConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Close closes the socket.
func (c *UDPConn) Close() error {
	return c.conn.Close()
}
