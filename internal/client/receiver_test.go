package client

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/chronologos/rdp/internal/protocol"
	"github.com/chronologos/rdp/internal/transport"
)

var testServerAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}

// scriptConn replays queued datagrams from the server address and records
// everything sent. A nil entry, or an empty queue, reads as a timeout.
type scriptConn struct {
	queue [][]byte
	sent  []protocol.Header
}

func (s *scriptConn) Send(b []byte, _ net.Addr) error {
	h, err := protocol.DecodeHeader(b)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, h)
	return nil
}

func (s *scriptConn) Receive(b []byte, _ time.Duration) (int, net.Addr, error) {
	if len(s.queue) == 0 {
		return 0, nil, transport.ErrTimeout
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	if next == nil {
		return 0, nil, transport.ErrTimeout
	}
	return copy(b, next), testServerAddr, nil
}

func (s *scriptConn) LocalAddr() net.Addr { return &net.UDPAddr{} }
func (s *scriptConn) Close() error        { return nil }

// acks returns the ack values sent, in order.
func (s *scriptConn) acks() []uint8 {
	var out []uint8
	for _, h := range s.sent {
		if h.Flags == protocol.FlagAck {
			out = append(out, h.AckSeq)
		}
	}
	return out
}

func (s *scriptConn) terminated() bool {
	return len(s.sent) > 0 && s.sent[len(s.sent)-1].Flags == protocol.FlagConnectTerminate
}

// newTestClient wires a client to a scripted transport instead of a socket.
func newTestClient(id uint32, conn transport.Conn) *Client {
	c := New(Config{ID: id})
	c.conn = conn
	c.server = testServerAddr
	return c
}

func dataPacket(t *testing.T, id uint32, seq uint8, payload string) []byte {
	t.Helper()
	b, err := protocol.EncodePacket(protocol.Header{
		Flags:    protocol.FlagData,
		PktSeq:   seq,
		RecvID:   id,
		Metadata: uint32(len(payload)),
	}, []byte(payload))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func equalAcks(got []uint8, want ...uint8) bool {
	return bytes.Equal(got, want)
}

func TestReceiveInOrder(t *testing.T) {
	conn := &scriptConn{queue: [][]byte{
		dataPacket(t, 1, 1, "hello "),
		dataPacket(t, 1, 2, "world"),
		protocol.NewSentinel(1, 3),
	}}
	c := newTestClient(1, conn)

	var out bytes.Buffer
	if err := c.receive(context.Background(), &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != "hello world" {
		t.Fatalf("output %q", out.String())
	}
	// Each DATA packet is acked with the count written before it.
	if !equalAcks(conn.acks(), 0, 1) {
		t.Fatalf("acks %v", conn.acks())
	}
	if !conn.terminated() {
		t.Fatal("no terminate after sentinel")
	}
}

func TestReceiveDuplicateNotRewritten(t *testing.T) {
	conn := &scriptConn{queue: [][]byte{
		dataPacket(t, 1, 1, "abc"),
		dataPacket(t, 1, 1, "abc"),
		dataPacket(t, 1, 1, "abc"),
		dataPacket(t, 1, 2, "def"),
		dataPacket(t, 1, 2, "def"),
		protocol.NewSentinel(1, 3),
	}}
	c := newTestClient(1, conn)

	var out bytes.Buffer
	if err := c.receive(context.Background(), &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != "abcdef" {
		t.Fatalf("duplicates leaked into output: %q", out.String())
	}
	if !equalAcks(conn.acks(), 0, 1, 1, 1, 2) {
		t.Fatalf("acks %v", conn.acks())
	}
	if st := c.Stats(); st.Duplicates != 3 || st.Chunks != 2 || st.Bytes != 6 {
		t.Fatalf("stats %+v", st)
	}
}

func TestReceiveIdleTimeoutReacks(t *testing.T) {
	conn := &scriptConn{queue: [][]byte{
		nil, // chunk 1 lost
		nil,
		dataPacket(t, 1, 1, "x"),
		nil, // chunk 2 lost
		dataPacket(t, 1, 2, "y"),
		protocol.NewSentinel(1, 3),
	}}
	c := newTestClient(1, conn)

	var out bytes.Buffer
	if err := c.receive(context.Background(), &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != "xy" {
		t.Fatalf("output %q", out.String())
	}
	if !equalAcks(conn.acks(), 0, 0, 0, 1, 1) {
		t.Fatalf("acks %v", conn.acks())
	}
	if c.Stats().IdleAcks != 3 {
		t.Fatalf("idle acks %d", c.Stats().IdleAcks)
	}
}

func TestReceiveSkipsOtherRecipients(t *testing.T) {
	conn := &scriptConn{queue: [][]byte{
		dataPacket(t, 2, 1, "not mine"),
		dataPacket(t, 1, 1, "mine"),
		protocol.NewSentinel(2, 2),
		protocol.NewSentinel(1, 2),
	}}
	c := newTestClient(1, conn)

	var out bytes.Buffer
	if err := c.receive(context.Background(), &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != "mine" {
		t.Fatalf("output %q", out.String())
	}
}

func TestReceiveUnexpectedFlagAborts(t *testing.T) {
	for _, b := range [][]byte{
		protocol.NewAccept(1),
		protocol.NewDeny(1),
		{0x40, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, // unknown flag
	} {
		conn := &scriptConn{queue: [][]byte{dataPacket(t, 1, 1, "a"), b}}
		c := newTestClient(1, conn)

		err := c.receive(context.Background(), &bytes.Buffer{})
		if !errors.Is(err, ErrProtocol) {
			t.Fatalf("expected ErrProtocol, got %v", err)
		}
		if !conn.terminated() {
			t.Fatal("no terminate sent on protocol error")
		}
	}
}

func TestReceiveSequenceWraps(t *testing.T) {
	// 300 chunks cross the one-byte pktseq boundary twice over.
	const chunks = 300
	var queue [][]byte
	var want bytes.Buffer
	for i := 1; i <= chunks; i++ {
		payload := string(rune('a' + i%26))
		queue = append(queue, dataPacket(t, 1, protocol.SeqOf(i), payload))
		want.WriteString(payload)
		if i%50 == 0 {
			// Duplicate across the wrap point is still recognized.
			queue = append(queue, dataPacket(t, 1, protocol.SeqOf(i), payload))
		}
	}
	queue = append(queue, protocol.NewSentinel(1, chunks+1))

	conn := &scriptConn{queue: queue}
	c := newTestClient(1, conn)

	var out bytes.Buffer
	if err := c.receive(context.Background(), &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != want.String() {
		t.Fatalf("wrapped transfer wrote %d bytes, want %d", out.Len(), want.Len())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestReceiveWriteErrorTerminates(t *testing.T) {
	conn := &scriptConn{queue: [][]byte{dataPacket(t, 1, 1, "a")}}
	c := newTestClient(1, conn)

	err := c.receive(context.Background(), failingWriter{})
	if !errors.Is(err, ErrOutput) {
		t.Fatalf("expected ErrOutput, got %v", err)
	}
	if !conn.terminated() {
		t.Fatal("no terminate sent after write failure")
	}
}

func TestConnectOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		reply      []byte
		want       error
		terminated bool
	}{
		{"accept", protocol.NewAccept(1), nil, false},
		{"deny", protocol.NewDeny(1), ErrDenied, false},
		{"data before accept", dataPacket(t, 1, 1, "a"), nil, false},
		{"ack", protocol.Header{Flags: protocol.FlagAck, RecvID: 1}.Encode(), ErrProtocol, true},
		{"timeout", nil, ErrConnectTimeout, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &scriptConn{queue: [][]byte{tt.reply}}
			c := newTestClient(1, conn)

			err := c.connect(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if conn.sent[0].Flags != protocol.FlagConnectRequest || conn.sent[0].SenderID != 1 {
				t.Fatalf("first packet %+v", conn.sent[0])
			}
			if conn.terminated() != tt.terminated {
				t.Fatalf("terminated = %v, want %v", conn.terminated(), tt.terminated)
			}
		})
	}
}

func TestConnectRetries(t *testing.T) {
	conn := &scriptConn{queue: [][]byte{nil, nil, protocol.NewAccept(1)}}
	c := New(Config{ID: 1, ConnectAttempts: 3})
	c.conn = conn
	c.server = testServerAddr

	if err := c.connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	requests := 0
	for _, h := range conn.sent {
		if h.Flags == protocol.FlagConnectRequest {
			requests++
		}
	}
	if requests != 3 {
		t.Fatalf("sent %d connect requests, want 3", requests)
	}
}

func TestLateDuplicateAcceptIgnored(t *testing.T) {
	// The first accept arrives after the retry went out, so the server's
	// answer to the retry lands in the receive loop.
	conn := &scriptConn{queue: [][]byte{
		nil,
		protocol.NewAccept(1),
		protocol.NewAccept(1),
		dataPacket(t, 1, 1, "a"),
		protocol.NewSentinel(1, 2),
	}}
	c := New(Config{ID: 1, ConnectAttempts: 2})
	c.conn = conn
	c.server = testServerAddr

	if err := c.connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := c.receive(context.Background(), &out); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if out.String() != "a" {
		t.Fatalf("wrote %q, want %q", out.String(), "a")
	}
	if !conn.terminated() {
		t.Fatal("no terminate after sentinel")
	}
}
