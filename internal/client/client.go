package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/chronologos/rdp/internal/protocol"
	"github.com/chronologos/rdp/internal/transport"
)

// discardHandler is a no-op slog handler that discards all log records.
// Used when no logger is configured.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

const (
	defaultConnectTimeout = 1 * time.Second
	defaultIdleTimeout    = 100 * time.Millisecond
	maxRandomID           = 10000
	outputPrefix          = "kernel-file-"
)

var (
	ErrAddress        = errors.New("invalid server address")
	ErrSocket         = errors.New("socket setup failed")
	ErrConnectTimeout = errors.New("no response to connect request")
	ErrDenied         = errors.New("connection denied by server")
	ErrFileExists     = errors.New("output file already exists")
	ErrOutput         = errors.New("output file error")
	ErrProtocol       = errors.New("unexpected packet")
)

// Config holds client configuration.
type Config struct {
	Host string
	Port int
	Loss float64
	Seed int64  // loss RNG seed; 0 picks one at random
	ID   uint32 // connection id; 0 picks one in [1, 10000]
	TOS  int    // IPv4 TOS byte for outgoing datagrams; 0 leaves the default

	OutputDir string // directory for kernel-file-<id>; empty is the working dir

	ConnectTimeout  time.Duration // wait per connect request
	ConnectAttempts int           // connect requests sent before giving up
	IdleTimeout     time.Duration // silence before re-sending the current ack

	Profile  bool           // print transfer stats and write a JSON profile
	Progress func(Progress) // called after each chunk is written
	Logger   *slog.Logger
}

// Progress reports how much of the file has been written.
type Progress struct {
	Chunks int
	Bytes  int64
}

// Stats counts what happened during one transfer.
type Stats struct {
	Chunks     int   // chunks written
	Bytes      int64 // payload bytes written
	Duplicates int   // DATA packets acked but not written again
	IdleAcks   int   // acks re-sent after an idle timeout
	AcksSent   int
	Dropped    uint64 // outbound datagrams discarded by loss simulation
}

// Client downloads the served file over RDP into kernel-file-<id>.
type Client struct {
	cfg    Config
	id     uint32
	log    *slog.Logger
	conn   transport.Conn
	lossy  *transport.Lossy
	server net.Addr
	buf    []byte
	stats  Stats
	stderr io.Writer // profile output
	start  time.Time
}

// New creates a client with the given config. Zero-valued timeouts and ids
// take their defaults.
func New(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 1
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Seed == 0 {
		cfg.Seed = rand.Int64()
	}
	id := cfg.ID
	if id == 0 {
		id = uint32(rand.IntN(maxRandomID)) + 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &Client{
		cfg:    cfg,
		id:     id,
		log:    logger.With("component", "client", "client", id),
		buf:    make([]byte, protocol.MaxPacketSize),
		stderr: os.Stderr,
	}
}

// ID returns the connection id sent to the server.
func (c *Client) ID() uint32 {
	return c.id
}

// OutputPath returns where the received file is written.
func (c *Client) OutputPath() string {
	return filepath.Join(c.cfg.OutputDir, fmt.Sprintf("%s%d", outputPrefix, c.id))
}

// Stats returns the transfer counters. Only meaningful once Run has returned.
func (c *Client) Stats() Stats {
	return c.stats
}

// Run connects to the server and receives the file. It returns nil once the
// end-of-transfer sentinel arrives.
func (c *Client) Run(ctx context.Context) error {
	server, err := transport.ResolveAddr(c.cfg.Host, c.cfg.Port)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAddress, err)
	}
	raw, err := transport.ListenUDP(":0", transport.Options{TOS: c.cfg.TOS})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSocket, err)
	}
	lossy, err := transport.NewLossy(raw, c.cfg.Loss, transport.NewSeededSource(c.cfg.Seed))
	if err != nil {
		raw.Close()
		return err
	}
	c.server = server
	c.lossy = lossy
	c.conn = lossy

	stop := context.AfterFunc(ctx, func() { raw.Close() })
	defer func() {
		stop()
		raw.Close()
	}()

	c.start = time.Now()
	if err := c.connect(ctx); err != nil {
		return err
	}
	c.log.Info("connected", "server", server)

	f, err := c.createOutput()
	if err != nil {
		c.terminate()
		return err
	}

	w := bufio.NewWriter(f)
	err = c.receive(ctx, w)
	if ferr := w.Flush(); ferr != nil && err == nil {
		err = fmt.Errorf("%w: %w", ErrOutput, ferr)
	}
	if cerr := f.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("%w: %w", ErrOutput, cerr)
	}
	c.stats.Dropped = c.lossy.Dropped()

	if c.cfg.Profile {
		c.logProfileSummary()
	}
	if err != nil {
		return err
	}
	c.log.Info("download complete", "file", c.OutputPath(), "bytes", c.stats.Bytes)
	return nil
}

// connect sends connect requests until the server answers or the attempts
// run out.
func (c *Client) connect(ctx context.Context) error {
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		c.send(protocol.NewConnectRequest(c.id))

		p, err := c.await(ctx, c.cfg.ConnectTimeout)
		if errors.Is(err, transport.ErrTimeout) {
			c.log.Debug("no answer to connect request", "attempt", attempt)
			continue
		}
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				c.terminate()
			}
			return err
		}

		switch p.Flags {
		case protocol.FlagConnectAccept:
			return nil
		case protocol.FlagConnectDeny:
			return ErrDenied
		case protocol.FlagData:
			// Only admitted clients get DATA, so the accept was lost. The
			// chunk itself is recovered by the first idle re-ack.
			c.log.Debug("data before accept, treating as accepted", "pktseq", p.PktSeq)
			return nil
		default:
			c.terminate()
			return fmt.Errorf("%w: %s while connecting", ErrProtocol, p.Flags)
		}
	}
	return ErrConnectTimeout
}

// createOutput creates the output file, failing if it already exists.
func (c *Client) createOutput() (*os.File, error) {
	path := c.OutputPath()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileExists, path)
		}
		return nil, fmt.Errorf("%w: %w", ErrOutput, err)
	}
	return f, nil
}

// await returns the next packet from the server addressed to this client,
// waiting at most timeout in total. Datagrams from other sources, for other
// ids, or too short to decode are skipped. An unrecognized flag from the
// server is a protocol violation.
func (c *Client) await(ctx context.Context, timeout time.Duration) (protocol.Packet, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return protocol.Packet{}, transport.ErrTimeout
		}
		n, from, err := c.conn.Receive(c.buf, remaining)
		if err != nil {
			if ctx.Err() != nil {
				return protocol.Packet{}, ctx.Err()
			}
			return protocol.Packet{}, err
		}
		if from.String() != c.server.String() {
			c.log.Debug("ignoring datagram from unknown source", "from", from)
			continue
		}
		p, err := protocol.DecodePacket(c.buf[:n])
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownFlag) {
				return protocol.Packet{}, fmt.Errorf("%w: %w", ErrProtocol, err)
			}
			c.log.Warn("dropping malformed datagram", "err", err)
			continue
		}
		if p.RecvID != c.id {
			continue
		}
		return p, nil
	}
}

// send transmits b to the server through the loss simulator.
func (c *Client) send(b []byte) {
	if err := c.conn.Send(b, c.server); err != nil {
		c.log.Warn("send failed", "err", err)
	}
}

func (c *Client) sendAck(ack int) {
	c.stats.AcksSent++
	c.send(protocol.NewAck(c.id, ack))
}

// terminate tells the server this connection is over.
func (c *Client) terminate() {
	c.send(protocol.NewTerminate(c.id))
}
