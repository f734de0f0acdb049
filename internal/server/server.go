package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"time"

	"github.com/chronologos/rdp/internal/protocol"
	"github.com/chronologos/rdp/internal/registry"
	"github.com/chronologos/rdp/internal/store"
	"github.com/chronologos/rdp/internal/transport"
)

const defaultPollTimeout = 1 * time.Second

var (
	ErrSourceFile = errors.New("source file unavailable")
	ErrSocket     = errors.New("socket setup failed")
	ErrBind       = errors.New("bind failed")
)

// Config holds server configuration.
type Config struct {
	Host       string // bind host; empty binds all interfaces
	Port       int    // 0 picks an ephemeral port
	File       string // file served to every client
	MaxClients int    // concurrent bound, and number of transfers before exit
	Loss       float64
	Seed       int64 // loss RNG seed; 0 picks one at random
	Mode       transport.Mode
	TOS        int

	// PollTimeout bounds each wait for a datagram. It only paces the loop;
	// the server never retransmits on its own clock.
	PollTimeout time.Duration
	Logger      *slog.Logger
}

// Stats counts server traffic. Sent includes datagrams the loss simulator
// discarded.
type Stats struct {
	Received    uint64
	Sent        uint64
	Retransmits uint64
	Denied      uint64
	Malformed   uint64
}

// Server serves one file to up to MaxClients clients over RDP. It owns the
// packet store, the connection registry, and the socket, and runs a single
// goroutine that branches on each received packet.
type Server struct {
	cfg   Config
	log   *slog.Logger
	conn  transport.Conn
	lossy *transport.Lossy
	store *store.Store
	reg   *registry.Registry
	buf   []byte
	stats Stats

	// Ready is closed once the socket is bound, with Addr set.
	Ready chan struct{}
	Addr  net.Addr
}

// New creates a server but does not start it. Call Run to begin.
func New(cfg Config) *Server {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.Seed == 0 {
		cfg.Seed = rand.Int64()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:   cfg,
		log:   logger.With("component", "server"),
		buf:   make([]byte, protocol.MaxPacketSize),
		Ready: make(chan struct{}),
	}
}

// Run loads the file, binds the socket, and serves until MaxClients
// transfers have terminated or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.MaxClients < 1 {
		return fmt.Errorf("max clients must be >= 1, got %d", s.cfg.MaxClients)
	}

	st, err := store.Load(s.cfg.File)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFile, err)
	}
	s.store = st
	s.reg = registry.New(s.cfg.MaxClients)

	raw, err := transport.Listen(s.cfg.Mode, net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		transport.Options{TOS: s.cfg.TOS})
	if err != nil {
		if errors.Is(err, transport.ErrSocketOption) {
			return fmt.Errorf("%w: %w", ErrSocket, err)
		}
		return fmt.Errorf("%w: %w", ErrBind, err)
	}
	lossy, err := transport.NewLossy(raw, s.cfg.Loss, transport.NewSeededSource(s.cfg.Seed))
	if err != nil {
		raw.Close()
		return err
	}
	s.lossy = lossy
	s.conn = lossy

	// Closing the socket is what unblocks Receive on cancellation.
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	defer func() {
		stop()
		raw.Close()
		s.release()
	}()

	s.Addr = raw.LocalAddr()
	close(s.Ready)

	s.log.Info("serving",
		"addr", s.Addr,
		"mode", s.cfg.Mode,
		"file", s.cfg.File,
		"bytes", st.Size(),
		"chunks", st.Count(),
		"max_clients", s.cfg.MaxClients,
		"loss", s.cfg.Loss,
	)

	if err := s.loop(ctx); err != nil {
		return err
	}

	s.log.Info("all transfers complete",
		"served", s.reg.Served(),
		"received", s.stats.Received,
		"sent", s.stats.Sent,
		"dropped", s.lossy.Dropped(),
		"retransmits", s.stats.Retransmits,
		"denied", s.stats.Denied,
	)
	return nil
}

// loop receives one datagram per iteration and dispatches it.
func (s *Server) loop(ctx context.Context) error {
	for s.reg.Served() < s.cfg.MaxClients {
		n, from, err := s.conn.Receive(s.buf, s.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			// Fatal to this exchange only; keep serving the others.
			s.log.Warn("receive failed", "err", err)
			continue
		}
		s.dispatch(s.buf[:n], from)
	}
	return nil
}

// dispatch branches on the flag of one received packet.
func (s *Server) dispatch(b []byte, from net.Addr) {
	h, err := protocol.DecodeHeader(b)
	if err != nil {
		s.stats.Malformed++
		s.log.Warn("dropping malformed datagram", "from", from, "err", err)
		return
	}
	s.stats.Received++

	switch h.Flags {
	case protocol.FlagConnectRequest:
		s.handleConnect(h.SenderID, from)
	case protocol.FlagAck:
		s.handleAck(h.SenderID, h.AckSeq)
	case protocol.FlagConnectTerminate:
		s.handleTerminate(h.SenderID)
	default:
		s.log.Warn("unexpected packet", "flag", h.Flags, "client", h.SenderID, "from", from)
	}
}

func (s *Server) handleConnect(id uint32, from net.Addr) {
	c, err := s.reg.Add(id, from)
	switch {
	case err == nil:
		s.log.Info("connected", "client", id, "addr", from, "active", s.reg.Active())
		s.send(protocol.NewAccept(id), from)
		s.sendNext(c, 0)

	case errors.Is(err, registry.ErrDuplicateID) && s.isRepeatedRequest(id, from):
		// The client never saw our accept or its first chunk and asked
		// again from the same socket. Answer as before without a new record.
		s.log.Debug("repeated connect request", "client", id)
		c, _ := s.reg.Lookup(id)
		s.send(protocol.NewAccept(id), from)
		s.retransmit(c)

	default:
		s.stats.Denied++
		s.log.Info("not connected", "client", id, "addr", from, "reason", err)
		s.send(protocol.NewDeny(id), from)
	}
}

// isRepeatedRequest reports whether a duplicate request for id comes from
// the admitted client itself before it acknowledged anything.
func (s *Server) isRepeatedRequest(id uint32, from net.Addr) bool {
	c, ok := s.reg.Lookup(id)
	return ok && c.ExpectedAck == 1 && c.Addr.String() == from.String()
}

func (s *Server) handleAck(id uint32, ack uint8) {
	c, ok := s.reg.Lookup(id)
	if !ok {
		s.log.Warn("ack from unknown connection", "client", id, "ack", ack)
		return
	}
	s.log.Debug("received ack", "client", id, "ack", ack)
	s.sendNext(c, ack)
}

func (s *Server) handleTerminate(id uint32) {
	if !s.reg.Remove(id) {
		s.log.Debug("terminate for unknown connection", "client", id)
		return
	}
	s.log.Info("disconnected", "client", id, "served", s.reg.Served(), "active", s.reg.Active())
}

// send transmits b through the loss simulator.
func (s *Server) send(b []byte, to net.Addr) {
	s.stats.Sent++
	if err := s.conn.Send(b, to); err != nil {
		s.log.Warn("send failed", "to", to, "err", err)
	}
}

// Stats returns a snapshot of the traffic counters. Only meaningful once
// Run has returned.
func (s *Server) Stats() Stats {
	return s.stats
}

// release drops the packet store and connection records.
func (s *Server) release() {
	if s.store != nil {
		s.store.Release()
	}
	if s.reg != nil {
		s.reg.Clear()
	}
}
