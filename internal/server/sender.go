package server

import (
	"github.com/chronologos/rdp/internal/protocol"
	"github.com/chronologos/rdp/internal/registry"
)

// sendNext is the stop-and-wait sender. Chunk i travels with pktseq i+1 and
// c.ExpectedAck is the ack that confirms the chunk in flight.
//
// An ack equal to ExpectedAck confirms it: send chunk ExpectedAck and
// advance. Any other ack is stale and the chunk in flight is sent again.
// There is no timer; a lost chunk or ack is recovered when the client
// re-acks after its idle timeout.
func (s *Server) sendNext(c *registry.Conn, ack uint8) {
	if ack != protocol.SeqOf(c.ExpectedAck) {
		s.retransmit(c)
		return
	}
	idx := c.ExpectedAck
	c.ExpectedAck++
	s.sendChunk(c, idx)
}

// retransmit re-sends the chunk in flight for c.
func (s *Server) retransmit(c *registry.Conn) {
	s.stats.Retransmits++
	s.sendChunk(c, max(c.ExpectedAck-1, 0))
}

// sendChunk sends chunk idx to c, or the end-of-transfer sentinel once idx
// reaches the chunk count.
func (s *Server) sendChunk(c *registry.Conn, idx int) {
	if idx >= s.store.Count() {
		s.log.Debug("sending sentinel", "client", c.ID, "pktseq", idx+1)
		s.send(protocol.NewSentinel(c.ID, idx+1), c.Addr)
		return
	}
	s.log.Debug("sending packet", "client", c.ID, "pktseq", idx+1, "bytes", s.store.PayloadLen(idx))
	s.send(s.store.Packet(idx, c.ID), c.Addr)
}
