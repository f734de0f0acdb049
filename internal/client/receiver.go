package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/chronologos/rdp/internal/protocol"
	"github.com/chronologos/rdp/internal/transport"
)

// receive is the stop-and-wait receiver. ack counts the chunks written so
// far; the next chunk expected is pktseq ack+1.
//
// Every DATA packet is answered with the current ack before anything is
// written, so a duplicate is re-acked but never written twice. Silence for
// IdleTimeout re-sends the current ack, which is the only way lost chunks
// and acks are recovered.
func (c *Client) receive(ctx context.Context, w io.Writer) error {
	ack := 0
	for {
		p, err := c.await(ctx, c.cfg.IdleTimeout)
		if errors.Is(err, transport.ErrTimeout) {
			c.stats.IdleAcks++
			c.log.Debug("idle, re-sending ack", "ack", ack)
			c.sendAck(ack)
			continue
		}
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				c.terminate()
			}
			return err
		}

		switch {
		case p.IsSentinel():
			c.log.Debug("end of transfer", "chunks", ack)
			c.terminate()
			return nil

		case p.Flags == protocol.FlagData:
			c.sendAck(ack)
			if p.PktSeq != protocol.SeqOf(ack+1) {
				c.stats.Duplicates++
				continue
			}
			if _, err := w.Write(p.Payload); err != nil {
				c.terminate()
				return fmt.Errorf("%w: %w", ErrOutput, err)
			}
			ack++
			c.stats.Chunks++
			c.stats.Bytes += int64(len(p.Payload))
			c.log.Debug("wrote chunk", "pktseq", p.PktSeq, "bytes", len(p.Payload))
			if c.cfg.Progress != nil {
				c.cfg.Progress(Progress{Chunks: c.stats.Chunks, Bytes: c.stats.Bytes})
			}

		case p.Flags == protocol.FlagConnectAccept:
			// Answer to a retried connect request.
			c.log.Debug("ignoring repeated accept")

		default:
			c.terminate()
			return fmt.Errorf("%w: %s during transfer", ErrProtocol, p.Flags)
		}
	}
}
