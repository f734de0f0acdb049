package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShortHeader     = errors.New("datagram shorter than header")
	ErrUnknownFlag     = errors.New("unknown packet flag")
	ErrShortPayload    = errors.New("datagram shorter than declared payload")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

// Header is the fixed header carried by every packet.
type Header struct {
	Flags    Flag
	PktSeq   uint8
	AckSeq   uint8
	SenderID uint32
	RecvID   uint32
	// Metadata is the payload length of a DATA packet. Zero on a DATA
	// packet marks the end of the transfer; unused on control packets.
	Metadata uint32
}

// Put writes h into the first HeaderSize bytes of b. b must be at least
// HeaderSize long.
func (h Header) Put(b []byte) {
	_ = b[HeaderSize-1]
	b[offFlags] = byte(h.Flags)
	b[offPktSeq] = h.PktSeq
	b[offAckSeq] = h.AckSeq
	b[offReserved] = 0
	binary.BigEndian.PutUint32(b[offSender:], h.SenderID)
	binary.BigEndian.PutUint32(b[offRecv:], h.RecvID)
	binary.BigEndian.PutUint32(b[offMetadata:], h.Metadata)
}

// Encode returns h serialized into a new HeaderSize buffer.
func (h Header) Encode() []byte {
	b := make([]byte, HeaderSize)
	h.Put(b)
	return b
}

// IsSentinel reports whether h marks the end of a transfer.
func (h Header) IsSentinel() bool {
	return h.Flags == FlagData && h.Metadata == 0
}

// DecodeHeader parses the header at the start of b. The reserved byte is
// ignored.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	h := Header{
		Flags:    Flag(b[offFlags]),
		PktSeq:   b[offPktSeq],
		AckSeq:   b[offAckSeq],
		SenderID: binary.BigEndian.Uint32(b[offSender:]),
		RecvID:   binary.BigEndian.Uint32(b[offRecv:]),
		Metadata: binary.BigEndian.Uint32(b[offMetadata:]),
	}
	if !h.Flags.Valid() {
		return Header{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFlag, byte(h.Flags))
	}
	return h, nil
}

// Packet is a decoded datagram.
type Packet struct {
	Header
	Payload []byte
}

// DecodePacket parses a full datagram. For DATA packets Payload aliases b
// and holds exactly Metadata bytes; control packets carry no payload.
func DecodePacket(b []byte) (Packet, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Packet{}, err
	}
	p := Packet{Header: h}
	if h.Flags != FlagData || h.Metadata == 0 {
		return p, nil
	}
	if h.Metadata > MaxPayloadSize {
		return Packet{}, fmt.Errorf("%w: %d", ErrPayloadTooLarge, h.Metadata)
	}
	end := HeaderSize + int(h.Metadata)
	if len(b) < end {
		return Packet{}, fmt.Errorf("%w: have %d, want %d", ErrShortPayload, len(b)-HeaderSize, h.Metadata)
	}
	p.Payload = b[HeaderSize:end]
	return p, nil
}

// EncodePacket returns the datagram for h followed by payload. Metadata is
// taken from h as given.
func EncodePacket(h Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	b := make([]byte, HeaderSize+len(payload))
	h.Put(b)
	copy(b[HeaderSize:], payload)
	return b, nil
}

// SeqOf reduces a full-width sequence counter to its one-byte wire form.
// Both ends keep full-width counters and compare wire values modulo 256.
// With a single packet outstanding this is unambiguous unless a datagram
// is delayed across 256 exchanges.
func SeqOf(n int) uint8 {
	return uint8(n)
}

// --- Control packets ---

// NewConnectRequest is sent by a client to open a transfer.
func NewConnectRequest(clientID uint32) []byte {
	return Header{Flags: FlagConnectRequest, SenderID: clientID, RecvID: ServerID}.Encode()
}

// NewAccept admits clientID.
func NewAccept(clientID uint32) []byte {
	return Header{Flags: FlagConnectAccept, SenderID: ServerID, RecvID: clientID}.Encode()
}

// NewDeny refuses clientID.
func NewDeny(clientID uint32) []byte {
	return Header{Flags: FlagConnectDeny, SenderID: ServerID, RecvID: clientID}.Encode()
}

// NewTerminate ends clientID's connection.
func NewTerminate(clientID uint32) []byte {
	return Header{Flags: FlagConnectTerminate, SenderID: clientID, RecvID: ServerID}.Encode()
}

// NewAck acknowledges ack, the count of chunks clientID has written.
func NewAck(clientID uint32, ack int) []byte {
	return Header{Flags: FlagAck, AckSeq: SeqOf(ack), SenderID: clientID, RecvID: ServerID}.Encode()
}

// NewSentinel is the empty DATA packet that ends clientID's transfer.
func NewSentinel(clientID uint32, seq int) []byte {
	return Header{Flags: FlagData, PktSeq: SeqOf(seq), SenderID: ServerID, RecvID: clientID}.Encode()
}
