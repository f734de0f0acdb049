package protocol

// Header: [1B flags][1B pktseq][1B ackseq][1B reserved]
// [4B senderid][4B recvid][4B metadata], multi-byte fields big-endian.
const HeaderSize = 16

// Largest payload carried by one DATA packet.
const MaxPayloadSize = 999

// MaxPacketSize bounds every datagram on the wire.
const MaxPacketSize = HeaderSize + MaxPayloadSize

// ServerID is the id the server uses as sender and clients use as recipient.
const ServerID uint32 = 0

// Flag identifies the kind of a packet. Exactly one value is set per packet.
type Flag byte

const (
	FlagConnectRequest   Flag = 0x01
	FlagConnectTerminate Flag = 0x02
	FlagData             Flag = 0x04
	FlagAck              Flag = 0x08
	FlagConnectAccept    Flag = 0x10
	FlagConnectDeny      Flag = 0x20
)

// Valid reports whether f is one of the recognized flag values.
func (f Flag) Valid() bool {
	switch f {
	case FlagConnectRequest, FlagConnectTerminate, FlagData,
		FlagAck, FlagConnectAccept, FlagConnectDeny:
		return true
	}
	return false
}

func (f Flag) String() string {
	switch f {
	case FlagConnectRequest:
		return "CONNECT_REQUEST"
	case FlagConnectTerminate:
		return "CONNECT_TERMINATE"
	case FlagData:
		return "DATA"
	case FlagAck:
		return "ACK"
	case FlagConnectAccept:
		return "CONNECT_ACCEPT"
	case FlagConnectDeny:
		return "CONNECT_DENY"
	default:
		return "unknown"
	}
}

// Header field offsets.
const (
	offFlags    = 0
	offPktSeq   = 1
	offAckSeq   = 2
	offReserved = 3
	offSender   = 4
	offRecv     = 8
	offMetadata = 12
)
