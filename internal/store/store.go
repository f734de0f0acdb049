// Package store splits the served file into fixed-size DATA packets.
//
// The file is read once at startup. Each chunk buffer reserves room for the
// packet header ahead of its payload, so sending a chunk only patches the
// header in place instead of copying the payload per destination.
package store

import (
	"fmt"
	"os"

	"github.com/chronologos/rdp/internal/protocol"
)

// Store holds the chunked file. Apart from header patching in Packet, it is
// immutable after construction. Not safe for concurrent use.
type Store struct {
	chunks [][]byte // header room + payload
	size   int
}

// Load reads the file at path and chunks it.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return New(data), nil
}

// New chunks data into ceil(len/MaxPayloadSize) packets. All chunks but the
// last carry MaxPayloadSize bytes; the last carries the remainder, or a full
// chunk when the size is an exact multiple. Empty data yields no chunks.
func New(data []byte) *Store {
	count := (len(data) + protocol.MaxPayloadSize - 1) / protocol.MaxPayloadSize
	s := &Store{
		chunks: make([][]byte, count),
		size:   len(data),
	}
	for i := range s.chunks {
		start := i * protocol.MaxPayloadSize
		end := min(start+protocol.MaxPayloadSize, len(data))
		buf := make([]byte, protocol.HeaderSize+end-start)
		copy(buf[protocol.HeaderSize:], data[start:end])
		s.chunks[i] = buf
	}
	return s
}

// Count returns the number of chunks. An ack equal to Count asks for the
// end-of-transfer sentinel.
func (s *Store) Count() int {
	return len(s.chunks)
}

// Size returns the file size in bytes.
func (s *Store) Size() int {
	return s.size
}

// PayloadLen returns the payload length of chunk i.
func (s *Store) PayloadLen(i int) int {
	return len(s.chunks[i]) - protocol.HeaderSize
}

// Packet patches chunk i's header for recvID and returns the full datagram.
// Chunk i travels with pktseq i+1. The returned slice is only valid until
// the next call for the same chunk.
func (s *Store) Packet(i int, recvID uint32) []byte {
	buf := s.chunks[i]
	protocol.Header{
		Flags:    protocol.FlagData,
		PktSeq:   protocol.SeqOf(i + 1),
		SenderID: protocol.ServerID,
		RecvID:   recvID,
		Metadata: uint32(len(buf) - protocol.HeaderSize),
	}.Put(buf)
	return buf
}

// Release drops the chunk buffers.
func (s *Store) Release() {
	s.chunks = nil
}
