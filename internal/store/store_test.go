package store

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/chronologos/rdp/internal/protocol"
)

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestChunkCounts(t *testing.T) {
	tests := []struct {
		size    int
		count   int
		lastLen int
	}{
		{0, 0, 0},
		{1, 1, 1},
		{998, 1, 998},
		{999, 1, 999},
		{1000, 2, 1},
		{3 * 999, 3, 999},
		{3*999 + 17, 4, 17},
	}
	for _, tt := range tests {
		s := New(pattern(tt.size))
		if s.Count() != tt.count {
			t.Fatalf("size %d: count %d, want %d", tt.size, s.Count(), tt.count)
		}
		if s.Size() != tt.size {
			t.Fatalf("size %d: Size() = %d", tt.size, s.Size())
		}
		if tt.count == 0 {
			continue
		}
		for i := 0; i < tt.count-1; i++ {
			if s.PayloadLen(i) != protocol.MaxPayloadSize {
				t.Fatalf("size %d: chunk %d has %d bytes", tt.size, i, s.PayloadLen(i))
			}
		}
		if got := s.PayloadLen(tt.count - 1); got != tt.lastLen {
			t.Fatalf("size %d: last chunk %d bytes, want %d", tt.size, got, tt.lastLen)
		}
	}
}

func TestPacketsReassemble(t *testing.T) {
	data := pattern(5*999 + 123)
	s := New(data)

	var out bytes.Buffer
	for i := 0; i < s.Count(); i++ {
		p, err := protocol.DecodePacket(s.Packet(i, 77))
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if p.Flags != protocol.FlagData || p.RecvID != 77 || p.SenderID != protocol.ServerID {
			t.Fatalf("chunk %d: header %+v", i, p.Header)
		}
		if int(p.PktSeq) != i+1 {
			t.Fatalf("chunk %d: pktseq %d", i, p.PktSeq)
		}
		if int(p.Metadata) != s.PayloadLen(i) {
			t.Fatalf("chunk %d: metadata %d, payload %d", i, p.Metadata, s.PayloadLen(i))
		}
		out.Write(p.Payload)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatal("reassembled chunks differ from source")
	}
}

func TestPacketRepatchesRecipient(t *testing.T) {
	s := New(pattern(10))

	first, _ := protocol.DecodeHeader(s.Packet(0, 1))
	second, _ := protocol.DecodeHeader(s.Packet(0, 2))
	if first.RecvID != 1 || second.RecvID != 2 {
		t.Fatalf("recipients %d, %d", first.RecvID, second.RecvID)
	}
	if first.Metadata != 10 || second.Metadata != 10 {
		t.Fatal("payload length changed across patches")
	}
}

func TestNewCopiesInput(t *testing.T) {
	data := []byte("mutable")
	s := New(data)
	data[0] = 'X'
	p, _ := protocol.DecodePacket(s.Packet(0, 1))
	if string(p.Payload) != "mutable" {
		t.Fatalf("store aliases caller buffer: %q", p.Payload)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "src.bin")
	data := pattern(2500)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Count() != 3 || s.Size() != 2500 {
		t.Fatalf("count=%d size=%d", s.Count(), s.Size())
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}
