package registry

import (
	"errors"
	"net"
	"time"
)

var (
	ErrFull        = errors.New("registry at capacity")
	ErrDuplicateID = errors.New("connection id already active")
)

// Conn is an admitted client connection.
type Conn struct {
	ID       uint32
	Addr     net.Addr
	Active   bool
	Admitted time.Time

	// ExpectedAck is the ack value that confirms the most recently sent
	// chunk. Chunk ExpectedAck-1 is the one in flight.
	ExpectedAck int
}

// Registry tracks admitted connections, bounded by a maximum concurrent
// count, and how many connections have completed.
//
// Registry is owned by the server loop and is not safe for concurrent use.
type Registry struct {
	conns  map[uint32]*Conn
	max    int
	served int
}

// New creates a registry admitting at most max concurrent connections.
func New(max int) *Registry {
	return &Registry{
		conns: make(map[uint32]*Conn, max),
		max:   max,
	}
}

// Add admits id at addr with ExpectedAck 0. It fails with ErrDuplicateID if
// id is already active, and with ErrFull if max connections are active.
func (r *Registry) Add(id uint32, addr net.Addr) (*Conn, error) {
	if _, ok := r.conns[id]; ok {
		return nil, ErrDuplicateID
	}
	if len(r.conns) >= r.max {
		return nil, ErrFull
	}
	c := &Conn{
		ID:       id,
		Addr:     addr,
		Active:   true,
		Admitted: time.Now(),
	}
	r.conns[id] = c
	return c, nil
}

// Remove deletes id and counts it as served. It reports false, and counts
// nothing, if id was not active.
func (r *Registry) Remove(id uint32) bool {
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	c.Active = false
	delete(r.conns, id)
	r.served++
	return true
}

// Lookup returns the active connection for id.
func (r *Registry) Lookup(id uint32) (*Conn, bool) {
	c, ok := r.conns[id]
	return c, ok
}

// Active returns the number of admitted connections.
func (r *Registry) Active() int { return len(r.conns) }

// Served returns the number of connections removed so far.
func (r *Registry) Served() int { return r.served }

// Max returns the concurrent connection bound.
func (r *Registry) Max() int { return r.max }

// Clear drops every record.
func (r *Registry) Clear() {
	clear(r.conns)
}
