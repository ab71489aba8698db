package network

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/voxelnet-project/voxelnet/internal/events"
	"github.com/voxelnet-project/voxelnet/internal/protocol"
)

// NoUser marks a peer that has not logged in.
const NoUser int64 = -1

var (
	// ErrRegistryFull is returned when every slot is occupied.
	ErrRegistryFull = errors.New("peer registry full")
	// ErrHandleInUse is returned when a handle is registered twice.
	ErrHandleInUse = errors.New("handle already registered")
	// ErrWouldBlock is returned by a write that could not complete within the
	// write timeout. The byte count returned alongside it is still valid.
	ErrWouldBlock = errors.New("write would block")
	// ErrPeerGone is returned when a destination id no longer resolves.
	ErrPeerGone = errors.New("peer gone")
)

// Peer is one live connection.
//
// The handle is only meaningful while the peer is connected and is reused
// after close. Anything that may outlive the connection must refer to the
// peer by ID.
type Peer struct {
	handle int
	id     uint64
	conn   net.Conn

	userID   int64
	username string

	asm         protocol.Assembler
	connectedAt time.Time
	closed      bool
}

// Handle returns the transport handle.
func (p *Peer) Handle() int { return p.handle }

// ID returns the stable peer id.
func (p *Peer) ID() uint64 { return p.id }

// ConnectedAt returns when the peer was registered.
func (p *Peer) ConnectedAt() time.Time { return p.connectedAt }

// UserID returns the authenticated account id, or NoUser.
func (p *Peer) UserID() int64 { return p.userID }

// Username returns the authenticated account name, or "".
func (p *Peer) Username() string { return p.username }

// Authenticated reports whether the peer has logged in.
func (p *Peer) Authenticated() bool { return p.userID != NoUser }

// SetUser marks the peer as logged in as the given account.
func (p *Peer) SetUser(id int64, name string) {
	p.userID = id
	p.username = name
}

// State returns the lifecycle state of the connection.
func (p *Peer) State() events.PeerState {
	switch {
	case p.closed:
		return events.PeerClosed
	case p.Authenticated():
		return events.PeerAuthenticated
	default:
		return events.PeerConnecting
	}
}

// DisplayName is the name shown next to the peer's chat lines: the username
// once logged in, the stable id before that.
func (p *Peer) DisplayName() string {
	if p.Authenticated() {
		return p.username
	}
	return strconv.FormatUint(p.id, 10)
}

// RemoteAddr returns the remote address, or "" for a peer without transport.
func (p *Peer) RemoteAddr() string {
	if p.conn == nil {
		return ""
	}
	return p.conn.RemoteAddr().String()
}

func (p *Peer) String() string {
	return fmt.Sprintf("peer %d (handle %d)", p.id, p.handle)
}

// write attempts to send data without stalling the caller for longer than
// timeout. A timeout is reported as ErrWouldBlock together with the number of
// bytes that did go out.
func (p *Peer) write(data []byte, timeout time.Duration) (int, error) {
	if p.conn == nil {
		return 0, ErrPeerGone
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}

	n, err := p.conn.Write(data)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, ErrWouldBlock
	}
	return n, err
}

// Registry is the fixed-capacity table of connected peers. Lookups scan the
// slot array, which is fine for the small capacities the server runs with.
// It is owned by the reactor goroutine and has no locking.
type Registry struct {
	slots  []*Peer
	count  int
	nextID uint64
}

// NewRegistry creates a registry with room for capacity peers.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		slots:  make([]*Peer, capacity),
		nextID: 1,
	}
}

// Register adds a peer for handle with the next stable id.
func (r *Registry) Register(handle int, conn net.Conn) (*Peer, error) {
	if r.count == len(r.slots) {
		return nil, ErrRegistryFull
	}
	if r.FindByHandle(handle) != nil {
		return nil, fmt.Errorf("%w: %d", ErrHandleInUse, handle)
	}

	for i, s := range r.slots {
		if s != nil {
			continue
		}
		p := &Peer{
			handle:      handle,
			id:          r.nextID,
			conn:        conn,
			userID:      NoUser,
			connectedAt: time.Now(),
		}
		p.asm.Reset()
		r.nextID++
		r.slots[i] = p
		r.count++
		return p, nil
	}

	// unreachable while count is consistent with the slots
	return nil, ErrRegistryFull
}

// Remove frees the slot held by handle. It reports false when no peer holds it.
func (r *Registry) Remove(handle int) bool {
	for i, p := range r.slots {
		if p != nil && p.handle == handle {
			r.release(i)
			return true
		}
	}
	return false
}

// RemoveByID frees the slot held by the peer with stable id.
func (r *Registry) RemoveByID(id uint64) bool {
	for i, p := range r.slots {
		if p != nil && p.id == id {
			r.release(i)
			return true
		}
	}
	return false
}

func (r *Registry) release(i int) {
	r.slots[i].closed = true
	r.slots[i] = nil
	r.count--
}

// FindByHandle returns the peer currently holding handle, or nil.
func (r *Registry) FindByHandle(handle int) *Peer {
	for _, p := range r.slots {
		if p != nil && p.handle == handle {
			return p
		}
	}
	return nil
}

// FindByID returns the peer with stable id, or nil.
func (r *Registry) FindByID(id uint64) *Peer {
	for _, p := range r.slots {
		if p != nil && p.id == id {
			return p
		}
	}
	return nil
}

// FindByUser returns the peer logged in as userID, or nil.
func (r *Registry) FindByUser(userID int64) *Peer {
	if userID == NoUser {
		return nil
	}
	for _, p := range r.slots {
		if p != nil && p.userID == userID {
			return p
		}
	}
	return nil
}

// Peers returns the registered peers in slot order.
func (r *Registry) Peers() []*Peer {
	out := make([]*Peer, 0, r.count)
	for _, p := range r.slots {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of registered peers.
func (r *Registry) Len() int { return r.count }

// Cap returns the registry capacity.
func (r *Registry) Cap() int { return len(r.slots) }
