package qsession

import (
	"context"
	"net/netip"

	"github.com/raskyld/qsession/pkg/loop"
)

// WriteStatus is the outcome of a PacketConn write.
type WriteStatus uint8

const (
	WriteOK WriteStatus = iota
	// WriteBlocked means the packet was not sent and the PacketConn will
	// call PacketSink.OnWriteUnblocked once it can accept packets again.
	WriteBlocked
	WriteError
)

// PacketConn is one connected datagram socket, the packet reader/writer
// pair of one path.
type PacketConn interface {
	WritePacket(b []byte) (WriteStatus, error)
	LocalAddr() netip.AddrPort
	// Start begins delivering packets and read errors to sink. It is called
	// once.
	Start(sink PacketSink)
	Close() error
}

// PacketSink receives what a PacketConn reads. It may be called from any
// goroutine.
type PacketSink interface {
	OnPacket(b []byte, self, peer netip.AddrPort)
	OnReadError(err error)
	OnWriteUnblocked()
}

// SocketFactory opens sockets bound to a network.
type SocketFactory interface {
	Dial(ctx context.Context, network NetworkHandle, peer netip.AddrPort) (PacketConn, error)
}

type socketRole uint8

const (
	roleCurrent socketRole = iota
	roleProbe
	roleDraining
	roleClosed
)

func (r socketRole) String() string {
	switch r {
	case roleCurrent:
		return "current"
	case roleProbe:
		return "probe"
	case roleDraining:
		return "draining"
	default:
		return "closed"
	}
}

// pathSocket is a PacketConn tagged with the role it plays for its
// session. Only the session changes roles.
type pathSocket struct {
	conn    PacketConn
	role    socketRole
	network NetworkHandle
	self    netip.AddrPort
	peer    netip.AddrPort
	blocked bool
	drain   *loop.Alarm
}

func (ps *pathSocket) path() Path {
	return Path{Network: ps.network, Self: ps.self, Peer: ps.peer}
}

func (ps *pathSocket) close() {
	if ps.role == roleClosed {
		return
	}
	ps.role = roleClosed
	if ps.drain != nil {
		ps.drain.Cancel()
		ps.drain = nil
	}
	ps.conn.Close()
}

// socketSet holds exactly one current socket, plus the retired ones still
// being drained.
type socketSet struct {
	current  *pathSocket
	draining []*pathSocket
}

// swap makes next current and returns the socket it replaces, now
// draining.
func (set *socketSet) swap(next *pathSocket) *pathSocket {
	old := set.current
	next.role = roleCurrent
	set.current = next
	if old != nil {
		old.role = roleDraining
		set.draining = append(set.draining, old)
	}
	return old
}

func (set *socketSet) retire(ps *pathSocket) {
	for i, d := range set.draining {
		if d == ps {
			set.draining = append(set.draining[:i], set.draining[i+1:]...)
			break
		}
	}
	ps.close()
}

func (set *socketSet) closeAll() {
	if set.current != nil {
		set.current.close()
	}
	for _, d := range set.draining {
		d.close()
	}
	set.draining = nil
}

// socketSink moves everything a socket reports onto the session loop.
// Dispatch happens once the task runs, so a role change made in between is
// honoured.
type socketSink struct {
	s  *Session
	ps *pathSocket
}

func (sink socketSink) OnPacket(b []byte, self, peer netip.AddrPort) {
	sink.s.runner.Post(func() {
		sink.s.onPacket(sink.ps, b, self, peer)
	})
}

func (sink socketSink) OnReadError(err error) {
	sink.s.runner.Post(func() {
		sink.s.onReadError(sink.ps, err)
	})
}

func (sink socketSink) OnWriteUnblocked() {
	sink.s.runner.Post(func() {
		sink.s.onWriteUnblocked(sink.ps)
	})
}
