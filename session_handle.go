package qsession

import (
	"net/netip"
)

// sessionRef is shared by every handle of a session. Once the session
// closes it only keeps a snapshot, so handles never keep a dead session
// alive.
type sessionRef struct {
	s        *Session
	key      SessionKey
	closeErr error
	peer     netip.AddrPort
	self     netip.AddrPort
	network  NetworkHandle
	migrated int
}

func (r *sessionRef) live() *Session {
	if r.s == nil || r.s.closed {
		return nil
	}
	return r.s
}

func (r *sessionRef) close(s *Session) {
	if r.s != s {
		return
	}
	r.closeErr = s.closeErr
	r.peer = s.PeerAddr()
	r.self = s.SelfAddr()
	r.network = s.CurrentNetwork()
	r.migrated = s.migration.count
	r.s = nil
}

// SessionHandle is a weak reference to a Session. Every operation on a
// handle whose session closed fails with the close error, and the getters
// report the last known state.
//
// Like the session it points to, a handle must only be used from the
// pool's loop.
type SessionHandle struct {
	ref *sessionRef
}

func (h *SessionHandle) IsConnected() bool {
	return h.ref.live() != nil
}

func (h *SessionHandle) Key() SessionKey {
	return h.ref.key
}

// Err is nil while the session is open.
func (h *SessionHandle) Err() error {
	if h.ref.live() != nil {
		return nil
	}
	return closedError(h.ref.closeErr)
}

func (h *SessionHandle) PeerAddr() netip.AddrPort {
	if s := h.ref.live(); s != nil {
		return s.PeerAddr()
	}
	return h.ref.peer
}

func (h *SessionHandle) SelfAddr() netip.AddrPort {
	if s := h.ref.live(); s != nil {
		return s.SelfAddr()
	}
	return h.ref.self
}

func (h *SessionHandle) CurrentNetwork() NetworkHandle {
	if s := h.ref.live(); s != nil {
		return s.CurrentNetwork()
	}
	return h.ref.network
}

func (h *SessionHandle) MigrationCount() int {
	if s := h.ref.live(); s != nil {
		return s.MigrationCount()
	}
	return h.ref.migrated
}

func (h *SessionHandle) IsHandshakeConfirmed() bool {
	s := h.ref.live()
	return s != nil && s.IsHandshakeConfirmed()
}

func (h *SessionHandle) NumActiveStreams() int {
	if s := h.ref.live(); s != nil {
		return s.NumActiveStreams()
	}
	return 0
}

// SharesSameSession tells whether both handles point to the same session,
// open or not.
func (h *SessionHandle) SharesSameSession(other *SessionHandle) bool {
	return other != nil && h.ref == other.ref
}

// RequestStream asks for a new outgoing stream. See Session.RequestStream.
func (h *SessionHandle) RequestStream(requiresConfirmation bool, cb func(error)) (*StreamRequest, error) {
	s := h.ref.live()
	if s == nil {
		return nil, h.Err()
	}
	return s.RequestStream(requiresConfirmation, cb)
}

// WaitForHandshakeConfirmation returns nil if the handshake is already
// confirmed, or ErrPending and invokes cb later.
func (h *SessionHandle) WaitForHandshakeConfirmation(cb func(error)) error {
	s := h.ref.live()
	if s == nil {
		return h.Err()
	}
	return s.WaitForHandshakeConfirmation(cb)
}

// AcceptStream returns the next stream opened by the peer.
func (h *SessionHandle) AcceptStream(cb func(*StreamHandle, error)) (*StreamHandle, error) {
	s := h.ref.live()
	if s == nil {
		return nil, h.Err()
	}
	return s.AcceptStream(cb)
}

// Close closes the session gracefully. It is a no-op on a closed session.
func (h *SessionHandle) Close() {
	if s := h.ref.live(); s != nil {
		s.CloseSessionOnError(nil, &QErrNoError)
	}
}
