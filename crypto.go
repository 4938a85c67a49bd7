package qsession

import (
	"bytes"
	"fmt"
)

// CryptoHost is the session side of the handshake. Calls must happen on
// the session loop.
type CryptoHost interface {
	// SendCryptoData queues handshake bytes for the peer.
	SendCryptoData(data []byte)
	OnHandshakeConfirmed()
	// OnHandshakeFailed is fatal to the session.
	OnHandshakeFailed(err error)
}

// CryptoStream is the handshake engine of one session. It consumes the
// CRYPTO frames of the peer, in order.
type CryptoStream interface {
	Start() error
	HandleCryptoData(data []byte) error
}

// CryptoFactory builds the CryptoStream of a new session.
type CryptoFactory func(key SessionKey, host CryptoHost) CryptoStream

// NullHello is the message both sides of the null handshake send.
const NullHello = "qsession/null-handshake/1"

// NullCrypto is a handshake without any security: the client sends
// NullHello and the handshake is confirmed once the peer echoes it. It is
// only meant for tests and demos.
func NullCrypto(_ SessionKey, host CryptoHost) CryptoStream {
	return &nullCrypto{host: host}
}

type nullCrypto struct {
	host     CryptoHost
	received []byte
	done     bool
}

func (nc *nullCrypto) Start() error {
	nc.host.SendCryptoData([]byte(NullHello))
	return nil
}

func (nc *nullCrypto) HandleCryptoData(data []byte) error {
	if nc.done {
		return nil
	}
	nc.received = append(nc.received, data...)
	if !bytes.HasPrefix([]byte(NullHello), nc.received) {
		return fmt.Errorf("%w: unexpected hello %q", ErrHandshakeFailed, nc.received)
	}
	if len(nc.received) == len(NullHello) {
		nc.done = true
		nc.host.OnHandshakeConfirmed()
	}
	return nil
}
