package qsession

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"

	"github.com/raskyld/qsession/pkg/wire"
)

var (
	// ErrPending is returned by operations which could not complete
	// synchronously. Their callback is invoked exactly once later.
	ErrPending = errors.New("qsession: operation pending")

	ErrInvalidCfg       = errors.New("session: invalid options")
	ErrConnectionClosed = errors.New("session: connection closed")
	ErrTooManyStreams   = errors.New("session: too many open streams")
	ErrNetworkChanged   = errors.New("session: network changed")
	ErrNoNewNetwork     = errors.New("session: no network to migrate to")
	ErrHandshakeFailed  = errors.New("session: handshake failed")
	ErrWriteFailed      = errors.New("session: packet write failed")
	ErrReadFailed       = errors.New("session: packet read failed")
	ErrTooManyChanges   = errors.New("session: too many migrations on write error")
	ErrPoolClosed       = errors.New("session: pool closed")

	ErrStreamClosed        = errors.New("stream: closed")
	ErrStreamNotWritable   = errors.New("stream: receive-only stream")
	ErrStreamWriteAfterFin = errors.New("stream: write after fin")
	ErrOperationPending    = errors.New("stream: an operation of this kind is already pending")
	ErrHeadersConsumed     = errors.New("stream: headers already consumed")
	ErrHeadersMalformed    = errors.New("stream: malformed header block")
	ErrStreamIDInvalid     = errors.New("stream: invalid stream id")
	ErrFlowControl         = errors.New("stream: flow control violation")

	ErrProbeSuperseded = errors.New("probe: superseded")
	ErrProbeTimeout    = errors.New("probe: no path response before deadline")
	ErrProbeCanceled   = errors.New("probe: canceled")

	ErrSocketCreate = errors.New("socket: could not create socket")
	ErrBufferSize   = errors.New("socket: could not allocate udp buffer")
)

var (
	QErrStreamCancelled           = quic.StreamErrorCode(0x10c)
	QErrStreamMigrationDisallowed = quic.StreamErrorCode(0x10d)
	QErrStreamProtocolViolation   = quic.StreamErrorCode(0xFF)
)

var (
	QErrNoError = QuicApplicationError{
		Code:   0x0,
		Prefix: "no error",
	}
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrNoNewNetwork = QuicApplicationError{
		Code:   0x3,
		Prefix: "no new network",
	}
	QErrHandshakeFailed = QuicApplicationError{
		Code:   0x4,
		Prefix: "handshake failed",
	}
	QErrFlowControl = QuicApplicationError{
		Code:   0x5,
		Prefix: "flow control",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

// Frame builds the CONNECTION_CLOSE frame announcing qerr to the peer.
func (qerr *QuicApplicationError) Frame(msg string) *wire.ConnectionCloseFrame {
	return &wire.ConnectionCloseFrame{
		IsApplicationError: true,
		ErrorCode:          qerr.Code,
		ReasonPhrase:       fmt.Sprintf("%s: %s", qerr.Prefix, msg),
	}
}

// closedError is what every operation on a dead session reports. The
// cause stays reachable through errors.Is / errors.As.
func closedError(cause error) error {
	switch {
	case cause == nil:
		return ErrConnectionClosed
	case errors.Is(cause, ErrConnectionClosed):
		return cause
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
}

// peerCloseError turns a peer CONNECTION_CLOSE into the quic-go error
// types callers already know how to inspect.
func peerCloseError(f *wire.ConnectionCloseFrame) error {
	if f.IsApplicationError {
		return &quic.ApplicationError{
			Remote:       true,
			ErrorCode:    quic.ApplicationErrorCode(f.ErrorCode),
			ErrorMessage: f.ReasonPhrase,
		}
	}
	return &quic.TransportError{
		Remote:       true,
		ErrorCode:    quic.TransportErrorCode(f.ErrorCode),
		FrameType:    f.FrameType,
		ErrorMessage: f.ReasonPhrase,
	}
}
