package qsession

import (
	"errors"
	"io"

	"github.com/quic-go/quic-go"
)

// StreamHandle is what callers hold on to instead of a *Stream. It keeps
// answering once the stream is gone, from a snapshot taken when the stream
// closed.
//
// Callbacks given to a handle are invoked exactly once, even when the
// stream dies while the operation is pending.
type StreamHandle struct {
	stream *Stream
	id     quic.StreamID
	snap   streamSnapshot

	readCB     func(int, error)
	writeCB    func(error)
	headersCB  func(Headers, error)
	trailersCB func(Headers, error)
}

func (h *StreamHandle) ID() quic.StreamID {
	return h.id
}

func (h *StreamHandle) IsOpen() bool {
	return h.stream != nil
}

// Err is the error which closed the stream, nil while it is open or when it
// completed normally.
func (h *StreamHandle) Err() error {
	if h.stream != nil {
		return nil
	}
	return h.snap.err
}

func (h *StreamHandle) BytesRead() uint64 {
	if h.stream != nil {
		return h.stream.recv.readOff
	}
	return h.snap.bytesRead
}

func (h *StreamHandle) BytesWritten() uint64 {
	if h.stream != nil {
		return h.stream.writeOff
	}
	return h.snap.bytesWritten
}

func (h *StreamHandle) closedErr() error {
	return closedError(h.snap.err)
}

func (h *StreamHandle) WriteStreamData(data []byte, fin bool, cb func(error)) error {
	if h.stream == nil {
		return h.closedErr()
	}
	err := h.stream.Write(data, fin, h.onWriteComplete)
	if errors.Is(err, ErrPending) {
		h.writeCB = cb
	}
	return err
}

func (h *StreamHandle) WritevStreamData(bufs [][]byte, fin bool, cb func(error)) error {
	if h.stream == nil {
		return h.closedErr()
	}
	err := h.stream.Writev(bufs, fin, h.onWriteComplete)
	if errors.Is(err, ErrPending) {
		h.writeCB = cb
	}
	return err
}

func (h *StreamHandle) WriteHeaders(hdr Headers, fin bool) error {
	if h.stream == nil {
		return h.closedErr()
	}
	return h.stream.WriteHeaders(hdr, fin)
}

func (h *StreamHandle) ReadInitialHeaders(cb func(Headers, error)) (Headers, error) {
	if h.stream == nil {
		return nil, h.closedErr()
	}
	hdr, err := h.stream.ReadHeaders(h.onHeadersComplete)
	if errors.Is(err, ErrPending) {
		h.headersCB = cb
	}
	return hdr, err
}

func (h *StreamHandle) ReadTrailingHeaders(cb func(Headers, error)) (Headers, error) {
	if h.stream == nil {
		return nil, h.closedErr()
	}
	hdr, err := h.stream.ReadTrailers(h.onTrailersComplete)
	if errors.Is(err, ErrPending) {
		h.trailersCB = cb
	}
	return hdr, err
}

// ReadBody keeps returning io.EOF after a stream which was entirely read
// closed.
func (h *StreamHandle) ReadBody(buf []byte, cb func(int, error)) (int, error) {
	if h.stream == nil {
		if h.snap.err == nil && h.snap.doneReading {
			return 0, io.EOF
		}
		return 0, h.closedErr()
	}
	n, err := h.stream.Read(buf, h.onReadComplete)
	if errors.Is(err, ErrPending) {
		h.readCB = cb
	}
	return n, err
}

// Reset is a no-op once the stream is gone.
func (h *StreamHandle) Reset(code quic.StreamErrorCode) {
	if h.stream != nil {
		h.stream.Reset(code)
	}
}

func (h *StreamHandle) MarkNonMigratable() {
	if h.stream != nil {
		h.stream.MarkNonMigratable()
	}
}

func (h *StreamHandle) onWriteComplete(err error) {
	if cb := h.writeCB; cb != nil {
		h.writeCB = nil
		cb(err)
	}
}

func (h *StreamHandle) onReadComplete(n int, err error) {
	if cb := h.readCB; cb != nil {
		h.readCB = nil
		cb(n, err)
	}
}

func (h *StreamHandle) onHeadersComplete(hdr Headers, err error) {
	if cb := h.headersCB; cb != nil {
		h.headersCB = nil
		cb(hdr, err)
	}
}

func (h *StreamHandle) onTrailersComplete(hdr Headers, err error) {
	if cb := h.trailersCB; cb != nil {
		h.trailersCB = nil
		cb(hdr, err)
	}
}

// onStreamClosed is the final notification of the stream. Anything still
// pending on the handle gets the closed-connection error.
func (h *StreamHandle) onStreamClosed(snap streamSnapshot) {
	h.stream = nil
	h.snap = snap
	err := h.closedErr()
	h.onReadComplete(0, err)
	h.onWriteComplete(err)
	h.onHeadersComplete(nil, err)
	h.onTrailersComplete(nil, err)
}
