package qsession

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/quic-go/quic-go"

	"github.com/raskyld/qsession/pkg/wire"
)

// maxStreamFramePayload keeps a STREAM frame and its packet header within a
// 1200 bytes datagram.
const maxStreamFramePayload = 1100

type StreamState uint8

const (
	StreamOpen StreamState = iota
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "open"
	case StreamHalfClosedLocal:
		return "half_closed_local"
	case StreamHalfClosedRemote:
		return "half_closed_remote"
	default:
		return "closed"
	}
}

type blockState uint8

const (
	blockNone blockState = iota
	blockArrived
	blockConsumed
)

// Stream is one ordered byte stream of a session, with an optional initial
// header block and trailer block.
//
// Every method must be called from the session loop. Operations which
// cannot complete synchronously return ErrPending and later invoke their
// callback exactly once, with the result or with the error which closed
// the stream.
type Stream struct {
	id      quic.StreamID
	session *Session
	logger  *slog.Logger

	readOnly   bool
	migratable bool
	closed     bool
	err        error

	writeOff   uint64
	sendMax    uint64
	pending    []byte
	pendingFin bool
	writeCB    func(error)
	finSent    bool
	resetSent  bool

	recv        *recvBuffer
	recvMax     uint64
	recvWindow  uint64
	finReceived bool
	finalSize   uint64
	readBuf     []byte
	readCB      func(int, error)

	headers       Headers
	headersState  blockState
	headersCB     func(Headers, error)
	trailers      Headers
	trailersState blockState
	trailersCB    func(Headers, error)

	handles []*StreamHandle
}

func newStream(s *Session, id quic.StreamID, readOnly bool) *Stream {
	return &Stream{
		id:         id,
		session:    s,
		logger:     s.logger.With(LabelStreamID.L(int64(id))),
		readOnly:   readOnly,
		migratable: true,
		sendMax:    s.cfg.Stream.InitialSendWindow,
		recv:       newRecvBuffer(),
		recvMax:    s.cfg.Stream.ReceiveWindow,
		recvWindow: s.cfg.Stream.ReceiveWindow,
	}
}

func (st *Stream) ID() quic.StreamID {
	return st.id
}

func (st *Stream) State() StreamState {
	localDone := st.finSent || st.readOnly
	switch {
	case st.closed:
		return StreamClosed
	case localDone:
		return StreamHalfClosedLocal
	case st.finReceived:
		return StreamHalfClosedRemote
	default:
		return StreamOpen
	}
}

// MarkNonMigratable makes the session refuse probed migrations while the
// stream is open, and reset it if one is committed anyway.
func (st *Stream) MarkNonMigratable() {
	st.migratable = false
}

func (st *Stream) IsMigratable() bool {
	return st.migratable
}

// CreateHandle returns a new handle which survives the stream.
func (st *Stream) CreateHandle() *StreamHandle {
	h := &StreamHandle{stream: st, id: st.id}
	if st.closed {
		h.onStreamClosed(st.snapshot())
		return h
	}
	st.handles = append(st.handles, h)
	return h
}

// Write queues data, and a FIN if fin is set. It returns ErrPending when
// flow control credit is missing; cb is invoked once everything was handed
// to the session.
func (st *Stream) Write(data []byte, fin bool, cb func(error)) error {
	if err := st.checkWritable(); err != nil {
		return err
	}
	if st.writeCB != nil {
		return ErrOperationPending
	}

	st.pending = append([]byte(nil), data...)
	st.pendingFin = fin
	st.flush()
	if len(st.pending) > 0 || st.pendingFin {
		st.writeCB = cb
		return ErrPending
	}
	st.maybeClose()
	return nil
}

// Writev is Write over the concatenation of bufs.
func (st *Stream) Writev(bufs [][]byte, fin bool, cb func(error)) error {
	size := 0
	for _, b := range bufs {
		size += len(b)
	}
	data := make([]byte, 0, size)
	for _, b := range bufs {
		data = append(data, b...)
	}
	return st.Write(data, fin, cb)
}

// WriteHeaders sends a header block. The first block of a stream is its
// initial headers, the next one its trailers.
func (st *Stream) WriteHeaders(h Headers, fin bool) error {
	if err := st.checkWritable(); err != nil {
		return err
	}
	if st.writeCB != nil {
		return ErrOperationPending
	}

	block, err := st.session.headers.encode(h)
	if err != nil {
		return err
	}
	st.session.sendFrames(&wire.HeadersFrame{StreamID: st.id, Block: block})
	if fin {
		st.sendData(nil, true)
		st.maybeClose()
	}
	return nil
}

func (st *Stream) checkWritable() error {
	switch {
	case st.closed:
		return st.terminalErr()
	case st.readOnly:
		return ErrStreamNotWritable
	case st.finSent || st.pendingFin:
		return ErrStreamWriteAfterFin
	}
	return nil
}

func (st *Stream) sendCredit() uint64 {
	var credit uint64
	if st.sendMax > st.writeOff {
		credit = st.sendMax - st.writeOff
	}
	return min(credit, st.session.connSendCredit())
}

func (st *Stream) flush() {
	for len(st.pending) > 0 {
		credit := st.sendCredit()
		if credit == 0 {
			return
		}
		n := min(uint64(len(st.pending)), credit, maxStreamFramePayload)
		last := n == uint64(len(st.pending))
		st.sendData(st.pending[:n], last && st.pendingFin)
		st.pending = st.pending[n:]
	}
	st.pending = nil
	if st.pendingFin && !st.finSent {
		st.sendData(nil, true)
	}
	st.pendingFin = false
}

func (st *Stream) sendData(data []byte, fin bool) {
	f := &wire.StreamFrame{
		StreamID: st.id,
		Offset:   st.writeOff,
		Data:     data,
		Fin:      fin,
	}
	st.writeOff += uint64(len(data))
	st.session.consumeSendCredit(uint64(len(data)))
	if fin {
		st.finSent = true
	}
	st.session.sendFrames(f)
}

// onCanWrite resumes a write blocked on flow control.
func (st *Stream) onCanWrite() {
	if st.closed || st.writeCB == nil {
		return
	}
	st.flush()
	if len(st.pending) > 0 || st.pendingFin {
		return
	}
	cb := st.writeCB
	st.writeCB = nil
	cb(nil)
	st.maybeClose()
}

func (st *Stream) onMaxStreamData(limit uint64) {
	if limit <= st.sendMax {
		return
	}
	st.sendMax = limit
	st.onCanWrite()
}

// Read copies contiguous received data into p. It returns io.EOF once the
// FIN was received and everything before it read.
func (st *Stream) Read(p []byte, cb func(int, error)) (int, error) {
	if st.closed && st.err != nil {
		return 0, st.err
	}
	if st.readCB != nil {
		return 0, ErrOperationPending
	}
	n, err := st.tryRead(p)
	if !errors.Is(err, ErrPending) {
		st.maybeClose()
		return n, err
	}
	if st.closed {
		return 0, st.terminalErr()
	}
	st.readBuf, st.readCB = p, cb
	return 0, ErrPending
}

func (st *Stream) tryRead(p []byte) (int, error) {
	if st.recv.readable() {
		n := st.recv.read(p)
		st.onConsumed(uint64(n))
		return n, nil
	}
	if st.doneReading() {
		return 0, io.EOF
	}
	return 0, ErrPending
}

func (st *Stream) doneReading() bool {
	return st.finReceived && st.recv.readOff >= st.finalSize
}

func (st *Stream) onConsumed(n uint64) {
	if n == 0 {
		return
	}
	st.session.onConnDataConsumed(n)
	if st.finReceived || st.recvMax-st.recv.readOff >= st.recvWindow/2 {
		return
	}
	st.recvMax = st.recv.readOff + st.recvWindow
	st.session.sendFrames(&wire.MaxStreamDataFrame{StreamID: st.id, MaximumStreamData: st.recvMax})
}

func (st *Stream) wakeReader() {
	if st.readCB == nil {
		return
	}
	n, err := st.tryRead(st.readBuf)
	if errors.Is(err, ErrPending) {
		return
	}
	cb := st.readCB
	st.readCB, st.readBuf = nil, nil
	cb(n, err)
}

// ReadHeaders returns the initial header block.
func (st *Stream) ReadHeaders(cb func(Headers, error)) (Headers, error) {
	return st.readBlock(&st.headers, &st.headersState, &st.headersCB, cb)
}

// ReadTrailers returns the trailer block. Trailers only count as consumed
// once returned, so the stream does not close before the caller got them.
func (st *Stream) ReadTrailers(cb func(Headers, error)) (Headers, error) {
	h, err := st.readBlock(&st.trailers, &st.trailersState, &st.trailersCB, cb)
	if err == nil {
		st.maybeClose()
	}
	return h, err
}

func (st *Stream) readBlock(block *Headers, state *blockState, pending *func(Headers, error), cb func(Headers, error)) (Headers, error) {
	if st.closed && st.err != nil {
		return nil, st.err
	}
	switch *state {
	case blockArrived:
		h := *block
		*block, *state = nil, blockConsumed
		return h, nil
	case blockConsumed:
		return nil, ErrHeadersConsumed
	}
	if st.closed {
		return nil, st.terminalErr()
	}
	if *pending != nil {
		return nil, ErrOperationPending
	}
	*pending = cb
	return nil, ErrPending
}

// Reset abandons the stream in both directions. Resetting a closed stream
// does nothing.
func (st *Stream) Reset(code quic.StreamErrorCode) {
	if st.closed || st.resetSent {
		return
	}
	st.resetSent = true

	var frames []wire.Frame
	if !st.readOnly {
		frames = append(frames, &wire.ResetStreamFrame{StreamID: st.id, ErrorCode: code, FinalSize: st.writeOff})
	}
	if !st.doneReading() {
		frames = append(frames, &wire.StopSendingFrame{StreamID: st.id, ErrorCode: code})
	}
	st.session.sendFrames(frames...)
	st.logger.Debug("stream reset", LabelErrorCode.L(uint64(code)))
	st.session.closeStream(st, &quic.StreamError{StreamID: st.id, ErrorCode: code})
}

func (st *Stream) onStreamFrame(off uint64, data []byte, fin bool) error {
	if st.closed {
		return ErrStreamClosed
	}
	end := off + uint64(len(data))
	switch {
	case st.finReceived && (end > st.finalSize || (fin && end != st.finalSize)):
		st.Reset(QErrStreamProtocolViolation)
		return fmt.Errorf("%w: final size changed", ErrFlowControl)
	case fin && end < st.recv.highest:
		st.Reset(QErrStreamProtocolViolation)
		return fmt.Errorf("%w: fin below received data", ErrFlowControl)
	case end > st.recvMax:
		st.Reset(QErrStreamProtocolViolation)
		return fmt.Errorf("%w: %d bytes over a window of %d", ErrFlowControl, end, st.recvMax)
	}

	if end > st.recv.highest {
		if err := st.session.onConnDataReceived(end - st.recv.highest); err != nil {
			return err
		}
	}

	if fin {
		st.finReceived = true
		st.finalSize = end
	}
	st.recv.push(off, data)
	st.wakeReader()
	st.maybeClose()
	return nil
}

// onHeaders takes a block the session already decoded.
func (st *Stream) onHeaders(h Headers) error {
	if st.closed {
		return ErrStreamClosed
	}
	switch {
	case st.headersState == blockNone:
		st.deliverBlock(h, &st.headers, &st.headersState, &st.headersCB)
	case st.trailersState == blockNone:
		st.deliverBlock(h, &st.trailers, &st.trailersState, &st.trailersCB)
		st.maybeClose()
	default:
		st.Reset(QErrStreamProtocolViolation)
		return fmt.Errorf("%w: more than two header blocks", ErrHeadersMalformed)
	}
	return nil
}

func (st *Stream) deliverBlock(h Headers, block *Headers, state *blockState, pending *func(Headers, error)) {
	if cb := *pending; cb != nil {
		*pending = nil
		*state = blockConsumed
		cb(h, nil)
		return
	}
	*block, *state = h, blockArrived
}

func (st *Stream) onResetStream(f *wire.ResetStreamFrame) {
	if st.closed {
		return
	}
	if f.FinalSize > st.recv.highest {
		if err := st.session.onConnDataReceived(f.FinalSize - st.recv.highest); err != nil {
			return
		}
		st.recv.highest = f.FinalSize
	}
	if !st.readOnly && !st.finSent && !st.resetSent {
		st.resetSent = true
		st.session.sendFrames(&wire.ResetStreamFrame{StreamID: st.id, ErrorCode: f.ErrorCode, FinalSize: st.writeOff})
	}
	st.session.closeStream(st, &quic.StreamError{StreamID: st.id, ErrorCode: f.ErrorCode, Remote: true})
}

func (st *Stream) onStopSending(f *wire.StopSendingFrame) {
	if st.closed || st.readOnly || st.finSent {
		return
	}
	st.resetSent = true
	st.session.sendFrames(&wire.ResetStreamFrame{StreamID: st.id, ErrorCode: f.ErrorCode, FinalSize: st.writeOff})
	st.session.closeStream(st, &quic.StreamError{StreamID: st.id, ErrorCode: f.ErrorCode, Remote: true})
}

// done reports whether both directions finished and the caller consumed
// everything, trailers included.
func (st *Stream) done() bool {
	return (st.finSent || st.readOnly) &&
		st.writeCB == nil &&
		st.doneReading() &&
		st.trailersState != blockArrived
}

func (st *Stream) maybeClose() {
	if !st.closed && st.done() {
		st.session.closeStream(st, nil)
	}
}

func (st *Stream) terminalErr() error {
	if st.err != nil {
		return st.err
	}
	return ErrStreamClosed
}

// creditUnread gives the connection window back for bytes the peer sent
// which will never be read.
func (st *Stream) creditUnread() {
	if st.session.closed || st.recv.highest <= st.recv.readOff {
		return
	}
	st.session.onConnDataConsumed(st.recv.highest - st.recv.readOff)
}

type streamSnapshot struct {
	err          error
	finSent      bool
	finReceived  bool
	doneReading  bool
	bytesRead    uint64
	bytesWritten uint64
}

func (st *Stream) snapshot() streamSnapshot {
	return streamSnapshot{
		err:          st.err,
		finSent:      st.finSent,
		finReceived:  st.finReceived,
		doneReading:  st.doneReading(),
		bytesRead:    st.recv.readOff,
		bytesWritten: st.writeOff,
	}
}

// finalize is called once by the session when the stream leaves its
// table. Pending callbacks fire first, then every handle is told, then the
// handle list is dropped.
func (st *Stream) finalize(err error) {
	st.closed = true
	st.err = err
	snap := st.snapshot()
	termErr := st.terminalErr()

	if cb := st.readCB; cb != nil {
		st.readCB, st.readBuf = nil, nil
		cb(0, termErr)
	}
	if cb := st.writeCB; cb != nil {
		st.writeCB = nil
		cb(termErr)
	}
	if cb := st.headersCB; cb != nil {
		st.headersCB = nil
		cb(nil, termErr)
	}
	if cb := st.trailersCB; cb != nil {
		st.trailersCB = nil
		cb(nil, termErr)
	}

	st.creditUnread()

	handles := st.handles
	st.handles = nil
	for _, h := range handles {
		h.onStreamClosed(snap)
	}
	st.pending = nil
	st.recv.release()
}
