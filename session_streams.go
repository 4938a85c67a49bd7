package qsession

import (
	"cmp"
	"errors"
	"slices"

	"github.com/quic-go/quic-go"

	"github.com/raskyld/qsession/pkg/wire"
)

// maxStreamLimit bounds what a peer MAX_STREAMS can raise the limit to.
const maxStreamLimit = 1 << 20

const (
	streamKindBidi = 0
	streamKindUni  = 1
)

func isClientInitiated(id quic.StreamID) bool {
	return id&0x1 == 0
}

func isUni(id quic.StreamID) bool {
	return id&0x2 != 0
}

func streamKind(id quic.StreamID) int {
	if isUni(id) {
		return streamKindUni
	}
	return streamKindBidi
}

// streamTable owns the streams of a session. Outgoing ids are never
// reused: a closed stream frees a slot of the limit, not its id.
type streamTable struct {
	streams      map[quic.StreamID]*Stream
	nextOutgoing quic.StreamID
	maxOutgoing  int
	numOutgoing  int
	maxIncoming  int
	numIncoming  int
	// largestIncoming is indexed by stream kind, -1 until the peer opened
	// a stream of that kind.
	largestIncoming [2]quic.StreamID
}

func newStreamTable(cfg Config) streamTable {
	return streamTable{
		streams:         make(map[quic.StreamID]*Stream),
		maxOutgoing:     cfg.MaxOpenOutgoingStreams,
		maxIncoming:     cfg.MaxOpenIncomingStreams,
		largestIncoming: [2]quic.StreamID{-1, -1},
	}
}

func (t *streamTable) get(id quic.StreamID) (*Stream, bool) {
	st, ok := t.streams[id]
	return st, ok
}

func (t *streamTable) canOpenOutgoing() bool {
	return t.numOutgoing < t.maxOutgoing
}

// sorted returns the open streams by increasing id.
func (t *streamTable) sorted() []*Stream {
	out := make([]*Stream, 0, len(t.streams))
	for _, st := range t.streams {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b *Stream) int {
		return cmp.Compare(a.id, b.id)
	})
	return out
}

func (t *streamTable) remove(st *Stream) {
	if _, ok := t.streams[st.id]; !ok {
		return
	}
	delete(t.streams, st.id)
	if isClientInitiated(st.id) {
		t.numOutgoing--
	} else {
		t.numIncoming--
	}
}

// acceptQueue hands peer-initiated streams to whoever waits for them.
type acceptQueue struct {
	ready   []*Stream
	waiters []func(*StreamHandle, error)
}

func (q *acceptQueue) announce(st *Stream) {
	if len(q.waiters) == 0 {
		q.ready = append(q.ready, st)
		return
	}
	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	w(st.CreateHandle(), nil)
}

func (q *acceptQueue) fail(err error) {
	q.ready = nil
	waiters := q.waiters
	q.waiters = nil
	for _, w := range waiters {
		w(nil, err)
	}
}

func (s *Session) NumActiveStreams() int {
	return len(s.streams.streams)
}

// CreateOutgoingStream opens the next client bidirectional stream.
func (s *Session) CreateOutgoingStream() (*Stream, error) {
	if s.closed {
		return nil, s.closeErr
	}
	if !s.streams.canOpenOutgoing() {
		return nil, ErrTooManyStreams
	}
	id := s.streams.nextOutgoing
	s.streams.nextOutgoing += 4
	st := newStream(s, id, false)
	s.streams.streams[id] = st
	s.streams.numOutgoing++
	s.lastActivity = s.clock.Now()
	s.msink.IncrCounterWithLabels(MetricStreamOpenedCount, 1, withLabels(s.mlabels, LabelCause.M("outgoing")))
	return st, nil
}

// RequestStream creates a stream now, or queues the request behind the
// stream limit and returns ErrPending. With requiresConfirmation, nothing
// is attempted before the handshake is confirmed.
func (s *Session) RequestStream(requiresConfirmation bool, cb func(error)) (*StreamRequest, error) {
	if s.closed {
		return nil, s.closeErr
	}
	r := &StreamRequest{session: s, requiresConfirmation: requiresConfirmation}
	err := r.start()
	if errors.Is(err, ErrPending) {
		r.cb = cb
	}
	return r, err
}

// processPendingRequests gives freed slots to queued requests, oldest
// first.
func (s *Session) processPendingRequests() {
	for s.requests.len() > 0 && s.streams.canOpenOutgoing() {
		r := s.requests.pop()
		if s.closed {
			r.resolve(s.closeErr)
			continue
		}
		st, err := s.CreateOutgoingStream()
		if err == nil {
			r.stream = st.CreateHandle()
		}
		r.resolve(err)
	}
}

// OnIncomingStream registers a stream opened by the peer. Streams outside
// the numbering space of the peer, or over the incoming limit, are reset
// with a protocol error. Frames for streams which already closed return
// ErrStreamClosed and must be dropped.
func (s *Session) OnIncomingStream(id quic.StreamID) (*Stream, error) {
	if s.closed {
		return nil, s.closeErr
	}
	if st, ok := s.streams.get(id); ok {
		return st, nil
	}
	if isClientInitiated(id) {
		if isUni(id) || id >= s.streams.nextOutgoing {
			s.rejectStream(id)
			return nil, ErrStreamIDInvalid
		}
		return nil, ErrStreamClosed
	}

	kind := streamKind(id)
	largest := s.streams.largestIncoming[kind]
	if largest >= 0 && id <= largest {
		return nil, ErrStreamClosed
	}
	opened := int64(id>>2) - int64(largest>>2)
	if largest < 0 {
		opened = int64(id>>2) + 1
	}
	s.streams.largestIncoming[kind] = id
	if s.streams.numIncoming >= s.streams.maxIncoming || opened > int64(s.streams.maxIncoming) {
		s.rejectStream(id)
		return nil, ErrTooManyStreams
	}

	st := newStream(s, id, isUni(id))
	s.streams.streams[id] = st
	s.streams.numIncoming++
	s.lastActivity = s.clock.Now()
	s.msink.IncrCounterWithLabels(MetricStreamOpenedCount, 1, withLabels(s.mlabels, LabelCause.M("incoming")))
	return st, nil
}

func (s *Session) rejectStream(id quic.StreamID) {
	s.logger.Debug("rejecting peer stream", LabelStreamID.L(int64(id)))
	frames := []wire.Frame{&wire.StopSendingFrame{StreamID: id, ErrorCode: QErrStreamProtocolViolation}}
	if !isUni(id) {
		frames = append(frames, &wire.ResetStreamFrame{StreamID: id, ErrorCode: QErrStreamProtocolViolation})
	}
	s.sendFrames(frames...)
}

// AcceptStream returns the next stream opened by the peer, or ErrPending.
func (s *Session) AcceptStream(cb func(*StreamHandle, error)) (*StreamHandle, error) {
	if s.closed {
		return nil, s.closeErr
	}
	if len(s.accept.ready) > 0 {
		st := s.accept.ready[0]
		s.accept.ready = s.accept.ready[1:]
		return st.CreateHandle(), nil
	}
	s.accept.waiters = append(s.accept.waiters, cb)
	return nil, ErrPending
}

// streamForFrame finds the stream a peer frame is about, opening it when
// the peer just created it.
func (s *Session) streamForFrame(id quic.StreamID) (st *Stream, created bool) {
	if st, ok := s.streams.get(id); ok {
		return st, false
	}
	st, err := s.OnIncomingStream(id)
	if err != nil {
		s.logger.Debug("dropping frame for unusable stream", LabelStreamID.L(int64(id)), LabelError.L(err))
		return nil, false
	}
	return st, true
}

func (s *Session) onStreamFrame(f *wire.StreamFrame) {
	st, created := s.streamForFrame(f.StreamID)
	if st == nil {
		return
	}
	if err := st.onStreamFrame(f.Offset, f.Data, f.Fin); err != nil {
		st.logger.Debug("stream frame refused", LabelError.L(err))
	}
	if created && !st.closed {
		s.accept.announce(st)
	}
}

// onHeadersFrame decodes every block, even for a stream which is gone, so
// that the decoder table stays in sync with the peer encoder. A block
// which cannot be decoded only resets its stream.
func (s *Session) onHeadersFrame(f *wire.HeadersFrame) {
	h, err := s.headers.decode(f.Block)
	st, created := s.streamForFrame(f.StreamID)
	if st == nil {
		return
	}
	if err != nil {
		st.logger.Debug("undecodable header block", LabelError.L(err))
		st.Reset(QErrStreamProtocolViolation)
		return
	}
	if err := st.onHeaders(h); err != nil {
		st.logger.Debug("header block refused", LabelError.L(err))
	}
	if created && !st.closed {
		s.accept.announce(st)
	}
}

// OnRstStreamFrame closes the stream the peer reset.
func (s *Session) OnRstStreamFrame(f *wire.ResetStreamFrame) {
	if st, ok := s.streams.get(f.StreamID); ok {
		st.onResetStream(f)
	}
}

// CloseStream abandons stream id, if still open.
func (s *Session) CloseStream(id quic.StreamID) {
	if st, ok := s.streams.get(id); ok {
		st.Reset(QErrStreamCancelled)
	}
}

// closeStream removes st, resolves everything pending on it and lets a
// queued request have its slot.
func (s *Session) closeStream(st *Stream, err error) {
	if st.closed {
		return
	}
	s.streams.remove(st)
	s.lastActivity = s.clock.Now()
	if err != nil {
		s.msink.IncrCounterWithLabels(MetricStreamResetCount, 1, s.mlabels)
	}
	st.finalize(err)
	if !s.closed {
		s.processPendingRequests()
	}
}

func (s *Session) hasNonMigratableStreams() bool {
	for _, st := range s.streams.streams {
		if !st.migratable {
			return true
		}
	}
	return false
}

func (s *Session) resetNonMigratableStreams() {
	for _, st := range s.streams.sorted() {
		if !st.migratable {
			st.Reset(QErrStreamMigrationDisallowed)
		}
	}
}
