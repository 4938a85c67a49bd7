package qsession

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"

	"github.com/raskyld/qsession/pkg/clock"
	"github.com/raskyld/qsession/pkg/loop"
	"github.com/raskyld/qsession/pkg/netlog"
	"github.com/raskyld/qsession/pkg/wire"
)

// Session is the client side of one QUIC connection: its streams, its
// handshake and the sockets it sends on.
//
// A session lives on the loop.Runner of its Pool and every exported method
// must be called from a task of that runner. Callers outside the loop use
// a SessionHandle.
type Session struct {
	key     SessionKey
	cfg     Config
	pool    *Pool
	logger  *slog.Logger
	msink   metrics.MetricSink
	mlabels []metrics.Label
	clock   clock.Clock
	runner  *loop.Runner
	netlog  *netlog.Writer

	connID    []byte
	peer      netip.AddrPort
	createdAt time.Time

	crypto             CryptoStream
	cryptoRecv         *recvBuffer
	cryptoSendOff      uint64
	handshakeConfirmed bool
	handshakeWaiters   []func(error)

	headers   *headerCodec
	streams   streamTable
	requests  requestQueue
	accept    acceptQueue
	paths     socketSet
	migration migrationState
	prober    *prober
	recovery  Recovery

	flow         connFlow
	sendQueue    [][]byte
	queueWarned  bool
	lastActivity time.Time
	idleAlarm    *loop.Alarm

	closed   bool
	released bool
	closeErr error
	ref      *sessionRef
}

// connFlow is the connection-level flow control state.
type connFlow struct {
	sendMax    uint64
	sent       uint64
	recvMax    uint64
	received   uint64
	consumed   uint64
	recvWindow uint64
}

func newSession(p *Pool, key SessionKey, peer netip.AddrPort) (*Session, error) {
	cfg := p.opts.cfg
	s := &Session{
		key:       key,
		cfg:       cfg,
		pool:      p,
		logger:    p.logger.With(LabelSession.L(key)),
		msink:     p.msink,
		mlabels:   withLabels(p.opts.metricLabels, LabelSession.M(key.String())),
		clock:     p.clock,
		runner:    p.runner,
		netlog:    p.opts.netlog,
		peer:      peer,
		createdAt: p.clock.Now(),

		cryptoRecv: newRecvBuffer(),
		headers:    newHeaderCodec(),
		streams:    newStreamTable(cfg),
		flow: connFlow{
			sendMax:    cfg.Stream.ConnectionSendWindow,
			recvMax:    cfg.Stream.ConnectionReceiveWindow,
			recvWindow: cfg.Stream.ConnectionReceiveWindow,
		},
	}
	s.lastActivity = s.createdAt
	s.ref = &sessionRef{s: s, key: key}
	s.idleAlarm = loop.NewAlarm(s.clock, s.runner, s.onIdleTimeout)
	s.migration.init(s)
	s.prober = newProber(s, s.clock, s.runner, s.logger)

	s.connID = make([]byte, cfg.ConnectionIDLen)
	if _, err := rand.Read(s.connID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	ps, err := s.openSocket(p.DefaultNetwork(), roleCurrent)
	if err != nil {
		return nil, err
	}
	s.paths.current = ps

	s.recovery = noopRecovery{}
	if p.opts.recovery != nil {
		s.recovery = p.opts.recovery(key, s)
	}
	s.crypto = p.opts.crypto(key, s)
	return s, nil
}

// start sends the first handshake flight.
func (s *Session) start() {
	s.logger.Info("session created", LabelPeerAddr.L(s.peer), LabelNetwork.L(s.paths.current.network))
	s.msink.IncrCounterWithLabels(MetricSessionCreatedCount, 1, s.mlabels)
	s.record(netlog.Event{Type: netlog.EventSessionCreated, Network: int64(s.paths.current.network)})
	s.idleAlarm.Set(s.cfg.IdleTimeout)
	if err := s.crypto.Start(); err != nil {
		s.OnHandshakeFailed(err)
	}
}

func (s *Session) Key() SessionKey {
	return s.key
}

func (s *Session) PeerAddr() netip.AddrPort {
	return s.peer
}

func (s *Session) SelfAddr() netip.AddrPort {
	if s.paths.current == nil {
		return netip.AddrPort{}
	}
	return s.paths.current.self
}

// CurrentNetwork is the network of the socket packets are sent on.
func (s *Session) CurrentNetwork() NetworkHandle {
	if s.paths.current == nil {
		return InvalidNetwork
	}
	return s.paths.current.network
}

func (s *Session) IsClosed() bool {
	return s.closed
}

func (s *Session) IsHandshakeConfirmed() bool {
	return s.handshakeConfirmed
}

// CreateHandle returns a handle which keeps answering after the session is
// gone.
func (s *Session) CreateHandle() *SessionHandle {
	return &SessionHandle{ref: s.ref}
}

// WaitForHandshakeConfirmation returns nil if the handshake is confirmed,
// the close error if the session is closed, ErrPending otherwise. Waiters
// are resolved in registration order.
func (s *Session) WaitForHandshakeConfirmation(cb func(error)) error {
	switch {
	case s.closed:
		return s.closeErr
	case s.handshakeConfirmed:
		return nil
	}
	s.handshakeWaiters = append(s.handshakeWaiters, cb)
	return ErrPending
}

func (s *Session) SendCryptoData(data []byte) {
	f := &wire.CryptoFrame{Offset: s.cryptoSendOff, Data: data}
	s.cryptoSendOff += uint64(len(data))
	s.sendFrames(f)
}

func (s *Session) OnHandshakeConfirmed() {
	if s.closed || s.handshakeConfirmed {
		return
	}
	s.handshakeConfirmed = true
	elapsed := s.clock.Now().Sub(s.createdAt)
	s.logger.Debug("handshake confirmed", "elapsed", elapsed)
	s.msink.AddSampleWithLabels(MetricSessionHandshakeDuration, float32(elapsed.Milliseconds()), s.mlabels)
	s.record(netlog.Event{Type: netlog.EventHandshakeConfirmed})

	waiters := s.handshakeWaiters
	s.handshakeWaiters = nil
	for _, w := range waiters {
		w(nil)
	}
}

func (s *Session) OnHandshakeFailed(err error) {
	if !errors.Is(err, ErrHandshakeFailed) {
		err = fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	s.CloseSessionOnErrorLater(err, &QErrHandshakeFailed)
}

// OnPathDegrading is called by the loss-detection layer.
func (s *Session) OnPathDegrading() {
	s.onPathDegrading()
}

func (s *Session) openSocket(network NetworkHandle, role socketRole) (*pathSocket, error) {
	conn, err := s.pool.opts.sockets.Dial(s.pool.ctx, network, s.peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSocketCreate, err)
	}
	ps := &pathSocket{
		conn:    conn,
		role:    role,
		network: network,
		self:    conn.LocalAddr(),
		peer:    s.peer,
	}
	conn.Start(socketSink{s: s, ps: ps})
	return ps, nil
}

func (s *Session) packet(frames []wire.Frame) ([]byte, error) {
	pkt := wire.Packet{ConnectionID: s.connID, Frames: frames}
	return pkt.Append(nil)
}

// writeOn sends frames on ps directly, whatever its role. It is used for
// path validation, which must not go through the current path.
func (s *Session) writeOn(ps *pathSocket, frames ...wire.Frame) error {
	buf, err := s.packet(frames)
	if err != nil {
		return err
	}
	status, err := ps.conn.WritePacket(buf)
	switch status {
	case WriteOK:
		s.msink.IncrCounterWithLabels(MetricPacketOutBytes, float32(len(buf)), s.mlabels)
		return nil
	case WriteBlocked:
		return fmt.Errorf("%w: %s socket blocked", ErrWriteFailed, ps.role)
	default:
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
}

// sendFrames packs frames in one packet for the current path.
func (s *Session) sendFrames(frames ...wire.Frame) {
	if len(frames) == 0 || s.closed {
		return
	}
	buf, err := s.packet(frames)
	if err != nil {
		s.logger.Error("could not encode packet", LabelError.L(err))
		return
	}
	s.writePacket(buf)
}

func (s *Session) writable() bool {
	return s.paths.current != nil && !s.paths.current.blocked
}

func (s *Session) writePacket(buf []byte) {
	if len(s.sendQueue) > 0 || s.migration.cachedPacket != nil || !s.writable() {
		s.enqueue(buf)
		return
	}
	if s.tryWrite(buf) == WriteBlocked {
		s.enqueue(buf)
	}
}

// tryWrite hands buf to the current socket. A write error starts the
// write error migration, which owns buf from then on.
func (s *Session) tryWrite(buf []byte) WriteStatus {
	ps := s.paths.current
	status, err := ps.conn.WritePacket(buf)
	switch status {
	case WriteOK:
		s.msink.IncrCounterWithLabels(MetricPacketOutBytes, float32(len(buf)), s.mlabels)
	case WriteBlocked:
		ps.blocked = true
		s.msink.IncrCounterWithLabels(MetricPacketOutBlockedCount, 1, s.mlabels)
	default:
		s.msink.IncrCounterWithLabels(MetricPacketOutErrorCount, 1, s.mlabels)
		s.MigrateSessionOnWriteError(err, buf)
	}
	return status
}

func (s *Session) enqueue(buf []byte) {
	s.sendQueue = append(s.sendQueue, buf)
	s.msink.SetGaugeWithLabels(MetricPacketQueuedCount, float32(len(s.sendQueue)), s.mlabels)
	if !s.queueWarned && len(s.sendQueue) >= s.cfg.QueuedPacketsWarnThreshold {
		s.queueWarned = true
		s.logger.Warn("too many packets queued behind a blocked writer", "queued", len(s.sendQueue))
	}
}

// onWriteUnblocked resends the packet cached by a write error first, then
// the queue, then the PING owed after a migration.
func (s *Session) onWriteUnblocked(ps *pathSocket) {
	if s.closed || ps != s.paths.current || s.migration.writeErrorPending {
		return
	}
	ps.blocked = false
	s.flushQueue()
}

func (s *Session) flushQueue() {
	if buf := s.migration.cachedPacket; buf != nil {
		s.migration.cachedPacket = nil
		switch s.tryWrite(buf) {
		case WriteBlocked:
			s.sendQueue = append([][]byte{buf}, s.sendQueue...)
			return
		case WriteError:
			return
		}
	}
	for len(s.sendQueue) > 0 && s.writable() {
		buf := s.sendQueue[0]
		status := s.tryWrite(buf)
		if status == WriteBlocked {
			break
		}
		s.sendQueue[0] = nil
		s.sendQueue = s.sendQueue[1:]
		if status == WriteError {
			break
		}
	}
	s.msink.SetGaugeWithLabels(MetricPacketQueuedCount, float32(len(s.sendQueue)), s.mlabels)
	if len(s.sendQueue) == 0 {
		s.queueWarned = false
	}
	if s.migration.pingPending && s.writable() && !s.migration.writeErrorPending {
		s.migration.pingPending = false
		s.sendFrames(&wire.PingFrame{})
	}
}

func (s *Session) onPacket(ps *pathSocket, b []byte, self, peer netip.AddrPort) {
	if s.closed || ps.role == roleClosed {
		return
	}
	pkt, err := wire.ParsePacket(b)
	if err != nil {
		s.msink.IncrCounterWithLabels(MetricPacketInErrorCount, 1, s.mlabels)
		s.logger.Debug("dropping undecodable packet", LabelError.L(err), LabelSelfAddr.L(self))
		return
	}
	if !bytes.Equal(pkt.ConnectionID, s.connID) {
		s.logger.Debug("dropping packet for another connection", LabelPeerAddr.L(peer))
		return
	}
	s.msink.IncrCounterWithLabels(MetricPacketInBytes, float32(len(b)), s.mlabels)

	if ps.role == roleProbe {
		s.prober.onPacket(ps, pkt)
	}
	s.idleAlarm.Set(s.cfg.IdleTimeout)
	for _, f := range pkt.Frames {
		s.handleFrame(ps, f)
		if s.closed {
			return
		}
	}
}

func (s *Session) handleFrame(ps *pathSocket, f wire.Frame) {
	switch f := f.(type) {
	case *wire.StreamFrame:
		s.onStreamFrame(f)
	case *wire.HeadersFrame:
		s.onHeadersFrame(f)
	case *wire.ResetStreamFrame:
		s.OnRstStreamFrame(f)
	case *wire.StopSendingFrame:
		if st, ok := s.streams.get(f.StreamID); ok {
			st.onStopSending(f)
		}
	case *wire.CryptoFrame:
		s.onCryptoFrame(f)
	case *wire.MaxDataFrame:
		if f.MaximumData > s.flow.sendMax {
			s.flow.sendMax = f.MaximumData
			s.OnCanWrite()
		}
	case *wire.MaxStreamDataFrame:
		if st, ok := s.streams.get(f.StreamID); ok {
			st.onMaxStreamData(f.MaximumStreamData)
		}
	case *wire.MaxStreamsFrame:
		if !f.Unidirectional {
			s.streams.maxOutgoing = int(min(f.MaxStreams, uint64(maxStreamLimit)))
			s.processPendingRequests()
		}
	case *wire.PathChallengeFrame:
		if err := s.writeOn(ps, &wire.PathResponseFrame{Data: f.Data}); err != nil {
			s.logger.Debug("could not answer path challenge", LabelError.L(err))
		}
	case *wire.ConnectionCloseFrame:
		s.logger.Info("peer closed the connection", LabelErrorCode.L(f.ErrorCode), "reason", f.ReasonPhrase)
		s.CloseSessionOnErrorLater(peerCloseError(f), nil)
	case *wire.PingFrame, *wire.PathResponseFrame:
	}
}

func (s *Session) onCryptoFrame(f *wire.CryptoFrame) {
	s.cryptoRecv.push(f.Offset, f.Data)
	var data []byte
	chunk := make([]byte, 4096)
	for s.cryptoRecv.readable() {
		n := s.cryptoRecv.read(chunk)
		data = append(data, chunk[:n]...)
	}
	if len(data) == 0 {
		return
	}
	if err := s.crypto.HandleCryptoData(data); err != nil {
		s.OnHandshakeFailed(err)
	}
}

func (s *Session) onReadError(ps *pathSocket, err error) {
	switch ps.role {
	case roleDraining:
		s.logger.Debug("retired socket drained", LabelSelfAddr.L(ps.self), LabelError.L(err))
		s.paths.retire(ps)
	case roleProbe:
		s.prober.onSocketError(ps, err)
	case roleCurrent:
		if s.closed {
			return
		}
		s.CloseSessionOnErrorLater(fmt.Errorf("%w: %w", ErrReadFailed, err), &QErrInternal)
	}
}

func (s *Session) connSendCredit() uint64 {
	if s.flow.sendMax <= s.flow.sent {
		return 0
	}
	return s.flow.sendMax - s.flow.sent
}

func (s *Session) consumeSendCredit(n uint64) {
	s.flow.sent += n
}

// onConnDataReceived counts n new bytes against the connection receive
// window. Going over it closes the session.
func (s *Session) onConnDataReceived(n uint64) error {
	if s.flow.received+n > s.flow.recvMax {
		err := fmt.Errorf("%w: %d bytes over a connection window of %d", ErrFlowControl, s.flow.received+n, s.flow.recvMax)
		s.CloseSessionOnErrorLater(err, &QErrFlowControl)
		return err
	}
	s.flow.received += n
	return nil
}

func (s *Session) onConnDataConsumed(n uint64) {
	s.flow.consumed += n
	if s.flow.recvMax-s.flow.consumed >= s.flow.recvWindow/2 {
		return
	}
	s.flow.recvMax = s.flow.consumed + s.flow.recvWindow
	s.sendFrames(&wire.MaxDataFrame{MaximumData: s.flow.recvMax})
}

// OnCanWrite resumes the writes of every stream blocked on flow control,
// in stream id order.
func (s *Session) OnCanWrite() {
	for _, st := range s.streams.sorted() {
		if s.closed {
			return
		}
		st.onCanWrite()
	}
}

func (s *Session) onIdleTimeout() {
	s.CloseSessionOnError(&quic.IdleTimeoutError{}, nil)
}

// CloseSessionOnError tears the session down in one pass: handshake
// waiters, queued stream requests, then streams and their handles are
// resolved with the close error, before the pool forgets the session and
// its sockets are released. A nil qerr closes silently.
func (s *Session) CloseSessionOnError(cause error, qerr *QuicApplicationError) {
	if s.beginClose(cause, qerr) {
		s.finishClose()
	}
}

// CloseSessionOnErrorLater resolves every pending operation now but leaves
// the pool and the sockets alone until the current task returns. It is
// what code running inside a session callback must use.
func (s *Session) CloseSessionOnErrorLater(cause error, qerr *QuicApplicationError) {
	if s.beginClose(cause, qerr) {
		s.runner.Post(s.finishClose)
	}
}

func (s *Session) beginClose(cause error, qerr *QuicApplicationError) bool {
	if s.closed {
		return false
	}
	if qerr != nil && s.writable() {
		msg := "closed"
		if cause != nil {
			msg = cause.Error()
		}
		if err := s.writeOn(s.paths.current, qerr.Frame(msg)); err != nil {
			s.logger.Debug("could not send connection close", LabelError.L(err))
		}
	}

	s.closed = true
	s.closeErr = closedError(cause)
	s.logger.Info("session closed", LabelError.L(cause))
	s.msink.IncrCounterWithLabels(MetricSessionClosedCount, 1, withLabels(s.mlabels, LabelError.M(errorClass(cause))))
	s.record(netlog.Event{Type: netlog.EventSessionClosed, Detail: s.closeErr.Error()})

	s.idleAlarm.Cancel()
	s.migration.stop()
	s.prober.cancelAll(ErrProbeCanceled)
	s.ref.close(s)

	waiters := s.handshakeWaiters
	s.handshakeWaiters = nil
	for _, w := range waiters {
		w(s.closeErr)
	}
	for _, r := range s.requests.drain() {
		r.resolve(s.closeErr)
	}
	s.accept.fail(s.closeErr)
	for _, st := range s.streams.sorted() {
		s.closeStream(st, s.closeErr)
	}
	return true
}

func (s *Session) finishClose() {
	if s.released {
		return
	}
	s.released = true
	s.pool.onSessionClosed(s)
	s.paths.closeAll()
	s.sendQueue = nil
	s.migration.cachedPacket = nil
}

func (s *Session) record(ev netlog.Event) {
	ev.Time = s.clock.Now()
	ev.Session = s.key.String()
	if err := s.netlog.Record(ev); err != nil {
		s.logger.Debug("could not write netlog record", LabelError.L(err))
	}
}

func errorClass(err error) string {
	var (
		appErr  *quic.ApplicationError
		trErr   *quic.TransportError
		idleErr *quic.IdleTimeoutError
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &idleErr):
		return "idle_timeout"
	case errors.As(err, &appErr), errors.As(err, &trErr):
		return "peer"
	case errors.Is(err, ErrHandshakeFailed):
		return "handshake"
	case errors.Is(err, ErrNoNewNetwork), errors.Is(err, ErrNetworkChanged), errors.Is(err, ErrTooManyChanges):
		return "network"
	case errors.Is(err, ErrWriteFailed), errors.Is(err, ErrReadFailed), errors.Is(err, ErrSocketCreate):
		return "socket"
	default:
		return "local"
	}
}
