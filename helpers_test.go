package qsession

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raskyld/qsession/pkg/clock"
	"github.com/raskyld/qsession/pkg/loop"
	"github.com/raskyld/qsession/pkg/wire"
)

var (
	testPeer = netip.MustParseAddrPort("192.0.2.10:443")
	testKey  = SessionKey{Host: "example.test", Port: 443}
)

const (
	wifi     NetworkHandle = 1
	cellular NetworkHandle = 2
)

// fakeConn records what the session writes. Writes succeed until status is
// changed.
type fakeConn struct {
	network NetworkHandle
	local   netip.AddrPort
	sink    PacketSink
	written [][]byte
	status  WriteStatus
	err     error
	closed  bool
}

func (c *fakeConn) WritePacket(b []byte) (WriteStatus, error) {
	if c.closed {
		return WriteError, net.ErrClosed
	}
	switch c.status {
	case WriteOK:
		c.written = append(c.written, append([]byte(nil), b...))
		return WriteOK, nil
	case WriteBlocked:
		return WriteBlocked, nil
	default:
		return WriteError, c.err
	}
}

func (c *fakeConn) LocalAddr() netip.AddrPort { return c.local }

func (c *fakeConn) Start(sink PacketSink) { c.sink = sink }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

// frames decodes everything written on c.
func (c *fakeConn) frames(t *testing.T) []wire.Frame {
	t.Helper()
	var out []wire.Frame
	for _, b := range c.written {
		pkt, err := wire.ParsePacket(b)
		require.NoError(t, err)
		out = append(out, pkt.Frames...)
	}
	return out
}

func framesOf[F wire.Frame](t *testing.T, c *fakeConn) []F {
	t.Helper()
	var out []F
	for _, f := range c.frames(t) {
		if typed, ok := f.(F); ok {
			out = append(out, typed)
		}
	}
	return out
}

type fakeSockets struct {
	dials    map[NetworkHandle]int
	conns    []*fakeConn
	failures map[NetworkHandle]error
	port     uint16
}

func (f *fakeSockets) Dial(_ context.Context, network NetworkHandle, _ netip.AddrPort) (PacketConn, error) {
	if f.dials == nil {
		f.dials = make(map[NetworkHandle]int)
	}
	f.dials[network]++
	if err := f.failures[network]; err != nil {
		return nil, err
	}
	f.port++
	c := &fakeConn{
		network: network,
		local:   netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), 40000+f.port),
	}
	f.conns = append(f.conns, c)
	return c, nil
}

// onNetwork returns the sockets dialed on network, oldest first.
func (f *fakeSockets) onNetwork(network NetworkHandle) []*fakeConn {
	var out []*fakeConn
	for _, c := range f.conns {
		if c.network == network {
			out = append(out, c)
		}
	}
	return out
}

type fakeMonitor struct {
	def       NetworkHandle
	connected []NetworkHandle
	obs       NetworkObserver
}

func (m *fakeMonitor) DefaultNetwork() NetworkHandle { return m.def }

func (m *fakeMonitor) ConnectedNetworks() []NetworkHandle { return m.connected }

func (m *fakeMonitor) Subscribe(obs NetworkObserver) func() {
	m.obs = obs
	return func() { m.obs = nil }
}

func (m *fakeMonitor) connect(n NetworkHandle) {
	m.connected = append(m.connected, n)
	m.obs.OnNetworkConnected(n)
}

func (m *fakeMonitor) disconnect(n NetworkHandle) {
	var kept []NetworkHandle
	for _, c := range m.connected {
		if c != n {
			kept = append(kept, c)
		}
	}
	m.connected = kept
	if m.def == n {
		m.def = InvalidNetwork
	}
	m.obs.OnNetworkDisconnected(n)
}

func (m *fakeMonitor) makeDefault(n NetworkHandle) {
	m.def = n
	m.obs.OnNetworkMadeDefault(n)
}

type harness struct {
	t       *testing.T
	clock   *clock.Fake
	runner  *loop.Runner
	sockets *fakeSockets
	monitor *fakeMonitor
	pool    *Pool
}

func newHarness(t *testing.T, tweak func(*Config), opts ...Option) *harness {
	t.Helper()
	cfg := DefaultConfig()
	if tweak != nil {
		tweak(&cfg)
	}
	h := &harness{
		t:       t,
		clock:   clock.NewFake(time.Unix(1_700_000_000, 0)),
		runner:  loop.New(),
		sockets: &fakeSockets{},
		monitor: &fakeMonitor{def: wifi, connected: []NetworkHandle{wifi}},
	}
	opts = append([]Option{
		WithConfig(cfg),
		WithLog(slog.NewTextHandler(io.Discard, nil)),
		WithClock(h.clock),
		WithRunner(h.runner),
		WithSocketFactory(h.sockets),
		WithNetworkMonitor(h.monitor),
	}, opts...)
	pool, err := NewPool(opts...)
	require.NoError(t, err)
	h.pool = pool
	return h
}

// connect creates a session for testKey and confirms its handshake.
func (h *harness) connect() *Session {
	h.t.Helper()
	s := h.dial()
	h.peerSend(s, h.conn(s), &wire.CryptoFrame{Data: []byte(NullHello)})
	require.True(h.t, s.IsHandshakeConfirmed())
	return s
}

// dial creates a session without confirming its handshake.
func (h *harness) dial() *Session {
	h.t.Helper()
	_, err := h.pool.CreateSession(testKey, testPeer)
	require.NoError(h.t, err)
	s := h.pool.session(testKey)
	require.NotNil(h.t, s)
	return s
}

func (h *harness) conn(s *Session) *fakeConn {
	return s.paths.current.conn.(*fakeConn)
}

// peerSend delivers frames as if the peer sent them to c, then runs the
// loop.
func (h *harness) peerSend(s *Session, c *fakeConn, frames ...wire.Frame) {
	h.t.Helper()
	pkt := wire.Packet{ConnectionID: s.connID, Frames: frames}
	b, err := pkt.Append(nil)
	require.NoError(h.t, err)
	c.sink.OnPacket(b, c.local, testPeer)
	h.runner.RunUntilIdle()
}

// answerChallenge answers the latest PATH_CHALLENGE written on c.
func (h *harness) answerChallenge(s *Session, c *fakeConn) {
	h.t.Helper()
	challenges := framesOf[*wire.PathChallengeFrame](h.t, c)
	require.NotEmpty(h.t, challenges)
	h.peerSend(s, c, &wire.PathResponseFrame{Data: challenges[len(challenges)-1].Data})
}

// advance moves the clock in small steps, so alarms armed by a task fire
// in the same call.
func (h *harness) advance(d time.Duration) {
	const step = 50 * time.Millisecond
	for d > 0 {
		next := min(d, step)
		h.clock.Advance(next)
		h.runner.RunUntilIdle()
		d -= next
	}
}

// openStream opens an outgoing stream on s and returns its handle.
func (h *harness) openStream(s *Session) *StreamHandle {
	h.t.Helper()
	r, err := s.RequestStream(false, nil)
	require.NoError(h.t, err)
	sh := r.ReleaseStream()
	require.NotNil(h.t, sh)
	return sh
}

type callRecorder struct {
	calls int
	err   error
}

func (r *callRecorder) done(err error) {
	r.calls++
	r.err = err
}

var errBoom = errors.New("boom")
