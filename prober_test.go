package qsession

import (
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raskyld/qsession/pkg/clock"
	"github.com/raskyld/qsession/pkg/loop"
	"github.com/raskyld/qsession/pkg/wire"
)

type fakeProbeHost struct {
	sockets    []*pathSocket
	challenges map[*pathSocket][][8]byte
	openErr    error
}

func (h *fakeProbeHost) openSocket(network NetworkHandle, role socketRole) (*pathSocket, error) {
	if h.openErr != nil {
		return nil, h.openErr
	}
	ps := &pathSocket{conn: &fakeConn{network: network}, role: role, network: network, peer: testPeer}
	h.sockets = append(h.sockets, ps)
	return ps, nil
}

func (h *fakeProbeHost) writeOn(ps *pathSocket, frames ...wire.Frame) error {
	if h.challenges == nil {
		h.challenges = make(map[*pathSocket][][8]byte)
	}
	for _, f := range frames {
		if c, ok := f.(*wire.PathChallengeFrame); ok {
			h.challenges[ps] = append(h.challenges[ps], c.Data)
		}
	}
	return nil
}

type proberFixture struct {
	host   *fakeProbeHost
	clock  *clock.Fake
	runner *loop.Runner
	p      *prober
}

func newProberFixture() *proberFixture {
	f := &proberFixture{
		host:   &fakeProbeHost{},
		clock:  clock.NewFake(time.Unix(0, 0)),
		runner: loop.New(),
	}
	f.p = newProber(f.host, f.clock, f.runner, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func (f *proberFixture) advance(d time.Duration) {
	f.clock.Advance(d)
	f.runner.RunUntilIdle()
}

func respond(data [8]byte) *wire.Packet {
	return &wire.Packet{Frames: []wire.Frame{&wire.PathResponseFrame{Data: data}}}
}

type probeRecorder struct {
	calls int
	ps    *pathSocket
	err   error
}

func (r *probeRecorder) done(ps *pathSocket, err error) {
	r.calls++
	r.ps = ps
	r.err = err
}

func TestProber_Success(t *testing.T) {
	f := newProberFixture()
	var rec probeRecorder
	require.NoError(t, f.p.start(cellular, testPeer, time.Second, 2, rec.done))
	require.Zero(t, rec.calls)
	require.Equal(t, 1, f.p.pending())

	ps := f.host.sockets[0]
	require.Equal(t, roleProbe, ps.role)
	challenges := f.host.challenges[ps]
	require.Len(t, challenges, 1)

	t.Run("when the response does not match, the probe keeps waiting", func(t *testing.T) {
		f.p.onPacket(ps, respond([8]byte{0xff}))
		require.Zero(t, rec.calls)
	})

	t.Run("when the response arrives on another socket, it is ignored", func(t *testing.T) {
		f.p.onPacket(&pathSocket{conn: &fakeConn{}}, respond(challenges[0]))
		require.Zero(t, rec.calls)
	})

	f.p.onPacket(ps, respond(challenges[0]))
	require.Equal(t, 1, rec.calls)
	require.NoError(t, rec.err)
	require.Same(t, ps, rec.ps)
	require.False(t, ps.conn.(*fakeConn).closed)
	require.Zero(t, f.p.pending())

	t.Run("when the alarm would have fired, nothing more happens", func(t *testing.T) {
		f.advance(time.Minute)
		require.Equal(t, 1, rec.calls)
	})
}

func TestProber_Retransmission(t *testing.T) {
	f := newProberFixture()
	var rec probeRecorder
	require.NoError(t, f.p.start(cellular, testPeer, 100*time.Millisecond, 2, rec.done))
	ps := f.host.sockets[0]

	f.advance(99 * time.Millisecond)
	require.Len(t, f.host.challenges[ps], 1)
	f.advance(time.Millisecond)
	require.Len(t, f.host.challenges[ps], 2)

	// The timeout doubles after each retransmission.
	f.advance(199 * time.Millisecond)
	require.Len(t, f.host.challenges[ps], 2)
	f.advance(time.Millisecond)
	require.Len(t, f.host.challenges[ps], 3)

	t.Run("when an earlier challenge is answered, the probe succeeds", func(t *testing.T) {
		f := newProberFixture()
		var rec probeRecorder
		require.NoError(t, f.p.start(cellular, testPeer, 100*time.Millisecond, 2, rec.done))
		ps := f.host.sockets[0]
		f.advance(100 * time.Millisecond)
		first := f.host.challenges[ps][0]

		f.p.onPacket(ps, respond(first))
		require.Equal(t, 1, rec.calls)
		require.NoError(t, rec.err)
	})

	f.advance(400 * time.Millisecond)
	require.Equal(t, 1, rec.calls)
	require.ErrorIs(t, rec.err, ErrProbeTimeout)
	require.Nil(t, rec.ps)
	require.Equal(t, roleClosed, ps.role)
	require.True(t, ps.conn.(*fakeConn).closed)
	require.Len(t, f.host.challenges[ps], 3)
}

func TestProber_Supersede(t *testing.T) {
	f := newProberFixture()
	var first, second probeRecorder
	require.NoError(t, f.p.start(cellular, testPeer, time.Second, 0, first.done))
	require.NoError(t, f.p.start(cellular, testPeer, time.Second, 0, second.done))

	require.Equal(t, 1, first.calls)
	require.ErrorIs(t, first.err, ErrProbeSuperseded)
	require.True(t, f.host.sockets[0].conn.(*fakeConn).closed)
	require.Equal(t, 1, f.p.pending())

	t.Run("when the superseded socket is answered, nothing happens", func(t *testing.T) {
		old := f.host.sockets[0]
		f.p.onPacket(old, respond(f.host.challenges[old][0]))
		require.Zero(t, second.calls)
		require.Equal(t, 1, first.calls)
	})

	t.Run("when another peer is probed, both attempts coexist", func(t *testing.T) {
		var other probeRecorder
		peer := netip.MustParseAddrPort("192.0.2.20:443")
		require.NoError(t, f.p.start(cellular, peer, time.Second, 0, other.done))
		require.Equal(t, 2, f.p.pending())
		require.Zero(t, second.calls)
	})
}

func TestProber_Cancel(t *testing.T) {
	f := newProberFixture()
	var a, b probeRecorder
	require.NoError(t, f.p.start(cellular, testPeer, time.Second, 0, a.done))
	require.NoError(t, f.p.start(wifi, testPeer, time.Second, 0, b.done))

	f.p.cancel(cellular)
	require.ErrorIs(t, a.err, ErrProbeCanceled)
	require.Zero(t, b.calls)
	require.Equal(t, 1, f.p.pending())

	f.p.cancelAll(ErrConnectionClosed)
	require.ErrorIs(t, b.err, ErrConnectionClosed)
	require.Zero(t, f.p.pending())
	for _, ps := range f.host.sockets {
		require.Equal(t, roleClosed, ps.role)
	}

	t.Run("when the socket cannot be opened, start fails without a callback", func(t *testing.T) {
		f := newProberFixture()
		f.host.openErr = errBoom
		var rec probeRecorder
		require.ErrorIs(t, f.p.start(cellular, testPeer, time.Second, 0, rec.done), errBoom)
		require.Zero(t, rec.calls)
		require.Zero(t, f.p.pending())
	})

	t.Run("when the probe socket fails to read, the probe fails", func(t *testing.T) {
		f := newProberFixture()
		var rec probeRecorder
		require.NoError(t, f.p.start(cellular, testPeer, time.Second, 0, rec.done))
		f.p.onSocketError(f.host.sockets[0], errBoom)
		require.ErrorIs(t, rec.err, errBoom)
	})
}
