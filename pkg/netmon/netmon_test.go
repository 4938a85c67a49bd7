package netmon

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raskyld/qsession"
	"github.com/raskyld/qsession/pkg/clock"
)

type eventRecorder struct {
	events []string
}

func (r *eventRecorder) OnNetworkConnected(n qsession.NetworkHandle) {
	r.events = append(r.events, fmt.Sprintf("connected %s", n))
}

func (r *eventRecorder) OnNetworkDisconnected(n qsession.NetworkHandle) {
	r.events = append(r.events, fmt.Sprintf("disconnected %s", n))
}

func (r *eventRecorder) OnNetworkMadeDefault(n qsession.NetworkHandle) {
	r.events = append(r.events, fmt.Sprintf("default %s", n))
}

type scriptedSource struct {
	snap Snapshot
	err  error
}

func (s *scriptedSource) list() (Snapshot, error) {
	return s.snap, s.err
}

func newTestPoller(t *testing.T, src *scriptedSource, c clock.Clock) *Poller {
	t.Helper()
	p, err := New(Config{
		Interval:   time.Second,
		Source:     src.list,
		Clock:      c,
		LogHandler: slog.NewTextHandler(io.Discard, nil),
	})
	require.NoError(t, err)
	return p
}

func TestPoller_Diff(t *testing.T) {
	src := &scriptedSource{snap: Snapshot{Default: 1, Connected: []qsession.NetworkHandle{1}}}
	p := newTestPoller(t, src, clock.NewFake(time.Unix(0, 0)))
	require.Equal(t, qsession.NetworkHandle(1), p.DefaultNetwork())

	var rec eventRecorder
	unsubscribe := p.Subscribe(&rec)

	t.Run("when nothing changed, nothing is notified", func(t *testing.T) {
		require.NoError(t, p.Poll())
		require.Empty(t, rec.events)
	})

	t.Run("when the default moves to a new network, the old one goes last", func(t *testing.T) {
		src.snap = Snapshot{Default: 2, Connected: []qsession.NetworkHandle{2}}
		require.NoError(t, p.Poll())
		require.Equal(t, []string{"connected 2", "default 2", "disconnected 1"}, rec.events)
		require.Equal(t, []qsession.NetworkHandle{2}, p.ConnectedNetworks())
	})

	t.Run("when the default network is lost, no default is announced", func(t *testing.T) {
		rec.events = nil
		src.snap = Snapshot{Default: qsession.InvalidNetwork}
		require.NoError(t, p.Poll())
		require.Equal(t, []string{"disconnected 2"}, rec.events)
		require.Equal(t, qsession.InvalidNetwork, p.DefaultNetwork())
	})

	t.Run("when listing fails, the previous state is kept", func(t *testing.T) {
		rec.events = nil
		src.err = errors.New("no netlink")
		require.Error(t, p.Poll())
		require.Empty(t, rec.events)
		src.err = nil
	})

	unsubscribe()
	src.snap = Snapshot{Default: 3, Connected: []qsession.NetworkHandle{3}}
	require.NoError(t, p.Poll())
	require.Empty(t, rec.events)
}

func TestPoller_Ticks(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	src := &scriptedSource{snap: Snapshot{Default: 1, Connected: []qsession.NetworkHandle{1}}}
	p := newTestPoller(t, src, c)
	var rec eventRecorder
	p.Subscribe(&rec)
	p.Start()

	src.snap.Connected = []qsession.NetworkHandle{1, 2}
	c.Advance(999 * time.Millisecond)
	require.Empty(t, rec.events)
	c.Advance(time.Millisecond)
	require.Equal(t, []string{"connected 2"}, rec.events)

	src.snap.Connected = []qsession.NetworkHandle{1}
	c.Advance(time.Second)
	require.Equal(t, []string{"connected 2", "disconnected 2"}, rec.events)

	p.Stop()
	src.snap.Connected = nil
	c.Advance(time.Minute)
	require.Len(t, rec.events, 2)
	require.Zero(t, c.Pending())
}

func TestInterfaces(t *testing.T) {
	snap, err := Interfaces()
	if err != nil {
		t.Skipf("interfaces cannot be listed here: %v", err)
	}
	if snap.Default != qsession.InvalidNetwork {
		require.Contains(t, snap.Connected, snap.Default)
	}
}
