package qsession

import (
	"crypto/rand"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/raskyld/qsession/pkg/clock"
	"github.com/raskyld/qsession/pkg/loop"
	"github.com/raskyld/qsession/pkg/wire"
)

// probeHost is what the prober needs from its session. None of it changes
// state the session exposes.
type probeHost interface {
	openSocket(network NetworkHandle, role socketRole) (*pathSocket, error)
	writeOn(ps *pathSocket, frames ...wire.Frame) error
}

type probeKey struct {
	network NetworkHandle
	peer    netip.AddrPort
}

// probeCallback receives the validated socket, or why there is none.
// ErrProbeSuperseded and ErrProbeCanceled mean nobody waits for the result
// anymore.
type probeCallback func(ps *pathSocket, err error)

type probeAttempt struct {
	key         probeKey
	socket      *pathSocket
	challenges  [][8]byte
	timeout     time.Duration
	retriesLeft int
	alarm       *loop.Alarm
	cb          probeCallback
}

// prober validates candidate paths with PATH_CHALLENGE before the session
// commits to them. It only ever reports outcomes.
type prober struct {
	host     probeHost
	clock    clock.Clock
	runner   *loop.Runner
	logger   *slog.Logger
	rand     io.Reader
	attempts map[probeKey]*probeAttempt
}

func newProber(host probeHost, c clock.Clock, r *loop.Runner, logger *slog.Logger) *prober {
	return &prober{
		host:     host,
		clock:    c,
		runner:   r,
		logger:   logger,
		rand:     rand.Reader,
		attempts: make(map[probeKey]*probeAttempt),
	}
}

// start probes peer over network. A pending attempt for the same pair is
// superseded and its socket discarded first. cb is never invoked
// synchronously.
func (p *prober) start(network NetworkHandle, peer netip.AddrPort, timeout time.Duration, maxRetries int, cb probeCallback) error {
	key := probeKey{network: network, peer: peer}
	if old, ok := p.attempts[key]; ok {
		p.finish(old, nil, ErrProbeSuperseded)
	}

	ps, err := p.host.openSocket(network, roleProbe)
	if err != nil {
		return err
	}
	a := &probeAttempt{
		key:         key,
		socket:      ps,
		timeout:     timeout,
		retriesLeft: maxRetries,
		cb:          cb,
	}
	a.alarm = loop.NewAlarm(p.clock, p.runner, func() { p.onTimeout(a) })
	p.attempts[key] = a

	if err := p.sendChallenge(a); err != nil {
		delete(p.attempts, key)
		a.alarm.Cancel()
		ps.close()
		return err
	}
	p.logger.Debug("probe started", LabelNetwork.L(network), LabelPeerAddr.L(peer))
	return nil
}

func (p *prober) sendChallenge(a *probeAttempt) error {
	var data [8]byte
	if _, err := io.ReadFull(p.rand, data[:]); err != nil {
		return err
	}
	a.challenges = append(a.challenges, data)
	a.alarm.Set(a.timeout)
	return p.host.writeOn(a.socket, &wire.PathChallengeFrame{Data: data})
}

func (p *prober) onTimeout(a *probeAttempt) {
	if p.attempts[a.key] != a {
		return
	}
	if a.retriesLeft <= 0 {
		p.finish(a, nil, ErrProbeTimeout)
		return
	}
	a.retriesLeft--
	a.timeout *= 2
	if err := p.sendChallenge(a); err != nil {
		p.logger.Debug("probe retransmission failed", LabelError.L(err))
	}
}

// onPacket looks for the PATH_RESPONSE of the attempt owning ps.
func (p *prober) onPacket(ps *pathSocket, pkt *wire.Packet) {
	a := p.attemptOn(ps)
	if a == nil {
		return
	}
	for _, f := range pkt.Frames {
		resp, ok := f.(*wire.PathResponseFrame)
		if !ok {
			continue
		}
		for _, c := range a.challenges {
			if c == resp.Data {
				p.finish(a, ps, nil)
				return
			}
		}
	}
}

func (p *prober) onSocketError(ps *pathSocket, err error) {
	if a := p.attemptOn(ps); a != nil {
		p.finish(a, nil, err)
	}
}

func (p *prober) attemptOn(ps *pathSocket) *probeAttempt {
	for _, a := range p.attempts {
		if a.socket == ps {
			return a
		}
	}
	return nil
}

// cancel drops the attempt for network, whatever its peer.
func (p *prober) cancel(network NetworkHandle) {
	for key, a := range p.attempts {
		if key.network == network {
			p.finish(a, nil, ErrProbeCanceled)
		}
	}
}

func (p *prober) cancelAll(err error) {
	for _, a := range p.attempts {
		p.finish(a, nil, err)
	}
}

func (p *prober) pending() int {
	return len(p.attempts)
}

// finish resolves a once. On failure the probe socket is discarded, on
// success it is handed to the callback.
func (p *prober) finish(a *probeAttempt, ps *pathSocket, err error) {
	if p.attempts[a.key] != a {
		return
	}
	delete(p.attempts, a.key)
	a.alarm.Cancel()
	if err != nil {
		a.socket.close()
		p.logger.Debug("probe finished", LabelNetwork.L(a.key.network), LabelError.L(err))
	}
	cb := a.cb
	a.cb = nil
	cb(ps, err)
}
