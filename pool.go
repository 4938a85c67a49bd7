package qsession

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-metrics"

	"github.com/raskyld/qsession/pkg/clock"
	"github.com/raskyld/qsession/pkg/loop"
)

// Pool owns the sessions of a client, one per SessionKey, and forwards
// network events to them.
//
// Every method but the NetworkObserver ones, Runner and Shutdown must be
// called from a task of the pool's Runner.
type Pool struct {
	opts    options
	logger  *slog.Logger
	msink   metrics.MetricSink
	clock   clock.Clock
	runner  *loop.Runner
	monitor NetworkMonitor

	ctx    context.Context
	cancel context.CancelFunc

	// index maps SessionKey.indexKey to *Session. Keys start with the
	// host, so all sessions of a host share a prefix.
	index       *iradix.Tree
	unsubscribe func()
	closed      bool
}

func NewPool(opts ...Option) (*Pool, error) {
	o := options{cfg: DefaultConfig()}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if o.sockets == nil {
		return nil, fmt.Errorf("%w: a socket factory is required", ErrInvalidCfg)
	}

	if o.logHandler == nil {
		o.logHandler = slog.Default().Handler()
	}
	if o.metricSink == nil {
		o.metricSink = &metrics.BlackholeSink{}
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.runner == nil {
		o.runner = loop.New()
	}
	if o.monitor == nil {
		o.monitor = staticMonitor{}
	}
	if o.crypto == nil {
		o.crypto = NullCrypto
	}

	p := &Pool{
		opts:    o,
		logger:  slog.New(o.logHandler),
		msink:   o.metricSink,
		clock:   o.clock,
		runner:  o.runner,
		monitor: o.monitor,
		index:   iradix.New(),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.unsubscribe = p.monitor.Subscribe(p)
	return p, nil
}

// Runner is the loop every session of the pool runs on.
func (p *Pool) Runner() *loop.Runner {
	return p.runner
}

func (p *Pool) Config() Config {
	return p.opts.cfg
}

// CreateSession connects to peer under key. If a session for key is still
// open, a new handle to it is returned instead.
func (p *Pool) CreateSession(key SessionKey, peer netip.AddrPort) (*SessionHandle, error) {
	if p.closed {
		return nil, ErrPoolClosed
	}
	if h, ok := p.FindSession(key); ok {
		return h, nil
	}
	if !peer.IsValid() {
		return nil, fmt.Errorf("%w: invalid peer address %q", ErrInvalidCfg, peer)
	}

	s, err := newSession(p, key, peer)
	if err != nil {
		p.logger.Warn("could not create session", LabelSession.L(key), LabelError.L(err))
		return nil, err
	}
	p.index, _, _ = p.index.Insert(key.indexKey(), s)
	s.start()
	if s.IsClosed() {
		return nil, s.closeErr
	}
	return s.CreateHandle(), nil
}

// FindSession returns a handle to the open session of key.
func (p *Pool) FindSession(key SessionKey) (*SessionHandle, bool) {
	s := p.session(key)
	if s == nil {
		return nil, false
	}
	return s.CreateHandle(), true
}

func (p *Pool) session(key SessionKey) *Session {
	v, ok := p.index.Get(key.indexKey())
	if !ok {
		return nil
	}
	s := v.(*Session)
	if s.IsClosed() {
		return nil
	}
	return s
}

func (p *Pool) NumSessions() int {
	return p.index.Len()
}

// sessions returns the sessions sharing prefix, in key order.
func (p *Pool) sessions(prefix []byte) []*Session {
	var out []*Session
	p.index.Root().WalkPrefix(prefix, func(_ []byte, v interface{}) bool {
		out = append(out, v.(*Session))
		return false
	})
	return out
}

// CloseAllForHost closes every session to host, whatever its port or
// privacy mode.
func (p *Pool) CloseAllForHost(host string, cause error) int {
	sessions := p.sessions([]byte(hostPrefix(host)))
	for _, s := range sessions {
		s.CloseSessionOnError(cause, &QErrNoError)
	}
	return len(sessions)
}

// Close closes every session and stops listening to network events.
func (p *Pool) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.unsubscribe()
	for _, s := range p.sessions(nil) {
		s.CloseSessionOnError(ErrPoolClosed, &QErrNoError)
	}
	p.cancel()
	p.logger.Info("pool closed")
}

// Shutdown closes the pool from any goroutine and stops its runner. The
// runner must be running.
func (p *Pool) Shutdown() {
	done := make(chan struct{})
	if !p.runner.Post(func() {
		p.Close()
		close(done)
	}) {
		return
	}
	<-done
	p.runner.Close()
}

func (p *Pool) onSessionClosed(s *Session) {
	k := s.key.indexKey()
	if v, ok := p.index.Get(k); ok && v.(*Session) == s {
		p.index, _, _ = p.index.Delete(k)
	}
}

func (p *Pool) DefaultNetwork() NetworkHandle {
	return p.monitor.DefaultNetwork()
}

// FindAlternateNetwork picks a network other than old: the default one if
// it differs, or else the first other connected network.
func (p *Pool) FindAlternateNetwork(old NetworkHandle) NetworkHandle {
	if def := p.monitor.DefaultNetwork(); def != InvalidNetwork && def != old {
		return def
	}
	for _, n := range p.monitor.ConnectedNetworks() {
		if n != InvalidNetwork && n != old {
			return n
		}
	}
	return InvalidNetwork
}

// broadcast runs fn for every session as one task of the pool's runner.
func (p *Pool) broadcast(event string, network NetworkHandle, fn func(*Session)) {
	posted := p.runner.Post(func() {
		if p.closed {
			return
		}
		p.logger.Debug("network event", "event", event, LabelNetwork.L(network))
		for _, s := range p.sessions(nil) {
			fn(s)
		}
	})
	if !posted {
		p.logger.Debug("network event dropped", "event", event, LabelError.L(loop.ErrRunnerClosed))
	}
}

func (p *Pool) OnNetworkConnected(network NetworkHandle) {
	p.broadcast("connected", network, func(s *Session) { s.OnNetworkConnected(network) })
}

func (p *Pool) OnNetworkDisconnected(network NetworkHandle) {
	p.broadcast("disconnected", network, func(s *Session) { s.OnNetworkDisconnected(network) })
}

func (p *Pool) OnNetworkMadeDefault(network NetworkHandle) {
	p.broadcast("made_default", network, func(s *Session) { s.OnNetworkMadeDefault(network) })
}
