// Package netmon tells a qsession.Pool which networks the host can use.
//
// Poller periodically lists the interfaces of the host and turns the
// difference between two listings into network events. A network is an
// interface which is up, is not a loopback and carries an IP address. Its
// NetworkHandle is the interface index.
package netmon

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	sockaddr "github.com/hashicorp/go-sockaddr"

	"github.com/raskyld/qsession"
	"github.com/raskyld/qsession/pkg/clock"
)

const defaultInterval = 2 * time.Second

// Snapshot is one listing of the usable networks.
type Snapshot struct {
	Default   qsession.NetworkHandle
	Connected []qsession.NetworkHandle
}

// Source lists the usable networks.
type Source func() (Snapshot, error)

// Interfaces is the Source backed by the interfaces of the host.
func Interfaces() (Snapshot, error) {
	snap := Snapshot{Default: qsession.InvalidNetwork}

	all, err := sockaddr.GetAllInterfaces()
	if err != nil {
		return snap, fmt.Errorf("netmon: failed to list interfaces: %w", err)
	}
	up, _, err := sockaddr.IfByFlag("up", all)
	if err != nil {
		return snap, err
	}
	_, usable, err := sockaddr.IfByFlag("loopback", up)
	if err != nil {
		return snap, err
	}
	usable, _ = sockaddr.FilterIfByType(usable, sockaddr.TypeIP)
	for _, ifAddr := range usable {
		n := qsession.NetworkHandle(ifAddr.Index)
		if !slices.Contains(snap.Connected, n) {
			snap.Connected = append(snap.Connected, n)
		}
	}
	slices.Sort(snap.Connected)

	// No default route is not an error, the host may be offline.
	if defaults, err := sockaddr.GetDefaultInterfaces(); err == nil {
		for _, ifAddr := range defaults {
			if n := qsession.NetworkHandle(ifAddr.Index); slices.Contains(snap.Connected, n) {
				snap.Default = n
				break
			}
		}
	}
	return snap, nil
}

// Config of a Poller. Zero values are replaced by defaults.
type Config struct {
	// Interval between two listings. Default: 2s.
	Interval time.Duration

	// Source of the listings. Default: Interfaces.
	Source Source

	Clock      clock.Clock
	LogHandler slog.Handler
}

// Poller implements qsession.NetworkMonitor.
type Poller struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	current   Snapshot
	observers map[int]qsession.NetworkObserver
	nextID    int
	timer     clock.Timer
	stopped   bool
}

var _ qsession.NetworkMonitor = (*Poller)(nil)

// New takes a first listing, so that the Poller answers queries right
// away. Call Start to begin polling.
func New(cfg Config) (*Poller, error) {
	if cfg.Interval == 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Source == nil {
		cfg.Source = Interfaces
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	p := &Poller{
		cfg:       cfg,
		observers: make(map[int]qsession.NetworkObserver),
	}
	if cfg.LogHandler == nil {
		p.logger = slog.Default()
	} else {
		p.logger = slog.New(cfg.LogHandler)
	}

	snap, err := cfg.Source()
	if err != nil {
		return nil, err
	}
	p.current = snap
	return p, nil
}

func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil || p.stopped {
		return
	}
	p.timer = p.cfg.Clock.AfterFunc(p.cfg.Interval, p.tick)
}

func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Poller) tick() {
	if err := p.Poll(); err != nil {
		p.logger.Warn("failed to poll networks", qsession.LabelError.L(err))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.timer = p.cfg.Clock.AfterFunc(p.cfg.Interval, p.tick)
	}
}

// Poll takes a listing now and notifies the observers of what changed:
// new networks first, then the new default, then the networks which are
// gone. A session losing its network can then find the replacement.
func (p *Poller) Poll() error {
	snap, err := p.cfg.Source()
	if err != nil {
		return err
	}

	p.mu.Lock()
	prev := p.current
	p.current = snap
	observers := make([]qsession.NetworkObserver, 0, len(p.observers))
	for _, id := range slices.Sorted(maps.Keys(p.observers)) {
		observers = append(observers, p.observers[id])
	}
	p.mu.Unlock()

	var connected, disconnected []qsession.NetworkHandle
	for _, n := range snap.Connected {
		if !slices.Contains(prev.Connected, n) {
			connected = append(connected, n)
		}
	}
	for _, n := range prev.Connected {
		if !slices.Contains(snap.Connected, n) {
			disconnected = append(disconnected, n)
		}
	}
	madeDefault := snap.Default != prev.Default && snap.Default != qsession.InvalidNetwork

	for _, n := range connected {
		p.logger.Info("network connected", qsession.LabelNetwork.L(n))
		for _, obs := range observers {
			obs.OnNetworkConnected(n)
		}
	}
	if madeDefault {
		p.logger.Info("network made default", qsession.LabelNetwork.L(snap.Default))
		for _, obs := range observers {
			obs.OnNetworkMadeDefault(snap.Default)
		}
	}
	for _, n := range disconnected {
		p.logger.Info("network disconnected", qsession.LabelNetwork.L(n))
		for _, obs := range observers {
			obs.OnNetworkDisconnected(n)
		}
	}
	return nil
}

func (p *Poller) DefaultNetwork() qsession.NetworkHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.Default
}

func (p *Poller) ConnectedNetworks() []qsession.NetworkHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.current.Connected)
}

func (p *Poller) Subscribe(obs qsession.NetworkObserver) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.observers[id] = obs
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.observers, id)
	}
}
