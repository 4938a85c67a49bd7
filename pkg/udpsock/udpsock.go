// Package udpsock opens the UDP sockets sessions send their packets on.
//
// Each socket is connected to one peer and, when a network is given, bound
// to the interface of that network so that its packets leave through it
// whatever the routing table says.
package udpsock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"syscall"

	"github.com/hashicorp/go-metrics"

	"github.com/raskyld/qsession"
)

const (
	defaultBufferSize = 1 << 21
	maxPacketSize     = 1452
)

var (
	ErrBindUnsupported = errors.New("udpsock: binding to a network is not supported on this platform")
	ErrUnknownNetwork  = errors.New("udpsock: unknown network")
)

// Config of a Factory.
type Config struct {
	// BufferSize of the requested UDP kernel buffers.
	BufferSize int

	// EnforceBufferSize fails the dial if the kernel doesn't allocate what
	// we asked. If that's false, we retry and divide by 2 the requested
	// `Config.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// MetricsLabels to add to every metrics emitted by the sockets.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Factory implements qsession.SocketFactory. NetworkHandle values are
// interface indexes, as reported by netmon.
type Factory struct {
	cfg    Config
	logger *slog.Logger
	msink  metrics.MetricSink
}

var _ qsession.SocketFactory = (*Factory)(nil)

func NewFactory(cfg Config) *Factory {
	f := &Factory{cfg: cfg}
	if cfg.LogHandler == nil {
		f.logger = slog.Default()
	} else {
		f.logger = slog.New(cfg.LogHandler)
	}
	if cfg.MetricSink == nil {
		f.msink = metrics.Default()
	} else {
		f.msink = cfg.MetricSink
	}
	if f.cfg.BufferSize == 0 {
		f.cfg.BufferSize = defaultBufferSize
	}
	return f
}

// Dial opens a socket connected to peer, bound to network unless it is
// qsession.InvalidNetwork.
func (f *Factory) Dial(ctx context.Context, network qsession.NetworkHandle, peer netip.AddrPort) (qsession.PacketConn, error) {
	var ifName string
	if network != qsession.InvalidNetwork {
		ifi, err := net.InterfaceByIndex(int(network))
		if err != nil {
			return nil, fmt.Errorf("%w %s: %w", ErrUnknownNetwork, network, err)
		}
		ifName = ifi.Name
	}

	dialer := net.Dialer{
		Control: func(_, _ string, rc syscall.RawConn) error {
			if ifName == "" {
				return nil
			}
			var bindErr error
			if err := rc.Control(func(fd uintptr) {
				bindErr = bindToDevice(fd, ifName)
			}); err != nil {
				return err
			}
			return bindErr
		},
	}
	c, err := dialer.DialContext(ctx, "udp", peer.String())
	if err != nil {
		return nil, fmt.Errorf("udpsock: failed to dial %s on network %s: %w", peer, network, err)
	}
	udpConn := c.(*net.UDPConn)

	conn := &Conn{
		udp:     udpConn,
		network: network,
		peer:    peer,
		logger:  f.logger.With(qsession.LabelNetwork.L(network), qsession.LabelPeerAddr.L(peer)),
	}
	if err := f.negotiateBufferSize(udpConn); err != nil {
		udpConn.Close()
		return nil, err
	}
	if conn.raw, err = udpConn.SyscallConn(); err != nil {
		udpConn.Close()
		return nil, err
	}
	if local, ok := udpConn.LocalAddr().(*net.UDPAddr); ok {
		conn.local = local.AddrPort()
	}
	return conn, nil
}

func (f *Factory) negotiateBufferSize(c *net.UDPConn) error {
	requested := f.cfg.BufferSize
	size := requested
	for size > 0 {
		if err := c.SetReadBuffer(size); err != nil {
			if f.cfg.EnforceBufferSize {
				return qsession.ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if err := c.SetWriteBuffer(size); err != nil && f.cfg.EnforceBufferSize {
			return qsession.ErrBufferSize
		}
		if size != requested {
			f.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		f.msink.SetGaugeWithLabels(
			qsession.MetricUDPBufferSizeBytes,
			float32(size),
			f.cfg.MetricLabels,
		)
		return nil
	}
	return qsession.ErrBufferSize
}

// Conn is one connected UDP socket.
type Conn struct {
	udp     *net.UDPConn
	raw     syscall.RawConn
	network qsession.NetworkHandle
	local   netip.AddrPort
	peer    netip.AddrPort
	logger  *slog.Logger

	sink    qsession.PacketSink
	closed  atomic.Bool
	waiting atomic.Bool
}

func (c *Conn) LocalAddr() netip.AddrPort {
	return c.local
}

// Start launches the read loop. Packets and the terminal read error are
// handed to sink from the read goroutine.
func (c *Conn) Start(sink qsession.PacketSink) {
	c.sink = sink
	go c.readLoop()
}

func (c *Conn) readLoop() {
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := c.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			if c.closed.Load() {
				return
			}
			// NB: a connected UDP socket reports ICMP unreachable as a read
			// error, which is what the session wants to know about.
			c.sink.OnReadError(err)
			return
		}
		c.sink.OnPacket(append([]byte(nil), buf[:n]...), c.local, from)
	}
}

// WritePacket never waits for the socket. When the kernel buffer is full it
// reports WriteBlocked and notifies the sink once writing is possible.
func (c *Conn) WritePacket(b []byte) (qsession.WriteStatus, error) {
	if c.closed.Load() {
		return qsession.WriteError, net.ErrClosed
	}
	err := c.writeNoWait(b)
	switch {
	case err == nil:
		return qsession.WriteOK, nil
	case isWouldBlock(err):
		c.waitWritable()
		return qsession.WriteBlocked, nil
	default:
		return qsession.WriteError, err
	}
}

func (c *Conn) waitWritable() {
	if !c.waiting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.waiting.Store(false)
		polled := false
		err := c.raw.Write(func(uintptr) bool {
			if !polled {
				polled = true
				return false
			}
			return true
		})
		if err != nil || c.closed.Load() {
			return
		}
		c.logger.Debug("socket writable again")
		c.sink.OnWriteUnblocked()
	}()
}

func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.udp.Close()
}
