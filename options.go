package qsession

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"

	"github.com/raskyld/qsession/pkg/clock"
	"github.com/raskyld/qsession/pkg/loop"
	"github.com/raskyld/qsession/pkg/netlog"
)

type options struct {
	cfg          Config
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
	clock        clock.Clock
	runner       *loop.Runner
	sockets      SocketFactory
	monitor      NetworkMonitor
	crypto       CryptoFactory
	recovery     RecoveryFactory
	netlog       *netlog.Writer
}

// Option to pass to `NewPool`
type Option func(*options) error

// WithConfig replaces DefaultConfig. Zero fields are set to their
// defaults.
func WithConfig(cfg Config) Option {
	return func(o *options) error {
		cfg.withDefaults()
		if err := cfg.Validate(); err != nil {
			return err
		}
		o.cfg = cfg
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(o *options) error {
		o.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your sessions.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(o *options) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		o.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Pool.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(o *options) error {
		o.metricLabels = labels
		return nil
	}
}

// WithClock is mostly useful to tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) error {
		if c == nil {
			return ErrInvalidCfg
		}
		o.clock = c
		return nil
	}
}

// WithRunner makes the Pool and all its sessions run on r instead of a
// Runner of their own.
func WithRunner(r *loop.Runner) Option {
	return func(o *options) error {
		if r == nil {
			return ErrInvalidCfg
		}
		o.runner = r
		return nil
	}
}

// WithSocketFactory is required: it is how sessions reach the network.
func WithSocketFactory(f SocketFactory) Option {
	return func(o *options) error {
		o.sockets = f
		return nil
	}
}

// WithNetworkMonitor enables migrations. Without one, sessions only ever
// use the unbound network.
func WithNetworkMonitor(m NetworkMonitor) Option {
	return func(o *options) error {
		o.monitor = m
		return nil
	}
}

// WithCryptoFactory chooses the handshake engine. Default: NullCrypto.
func WithCryptoFactory(f CryptoFactory) Option {
	return func(o *options) error {
		o.crypto = f
		return nil
	}
}

// WithRecovery lets the loss-detection layer follow path changes and
// report path degradation.
func WithRecovery(f RecoveryFactory) Option {
	return func(o *options) error {
		o.recovery = f
		return nil
	}
}

// WithNetLog records session lifecycle and migration events to w.
func WithNetLog(w *netlog.Writer) Option {
	return func(o *options) error {
		o.netlog = w
		return nil
	}
}
