package qsession

import (
	"log/slog"
	"net/netip"
	"strconv"
)

// NetworkHandle identifies one network interface the host can send
// packets on. Its value is owned by the NetworkMonitor.
type NetworkHandle int64

// InvalidNetwork means "no network" or "not bound to a specific network".
const InvalidNetwork NetworkHandle = -1

func (n NetworkHandle) String() string {
	if n == InvalidNetwork {
		return "invalid"
	}
	return strconv.FormatInt(int64(n), 10)
}

// NetworkObserver receives platform network events. Implementations must
// not block.
type NetworkObserver interface {
	OnNetworkConnected(network NetworkHandle)
	OnNetworkDisconnected(network NetworkHandle)
	OnNetworkMadeDefault(network NetworkHandle)
}

// NetworkMonitor reports which networks are usable.
type NetworkMonitor interface {
	DefaultNetwork() NetworkHandle
	ConnectedNetworks() []NetworkHandle
	// Subscribe registers obs and returns a function removing it.
	Subscribe(obs NetworkObserver) (unsubscribe func())
}

// staticMonitor is used when no NetworkMonitor is configured: a single
// unbound network which never changes.
type staticMonitor struct{}

func (staticMonitor) DefaultNetwork() NetworkHandle { return InvalidNetwork }

func (staticMonitor) ConnectedNetworks() []NetworkHandle { return nil }

func (staticMonitor) Subscribe(NetworkObserver) func() { return func() {} }

// MigrationCause records why a migration was attempted.
type MigrationCause uint8

const (
	CauseUnknown MigrationCause = iota
	CauseOnNetworkConnected
	CauseOnNetworkDisconnected
	CauseOnWriteError
	CauseOnNetworkMadeDefault
	CauseOnMigrateBackToDefaultNetwork
	CauseChangeNetworkOnPathDegrading
	CauseChangePortOnPathDegrading
	CauseNewNetworkConnectedPostPathDegrading
)

func (c MigrationCause) String() string {
	switch c {
	case CauseOnNetworkConnected:
		return "on_network_connected"
	case CauseOnNetworkDisconnected:
		return "on_network_disconnected"
	case CauseOnWriteError:
		return "on_write_error"
	case CauseOnNetworkMadeDefault:
		return "on_network_made_default"
	case CauseOnMigrateBackToDefaultNetwork:
		return "on_migrate_back_to_default_network"
	case CauseChangeNetworkOnPathDegrading:
		return "change_network_on_path_degrading"
	case CauseChangePortOnPathDegrading:
		return "change_port_on_path_degrading"
	case CauseNewNetworkConnectedPostPathDegrading:
		return "new_network_connected_post_path_degrading"
	default:
		return "unknown"
	}
}

// MigrationResult is the outcome of an immediate migration.
type MigrationResult uint8

const (
	MigrationSuccess MigrationResult = iota
	MigrationNoNewNetwork
	MigrationFailure
)

func (r MigrationResult) String() string {
	switch r {
	case MigrationSuccess:
		return "success"
	case MigrationNoNewNetwork:
		return "no_new_network"
	default:
		return "failure"
	}
}

// ProbingResult is the outcome of asking the session to validate a path.
type ProbingResult uint8

const (
	ProbingPending ProbingResult = iota
	ProbingDisabledWithIdleSession
	ProbingDisabledByConfig
	ProbingDisabledByNonMigratableStream
	ProbingInternalError
	ProbingFailure
)

func (r ProbingResult) String() string {
	switch r {
	case ProbingPending:
		return "pending"
	case ProbingDisabledWithIdleSession:
		return "disabled_with_idle_session"
	case ProbingDisabledByConfig:
		return "disabled_by_config"
	case ProbingDisabledByNonMigratableStream:
		return "disabled_by_non_migratable_stream"
	case ProbingInternalError:
		return "internal_error"
	default:
		return "failure"
	}
}

// Path is one (network, self, peer) tuple packets flow on.
type Path struct {
	Network NetworkHandle
	Self    netip.AddrPort
	Peer    netip.AddrPort
}

func (p Path) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("network", p.Network.String()),
		slog.String("self", p.Self.String()),
		slog.String("peer", p.Peer.String()),
	)
}

// PathSignals is implemented by the session for the loss-detection side
// of the connection, which is the one able to tell a path is degrading.
// Calls must happen on the session's loop.
type PathSignals interface {
	OnPathDegrading()
}

// Recovery is the loss-detection and congestion-control state of a
// connection. The session only tells it when packets start flowing on a
// new path.
type Recovery interface {
	OnPathChanged(from, to Path)
}

// RecoveryFactory builds the Recovery of a new session.
type RecoveryFactory func(key SessionKey, signals PathSignals) Recovery

type noopRecovery struct{}

func (noopRecovery) OnPathChanged(Path, Path) {}
