package qsession

import (
	"errors"
	"fmt"
	"time"

	"github.com/raskyld/qsession/pkg/loop"
	"github.com/raskyld/qsession/pkg/netlog"
)

// migrationState is the migration bookkeeping of a session. Migrations run
// one at a time: a probe in flight is superseded by any newer decision and
// write errors are coalesced into one migration task.
type migrationState struct {
	cause MigrationCause
	count int

	probing      bool
	probeSeq     uint64
	probeNetwork NetworkHandle
	probeCause   MigrationCause

	writeErrorPending bool
	cachedPacket      []byte
	waitingForNetwork bool
	waitCause         MigrationCause
	pathDegraded      bool
	pingPending       bool

	// Per default network, reset when the default network changes.
	pathDegradingMigrations int
	writeErrorMigrations    int

	portMigrations     int
	migrateBackRetries int
	onNonDefaultSince  time.Time

	waitForNetwork *loop.Alarm
	migrateBack    *loop.Alarm
}

func (m *migrationState) init(s *Session) {
	m.probeNetwork = InvalidNetwork
	m.waitForNetwork = loop.NewAlarm(s.clock, s.runner, s.onWaitForNetworkTimeout)
	m.migrateBack = loop.NewAlarm(s.clock, s.runner, s.onMigrateBackAlarm)
}

func (m *migrationState) stop() {
	m.waitForNetwork.Cancel()
	m.migrateBack.Cancel()
	m.probing = false
	m.probeSeq++
}

// MigrationCount is how many times the session changed path.
func (s *Session) MigrationCount() int {
	return s.migration.count
}

// LastMigrationCause is the cause of the latest committed migration.
func (s *Session) LastMigrationCause() MigrationCause {
	return s.migration.cause
}

// canMigrateIdle tells whether a session without streams may still move.
func (s *Session) canMigrateIdle() bool {
	if s.NumActiveStreams() > 0 {
		return true
	}
	if !s.cfg.Migration.MigrateIdleSession {
		return false
	}
	return s.clock.Now().Sub(s.lastActivity) <= s.cfg.Migration.IdleMigrationPeriod
}

// MigrateSessionOnWriteError is called when writing packet failed on the
// current socket. The packet is kept to be resent on the new path, and
// the migration itself runs as a separate task so that the caller's write
// path unwinds first.
func (s *Session) MigrateSessionOnWriteError(err error, packet []byte) {
	if s.closed {
		return
	}
	cause := fmt.Errorf("%w: %w", ErrWriteFailed, err)
	current := s.paths.current
	current.blocked = true
	s.logger.Warn("packet write failed", LabelError.L(err), LabelNetwork.L(current.network))

	if !s.cfg.Migration.MigrateOnWriteError {
		s.CloseSessionOnErrorLater(cause, nil)
		return
	}
	if !s.canMigrateIdle() {
		s.CloseSessionOnErrorLater(fmt.Errorf("%w: %w", ErrNetworkChanged, cause), nil)
		return
	}
	if s.migration.cachedPacket == nil && packet != nil {
		s.migration.cachedPacket = packet
	}
	if s.migration.writeErrorPending {
		return
	}
	s.migration.writeErrorPending = true
	s.runner.Post(func() {
		s.migrateOnWriteErrorLater(current)
	})
}

func (s *Session) migrateOnWriteErrorLater(failed *pathSocket) {
	s.migration.writeErrorPending = false
	if s.closed {
		return
	}
	if failed != s.paths.current {
		s.flushQueue()
		return
	}

	s.cancelProbing()
	alt := s.pool.FindAlternateNetwork(failed.network)
	if alt == InvalidNetwork {
		s.waitForNewNetwork(CauseOnWriteError)
		return
	}
	if alt != s.pool.DefaultNetwork() && s.migration.writeErrorMigrations >= s.cfg.Migration.MaxWriteErrorMigrations {
		s.CloseSessionOnError(ErrTooManyChanges, nil)
		return
	}
	s.migrateImmediately(alt, CauseOnWriteError)
}

// OnNetworkConnected migrates a session waiting for a network, or probes
// the new network if the path degraded earlier with nowhere to go.
func (s *Session) OnNetworkConnected(network NetworkHandle) {
	if s.closed {
		return
	}
	s.logger.Debug("network connected", LabelNetwork.L(network))
	switch {
	case s.migration.waitingForNetwork:
		s.migrateImmediately(network, CauseOnNetworkConnected)
	case s.migration.pathDegraded && network != s.CurrentNetwork():
		s.maybeStartProbing(network, CauseNewNetworkConnectedPostPathDegrading)
	}
}

// OnNetworkDisconnected moves a session off its network without probing,
// since the old path is gone anyway.
func (s *Session) OnNetworkDisconnected(network NetworkHandle) {
	if s.closed {
		return
	}
	s.logger.Debug("network disconnected", LabelNetwork.L(network))
	if s.migration.probing && s.migration.probeNetwork == network {
		s.cancelProbing()
	}
	if network != s.CurrentNetwork() {
		return
	}
	if !s.canMigrateIdle() {
		s.CloseSessionOnError(ErrNetworkChanged, nil)
		return
	}

	s.cancelProbing()
	alt := s.pool.FindAlternateNetwork(network)
	if alt == InvalidNetwork {
		s.waitForNewNetwork(CauseOnNetworkDisconnected)
		return
	}
	s.migrateImmediately(alt, CauseOnNetworkDisconnected)
}

// OnNetworkMadeDefault probes the new default network and only moves to it
// once the probe succeeded.
func (s *Session) OnNetworkMadeDefault(network NetworkHandle) {
	if s.closed {
		return
	}
	s.logger.Debug("network made default", LabelNetwork.L(network))
	s.migration.pathDegradingMigrations = 0
	s.migration.writeErrorMigrations = 0
	s.migration.migrateBackRetries = 0
	if !s.cfg.Migration.MigrateOnNetworkChange {
		return
	}

	if s.migration.waitingForNetwork {
		s.migrateImmediately(network, CauseOnNetworkMadeDefault)
		return
	}
	s.migration.migrateBack.Cancel()
	if network == s.CurrentNetwork() {
		s.cancelProbing()
		return
	}
	s.maybeStartProbing(network, CauseOnNetworkMadeDefault)
}

func (s *Session) onPathDegrading() {
	if s.closed {
		return
	}
	if !s.cfg.Migration.MigrateEarly {
		s.logger.Debug("path degrading, early migration disabled")
		return
	}

	current := s.CurrentNetwork()
	if current == s.pool.DefaultNetwork() && s.migration.pathDegradingMigrations >= s.cfg.Migration.MaxPathDegradingMigrations {
		s.logger.Debug("path degrading, too many migrations on this default network",
			"migrations", s.migration.pathDegradingMigrations)
		return
	}

	if alt := s.pool.FindAlternateNetwork(current); alt != InvalidNetwork {
		s.maybeStartProbing(alt, CauseChangeNetworkOnPathDegrading)
		return
	}
	if s.cfg.Migration.AllowPortMigration && s.migration.portMigrations < s.cfg.Migration.MaxPortMigrationsPerSession {
		s.maybeStartProbing(current, CauseChangePortOnPathDegrading)
		return
	}
	s.migration.pathDegraded = true
}

func (s *Session) probingAllowedByConfig(cause MigrationCause) bool {
	mcfg := s.cfg.Migration
	switch cause {
	case CauseChangeNetworkOnPathDegrading, CauseNewNetworkConnectedPostPathDegrading:
		return mcfg.MigrateEarly
	case CauseChangePortOnPathDegrading:
		return mcfg.MigrateEarly && mcfg.AllowPortMigration
	case CauseOnNetworkMadeDefault:
		return mcfg.MigrateOnNetworkChange
	case CauseOnMigrateBackToDefaultNetwork:
		return mcfg.MigrateBackToDefault
	default:
		return false
	}
}

// maybeStartProbing validates network before a migration of the given
// cause. A probe in flight towards another network is superseded.
func (s *Session) maybeStartProbing(network NetworkHandle, cause MigrationCause) ProbingResult {
	result := s.startProbing(network, cause)
	if result != ProbingPending {
		s.logger.Debug("probing not started", LabelNetwork.L(network), LabelCause.L(cause), LabelResult.L(result))
	}
	return result
}

func (s *Session) startProbing(network NetworkHandle, cause MigrationCause) ProbingResult {
	switch {
	case !s.probingAllowedByConfig(cause):
		return ProbingDisabledByConfig
	case !s.canMigrateIdle():
		return ProbingDisabledWithIdleSession
	case s.hasNonMigratableStreams() && !s.cfg.Migration.MigrateIdleSession:
		return ProbingDisabledByNonMigratableStream
	}

	m := &s.migration
	if m.probing && m.probeNetwork != network {
		s.cancelProbing()
	}
	m.probeSeq++
	seq := m.probeSeq
	m.probing = true
	m.probeNetwork = network
	m.probeCause = cause

	err := s.prober.start(network, s.peer, s.cfg.Migration.ProbeInitialTimeout, s.cfg.Migration.ProbeMaxRetries,
		func(ps *pathSocket, err error) {
			s.onProbeResult(seq, network, cause, ps, err)
		})
	if err != nil {
		m.probing = false
		s.logger.Warn("could not start probing", LabelNetwork.L(network), LabelError.L(err))
		s.msink.IncrCounterWithLabels(MetricMigrationErrorCount, 1, withLabels(s.mlabels, LabelCause.M(cause.String())))
		return ProbingInternalError
	}
	s.msink.IncrCounterWithLabels(MetricProbeStartedCount, 1, withLabels(s.mlabels, LabelCause.M(cause.String())))
	s.record(netlog.Event{Type: netlog.EventProbeStarted, Cause: cause.String(), Network: int64(network)})
	return ProbingPending
}

func (s *Session) cancelProbing() {
	m := &s.migration
	if !m.probing {
		return
	}
	m.probing = false
	m.probeSeq++
	s.prober.cancel(m.probeNetwork)
}

func (s *Session) onProbeResult(seq uint64, network NetworkHandle, cause MigrationCause, ps *pathSocket, err error) {
	if seq != s.migration.probeSeq || s.closed {
		if ps != nil {
			ps.close()
		}
		return
	}
	s.migration.probing = false

	if err != nil {
		if errors.Is(err, ErrProbeSuperseded) || errors.Is(err, ErrProbeCanceled) {
			return
		}
		s.logger.Info("probe failed", LabelNetwork.L(network), LabelCause.L(cause), LabelError.L(err))
		s.msink.IncrCounterWithLabels(MetricProbeFailedCount, 1, withLabels(s.mlabels, LabelCause.M(cause.String())))
		s.record(netlog.Event{Type: netlog.EventProbeFailed, Cause: cause.String(), Network: int64(network), Detail: err.Error()})
		if cause == CauseOnMigrateBackToDefaultNetwork {
			s.onMigrateBackFailed()
		}
		return
	}

	s.msink.IncrCounterWithLabels(MetricProbeSucceededCount, 1, withLabels(s.mlabels, LabelCause.M(cause.String())))
	s.record(netlog.Event{Type: netlog.EventProbeSucceeded, Cause: cause.String(), Network: int64(network), Self: ps.self.String()})
	if network == s.CurrentNetwork() && cause != CauseChangePortOnPathDegrading {
		ps.close()
		return
	}
	s.commitMigration(ps, cause, true)
}

// migrateImmediately moves to network without probing it. Failing to
// open a socket there is fatal: the current path is already unusable.
func (s *Session) migrateImmediately(network NetworkHandle, cause MigrationCause) MigrationResult {
	s.logger.Info("migrating without probing", LabelNetwork.L(network), LabelCause.L(cause))
	s.record(netlog.Event{Type: netlog.EventMigrationStarted, Cause: cause.String(), Network: int64(network)})

	ps, err := s.openSocket(network, roleCurrent)
	if err != nil {
		s.msink.IncrCounterWithLabels(MetricMigrationErrorCount, 1, withLabels(s.mlabels, LabelCause.M(cause.String())))
		s.record(netlog.Event{Type: netlog.EventMigrationFailed, Cause: cause.String(), Network: int64(network), Detail: err.Error()})
		s.CloseSessionOnErrorLater(fmt.Errorf("%w: %w", ErrNetworkChanged, err), nil)
		return MigrationFailure
	}
	s.commitMigration(ps, cause, false)
	return MigrationSuccess
}

// commitMigration makes ps the current socket. Non-migratable streams are
// only reset when the new path was probed.
func (s *Session) commitMigration(ps *pathSocket, cause MigrationCause, probed bool) {
	m := &s.migration
	if probed {
		s.resetNonMigratableStreams()
		if s.closed {
			ps.close()
			return
		}
	}

	old := s.paths.swap(ps)
	m.cause = cause
	m.count++
	m.waitingForNetwork = false
	m.waitForNetwork.Cancel()
	m.pathDegraded = false

	from := Path{Network: InvalidNetwork}
	if old != nil {
		from = old.path()
		s.retire(old)
	}
	s.recovery.OnPathChanged(from, ps.path())

	s.logger.Info("session migrated", LabelCause.L(cause), "from", from, "to", ps.path())
	s.msink.IncrCounterWithLabels(MetricMigrationCount, 1, withLabels(s.mlabels, LabelCause.M(cause.String())))
	s.record(netlog.Event{
		Type:    netlog.EventMigrationSucceeded,
		Cause:   cause.String(),
		Network: int64(ps.network),
		Self:    ps.self.String(),
		Peer:    ps.peer.String(),
	})

	def := s.pool.DefaultNetwork()
	switch {
	case cause == CauseChangePortOnPathDegrading:
		m.portMigrations++
	case ps.network != def && cause == CauseChangeNetworkOnPathDegrading:
		m.pathDegradingMigrations++
	case ps.network != def && cause == CauseOnWriteError:
		m.writeErrorMigrations++
	}
	if ps.network == def || def == InvalidNetwork {
		m.migrateBack.Cancel()
		m.migrateBackRetries = 0
	} else if !m.migrateBack.IsSet() {
		s.scheduleMigrateBack()
	}

	m.pingPending = s.cfg.Migration.SendPingAfterMigration
	s.flushQueue()
}

// retire stops sending on ps but keeps reading it until it reports an
// error or DrainTimeout elapses.
func (s *Session) retire(ps *pathSocket) {
	ps.drain = loop.NewAlarm(s.clock, s.runner, func() {
		s.paths.retire(ps)
	})
	ps.drain.Set(s.cfg.Migration.DrainTimeout)
}

func (s *Session) waitForNewNetwork(cause MigrationCause) {
	m := &s.migration
	if s.paths.current != nil {
		s.paths.current.blocked = true
	}
	if m.waitingForNetwork {
		return
	}
	m.waitingForNetwork = true
	m.waitCause = cause
	m.waitForNetwork.Set(s.cfg.Migration.WaitForNewNetworkTimeout)
	s.logger.Info("waiting for a new network", LabelCause.L(cause))
}

func (s *Session) onWaitForNetworkTimeout() {
	if s.closed || !s.migration.waitingForNetwork {
		return
	}
	s.msink.IncrCounterWithLabels(MetricMigrationErrorCount, 1, withLabels(s.mlabels, LabelCause.M(s.migration.waitCause.String())))
	s.record(netlog.Event{Type: netlog.EventMigrationFailed, Cause: s.migration.waitCause.String(), Detail: ErrNoNewNetwork.Error()})
	s.CloseSessionOnError(ErrNoNewNetwork, &QErrNoNewNetwork)
}

func (s *Session) scheduleMigrateBack() {
	if !s.cfg.Migration.MigrateBackToDefault {
		return
	}
	s.migration.migrateBackRetries = 0
	s.migration.onNonDefaultSince = s.clock.Now()
	s.migration.migrateBack.Set(s.cfg.Migration.MigrateBackBaseDelay)
}

func (s *Session) onMigrateBackAlarm() {
	if s.closed {
		return
	}
	def := s.pool.DefaultNetwork()
	if def == InvalidNetwork || def == s.CurrentNetwork() {
		return
	}
	if s.maybeStartProbing(def, CauseOnMigrateBackToDefaultNetwork) != ProbingPending {
		s.onMigrateBackFailed()
	}
}

// onMigrateBackFailed backs off exponentially, then stays on the current
// network for good.
func (s *Session) onMigrateBackFailed() {
	m := &s.migration
	m.migrateBackRetries++
	if m.migrateBackRetries >= s.cfg.Migration.MaxMigrateBackRetries {
		s.logger.Info("giving up migrating back to the default network",
			"attempts", m.migrateBackRetries,
			"since", s.clock.Now().Sub(m.onNonDefaultSince))
		return
	}
	m.migrateBack.Set(s.cfg.Migration.MigrateBackBaseDelay << min(m.migrateBackRetries, maxMigrateBackRetries))
}
