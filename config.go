package qsession

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config tunes every session created by a Pool. Zero values are replaced
// by the defaults documented on each field.
type Config struct {
	// IdleTimeout closes a session which received nothing for that long.
	// Default: 30s.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxOpenOutgoingStreams is the initial limit of concurrently open
	// locally-initiated streams. The peer raises or lowers it with
	// MAX_STREAMS. Default: 100.
	MaxOpenOutgoingStreams int `yaml:"max_open_outgoing_streams"`

	// MaxOpenIncomingStreams is how many peer-initiated streams may be open
	// at once. Default: 100.
	MaxOpenIncomingStreams int `yaml:"max_open_incoming_streams"`

	// QueuedPacketsWarnThreshold logs one warning per session once that
	// many packets wait for a blocked writer. Default: 100.
	QueuedPacketsWarnThreshold int `yaml:"queued_packets_warn_threshold"`

	// ConnectionIDLen is the length of the connection id chosen for new
	// sessions. Default: 8.
	ConnectionIDLen int `yaml:"connection_id_len"`

	Stream    StreamConfig    `yaml:"stream"`
	Migration MigrationConfig `yaml:"migration"`
}

type StreamConfig struct {
	// InitialSendWindow is the per-stream credit assumed before the peer
	// sends MAX_STREAM_DATA. Default: 256KiB.
	InitialSendWindow uint64 `yaml:"initial_send_window"`

	// ReceiveWindow is the per-stream credit granted to the peer.
	// Default: 256KiB.
	ReceiveWindow uint64 `yaml:"receive_window"`

	// ConnectionSendWindow is the connection credit assumed before the
	// peer sends MAX_DATA. Default: 1MiB.
	ConnectionSendWindow uint64 `yaml:"connection_send_window"`

	// ConnectionReceiveWindow is the connection credit granted to the
	// peer. Default: 1MiB.
	ConnectionReceiveWindow uint64 `yaml:"connection_receive_window"`
}

type MigrationConfig struct {
	// MigrateOnNetworkChange probes and migrates to a network which
	// becomes the default one.
	MigrateOnNetworkChange bool `yaml:"migrate_on_network_change"`

	// MigrateOnWriteError migrates immediately when a packet write fails.
	MigrateOnWriteError bool `yaml:"migrate_on_write_error"`

	// MigrateEarly probes an alternate network when the path degrades.
	MigrateEarly bool `yaml:"migrate_early"`

	// MigrateBackToDefault periodically tries to go back to the default
	// network once migrated away from it.
	MigrateBackToDefault bool `yaml:"migrate_back_to_default"`

	// MigrateIdleSession allows sessions without active streams to
	// migrate, as long as they were active within IdleMigrationPeriod.
	MigrateIdleSession bool `yaml:"migrate_idle_session"`

	// IdleMigrationPeriod. Default: 30s.
	IdleMigrationPeriod time.Duration `yaml:"idle_migration_period"`

	// MaxPathDegradingMigrations caps migrations to a non-default network
	// caused by path degradation, per default network. Default: 5, use
	// Disabled for none.
	MaxPathDegradingMigrations int `yaml:"max_path_degrading_migrations"`

	// MaxWriteErrorMigrations caps migrations to a non-default network
	// caused by write errors, per default network. Default: 5, use Disabled
	// for none.
	MaxWriteErrorMigrations int `yaml:"max_write_error_migrations"`

	// AllowPortMigration lets a degrading path move to a fresh socket on
	// the same network when no other network exists.
	AllowPortMigration bool `yaml:"allow_port_migration"`

	// MaxPortMigrationsPerSession. Default: 4, use Disabled for none.
	MaxPortMigrationsPerSession int `yaml:"max_port_migrations_per_session"`

	// WaitForNewNetworkTimeout is how long a session whose network is gone
	// waits for a new one before closing. Default: 10s.
	WaitForNewNetworkTimeout time.Duration `yaml:"wait_for_new_network_timeout"`

	// MigrateBackBaseDelay is the first migrate-back delay, doubled after
	// each failed attempt. Default: 1s.
	MigrateBackBaseDelay time.Duration `yaml:"migrate_back_base_delay"`

	// MaxMigrateBackRetries bounds failed migrate-back attempts before the
	// session stays where it is, at most maxMigrateBackRetries. Default: 5,
	// use Disabled to give up after the first failure.
	MaxMigrateBackRetries int `yaml:"max_migrate_back_retries"`

	// ProbeInitialTimeout is the first PATH_CHALLENGE retransmission
	// timeout, doubled after each retry. Default: 300ms.
	ProbeInitialTimeout time.Duration `yaml:"probe_initial_timeout"`

	// ProbeMaxRetries bounds PATH_CHALLENGE retransmissions. Default: 4,
	// use Disabled to send a single challenge.
	ProbeMaxRetries int `yaml:"probe_max_retries"`

	// DrainTimeout is how long a retired socket keeps being read.
	// Default: 3s.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// SendPingAfterMigration sends a PING on the new path as soon as it is
	// writable.
	SendPingAfterMigration bool `yaml:"send_ping_after_migration"`
}

// Disabled sets an integer limit of MigrationConfig to zero, which the
// zero value cannot express since it selects the default.
const Disabled = -1

// maxMigrateBackRetries keeps the migrate-back backoff within
// time.Duration.
const maxMigrateBackRetries = 30

// DefaultConfig enables every migration trigger.
func DefaultConfig() Config {
	cfg := Config{
		Migration: MigrationConfig{
			MigrateOnNetworkChange: true,
			MigrateOnWriteError:    true,
			MigrateEarly:           true,
			MigrateBackToDefault:   true,
			SendPingAfterMigration: true,
		},
	}
	cfg.withDefaults()
	return cfg
}

// LoadConfig reads a YAML file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %w", ErrInvalidCfg, path, err)
	}
	cfg.withDefaults()
	return cfg, cfg.Validate()
}

func (cfg *Config) withDefaults() {
	setDuration(&cfg.IdleTimeout, 30*time.Second)
	setInt(&cfg.MaxOpenOutgoingStreams, 100)
	setInt(&cfg.MaxOpenIncomingStreams, 100)
	setInt(&cfg.QueuedPacketsWarnThreshold, 100)
	setInt(&cfg.ConnectionIDLen, 8)

	setUint(&cfg.Stream.InitialSendWindow, 256<<10)
	setUint(&cfg.Stream.ReceiveWindow, 256<<10)
	setUint(&cfg.Stream.ConnectionSendWindow, 1<<20)
	setUint(&cfg.Stream.ConnectionReceiveWindow, 1<<20)

	m := &cfg.Migration
	setDuration(&m.IdleMigrationPeriod, 30*time.Second)
	setInt(&m.MaxPathDegradingMigrations, 5)
	setInt(&m.MaxWriteErrorMigrations, 5)
	setInt(&m.MaxPortMigrationsPerSession, 4)
	setDuration(&m.WaitForNewNetworkTimeout, 10*time.Second)
	setDuration(&m.MigrateBackBaseDelay, time.Second)
	setInt(&m.MaxMigrateBackRetries, 5)
	setDuration(&m.ProbeInitialTimeout, 300*time.Millisecond)
	setInt(&m.ProbeMaxRetries, 4)
	setDuration(&m.DrainTimeout, 3*time.Second)
}

// Validate rejects values which cannot be meaningful.
func (cfg *Config) Validate() error {
	switch {
	case cfg.IdleTimeout < 0:
		return fmt.Errorf("%w: negative idle_timeout", ErrInvalidCfg)
	case cfg.MaxOpenOutgoingStreams < 0 || cfg.MaxOpenIncomingStreams < 0:
		return fmt.Errorf("%w: negative stream limit", ErrInvalidCfg)
	case cfg.ConnectionIDLen < 0 || cfg.ConnectionIDLen > 20:
		return fmt.Errorf("%w: connection_id_len must be within [0, 20]", ErrInvalidCfg)
	case cfg.Migration.ProbeInitialTimeout < 0 || cfg.Migration.WaitForNewNetworkTimeout < 0:
		return fmt.Errorf("%w: negative migration timeout", ErrInvalidCfg)
	case cfg.Migration.MaxMigrateBackRetries > maxMigrateBackRetries:
		return fmt.Errorf("%w: max_migrate_back_retries must be at most %d", ErrInvalidCfg, maxMigrateBackRetries)
	}
	m := cfg.Migration
	for _, limit := range []int{
		m.MaxPathDegradingMigrations,
		m.MaxWriteErrorMigrations,
		m.MaxPortMigrationsPerSession,
		m.MaxMigrateBackRetries,
		m.ProbeMaxRetries,
	} {
		if limit < Disabled {
			return fmt.Errorf("%w: migration limit below %d", ErrInvalidCfg, Disabled)
		}
	}
	return nil
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setUint(v *uint64, def uint64) {
	if *v == 0 {
		*v = def
	}
}
