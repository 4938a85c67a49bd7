package qsession

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricSessionCreatedCount      = []string{"qsession", "session", "created", "count"}
	MetricSessionClosedCount       = []string{"qsession", "session", "closed", "count"}
	MetricSessionHandshakeDuration = []string{"qsession", "session", "handshake", "duration"}
	MetricPacketOutBytes           = []string{"qsession", "packet", "out", "bytes"}
	MetricPacketOutBlockedCount    = []string{"qsession", "packet", "out", "blocked", "count"}
	MetricPacketOutErrorCount      = []string{"qsession", "packet", "out", "error", "count"}
	MetricPacketInBytes            = []string{"qsession", "packet", "in", "bytes"}
	MetricPacketInErrorCount       = []string{"qsession", "packet", "in", "error", "count"}
	MetricPacketQueuedCount        = []string{"qsession", "packet", "queued", "count"}
	MetricStreamOpenedCount        = []string{"qsession", "stream", "opened", "count"}
	MetricStreamResetCount         = []string{"qsession", "stream", "reset", "count"}
	MetricStreamRequestQueuedCount = []string{"qsession", "stream", "request", "queued", "count"}
	MetricMigrationCount           = []string{"qsession", "migration", "count"}
	MetricMigrationErrorCount      = []string{"qsession", "migration", "error", "count"}
	MetricProbeStartedCount        = []string{"qsession", "probe", "started", "count"}
	MetricProbeSucceededCount      = []string{"qsession", "probe", "succeeded", "count"}
	MetricProbeFailedCount         = []string{"qsession", "probe", "failed", "count"}
	MetricUDPBufferSizeBytes       = []string{"qsession", "udp", "buffer", "size", "bytes"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelSession   TelemetryLabel = "session"
	LabelPeerAddr  TelemetryLabel = "peer_addr"
	LabelSelfAddr  TelemetryLabel = "self_addr"
	LabelNetwork   TelemetryLabel = "network"
	LabelStreamID  TelemetryLabel = "stream_id"
	LabelCause     TelemetryLabel = "cause"
	LabelResult    TelemetryLabel = "result"
	LabelErrorCode TelemetryLabel = "error_code"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels returns a fresh slice so callers never alias the static labels.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(static)+len(extra))
	out = append(out, static...)
	return append(out, extra...)
}
