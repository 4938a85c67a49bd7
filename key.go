package qsession

import (
	"log/slog"
	"strconv"
	"strings"
)

// SessionKey identifies the server a session talks to. Two requests with
// equal keys may share a session.
type SessionKey struct {
	Host        string
	Port        uint16
	PrivacyMode bool
	// SocketTag separates sessions whose traffic must be attributed
	// differently by the platform.
	SocketTag string
}

func (k SessionKey) String() string {
	var b strings.Builder
	b.WriteString(k.Host)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(int(k.Port)))
	if k.PrivacyMode {
		b.WriteString("/private")
	}
	if k.SocketTag != "" {
		b.WriteString("/tag=")
		b.WriteString(k.SocketTag)
	}
	return b.String()
}

// indexKey orders sessions of one host next to each other so that they can
// be walked with a host prefix.
func (k SessionKey) indexKey() []byte {
	return []byte(hostPrefix(k.Host) + k.String())
}

func hostPrefix(host string) string {
	return host + "\x00"
}

func (k SessionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("host", k.Host),
		slog.Int("port", int(k.Port)),
		slog.Bool("private", k.PrivacyMode),
		slog.String("tag", k.SocketTag),
	)
}
