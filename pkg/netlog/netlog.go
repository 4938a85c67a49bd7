// Package netlog records session events as a stream of length-delimited
// protobuf messages, so that a migration history can be inspected after
// the fact.
package netlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrRecordTooLarge = errors.New("netlog: record too large")
	ErrMalformed      = errors.New("netlog: malformed record")
)

const maxRecordSize = 64 << 10

type EventType uint8

const (
	EventUnknown EventType = iota
	EventSessionCreated
	EventHandshakeConfirmed
	EventSessionClosed
	EventMigrationStarted
	EventMigrationSucceeded
	EventMigrationFailed
	EventProbeStarted
	EventProbeSucceeded
	EventProbeFailed
	EventStreamReset
)

func (t EventType) String() string {
	switch t {
	case EventSessionCreated:
		return "session_created"
	case EventHandshakeConfirmed:
		return "handshake_confirmed"
	case EventSessionClosed:
		return "session_closed"
	case EventMigrationStarted:
		return "migration_started"
	case EventMigrationSucceeded:
		return "migration_succeeded"
	case EventMigrationFailed:
		return "migration_failed"
	case EventProbeStarted:
		return "probe_started"
	case EventProbeSucceeded:
		return "probe_succeeded"
	case EventProbeFailed:
		return "probe_failed"
	case EventStreamReset:
		return "stream_reset"
	default:
		return "unknown"
	}
}

// Event is one record. Empty fields are not encoded.
type Event struct {
	Time    time.Time
	Type    EventType
	Session string
	Cause   string
	Network int64
	Self    string
	Peer    string
	Detail  string
}

const (
	fieldTime protowire.Number = iota + 1
	fieldType
	fieldSession
	fieldCause
	fieldNetwork
	fieldSelf
	fieldPeer
	fieldDetail
)

func (ev *Event) appendProto(b []byte) []byte {
	if !ev.Time.IsZero() {
		b = protowire.AppendTag(b, fieldTime, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ev.Time.UnixNano()))
	}
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ev.Type))
	b = appendString(b, fieldSession, ev.Session)
	b = appendString(b, fieldCause, ev.Cause)
	if ev.Network != 0 {
		b = protowire.AppendTag(b, fieldNetwork, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(ev.Network))
	}
	b = appendString(b, fieldSelf, ev.Self)
	b = appendString(b, fieldPeer, ev.Peer)
	return appendString(b, fieldDetail, ev.Detail)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func (ev *Event) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldTime || num == fieldType || num == fieldNetwork):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldTime:
				ev.Time = time.Unix(0, int64(v))
			case fieldType:
				ev.Type = EventType(v)
			case fieldNetwork:
				ev.Network = protowire.DecodeZigZag(v)
			}
		case typ == protowire.BytesType && num >= fieldSession && num <= fieldDetail && num != fieldNetwork:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldSession:
				ev.Session = v
			case fieldCause:
				ev.Cause = v
			case fieldSelf:
				ev.Self = v
			case fieldPeer:
				ev.Peer = v
			case fieldDetail:
				ev.Detail = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// Writer appends records to an io.Writer. A nil *Writer discards
// everything, so callers need not check whether logging is enabled.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	buf []byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Record(ev Event) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	msg := ev.appendProto(nil)
	if len(msg) > maxRecordSize {
		return ErrRecordTooLarge
	}
	w.buf = protowire.AppendVarint(w.buf[:0], uint64(len(msg)))
	w.buf = append(w.buf, msg...)
	_, err := w.w.Write(w.buf)
	return err
}

// Reader decodes what a Writer produced.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns io.EOF once every record was read.
func (r *Reader) Next() (Event, error) {
	var ev Event
	var head []byte
	for {
		c, err := r.r.ReadByte()
		if err != nil {
			if err == io.EOF && len(head) > 0 {
				return ev, io.ErrUnexpectedEOF
			}
			return ev, err
		}
		head = append(head, c)
		if c < 0x80 {
			break
		}
		if len(head) == binaryMaxVarintLen {
			return ev, ErrMalformed
		}
	}
	size, n := protowire.ConsumeVarint(head)
	if n < 0 {
		return ev, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
	}
	if size > maxRecordSize {
		return ev, ErrRecordTooLarge
	}

	msg := make([]byte, size)
	if _, err := io.ReadFull(r.r, msg); err != nil {
		return ev, err
	}
	err := ev.unmarshal(msg)
	return ev, err
}

const binaryMaxVarintLen = 10
