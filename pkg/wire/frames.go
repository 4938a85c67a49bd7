// Package wire encodes and decodes the frames a qsession exchanges with its
// peer. Field encodings follow QUIC (RFC 9000) variable-length integers;
// header blocks travel in an extension frame.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
)

var (
	ErrUnknownFrame   = errors.New("wire: unknown frame type")
	ErrFrameTruncated = errors.New("wire: truncated frame")
	ErrFrameInvalid   = errors.New("wire: invalid frame")
)

// FrameType is the leading varint of every frame.
type FrameType uint64

const (
	FrameTypePing               FrameType = 0x01
	FrameTypeResetStream        FrameType = 0x04
	FrameTypeStopSending        FrameType = 0x05
	FrameTypeCrypto             FrameType = 0x06
	FrameTypeStream             FrameType = 0x08 // 0x08-0x0f, low bits are OFF/LEN/FIN
	FrameTypeMaxData            FrameType = 0x10
	FrameTypeMaxStreamData      FrameType = 0x11
	FrameTypeMaxStreamsBidi     FrameType = 0x12
	FrameTypeMaxStreamsUni      FrameType = 0x13
	FrameTypePathChallenge      FrameType = 0x1a
	FrameTypePathResponse       FrameType = 0x1b
	FrameTypeConnectionClose    FrameType = 0x1c
	FrameTypeApplicationClose   FrameType = 0x1d
	FrameTypeHeaders            FrameType = 0x2a
	streamFrameBitFin           FrameType = 0x01
	streamFrameBitLen           FrameType = 0x02
	streamFrameBitOff           FrameType = 0x04
	streamFrameTypeMask         FrameType = 0xf8
	maxReasonPhraseLength                 = 1024
	maxCryptoOrStreamFrameBytes           = 1 << 20
)

// Frame is one decoded frame.
type Frame interface {
	Append(b []byte) []byte
}

type PingFrame struct{}

func (f *PingFrame) Append(b []byte) []byte {
	return quicvarint.Append(b, uint64(FrameTypePing))
}

// StreamFrame carries stream bytes at Offset.
type StreamFrame struct {
	StreamID quic.StreamID
	Offset   uint64
	Data     []byte
	Fin      bool
}

func (f *StreamFrame) Append(b []byte) []byte {
	typ := FrameTypeStream | streamFrameBitLen
	if f.Offset != 0 {
		typ |= streamFrameBitOff
	}
	if f.Fin {
		typ |= streamFrameBitFin
	}
	b = quicvarint.Append(b, uint64(typ))
	b = quicvarint.Append(b, uint64(f.StreamID))
	if f.Offset != 0 {
		b = quicvarint.Append(b, f.Offset)
	}
	b = quicvarint.Append(b, uint64(len(f.Data)))
	return append(b, f.Data...)
}

// End is the offset right after the last byte of the frame.
func (f *StreamFrame) End() uint64 {
	return f.Offset + uint64(len(f.Data))
}

type ResetStreamFrame struct {
	StreamID  quic.StreamID
	ErrorCode quic.StreamErrorCode
	FinalSize uint64
}

func (f *ResetStreamFrame) Append(b []byte) []byte {
	b = quicvarint.Append(b, uint64(FrameTypeResetStream))
	b = quicvarint.Append(b, uint64(f.StreamID))
	b = quicvarint.Append(b, uint64(f.ErrorCode))
	return quicvarint.Append(b, f.FinalSize)
}

type StopSendingFrame struct {
	StreamID  quic.StreamID
	ErrorCode quic.StreamErrorCode
}

func (f *StopSendingFrame) Append(b []byte) []byte {
	b = quicvarint.Append(b, uint64(FrameTypeStopSending))
	b = quicvarint.Append(b, uint64(f.StreamID))
	return quicvarint.Append(b, uint64(f.ErrorCode))
}

// CryptoFrame carries handshake bytes.
type CryptoFrame struct {
	Offset uint64
	Data   []byte
}

func (f *CryptoFrame) Append(b []byte) []byte {
	b = quicvarint.Append(b, uint64(FrameTypeCrypto))
	b = quicvarint.Append(b, f.Offset)
	b = quicvarint.Append(b, uint64(len(f.Data)))
	return append(b, f.Data...)
}

// HeadersFrame carries one compressed header block for a stream. The first
// block of a stream is its initial headers, a later one its trailers. The
// end of the stream is always signalled by a STREAM frame so that the final
// size is known exactly.
type HeadersFrame struct {
	StreamID quic.StreamID
	Block    []byte
}

func (f *HeadersFrame) Append(b []byte) []byte {
	b = quicvarint.Append(b, uint64(FrameTypeHeaders))
	b = quicvarint.Append(b, uint64(f.StreamID))
	b = quicvarint.Append(b, uint64(len(f.Block)))
	return append(b, f.Block...)
}

type MaxDataFrame struct {
	MaximumData uint64
}

func (f *MaxDataFrame) Append(b []byte) []byte {
	b = quicvarint.Append(b, uint64(FrameTypeMaxData))
	return quicvarint.Append(b, f.MaximumData)
}

type MaxStreamDataFrame struct {
	StreamID          quic.StreamID
	MaximumStreamData uint64
}

func (f *MaxStreamDataFrame) Append(b []byte) []byte {
	b = quicvarint.Append(b, uint64(FrameTypeMaxStreamData))
	b = quicvarint.Append(b, uint64(f.StreamID))
	return quicvarint.Append(b, f.MaximumStreamData)
}

// MaxStreamsFrame advertises how many streams of a kind may be open at once.
type MaxStreamsFrame struct {
	Unidirectional bool
	MaxStreams     uint64
}

func (f *MaxStreamsFrame) Append(b []byte) []byte {
	typ := FrameTypeMaxStreamsBidi
	if f.Unidirectional {
		typ = FrameTypeMaxStreamsUni
	}
	b = quicvarint.Append(b, uint64(typ))
	return quicvarint.Append(b, f.MaxStreams)
}

type PathChallengeFrame struct {
	Data [8]byte
}

func (f *PathChallengeFrame) Append(b []byte) []byte {
	b = quicvarint.Append(b, uint64(FrameTypePathChallenge))
	return append(b, f.Data[:]...)
}

type PathResponseFrame struct {
	Data [8]byte
}

func (f *PathResponseFrame) Append(b []byte) []byte {
	b = quicvarint.Append(b, uint64(FrameTypePathResponse))
	return append(b, f.Data[:]...)
}

// ConnectionCloseFrame terminates the connection. Application closes carry
// no frame type.
type ConnectionCloseFrame struct {
	IsApplicationError bool
	ErrorCode          uint64
	FrameType          uint64
	ReasonPhrase       string
}

func (f *ConnectionCloseFrame) Append(b []byte) []byte {
	if f.IsApplicationError {
		b = quicvarint.Append(b, uint64(FrameTypeApplicationClose))
	} else {
		b = quicvarint.Append(b, uint64(FrameTypeConnectionClose))
	}
	b = quicvarint.Append(b, f.ErrorCode)
	if !f.IsApplicationError {
		b = quicvarint.Append(b, f.FrameType)
	}
	b = quicvarint.Append(b, uint64(len(f.ReasonPhrase)))
	return append(b, f.ReasonPhrase...)
}

// ParseFrame decodes the next frame of r.
func ParseFrame(r *bytes.Reader) (Frame, error) {
	raw, err := quicvarint.Read(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFrameTruncated, err)
	}
	typ := FrameType(raw)

	if typ&streamFrameTypeMask == FrameTypeStream {
		return parseStreamFrame(r, typ)
	}

	switch typ {
	case FrameTypePing:
		return &PingFrame{}, nil
	case FrameTypeResetStream:
		var f ResetStreamFrame
		id, code, size, err := read3(r)
		if err != nil {
			return nil, err
		}
		f.StreamID, f.ErrorCode, f.FinalSize = quic.StreamID(id), quic.StreamErrorCode(code), size
		return &f, nil
	case FrameTypeStopSending:
		id, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		code, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		return &StopSendingFrame{StreamID: quic.StreamID(id), ErrorCode: quic.StreamErrorCode(code)}, nil
	case FrameTypeCrypto:
		off, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		data, err := readLengthPrefixed(r, maxCryptoOrStreamFrameBytes)
		if err != nil {
			return nil, err
		}
		return &CryptoFrame{Offset: off, Data: data}, nil
	case FrameTypeHeaders:
		id, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		block, err := readLengthPrefixed(r, maxCryptoOrStreamFrameBytes)
		if err != nil {
			return nil, err
		}
		return &HeadersFrame{StreamID: quic.StreamID(id), Block: block}, nil
	case FrameTypeMaxData:
		max, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		return &MaxDataFrame{MaximumData: max}, nil
	case FrameTypeMaxStreamData:
		id, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		max, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		return &MaxStreamDataFrame{StreamID: quic.StreamID(id), MaximumStreamData: max}, nil
	case FrameTypeMaxStreamsBidi, FrameTypeMaxStreamsUni:
		max, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		return &MaxStreamsFrame{Unidirectional: typ == FrameTypeMaxStreamsUni, MaxStreams: max}, nil
	case FrameTypePathChallenge:
		var f PathChallengeFrame
		if _, err := io.ReadFull(r, f.Data[:]); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFrameTruncated, err)
		}
		return &f, nil
	case FrameTypePathResponse:
		var f PathResponseFrame
		if _, err := io.ReadFull(r, f.Data[:]); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFrameTruncated, err)
		}
		return &f, nil
	case FrameTypeConnectionClose, FrameTypeApplicationClose:
		f := ConnectionCloseFrame{IsApplicationError: typ == FrameTypeApplicationClose}
		code, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		f.ErrorCode = code
		if !f.IsApplicationError {
			if f.FrameType, err = readVarint(r); err != nil {
				return nil, err
			}
		}
		reason, err := readLengthPrefixed(r, maxReasonPhraseLength)
		if err != nil {
			return nil, err
		}
		f.ReasonPhrase = string(reason)
		return &f, nil
	default:
		return nil, fmt.Errorf("%w: 0x%x", ErrUnknownFrame, raw)
	}
}

func parseStreamFrame(r *bytes.Reader, typ FrameType) (*StreamFrame, error) {
	id, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	f := &StreamFrame{
		StreamID: quic.StreamID(id),
		Fin:      typ&streamFrameBitFin != 0,
	}
	if typ&streamFrameBitOff != 0 {
		if f.Offset, err = readVarint(r); err != nil {
			return nil, err
		}
	}
	if typ&streamFrameBitLen != 0 {
		f.Data, err = readLengthPrefixed(r, maxCryptoOrStreamFrameBytes)
		if err != nil {
			return nil, err
		}
	} else {
		// without LEN the frame extends to the end of the packet
		f.Data = make([]byte, r.Len())
		_, _ = r.Read(f.Data)
	}
	if f.Offset+uint64(len(f.Data)) > quicvarint.Max {
		return nil, fmt.Errorf("%w: stream offset overflow", ErrFrameInvalid)
	}
	return f, nil
}

func readVarint(r *bytes.Reader) (uint64, error) {
	v, err := quicvarint.Read(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFrameTruncated, err)
	}
	return v, nil
}

func read3(r *bytes.Reader) (a, b, c uint64, err error) {
	if a, err = readVarint(r); err != nil {
		return
	}
	if b, err = readVarint(r); err != nil {
		return
	}
	c, err = readVarint(r)
	return
}

func readLengthPrefixed(r *bytes.Reader, max uint64) ([]byte, error) {
	n, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if n > max || n > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: length %d exceeds payload", ErrFrameTruncated, n)
	}
	buf := make([]byte, n)
	_, _ = r.Read(buf)
	return buf, nil
}
