package wire

import (
	"bytes"
	"errors"
	"fmt"
)

// Version is the only packet version this package speaks.
const Version byte = 0x51

// MaxConnectionIDLen mirrors QUIC v1.
const MaxConnectionIDLen = 20

var (
	ErrPacketTooShort  = errors.New("wire: packet too short")
	ErrBadVersion      = errors.New("wire: unsupported packet version")
	ErrConnectionIDLen = errors.New("wire: connection id too long")
)

// Packet is the unit handed to a packet writer. Protection of the payload
// belongs to the layer below and is not modelled here.
type Packet struct {
	ConnectionID []byte
	Frames       []Frame
}

func (p *Packet) Append(b []byte) ([]byte, error) {
	if len(p.ConnectionID) > MaxConnectionIDLen {
		return nil, ErrConnectionIDLen
	}
	b = append(b, Version, byte(len(p.ConnectionID)))
	b = append(b, p.ConnectionID...)
	for _, f := range p.Frames {
		b = f.Append(b)
	}
	return b, nil
}

// ParsePacket decodes every frame of buf. A packet with any undecodable
// frame is rejected as a whole.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) < 2 {
		return nil, ErrPacketTooShort
	}
	if buf[0] != Version {
		return nil, fmt.Errorf("%w: 0x%x", ErrBadVersion, buf[0])
	}
	cidLen := int(buf[1])
	if cidLen > MaxConnectionIDLen {
		return nil, ErrConnectionIDLen
	}
	if len(buf) < 2+cidLen {
		return nil, ErrPacketTooShort
	}

	p := &Packet{
		ConnectionID: append([]byte(nil), buf[2:2+cidLen]...),
	}
	r := bytes.NewReader(buf[2+cidLen:])
	for r.Len() > 0 {
		f, err := ParseFrame(r)
		if err != nil {
			return nil, err
		}
		p.Frames = append(p.Frames, f)
	}
	return p, nil
}

// IsProbing reports whether a packet only carries path validation frames.
func (p *Packet) IsProbing() bool {
	if len(p.Frames) == 0 {
		return false
	}
	for _, f := range p.Frames {
		switch f.(type) {
		case *PathChallengeFrame, *PathResponseFrame:
		default:
			return false
		}
	}
	return true
}
