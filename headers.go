package qsession

import (
	"bytes"
	"fmt"

	"golang.org/x/net/http2/hpack"
)

// Headers is a decoded header or trailer block.
type Headers []hpack.HeaderField

// Get returns the value of the first field called name.
func (h Headers) Get(name string) (string, bool) {
	for _, f := range h {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

const headerTableSize = 4096

// headerCodec compresses the header blocks of every stream of a session.
// Blocks must be encoded and decoded in the order they are sent and
// received, which the session loop guarantees.
type headerCodec struct {
	buf bytes.Buffer
	enc *hpack.Encoder
	dec *hpack.Decoder
}

func newHeaderCodec() *headerCodec {
	hc := &headerCodec{}
	hc.enc = hpack.NewEncoder(&hc.buf)
	hc.dec = hpack.NewDecoder(headerTableSize, nil)
	return hc
}

func (hc *headerCodec) encode(h Headers) ([]byte, error) {
	hc.buf.Reset()
	for _, f := range h {
		if err := hc.enc.WriteField(f); err != nil {
			return nil, err
		}
	}
	return append([]byte(nil), hc.buf.Bytes()...), nil
}

func (hc *headerCodec) decode(block []byte) (Headers, error) {
	fields, err := hc.dec.DecodeFull(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHeadersMalformed, err)
	}
	return fields, nil
}
