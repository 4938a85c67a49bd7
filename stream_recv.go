package qsession

import (
	"github.com/google/btree"
)

type recvSegment struct {
	off  uint64
	data []byte
}

func (seg recvSegment) end() uint64 {
	return seg.off + uint64(len(seg.data))
}

// recvBuffer reassembles data received out of order. Segments are kept by
// offset and consumed from readOff onwards.
type recvBuffer struct {
	segs    *btree.BTreeG[recvSegment]
	readOff uint64
	highest uint64
}

func newRecvBuffer() *recvBuffer {
	return &recvBuffer{
		segs: btree.NewG(8, func(a, b recvSegment) bool {
			return a.off < b.off
		}),
	}
}

// push stores a copy of data received at off. Bytes already read or
// already buffered at the same offset are dropped.
func (rb *recvBuffer) push(off uint64, data []byte) {
	end := off + uint64(len(data))
	if end > rb.highest {
		rb.highest = end
	}
	if end <= rb.readOff {
		return
	}
	if off < rb.readOff {
		data = data[rb.readOff-off:]
		off = rb.readOff
	}
	if len(data) == 0 {
		return
	}
	if existing, ok := rb.segs.Get(recvSegment{off: off}); ok && len(existing.data) >= len(data) {
		return
	}
	rb.segs.ReplaceOrInsert(recvSegment{off: off, data: append([]byte(nil), data...)})
}

// readable reports whether the byte at readOff arrived.
func (rb *recvBuffer) readable() bool {
	rb.dropConsumed()
	first, ok := rb.segs.Min()
	return ok && first.off <= rb.readOff
}

func (rb *recvBuffer) read(p []byte) int {
	n := 0
	for n < len(p) {
		rb.dropConsumed()
		seg, ok := rb.segs.Min()
		if !ok || seg.off > rb.readOff {
			break
		}
		c := copy(p[n:], seg.data[rb.readOff-seg.off:])
		n += c
		rb.readOff += uint64(c)
		if rb.readOff >= seg.end() {
			rb.segs.DeleteMin()
		}
	}
	return n
}

// dropConsumed removes leading segments entirely covered by what was read.
func (rb *recvBuffer) dropConsumed() {
	for {
		seg, ok := rb.segs.Min()
		if !ok || seg.end() > rb.readOff {
			return
		}
		rb.segs.DeleteMin()
	}
}

func (rb *recvBuffer) release() {
	rb.segs.Clear(false)
}
