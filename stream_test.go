package qsession

import (
	"io"
	"testing"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"

	"github.com/raskyld/qsession/pkg/wire"
)

func TestStreamHandle_AfterStreamGone(t *testing.T) {
	h := newHarness(t, nil)
	s := h.connect()

	t.Run("when the stream was reset, operations fail without blocking", func(t *testing.T) {
		sh := h.openStream(s)
		sh.Reset(QErrStreamCancelled)
		require.False(t, sh.IsOpen())

		err := sh.WriteStreamData([]byte("late"), false, func(error) {
			t.Fatal("callback of a failed write invoked")
		})
		require.ErrorIs(t, err, ErrConnectionClosed)
		var serr *quic.StreamError
		require.ErrorAs(t, err, &serr)
		require.Equal(t, QErrStreamCancelled, serr.ErrorCode)

		_, err = sh.ReadBody(make([]byte, 8), nil)
		require.ErrorIs(t, err, ErrConnectionClosed)
		_, err = sh.ReadInitialHeaders(nil)
		require.ErrorIs(t, err, ErrConnectionClosed)
		require.ErrorIs(t, sh.WriteHeaders(Headers{{Name: "a", Value: "b"}}, false), ErrConnectionClosed)
	})

	t.Run("when the session closes, a pending read completes once with its error", func(t *testing.T) {
		sh := h.openStream(s)
		calls := 0
		var readErr error
		_, err := sh.ReadBody(make([]byte, 8), func(_ int, err error) {
			calls++
			readErr = err
		})
		require.ErrorIs(t, err, ErrPending)

		s.CloseSessionOnError(errBoom, nil)
		require.Equal(t, 1, calls)
		require.ErrorIs(t, readErr, ErrConnectionClosed)
		require.ErrorIs(t, readErr, errBoom)

		err = sh.WriteStreamData([]byte("x"), true, nil)
		require.ErrorIs(t, err, ErrConnectionClosed)
		require.ErrorIs(t, err, errBoom)
		require.Equal(t, 1, calls)
	})
}

func TestStream_OutOfOrderDelivery(t *testing.T) {
	h := newHarness(t, nil)
	s := h.connect()
	sh := h.openStream(s)
	conn := h.conn(s)

	var got []byte
	calls := 0
	buf := make([]byte, 32)
	_, err := sh.ReadBody(buf, func(n int, err error) {
		require.NoError(t, err)
		calls++
		got = append(got, buf[:n]...)
	})
	require.ErrorIs(t, err, ErrPending)

	h.peerSend(s, conn, &wire.StreamFrame{StreamID: 0, Offset: 6, Data: []byte("world"), Fin: true})
	h.peerSend(s, conn, &wire.StreamFrame{StreamID: 0, Offset: 3, Data: []byte("lo ")})
	require.Zero(t, calls)
	h.peerSend(s, conn, &wire.StreamFrame{StreamID: 0, Offset: 0, Data: []byte("hel")})
	require.Equal(t, 1, calls)
	require.Equal(t, "hello world", string(got))

	n, err := sh.ReadBody(buf, nil)
	require.Zero(t, n)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, StreamHalfClosedRemote, s.streams.streams[0].State())

	t.Run("when our side finishes too, the stream closes cleanly", func(t *testing.T) {
		require.NoError(t, sh.WriteStreamData(nil, true, nil))
		require.False(t, sh.IsOpen())
		require.NoError(t, sh.Err())
		require.Zero(t, s.NumActiveStreams())
		_, err := sh.ReadBody(buf, nil)
		require.ErrorIs(t, err, io.EOF)
		require.Equal(t, uint64(11), sh.BytesRead())
	})
}

func TestStream_DuplicateDataIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	s := h.connect()
	sh := h.openStream(s)
	conn := h.conn(s)

	h.peerSend(s, conn, &wire.StreamFrame{StreamID: 0, Offset: 0, Data: []byte("abcd")})
	h.peerSend(s, conn, &wire.StreamFrame{StreamID: 0, Offset: 2, Data: []byte("cdef"), Fin: true})
	h.peerSend(s, conn, &wire.StreamFrame{StreamID: 0, Offset: 0, Data: []byte("ab")})

	buf := make([]byte, 16)
	n, err := sh.ReadBody(buf, nil)
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(buf[:n]))
}

func TestStream_ResetIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	s := h.connect()

	t.Run("when reset locally several times, one RESET_STREAM is sent", func(t *testing.T) {
		st, err := s.CreateOutgoingStream()
		require.NoError(t, err)
		sh := st.CreateHandle()

		st.Reset(QErrStreamCancelled)
		st.Reset(QErrStreamCancelled)
		sh.Reset(QErrStreamCancelled)
		s.CloseStream(st.ID())

		var resets int
		for _, f := range framesOf[*wire.ResetStreamFrame](t, h.conn(s)) {
			if f.StreamID == st.ID() {
				resets++
			}
		}
		require.Equal(t, 1, resets)
		require.Equal(t, StreamClosed, st.State())
	})

	t.Run("when reset by the peer, a local reset sends nothing more", func(t *testing.T) {
		sh := h.openStream(s)
		h.peerSend(s, h.conn(s), &wire.ResetStreamFrame{StreamID: sh.ID(), ErrorCode: 7})
		sh.Reset(QErrStreamCancelled)

		var resets int
		for _, f := range framesOf[*wire.ResetStreamFrame](t, h.conn(s)) {
			if f.StreamID == sh.ID() {
				resets++
			}
		}
		require.Equal(t, 1, resets)
		var serr *quic.StreamError
		require.ErrorAs(t, sh.Err(), &serr)
		require.True(t, serr.Remote)
		require.Equal(t, quic.StreamErrorCode(7), serr.ErrorCode)
	})
}

func TestStream_FlowControl(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Stream.InitialSendWindow = 4
	})
	s := h.connect()
	sh := h.openStream(s)
	conn := h.conn(s)

	var rec callRecorder
	err := sh.WriteStreamData([]byte("12345678"), true, rec.done)
	require.ErrorIs(t, err, ErrPending)
	require.ErrorIs(t, sh.WriteStreamData([]byte("9"), false, nil), ErrStreamWriteAfterFin)

	sent := framesOf[*wire.StreamFrame](t, conn)
	require.Len(t, sent, 1)
	require.Equal(t, "1234", string(sent[0].Data))

	h.peerSend(s, conn, &wire.MaxStreamDataFrame{StreamID: sh.ID(), MaximumStreamData: 64})
	require.Equal(t, 1, rec.calls)
	require.NoError(t, rec.err)
	require.Equal(t, uint64(8), sh.BytesWritten())

	sent = framesOf[*wire.StreamFrame](t, conn)
	require.Len(t, sent, 2)
	require.Equal(t, uint64(4), sent[1].Offset)
	require.True(t, sent[1].Fin)
}

func TestStream_WritevConcatenates(t *testing.T) {
	h := newHarness(t, nil)
	s := h.connect()
	sh := h.openStream(s)
	conn := h.conn(s)

	err := sh.WritevStreamData([][]byte{[]byte("ab"), nil, []byte("cd")}, true, func(error) {
		t.Fatal("callback of a synchronous write invoked")
	})
	require.NoError(t, err)
	require.Equal(t, uint64(4), sh.BytesWritten())

	sent := framesOf[*wire.StreamFrame](t, conn)
	require.Len(t, sent, 1)
	require.Equal(t, "abcd", string(sent[0].Data))
	require.True(t, sent[0].Fin)
}

func TestStream_ReceiveWindow(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Stream.ReceiveWindow = 8
	})
	s := h.connect()
	conn := h.conn(s)

	t.Run("when the peer reads past half the window, MAX_STREAM_DATA is sent", func(t *testing.T) {
		sh := h.openStream(s)
		h.peerSend(s, conn, &wire.StreamFrame{StreamID: sh.ID(), Data: []byte("12345")})
		n, err := sh.ReadBody(make([]byte, 8), nil)
		require.NoError(t, err)
		require.Equal(t, 5, n)

		updates := framesOf[*wire.MaxStreamDataFrame](t, conn)
		require.Len(t, updates, 1)
		require.Equal(t, uint64(13), updates[0].MaximumStreamData)
	})

	t.Run("when the peer exceeds the window, the stream is reset", func(t *testing.T) {
		sh := h.openStream(s)
		h.peerSend(s, conn, &wire.StreamFrame{StreamID: sh.ID(), Data: []byte("123456789")})
		require.False(t, sh.IsOpen())
		var serr *quic.StreamError
		require.ErrorAs(t, sh.Err(), &serr)
		require.Equal(t, QErrStreamProtocolViolation, serr.ErrorCode)
		require.False(t, s.IsClosed())
	})
}

func TestSession_ConnectionReceiveWindow(t *testing.T) {
	small := func(cfg *Config) {
		cfg.Stream.ReceiveWindow = 1000
		cfg.Stream.ConnectionReceiveWindow = 1000
	}

	t.Run("when a stream is reset with unread data, the connection window is given back", func(t *testing.T) {
		h := newHarness(t, small)
		s := h.connect()
		conn := h.conn(s)
		unread := h.openStream(s)
		other := h.openStream(s)

		h.peerSend(s, conn, &wire.StreamFrame{StreamID: unread.ID(), Data: make([]byte, 900)})
		require.Empty(t, framesOf[*wire.MaxDataFrame](t, conn))

		h.peerSend(s, conn, &wire.ResetStreamFrame{StreamID: unread.ID(), ErrorCode: 7, FinalSize: 900})
		require.False(t, unread.IsOpen())
		updates := framesOf[*wire.MaxDataFrame](t, conn)
		require.Len(t, updates, 1)
		require.Equal(t, uint64(1900), updates[0].MaximumData)

		h.peerSend(s, conn, &wire.StreamFrame{StreamID: other.ID(), Data: make([]byte, 100)})
		n, err := other.ReadBody(make([]byte, 200), nil)
		require.NoError(t, err)
		require.Equal(t, 100, n)
		require.False(t, s.IsClosed())
	})

	t.Run("when the final size of a reset goes past received data, it is counted", func(t *testing.T) {
		h := newHarness(t, small)
		s := h.connect()
		conn := h.conn(s)
		sh := h.openStream(s)

		h.peerSend(s, conn, &wire.ResetStreamFrame{StreamID: sh.ID(), ErrorCode: 7, FinalSize: 1200})
		require.True(t, s.IsClosed())
		require.ErrorIs(t, sh.Err(), ErrFlowControl)
	})

	t.Run("when the peer goes over the connection window, the session is closed", func(t *testing.T) {
		h := newHarness(t, small)
		s := h.connect()
		conn := h.conn(s)
		first := h.openStream(s)
		second := h.openStream(s)

		h.peerSend(s, conn, &wire.StreamFrame{StreamID: first.ID(), Data: make([]byte, 600)})
		require.False(t, s.IsClosed())
		h.peerSend(s, conn, &wire.StreamFrame{StreamID: second.ID(), Data: make([]byte, 600)})
		require.True(t, s.IsClosed())
		require.ErrorIs(t, second.Err(), ErrFlowControl)

		closes := framesOf[*wire.ConnectionCloseFrame](t, conn)
		require.Len(t, closes, 1)
		require.Equal(t, QErrFlowControl.Code, closes[0].ErrorCode)
	})
}

func TestStream_Headers(t *testing.T) {
	h := newHarness(t, nil)
	s := h.connect()
	conn := h.conn(s)
	peer := newHeaderCodec()

	encode := func(hdr Headers) []byte {
		block, err := peer.encode(hdr)
		require.NoError(t, err)
		return block
	}

	t.Run("when headers, body and trailers arrive, the stream closes once trailers are read", func(t *testing.T) {
		sh := h.openStream(s)
		require.NoError(t, sh.WriteHeaders(Headers{{Name: ":method", Value: "GET"}}, true))
		sent := framesOf[*wire.HeadersFrame](t, conn)
		require.NotEmpty(t, sent)

		var initial Headers
		_, err := sh.ReadInitialHeaders(func(hdr Headers, err error) {
			require.NoError(t, err)
			initial = hdr
		})
		require.ErrorIs(t, err, ErrPending)

		h.peerSend(s, conn,
			&wire.HeadersFrame{StreamID: sh.ID(), Block: encode(Headers{{Name: ":status", Value: "200"}})},
			&wire.StreamFrame{StreamID: sh.ID(), Data: []byte("body"), Fin: true},
			&wire.HeadersFrame{StreamID: sh.ID(), Block: encode(Headers{{Name: "grpc-status", Value: "0"}})},
		)
		status, ok := initial.Get(":status")
		require.True(t, ok)
		require.Equal(t, "200", status)
		_, err = sh.ReadInitialHeaders(nil)
		require.ErrorIs(t, err, ErrHeadersConsumed)

		buf := make([]byte, 16)
		n, err := sh.ReadBody(buf, nil)
		require.NoError(t, err)
		require.Equal(t, "body", string(buf[:n]))
		_, err = sh.ReadBody(buf, nil)
		require.ErrorIs(t, err, io.EOF)
		require.True(t, sh.IsOpen())

		trailers, err := sh.ReadTrailingHeaders(nil)
		require.NoError(t, err)
		grpc, _ := trailers.Get("grpc-status")
		require.Equal(t, "0", grpc)
		require.False(t, sh.IsOpen())
		require.NoError(t, sh.Err())
	})

	t.Run("when a block arrives for a reset stream, the decoder table stays in sync", func(t *testing.T) {
		gone := h.openStream(s)
		gone.Reset(QErrStreamCancelled)
		live := h.openStream(s)

		trace := Headers{{Name: "x-trace", Value: "abc123"}}
		h.peerSend(s, conn, &wire.HeadersFrame{StreamID: gone.ID(), Block: encode(trace)})
		indexed := encode(trace)
		require.Len(t, indexed, 1)
		h.peerSend(s, conn, &wire.HeadersFrame{StreamID: live.ID(), Block: indexed})

		require.True(t, live.IsOpen())
		hdr, err := live.ReadInitialHeaders(nil)
		require.NoError(t, err)
		value, ok := hdr.Get("x-trace")
		require.True(t, ok)
		require.Equal(t, "abc123", value)
	})

	t.Run("when a header block is malformed, only the stream is reset", func(t *testing.T) {
		sh := h.openStream(s)
		h.peerSend(s, conn, &wire.HeadersFrame{StreamID: sh.ID(), Block: []byte{0x80}})
		var serr *quic.StreamError
		require.ErrorAs(t, sh.Err(), &serr)
		require.Equal(t, QErrStreamProtocolViolation, serr.ErrorCode)
		require.False(t, s.IsClosed())
	})
}
