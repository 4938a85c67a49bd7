package qsession

import (
	"errors"
)

type requestState uint8

const (
	requestNew requestState = iota
	requestWaitingConfirmation
	requestQueued
	requestDone
)

// StreamRequest asks a session for a new outgoing stream. It resolves
// exactly once: synchronously from RequestStream, or later through its
// callback.
type StreamRequest struct {
	session              *Session
	requiresConfirmation bool
	state                requestState
	cb                   func(error)
	stream               *StreamHandle
}

// ReleaseStream hands over the stream of a successful request. It returns
// nil the second time.
func (r *StreamRequest) ReleaseStream() *StreamHandle {
	h := r.stream
	r.stream = nil
	return h
}

// Cancel drops the request without invoking its callback. A stream created
// for it but never released is reset.
func (r *StreamRequest) Cancel() {
	if r.state == requestQueued {
		r.session.requests.remove(r)
	}
	r.state = requestDone
	r.cb = nil
	if h := r.ReleaseStream(); h != nil {
		h.Reset(QErrStreamCancelled)
	}
}

func (r *StreamRequest) start() error {
	s := r.session
	if r.requiresConfirmation && !s.handshakeConfirmed {
		r.state = requestWaitingConfirmation
		return s.WaitForHandshakeConfirmation(r.onHandshakeConfirmed)
	}
	return r.tryCreate()
}

// tryCreate opens the stream or queues the request behind the stream
// limit.
func (r *StreamRequest) tryCreate() error {
	st, err := r.session.CreateOutgoingStream()
	switch {
	case err == nil:
		r.stream = st.CreateHandle()
		r.state = requestDone
		return nil
	case errors.Is(err, ErrTooManyStreams):
		r.state = requestQueued
		r.session.requests.push(r)
		r.session.msink.IncrCounterWithLabels(MetricStreamRequestQueuedCount, 1, r.session.mlabels)
		return ErrPending
	default:
		r.state = requestDone
		return err
	}
}

func (r *StreamRequest) onHandshakeConfirmed(err error) {
	if r.state != requestWaitingConfirmation {
		return
	}
	if err == nil {
		err = r.tryCreate()
		if errors.Is(err, ErrPending) {
			return
		}
	}
	r.resolve(err)
}

func (r *StreamRequest) resolve(err error) {
	r.state = requestDone
	cb := r.cb
	r.cb = nil
	if cb != nil {
		cb(err)
	}
}

// requestQueue holds the requests waiting for the stream limit, oldest
// first.
type requestQueue struct {
	items []*StreamRequest
}

func (q *requestQueue) push(r *StreamRequest) {
	q.items = append(q.items, r)
}

func (q *requestQueue) pop() *StreamRequest {
	if len(q.items) == 0 {
		return nil
	}
	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return r
}

func (q *requestQueue) remove(r *StreamRequest) {
	for i, item := range q.items {
		if item == r {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *requestQueue) drain() []*StreamRequest {
	items := q.items
	q.items = nil
	return items
}

func (q *requestQueue) len() int {
	return len(q.items)
}
