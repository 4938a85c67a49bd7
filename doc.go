// `qsession` is the client side of a QUIC connection, minus the crypto and
// the loss recovery: sessions, the streams they multiplex, and the logic
// keeping a session alive while the device hops between networks.
//
// ## How it works
//
// Everything starts with a `Pool`. It owns the `loop.Runner` all of its
// sessions live on, a `SocketFactory` to open UDP sockets bound to a given
// network, and a `NetworkMonitor` telling it which networks exist. Ask the
// pool for a `Session` with `Pool.CreateSession`, you get a
// `SessionHandle` back.
//
// Streams are obtained with `SessionHandle.RequestStream`. When the peer
// doesn't let us open more streams, the request waits in a FIFO queue and
// its callback is invoked once a slot frees up. A `StreamHandle` stays
// usable after its stream is gone: operations just fail with an error
// wrapping `ErrConnectionClosed`.
//
// Operations which cannot complete right away return `ErrPending` and invoke
// their callback exactly once, later, from the runner. An operation which
// completes synchronously never invokes its callback.
//
// ## Migration
//
// A session reacts to:
//
// * write errors, by moving to another network immediately,
// * network disconnection, same thing, or waiting for a new network,
// * a new default network, by validating a path on it with PATH_CHALLENGE
// before moving,
// * a degrading path, by probing an alternate network or a new port,
//
// and, once away from the default network, it periodically tries to go
// back, backing off exponentially.
//
// ## Design Principles
//
// > `qsession` is **single-threaded** and **deterministic**.
//
// No session state is ever touched outside of its runner, hence no lock.
// Time comes from a `clock.Clock` so tests drive timers by hand and never
// sleep.
//
// Dependencies are the ones you would expect:
//
// * [`quic-go/quic-go`][dep-qgo], for stream ids, error types and varints.
// * [`hashicorp/go-metrics`][dep-met], to let you chose where metrics go.
// * [`x/net/http2/hpack`][dep-hpk], for header blocks.
//
// [dep-qgo]: https://pkg.go.dev/github.com/quic-go/quic-go
// [dep-met]: https://pkg.go.dev/github.com/hashicorp/go-metrics
// [dep-hpk]: https://pkg.go.dev/golang.org/x/net/http2/hpack
package qsession
