// Package transport defines the stream-transport façade GMCast consumes.
// Two concrete providers live in the transport/tcp and transport/ws
// subpackages; the mesh controller only ever sees this interface, the same
// way the teacher's mesh/routing layer only ever sees the cla.Convergence
// interfaces and not a concrete *tcpcl.TCPCLClient.
package transport

import "sync/atomic"

var fdCounter int64

// NextFD hands out process-wide unique small integers, the same role a
// socket's underlying file descriptor plays in a C implementation. Go does
// not expose the raw fd portably, so GMCast keys its PeerTable on this
// transport-assigned handle instead. Every Provider must draw from this one
// counter rather than keeping its own: mesh.Mesh keys a single peer table by
// fd across every scheme it has wired, so a tcp Conn and a ws Conn must
// never be handed the same number.
func NextFD() int {
	return int(atomic.AddInt64(&fdCounter, 1))
}

// State mirrors a connection's progress toward becoming usable.
type State int

const (
	Connecting State = iota
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// UpcallFunc is how a Conn hands an inbound datagram (or, for a zero-length
// slice, a connection-state notification) up to whatever owns it. fd
// identifies the Conn; this mirrors the teacher's ConvergenceStatus return
// channel, collapsed into a synchronous callback since GMCast's event loop
// is single-threaded and has no use for a channel indirection here.
type UpcallFunc func(fd int, dg []byte)

// Conn is one established or in-progress stream connection.
type Conn interface {
	// FD is this Conn's unique integer handle, the PeerTable's key.
	FD() int

	// Send transmits one complete datagram. The provider is responsible for
	// framing it on the wire so the peer's Conn reconstructs the same
	// byte slice via its upcall.
	Send(dg []byte) error

	// Close tears down the connection. Idempotent.
	Close() error

	// State reports the connection's current lifecycle stage.
	State() State

	// RemoteAddr is the ephemeral peer endpoint (host:port of the TCP/WS
	// socket), distinct from the peer's self-advertised listen address.
	RemoteAddr() string
}

// Listener accepts inbound connections on a bound local address.
type Listener interface {
	// FD is the listener's own handle, used to recognize listener
	// readiness in HandleUp.
	FD() int

	// Accept blocks until one inbound connection is available and returns
	// it already wired to call upcall for its own traffic.
	Accept(upcall UpcallFunc) (Conn, error)

	// Addr is the bound local address, canonicalized the same way
	// configured addresses are (e.g. "tcp://0.0.0.0:4567").
	Addr() string

	// Close stops accepting and releases the bound socket.
	Close() error
}

// Provider creates Listeners and outbound Conns for one scheme (e.g. "tcp",
// "ws").
type Provider interface {
	// Listen binds addr and returns a Listener.
	Listen(addr string) (Listener, error)

	// Dial connects to addr and returns a Conn already wired to call
	// upcall for its own traffic.
	Dial(addr string, upcall UpcallFunc) (Conn, error)

	// Scheme is the URI scheme this Provider handles ("tcp" or "ws").
	Scheme() string
}
