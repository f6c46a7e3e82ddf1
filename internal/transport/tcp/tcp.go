// Package tcp is a transport.Provider backed by raw net.TCPConn, the
// default GMCast wire transport. It reports connection-state changes to the
// owning event loop as a zero-length datagram via the upcall, the same
// signal a genuinely non-blocking/async connect would deliver -- see
// DESIGN.md for why this repo chooses that shape even though net.Dial is
// itself synchronous in Go.
package tcp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/sthibaul/galera/internal/transport"
)

// Provider implements transport.Provider for the "tcp" scheme.
type Provider struct{}

func (Provider) Scheme() string { return "tcp" }

func (Provider) Listen(addr string) (transport.Listener, error) {
	hostport, err := stripScheme(addr)
	if err != nil {
		return nil, err
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", hostport)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, err
	}
	return &listener{ln: ln, fd: transport.NextFD(), addr: addr}, nil
}

func (Provider) Dial(addr string, upcall transport.UpcallFunc) (transport.Conn, error) {
	hostport, err := stripScheme(addr)
	if err != nil {
		return nil, err
	}
	c, err := net.Dial("tcp", hostport)
	if err != nil {
		return nil, err
	}
	return newConn(c, upcall), nil
}

func stripScheme(addr string) (string, error) {
	const prefix = "tcp://"
	if len(addr) < len(prefix) || addr[:len(prefix)] != prefix {
		return "", fmt.Errorf("tcp: address %q missing %q scheme", addr, prefix)
	}
	return addr[len(prefix):], nil
}

type listener struct {
	ln   *net.TCPListener
	fd   int
	addr string
}

func (l *listener) FD() int      { return l.fd }
func (l *listener) Addr() string { return l.addr }

func (l *listener) Accept(upcall transport.UpcallFunc) (transport.Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	conn := newConn(c, upcall)
	atomic.StoreInt32(&conn.state, int32(transport.Connected))
	return conn, nil
}

func (l *listener) Close() error {
	return l.ln.Close()
}

// conn wraps a net.Conn with length-prefixed datagram framing so a single
// Send corresponds to exactly one upcall on the peer's side, matching the
// transport façade's datagram-oriented contract.
type conn struct {
	c      net.Conn
	fd     int
	state  int32 // transport.State, accessed atomically
	upcall transport.UpcallFunc

	writeMu sync.Mutex
	w       *bufio.Writer

	closeOnce sync.Once
}

func newConn(c net.Conn, upcall transport.UpcallFunc) *conn {
	cn := &conn{
		c:      c,
		fd:     transport.NextFD(),
		state:  int32(transport.Connecting),
		upcall: upcall,
		w:      bufio.NewWriter(c),
	}
	go cn.readLoop()
	return cn
}

func (cn *conn) FD() int { return cn.fd }

func (cn *conn) State() transport.State {
	return transport.State(atomic.LoadInt32(&cn.state))
}

func (cn *conn) RemoteAddr() string {
	return cn.c.RemoteAddr().String()
}

func (cn *conn) Send(dg []byte) error {
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()

	if err := binary.Write(cn.w, binary.BigEndian, uint32(len(dg))); err != nil {
		return err
	}
	if _, err := cn.w.Write(dg); err != nil {
		return err
	}
	return cn.w.Flush()
}

func (cn *conn) Close() error {
	var err error
	cn.closeOnce.Do(func() {
		atomic.StoreInt32(&cn.state, int32(transport.Closed))
		err = cn.c.Close()
	})
	return err
}

// readLoop feeds whole datagrams (and the synthetic "connected" zero-length
// notification) to the upcall. It is the sole goroutine reading this
// connection, which is what gives GMCast its per-peer frame ordering
// guarantee.
func (cn *conn) readLoop() {
	wasConnecting := atomic.CompareAndSwapInt32(&cn.state, int32(transport.Connecting), int32(transport.Connected))
	if wasConnecting {
		cn.upcall(cn.fd, nil)
	}

	r := bufio.NewReader(cn.c)
	for {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			cn.failAndNotify(err)
			return
		}
		dg := make([]byte, n)
		if _, err := io.ReadFull(r, dg); err != nil {
			cn.failAndNotify(err)
			return
		}
		cn.upcall(cn.fd, dg)
	}
}

func (cn *conn) failAndNotify(err error) {
	if cn.State() == transport.Closed {
		return
	}
	log.WithError(err).WithField("remote", cn.RemoteAddr()).Debug("tcp transport: connection lost")
	_ = cn.Close()
	cn.upcall(cn.fd, nil)
}
