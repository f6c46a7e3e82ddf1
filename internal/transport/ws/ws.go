// Package ws is a transport.Provider backed by gorilla/websocket, letting
// GMCast peers mesh across an HTTP(S) boundary (e.g. a load balancer that
// only forwards port 80/443) the same way the teacher's TCPCLv4 CLA offers
// both a raw-socket and a WebSocket variant of the same convergence layer.
package ws

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/websocket"

	"github.com/sthibaul/galera/internal/transport"
)

// Provider implements transport.Provider for the "ws" scheme. Unlike tcp's
// Provider, Listen does not itself bind a socket: ws piggybacks on an
// http.Server the caller already runs, so Listen instead registers a handler
// on mux and returns a Listener that Accept()s whatever ServeHTTP upgrades.
type Provider struct {
	// Mux is the http.ServeMux (or compatible router) Listen registers its
	// upgrade handler on. Must be set before Listen is called.
	Mux interface {
		Handle(pattern string, handler http.Handler)
	}
}

func (Provider) Scheme() string { return "ws" }

func (p Provider) Listen(addr string) (transport.Listener, error) {
	hostport, path, err := splitAddr(addr)
	if err != nil {
		return nil, err
	}
	l := &listener{
		fd:       transport.NextFD(),
		addr:     addr,
		hostport: hostport,
		accepted: make(chan *conn, 16),
		upgrader: websocket.Upgrader{},
	}
	if p.Mux != nil {
		p.Mux.Handle(path, l)
	}
	return l, nil
}

func (Provider) Dial(addr string, upcall transport.UpcallFunc) (transport.Conn, error) {
	url, err := toWSURL(addr)
	if err != nil {
		return nil, err
	}
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return newConn(c, upcall), nil
}

// splitAddr separates a "ws://host:port/path" address into the host:port
// the caller would bind an http.Server on, and the path the upgrade handler
// should be registered under.
func splitAddr(addr string) (hostport, path string, err error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", "", fmt.Errorf("ws: address %q missing ws(s):// scheme", addr)
	}
	path = u.Path
	if path == "" {
		path = "/"
	}
	return u.Host, path, nil
}

// toWSURL is the identity transform for an already-"ws://..."-shaped addr;
// it just validates the scheme the way tcp.stripScheme validates "tcp://".
func toWSURL(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("ws: address %q missing ws(s):// scheme", addr)
	}
	return addr, nil
}

// listener implements both transport.Listener and http.Handler: ServeHTTP
// upgrades inbound HTTP requests and stashes the resulting Conn for Accept
// to pick up, mirroring the teacher's WebSocketListener.ServeHTTP handing
// newly upgraded clients to its cla.Manager.
type listener struct {
	fd       int
	addr     string
	hostport string

	upgrader websocket.Upgrader
	accepted chan *conn

	closeOnce sync.Once
	closed    chan struct{}
}

func (l *listener) FD() int      { return l.fd }
func (l *listener) Addr() string { return l.addr }

// HostPort is the bare "host:port" Listen parsed out of addr, the form an
// http.Server's Addr field expects. Since Listen does not bind its own
// socket, whoever owns the http.Server mux needs this to know what to bind.
func (l *listener) HostPort() string { return l.hostport }

func (l *listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("ws transport: upgrade failed")
		return
	}
	// upcall is attached once Accept is called; until then the conn just
	// buffers into readLoop's normal path once armed.
	ac := newConn(c, nil)
	select {
	case l.accepted <- ac:
	default:
		log.Warn("ws transport: accept backlog full, dropping upgraded connection")
		_ = ac.Close()
	}
}

func (l *listener) Accept(upcall transport.UpcallFunc) (transport.Conn, error) {
	ac, ok := <-l.accepted
	if !ok {
		return nil, errClosed
	}
	ac.arm(upcall)
	return ac, nil
}

func (l *listener) Close() error {
	l.closeOnce.Do(func() { close(l.accepted) })
	return nil
}

var errClosed = &closedError{}

type closedError struct{}

func (*closedError) Error() string { return "ws transport: listener closed" }

// conn wraps a *websocket.Conn. Each websocket message is already one frame,
// so unlike tcp.conn this needs no length-prefix framing of its own.
type conn struct {
	c      *websocket.Conn
	fd     int
	state  int32 // transport.State, accessed atomically
	upcall transport.UpcallFunc

	armed chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(c *websocket.Conn, upcall transport.UpcallFunc) *conn {
	cn := &conn{
		c:      c,
		fd:     transport.NextFD(),
		state:  int32(transport.Connecting),
		upcall: upcall,
		armed:  make(chan struct{}),
	}
	if upcall != nil {
		close(cn.armed)
		atomic.StoreInt32(&cn.state, int32(transport.Connected))
	}
	go cn.readLoop()
	return cn
}

// arm attaches the upcall for a server-side conn created before Accept knew
// which mesh controller owns it.
func (cn *conn) arm(upcall transport.UpcallFunc) {
	cn.upcall = upcall
	atomic.StoreInt32(&cn.state, int32(transport.Connected))
	close(cn.armed)
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
	return cn.c.WriteMessage(websocket.BinaryMessage, dg)
}

func (cn *conn) Close() error {
	var err error
	cn.closeOnce.Do(func() {
		atomic.StoreInt32(&cn.state, int32(transport.Closed))
		err = cn.c.Close()
	})
	return err
}

func (cn *conn) readLoop() {
	<-cn.armed

	// newConn or arm has already marked the conn Connected by now; announce
	// it once with a zero-length upcall, as tcp.conn.readLoop does, so a
	// connector-role PeerProto can leave Init.
	cn.upcall(cn.fd, nil)

	for {
		mt, dg, err := cn.c.ReadMessage()
		if err != nil {
			cn.failAndNotify(err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		cn.upcall(cn.fd, dg)
	}
}

func (cn *conn) failAndNotify(err error) {
	if cn.State() == transport.Closed {
		return
	}
	log.WithError(err).WithField("remote", cn.RemoteAddr()).Debug("ws transport: connection lost")
	_ = cn.Close()
	cn.upcall(cn.fd, nil)
}
