// Package mesh implements the GMCast mesh controller: the orchestrator
// that turns a set of transport.Conns into an established, topology-aware
// overlay and exposes it to a protostack.Stack as a single Proto.
package mesh

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hashicorp/go-multierror"

	"github.com/sthibaul/galera/internal/addrbook"
	"github.com/sthibaul/galera/internal/gmid"
	"github.com/sthibaul/galera/internal/linkmap"
	"github.com/sthibaul/galera/internal/peerproto"
	"github.com/sthibaul/galera/internal/protostack"
	"github.com/sthibaul/galera/internal/transport"
	"github.com/sthibaul/galera/internal/wire"
)

// UserUpcall receives a USER-class datagram's payload, attributed to the
// peer that last forwarded it.
type UserUpcall func(source gmid.UUID, payload []byte)

// Mesh is the GMCast controller. All exported methods except RequestSnapshot
// and Discovered are intended to be called only from the protostack.Stack
// goroutine it is pushed onto; Connect, Run and Close are the exceptions, run
// from the owning goroutine before/after the stack is running.
type Mesh struct {
	cfg        Config
	providers  map[string]transport.Provider
	userUpcall UserUpcall
	stack      *protostack.Stack

	listener       transport.Listener
	pendingAccepts chan transport.Conn

	peers   map[int]*peerproto.PeerProto
	book    *addrbook.Book
	linkMap *linkmap.LinkMap

	nextCheck   time.Time
	checkPeriod time.Duration

	seq uint32

	snapReqs   chan snapshotRequest
	discovered chan string

	closed bool
}

// snapshotFD and discoverFD are sentinel fd values no transport provider
// ever hands out (real fds are positive, assigned by an atomic counter
// starting at 1), used to route requests from other goroutines through the
// event loop.
const (
	snapshotFD = -1
	discoverFD = -2
)

type snapshotRequest struct {
	reply chan Snapshot
}

var _ protostack.Proto = (*Mesh)(nil)

// New builds a Mesh from a resolved Config and the set of transport
// providers keyed by scheme ("tcp", "ws", ...). userUpcall may be nil if
// nothing above GMCast consumes user datagrams.
func New(cfg Config, providers map[string]transport.Provider, stack *protostack.Stack, userUpcall UserUpcall) *Mesh {
	return &Mesh{
		cfg:            cfg,
		providers:      providers,
		userUpcall:     userUpcall,
		stack:          stack,
		pendingAccepts: make(chan transport.Conn, 16),
		peers:          make(map[int]*peerproto.PeerProto),
		book:           addrbook.New(),
		linkMap:        linkmap.New(),
		checkPeriod:    time.Second,
		snapReqs:       make(chan snapshotRequest, 8),
		discovered:     make(chan string, 32),
	}
}

// Discovered hands a peer address learned out-of-band (LAN broadcast
// discovery, a config file, an operator command) to the mesh controller. It
// is safe to call from any goroutine; the address is only ever added to the
// address book on the event-loop goroutine, the same discipline
// RequestSnapshot uses.
func (m *Mesh) Discovered(addr string) {
	select {
	case m.discovered <- addr:
	default:
		log.WithField("addr", addr).Warn("mesh: discovery queue full, dropping address")
		return
	}
	m.stack.Post(discoverFD, nil)
}

func (m *Mesh) drainDiscovered() {
	for {
		select {
		case addr := <-m.discovered:
			if addr == m.cfg.ListenAddr || m.book.Known(addr) {
				continue
			}
			m.book.SetPending(addr, &addrbook.Entry{UUID: gmid.Nil})
		default:
			return
		}
	}
}

func schemeOf(addr string) string {
	if i := strings.Index(addr, "://"); i >= 0 {
		return addr[:i]
	}
	return ""
}

func (m *Mesh) providerFor(addr string) (transport.Provider, error) {
	scheme := schemeOf(addr)
	p, ok := m.providers[scheme]
	if !ok {
		return nil, fmt.Errorf("mesh: no transport registered for scheme %q (address %q)", scheme, addr)
	}
	return p, nil
}

// Connect binds the listener, pushes the Mesh onto its Stack, and starts
// an outbound connection to the configured initial address, if any.
func (m *Mesh) Connect() error {
	m.stack.PushProto(m)

	provider, err := m.providerFor(m.cfg.ListenAddr)
	if err != nil {
		return err
	}
	ln, err := provider.Listen(m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("mesh: listen on %s: %w", m.cfg.ListenAddr, err)
	}
	m.listener = ln
	go m.acceptLoop()

	if m.cfg.InitialAddr != "" {
		m.book.SetPending(m.cfg.InitialAddr, &addrbook.Entry{UUID: gmid.Nil})
		m.connect(m.cfg.InitialAddr)
	}

	m.nextCheck = time.Now().Add(m.checkPeriod)
	return nil
}

// Run starts the underlying protostack.Stack's event-loop goroutine. Call it
// once, after Connect.
func (m *Mesh) Run() {
	m.stack.Run()
}

// acceptLoop is the one goroutine allowed to block in Listener.Accept. It
// only ever posts a listener-readiness event; the registration of the
// accepted Conn into the peer table happens on the Stack's own goroutine,
// inside accept, preserving single-goroutine ownership of m.peers.
func (m *Mesh) acceptLoop() {
	for {
		conn, err := m.listener.Accept(m.stack.Post)
		if err != nil {
			log.WithError(err).Debug("mesh: accept loop stopping")
			return
		}
		m.pendingAccepts <- conn
		m.stack.Post(m.listener.FD(), nil)
	}
}

func (m *Mesh) accept() {
	var conn transport.Conn
	select {
	case conn = <-m.pendingAccepts:
	default:
		log.Warn("mesh: listener-ready event with nothing pending")
		return
	}

	if _, exists := m.peers[conn.FD()]; exists {
		log.Fatalf("mesh: fd %d already registered in peer table", conn.FD())
	}

	p := peerproto.NewAcceptor(conn, m.cfg.MyUUID, m.cfg.GroupName, m.cfg.ListenAddr)
	m.peers[conn.FD()] = p
	if err := p.SendHandshake(); err != nil {
		log.WithError(err).Debug("mesh: sending initial handshake failed")
		m.handleFailed(p, conn.FD())
	}
}

// connect dials addr and registers a connector-role PeerProto for it. It is
// a no-op if addr is our own listen address. Dial failures are logged and
// left to the reconnect sweep.
func (m *Mesh) connect(addr string) {
	if addr == m.cfg.ListenAddr {
		return
	}
	provider, err := m.providerFor(addr)
	if err != nil {
		log.WithError(err).WithField("addr", addr).Debug("mesh: cannot dial address")
		return
	}
	conn, err := provider.Dial(addr, m.stack.Post)
	if err != nil {
		log.WithError(err).WithField("addr", addr).Debug("mesh: dial failed")
		return
	}
	if _, exists := m.peers[conn.FD()]; exists {
		log.Fatalf("mesh: fd %d already registered in peer table", conn.FD())
	}
	m.peers[conn.FD()] = peerproto.NewConnector(conn, m.cfg.MyUUID, m.cfg.GroupName, m.cfg.ListenAddr)
}

// Close stops the Stack's event loop, then tears the Mesh down: the
// listener, every peer connection, and both address-book maps. Calls after
// the first do nothing and return nil.
func (m *Mesh) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.stack.Close()
	m.stack.PopProto()

	var result *multierror.Error
	if m.listener != nil {
		if err := m.listener.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for fd, p := range m.peers {
		if err := p.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		delete(m.peers, fd)
	}
	m.book = addrbook.New()
	m.linkMap = linkmap.New()
	return result.ErrorOrNil()
}

// HandleUp implements protostack.Proto.
func (m *Mesh) HandleUp(fd int, dg []byte) {
	if fd == snapshotFD {
		m.drainSnapshotRequests()
		return
	}
	if fd == discoverFD {
		m.drainDiscovered()
		return
	}
	if m.listener != nil && fd == m.listener.FD() {
		m.accept()
		return
	}

	p, ok := m.peers[fd]
	if !ok {
		log.WithField("fd", fd).Debug("mesh: datagram for unknown fd, dropping")
		return
	}

	if len(dg) == 0 {
		m.handleConnState(fd, p)
		return
	}

	hdr, rest, err := wire.DecodeHeader(dg)
	if err != nil {
		log.WithError(err).WithField("fd", fd).Debug("mesh: malformed datagram")
		m.handleFailed(p, fd)
		return
	}

	if hdr.Type >= wire.TUserBase {
		if m.userUpcall != nil {
			m.userUpcall(hdr.SourceUUID, rest)
		}
		return
	}

	switch p.HandleFrame(dg) {
	case peerproto.Established:
		m.handleEstablished(p, fd)
	case peerproto.TopologyChanged:
		m.updateAddresses()
		m.reconnect()
	case peerproto.ResultFailed:
		m.handleFailed(p, fd)
	}
}

func (m *Mesh) handleConnState(fd int, p *peerproto.PeerProto) {
	switch p.Conn.State() {
	case transport.Connected:
		if p.State == peerproto.Init || p.State == peerproto.HandshakeWait {
			p.NotifyConnected()
		} else {
			log.WithFields(log.Fields{"fd": fd, "state": p.State}).Debug("mesh: spurious connected notification")
		}
	default:
		m.handleFailed(p, fd)
	}
}

// handleEstablished runs the establishment callback: address-book
// bookkeeping, duplicate resolution, and topology propagation.
func (m *Mesh) handleEstablished(est *peerproto.PeerProto, estFD int) {
	addr := est.RemoteAddr
	m.book.RemovePending(addr)
	e, existed := m.book.RemoteEntry(addr)
	if !existed {
		e = &addrbook.Entry{UUID: est.RemoteUUID}
	}
	e.RetryCnt = m.cfg.MaxRetryCnt - 60
	m.book.SetRemote(addr, e)

	for fd, other := range m.peers {
		if other == est || other.RemoteUUID.IsNil() || other.RemoteUUID != est.RemoteUUID {
			continue
		}
		switch {
		case other.HandshakeUUID.Less(est.HandshakeUUID):
			other.Close()
			delete(m.peers, fd)
		case est.HandshakeUUID.Less(other.HandshakeUUID):
			est.Close()
			delete(m.peers, estFD)
			m.updateAddresses()
			return
		}
	}

	m.updateAddresses()
}

// handleFailed runs the failure callback: bump the address book's retry
// state if no sibling connection to the same remote survives, then destroy
// the peer and recompute topology.
func (m *Mesh) handleFailed(p *peerproto.PeerProto, fd int) {
	if p.State != peerproto.Failed {
		p.MarkFailed("transport closed")
	}

	stillUp := false
	if !p.RemoteUUID.IsNil() {
		for otherFD, other := range m.peers {
			if otherFD == fd {
				continue
			}
			if other.RemoteUUID == p.RemoteUUID && other.State <= peerproto.OK {
				stillUp = true
				break
			}
		}
	}
	if !stillUp && p.RemoteAddr != "" {
		now := time.Now()
		if e, ok := m.book.PendingEntry(p.RemoteAddr); ok {
			e.RetryCnt++
			e.NextReconnect = now.Add(time.Second)
		} else if e, ok := m.book.RemoteEntry(p.RemoteAddr); ok {
			e.RetryCnt++
			e.NextReconnect = now.Add(time.Second)
		}
	}

	p.Close()
	delete(m.peers, fd)
	m.updateAddresses()
}

// Forget destroys every PeerProto for uuid and schedules its address-book
// entries to be evicted by the next reconnect sweep.
func (m *Mesh) Forget(uuid gmid.UUID) {
	for fd, p := range m.peers {
		if p.RemoteUUID == uuid {
			p.Close()
			delete(m.peers, fd)
		}
	}
	m.book.ForgetUUID(uuid, m.cfg.MaxRetryCnt, time.Now())
	m.updateAddresses()
}

// updateAddresses recomputes the advertised LinkMap from the set of OK
// peers, broadcasts it, and folds every OK peer's own LinkMap into Pending.
func (m *Mesh) updateAddresses() {
	newMap := linkmap.New()
	seen := make(map[gmid.UUID]bool)
	var toDrop []int

	for fd, p := range m.peers {
		if p.State != peerproto.OK {
			continue
		}
		if seen[p.RemoteUUID] {
			toDrop = append(toDrop, fd)
			continue
		}
		if p.RemoteUUID.IsNil() || p.RemoteAddr == "" {
			log.Fatalf("mesh: OK peer fd=%d missing identity or address", fd)
		}
		seen[p.RemoteUUID] = true
		newMap.Set(p.RemoteUUID, p.RemoteAddr)
	}
	for _, fd := range toDrop {
		m.peers[fd].Close()
		delete(m.peers, fd)
	}
	m.linkMap = newMap

	for _, p := range m.peers {
		if p.State != peerproto.OK {
			continue
		}
		if err := p.SendTopologyChange(m.linkMap); err != nil {
			log.WithError(err).WithField("peer", p.RemoteAddr).Debug("mesh: sending topology change failed")
		}
	}

	now := time.Now()
	for _, p := range m.peers {
		if p.State != peerproto.OK {
			continue
		}
		p.LinkMap.Range(func(uuid gmid.UUID, l linkmap.Link) bool {
			if uuid == m.cfg.MyUUID {
				return true
			}
			if m.book.InRemote(l.Addr) || m.book.InPending(l.Addr) {
				return true
			}
			next := now.Add(time.Duration(rand.Intn(100)) * time.Millisecond)
			m.book.SetPending(l.Addr, &addrbook.Entry{
				UUID:          uuid,
				RetryCnt:      m.cfg.MaxRetryCnt - 60,
				NextReconnect: next,
			})
			if m.nextCheck.IsZero() || next.Before(m.nextCheck) {
				m.nextCheck = next
			}
			return true
		})
	}
}

// isConnected reports whether any current PeerProto already corresponds to
// addr or uuid, by either measure.
func (m *Mesh) isConnected(addr string, uuid gmid.UUID) bool {
	for _, p := range m.peers {
		if p.RemoteAddr == addr {
			return true
		}
		if !uuid.IsNil() && p.RemoteUUID == uuid {
			return true
		}
	}
	return false
}

// reconnect is the periodic sweep: evict exhausted entries, dial due ones.
func (m *Mesh) reconnect() {
	now := time.Now()

	var pendingDrops, remoteDrops []string

	m.book.RangePending(func(addr string, e *addrbook.Entry) {
		if m.isConnected(addr, e.UUID) {
			return
		}
		if e.RetryCnt > m.cfg.MaxRetryCnt {
			pendingDrops = append(pendingDrops, addr)
			return
		}
		if !e.NextReconnect.After(now) {
			m.connect(addr)
		}
	})
	for _, addr := range pendingDrops {
		m.book.RemovePending(addr)
	}

	m.book.RangeRemote(func(addr string, e *addrbook.Entry) {
		if m.isConnected(addr, e.UUID) {
			return
		}
		if e.RetryCnt > m.cfg.MaxRetryCnt {
			remoteDrops = append(remoteDrops, addr)
			return
		}
		if !e.NextReconnect.After(now) {
			if e.RetryCnt%30 == 0 {
				log.WithField("addr", addr).Info("mesh: still retrying a previously-established peer")
			}
			m.connect(addr)
		}
	})
	for _, addr := range remoteDrops {
		m.book.RemoveRemote(addr)
	}
}

// HandleTimers implements protostack.Proto.
func (m *Mesh) HandleTimers() time.Time {
	now := time.Now()
	if !m.nextCheck.After(now) {
		m.reconnect()
		m.nextCheck = now.Add(m.checkPeriod)
	}
	return m.nextCheck
}

// HandleDown implements protostack.Proto: it fans dg out to every peer in
// the table, regardless of handshake state, matching the spec's chosen
// fan-out semantics (an unready transport simply drops the write).
func (m *Mesh) HandleDown(dg []byte) error {
	m.seq++
	frame := wire.EncodeUser(m.cfg.MyUUID, m.seq, dg)
	for _, p := range m.peers {
		if err := p.Conn.Send(frame); err != nil {
			log.WithError(err).WithField("peer", p.RemoteAddr).Debug("mesh: user datagram send failed")
		}
	}
	return nil
}

// HandleStableView reconciles the address book against a declared view
// from the layer above: peers no longer in the view are forgotten; peers
// in the view are marked stable so past failures stop counting against
// their retry budget.
func (m *Mesh) HandleStableView(view []gmid.UUID) {
	inView := make(map[gmid.UUID]bool, len(view))
	for _, u := range view {
		inView[u] = true
	}

	var toForget []gmid.UUID
	seen := make(map[gmid.UUID]bool)
	m.book.RangeRemote(func(_ string, e *addrbook.Entry) {
		if e.UUID.IsNil() || inView[e.UUID] || seen[e.UUID] {
			return
		}
		seen[e.UUID] = true
		toForget = append(toForget, e.UUID)
	})
	for _, uuid := range toForget {
		m.Forget(uuid)
	}

	for _, uuid := range view {
		m.book.StabilizeUUID(uuid)
	}
}

// Snapshot describes the controller's current state for read-only
// external consumers (statusd).
type Snapshot struct {
	MyUUID  gmid.UUID
	Peers   []PeerSnapshot
	Pending []AddrSnapshot
	Remote  []AddrSnapshot
	Links   []linkmap.Link
}

// PeerSnapshot is one entry of Snapshot.Peers.
type PeerSnapshot struct {
	FD         int
	State      string
	RemoteUUID gmid.UUID
	RemoteAddr string
}

// AddrSnapshot is one entry of Snapshot.Pending / Snapshot.Remote.
type AddrSnapshot struct {
	Addr          string
	UUID          gmid.UUID
	RetryCnt      int
	NextReconnect time.Time
}

// RequestSnapshot is safe to call from any goroutine (e.g. a statusd HTTP
// handler). It enqueues a request the event-loop goroutine answers the next
// time it processes events, the same channel-handoff discipline acceptLoop
// uses for inbound connections, so m.peers and m.book are never touched
// outside their owning goroutine.
func (m *Mesh) RequestSnapshot() (Snapshot, error) {
	req := snapshotRequest{reply: make(chan Snapshot, 1)}
	select {
	case m.snapReqs <- req:
	case <-time.After(time.Second):
		return Snapshot{}, fmt.Errorf("mesh: snapshot request queue full")
	}
	m.stack.Post(snapshotFD, nil)
	select {
	case snap := <-req.reply:
		return snap, nil
	case <-time.After(time.Second):
		return Snapshot{}, fmt.Errorf("mesh: snapshot request timed out")
	}
}

func (m *Mesh) drainSnapshotRequests() {
	for {
		select {
		case req := <-m.snapReqs:
			req.reply <- m.snapshot()
		default:
			return
		}
	}
}

// snapshot must only be called from the event-loop goroutine; it reads
// m.peers and m.book directly. External callers use RequestSnapshot.
func (m *Mesh) snapshot() Snapshot {
	snap := Snapshot{MyUUID: m.cfg.MyUUID}
	for fd, p := range m.peers {
		snap.Peers = append(snap.Peers, PeerSnapshot{
			FD:         fd,
			State:      p.State.String(),
			RemoteUUID: p.RemoteUUID,
			RemoteAddr: p.RemoteAddr,
		})
	}
	m.book.RangePending(func(addr string, e *addrbook.Entry) {
		snap.Pending = append(snap.Pending, AddrSnapshot{Addr: addr, UUID: e.UUID, RetryCnt: e.RetryCnt, NextReconnect: e.NextReconnect})
	})
	m.book.RangeRemote(func(addr string, e *addrbook.Entry) {
		snap.Remote = append(snap.Remote, AddrSnapshot{Addr: addr, UUID: e.UUID, RetryCnt: e.RetryCnt, NextReconnect: e.NextReconnect})
	})
	m.linkMap.Range(func(uuid gmid.UUID, l linkmap.Link) bool {
		snap.Links = append(snap.Links, l)
		return true
	})
	return snap
}
