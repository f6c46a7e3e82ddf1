package mesh

import (
	"testing"
	"time"

	"github.com/sthibaul/galera/internal/addrbook"
	"github.com/sthibaul/galera/internal/gmid"
	"github.com/sthibaul/galera/internal/peerproto"
	"github.com/sthibaul/galera/internal/protostack"
	"github.com/sthibaul/galera/internal/transport"
)

// stubConn is a no-op transport.Conn for tests that exercise mesh-level
// bookkeeping directly without driving a real handshake.
type stubConn struct {
	fd     int
	sent   int
	closed bool
}

func (c *stubConn) FD() int                { return c.fd }
func (c *stubConn) Send([]byte) error      { c.sent++; return nil }
func (c *stubConn) Close() error           { c.closed = true; return nil }
func (c *stubConn) State() transport.State { return transport.Connected }
func (c *stubConn) RemoteAddr() string     { return "stub" }

func newTestMesh(maxRetry int) *Mesh {
	cfg := Config{MyUUID: gmid.New(), GroupName: "g", MaxRetryCnt: maxRetry}
	return New(cfg, nil, protostack.New(), nil)
}

// okPeer builds a PeerProto already past the handshake, as if est.HandleFrame
// had just returned Established, for testing the mesh-level callbacks in
// isolation from the wire protocol itself.
func okPeer(fd int, remote gmid.UUID, addr string, hsUUID gmid.UUID) *peerproto.PeerProto {
	p := peerproto.NewConnector(&stubConn{fd: fd}, gmid.New(), "g", "tcp://me:1")
	p.State = peerproto.OK
	p.RemoteUUID = remote
	p.RemoteAddr = addr
	p.HandshakeUUID = hsUUID
	return p
}

func TestHandleEstablishedPopulatesRemoteBook(t *testing.T) {
	m := newTestMesh(30)
	remote := gmid.New()
	p := okPeer(1, remote, "tcp://10.0.0.2:4567", gmid.New())
	m.peers[1] = p

	m.handleEstablished(p, 1)

	e, ok := m.book.RemoteEntry("tcp://10.0.0.2:4567")
	if !ok {
		t.Fatal("expected the established address in Remote")
	}
	if e.UUID != remote {
		t.Fatalf("UUID mismatch: got %v, want %v", e.UUID, remote)
	}
	if e.RetryCnt != m.cfg.MaxRetryCnt-60 {
		t.Fatalf("RetryCnt = %d, want %d", e.RetryCnt, m.cfg.MaxRetryCnt-60)
	}
}

func TestHandleEstablishedDuplicateResolution(t *testing.T) {
	m := newTestMesh(30)
	remote := gmid.New()

	loserHS := gmid.FromBytes([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1})
	winnerHS := gmid.FromBytes([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2})

	loser := okPeer(1, remote, "tcp://10.0.0.2:4567", loserHS)
	winner := okPeer(2, remote, "tcp://10.0.0.2:4567", winnerHS)

	// loser reached OK first, with no sibling connection yet.
	m.peers[1] = loser
	m.handleEstablished(loser, 1)
	if _, ok := m.peers[1]; !ok {
		t.Fatal("loser should still be present before the winner arrives")
	}

	// winner's HandshakeUUID is numerically greater, so it survives and
	// the loser (lower HandshakeUUID) is destroyed.
	m.peers[2] = winner
	m.handleEstablished(winner, 2)

	if _, ok := m.peers[1]; ok {
		t.Fatal("loser PeerProto should have been destroyed")
	}
	if _, ok := m.peers[2]; !ok {
		t.Fatal("winner PeerProto should remain")
	}
	if !loser.Conn.(*stubConn).closed {
		t.Fatal("loser's transport should have been closed")
	}
}

func TestHandleFailedBumpsRetryCount(t *testing.T) {
	m := newTestMesh(30)
	addr := "tcp://10.0.0.5:4567"
	m.book.SetPending(addr, &addrbook.Entry{UUID: gmid.Nil})

	p := peerproto.NewConnector(&stubConn{fd: 9}, gmid.New(), "g", "tcp://me:1")
	p.RemoteAddr = addr
	p.RemoteUUID = gmid.New()
	m.peers[9] = p

	m.handleFailed(p, 9)

	e, ok := m.book.PendingEntry(addr)
	if !ok {
		t.Fatal("expected the address to remain pending after one failure")
	}
	if e.RetryCnt != 1 {
		t.Fatalf("RetryCnt = %d, want 1", e.RetryCnt)
	}
	if _, stillThere := m.peers[9]; stillThere {
		t.Fatal("failed peer should have been removed from the peer table")
	}
}

func TestUpdateAddressesBroadcastsTopology(t *testing.T) {
	m := newTestMesh(30)
	a := okPeer(1, gmid.New(), "tcp://10.0.0.2:4567", gmid.New())
	b := okPeer(2, gmid.New(), "tcp://10.0.0.3:4567", gmid.New())
	m.peers[1] = a
	m.peers[2] = b

	m.updateAddresses()

	if m.linkMap.Len() != 2 {
		t.Fatalf("linkMap has %d entries, want 2", m.linkMap.Len())
	}
	if _, ok := m.linkMap.Get(a.RemoteUUID); !ok {
		t.Fatal("linkMap missing peer a")
	}
	if _, ok := m.linkMap.Get(b.RemoteUUID); !ok {
		t.Fatal("linkMap missing peer b")
	}
	for _, p := range []*peerproto.PeerProto{a, b} {
		if sent := p.Conn.(*stubConn).sent; sent != 1 {
			t.Fatalf("peer %s got %d topology frames, want 1", p.RemoteAddr, sent)
		}
	}
}

func TestHandleStableViewForgetsAbsentPeers(t *testing.T) {
	m := newTestMesh(30)
	stale := gmid.New()
	stable := gmid.New()

	m.book.SetRemote("tcp://10.0.0.2:4567", &addrbook.Entry{UUID: stale})
	m.book.SetRemote("tcp://10.0.0.3:4567", &addrbook.Entry{UUID: stable})

	p := okPeer(1, stale, "tcp://10.0.0.2:4567", gmid.New())
	m.peers[1] = p

	m.HandleStableView([]gmid.UUID{stable})

	if _, ok := m.peers[1]; ok {
		t.Fatal("peer for the forgotten UUID should have been removed")
	}
	e, ok := m.book.RemoteEntry("tcp://10.0.0.3:4567")
	if !ok {
		t.Fatal("stable peer should remain in Remote")
	}
	if e.RetryCnt != -1 {
		t.Fatalf("stable peer RetryCnt = %d, want -1", e.RetryCnt)
	}
}

func TestHandleDownFansOutToEveryPeer(t *testing.T) {
	m := newTestMesh(30)
	a := okPeer(1, gmid.New(), "tcp://10.0.0.2:4567", gmid.New())
	m.peers[1] = a
	// b is still in Init: fan-out does not depend on handshake state.
	b := peerproto.NewConnector(&stubConn{fd: 2}, gmid.New(), "g", "tcp://me:1")
	m.peers[2] = b

	if err := m.HandleDown([]byte("hello")); err != nil {
		t.Fatalf("HandleDown: %v", err)
	}
	for _, p := range []*peerproto.PeerProto{a, b} {
		if sent := p.Conn.(*stubConn).sent; sent != 1 {
			t.Fatalf("peer fd %d got %d user frames, want 1", p.Conn.FD(), sent)
		}
	}
}

func TestHandleTimersSchedulesReconnect(t *testing.T) {
	m := newTestMesh(30)
	m.nextCheck = time.Now().Add(-time.Second)

	next := m.HandleTimers()
	if !next.After(time.Now()) {
		t.Fatal("HandleTimers should schedule a future check")
	}
}
