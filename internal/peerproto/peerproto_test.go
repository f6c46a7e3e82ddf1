package peerproto

import (
	"testing"

	"github.com/sthibaul/galera/internal/gmid"
	"github.com/sthibaul/galera/internal/transport"
	"github.com/sthibaul/galera/internal/wire"
)

// fakeConn is an in-memory transport.Conn that feeds Send'd datagrams
// straight into a buffer for inspection, avoiding any real socket.
type fakeConn struct {
	sent   [][]byte
	closed bool
}

func (f *fakeConn) FD() int { return 1 }
func (f *fakeConn) Send(dg []byte) error {
	cp := make([]byte, len(dg))
	copy(cp, dg)
	f.sent = append(f.sent, cp)
	return nil
}
func (f *fakeConn) Close() error           { f.closed = true; return nil }
func (f *fakeConn) State() transport.State { return transport.Connected }
func (f *fakeConn) RemoteAddr() string     { return "10.0.0.9:1234" }

func (f *fakeConn) last() []byte {
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func decodeLast(t *testing.T, dg []byte) (wire.Header, wire.Body) {
	t.Helper()
	hdr, rest, err := wire.DecodeHeader(dg)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	body, err := wire.DecodeBody(hdr.Type, rest)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	return hdr, body
}

func TestAcceptorConnectorHandshake(t *testing.T) {
	acceptorUUID := gmid.New()
	connectorUUID := gmid.New()

	acceptorConn := &fakeConn{}
	connectorConn := &fakeConn{}

	acceptor := NewAcceptor(acceptorConn, acceptorUUID, "group-a", "tcp://10.0.0.1:4567")
	connector := NewConnector(connectorConn, connectorUUID, "group-a", "tcp://10.0.0.2:4567")

	if err := acceptor.SendHandshake(); err != nil {
		t.Fatalf("SendHandshake: %v", err)
	}
	if acceptor.State != HandshakeSent {
		t.Fatalf("acceptor state = %v, want HandshakeSent", acceptor.State)
	}

	connector.NotifyConnected()
	if connector.State != HandshakeWait {
		t.Fatalf("connector state = %v, want HandshakeWait", connector.State)
	}

	// Deliver the acceptor's HANDSHAKE to the connector.
	hsDg := acceptorConn.last()
	if res := connector.HandleFrame(hsDg); res != Unchanged {
		t.Fatalf("connector HandleFrame(HANDSHAKE) = %v, want Unchanged", res)
	}
	if connector.HandshakeUUID == gmid.Nil {
		t.Fatal("connector did not adopt HandshakeUUID from acceptor")
	}
	if connector.HandshakeUUID != acceptor.HandshakeUUID {
		t.Fatalf("connector HandshakeUUID %v != acceptor HandshakeUUID %v", connector.HandshakeUUID, acceptor.HandshakeUUID)
	}

	// Deliver the connector's HANDSHAKE_RESPONSE to the acceptor.
	respDg := connectorConn.last()
	if res := acceptor.HandleFrame(respDg); res != Established {
		t.Fatalf("acceptor HandleFrame(HANDSHAKE_RESPONSE) = %v, want Established", res)
	}
	if acceptor.State != OK {
		t.Fatalf("acceptor state = %v, want OK", acceptor.State)
	}

	// Deliver the acceptor's HANDSHAKE_OK to the connector.
	okDg := acceptorConn.last()
	if res := connector.HandleFrame(okDg); res != Established {
		t.Fatalf("connector HandleFrame(HANDSHAKE_OK) = %v, want Established", res)
	}
	if connector.State != OK {
		t.Fatalf("connector state = %v, want OK", connector.State)
	}
	if connector.RemoteUUID != acceptorUUID {
		t.Fatalf("connector RemoteUUID mismatch")
	}
	if acceptor.RemoteUUID != connectorUUID {
		t.Fatalf("acceptor RemoteUUID mismatch")
	}
}

func TestHandshakeWrongGroupRejected(t *testing.T) {
	acceptorConn := &fakeConn{}
	connectorConn := &fakeConn{}

	acceptor := NewAcceptor(acceptorConn, gmid.New(), "group-a", "tcp://10.0.0.1:4567")
	connector := NewConnector(connectorConn, gmid.New(), "group-b", "tcp://10.0.0.2:4567")

	if err := acceptor.SendHandshake(); err != nil {
		t.Fatalf("SendHandshake: %v", err)
	}
	connector.NotifyConnected()

	res := connector.HandleFrame(acceptorConn.last())
	if res != ResultFailed {
		t.Fatalf("connector HandleFrame = %v, want ResultFailed", res)
	}
	if connector.State != Failed {
		t.Fatalf("connector state = %v, want Failed", connector.State)
	}

	// connector should have sent back a HANDSHAKE_FAIL.
	hdr, body := decodeLast(t, connectorConn.last())
	if hdr.Type != wire.HandshakeFail {
		t.Fatalf("expected HANDSHAKE_FAIL, got %v", hdr.Type)
	}
	if body.(*wire.HandshakeFailBody).Reason == "" {
		t.Fatal("expected a non-empty rejection reason")
	}

	// Deliver that HANDSHAKE_FAIL back to the acceptor.
	res = acceptor.HandleFrame(connectorConn.last())
	if res != ResultFailed {
		t.Fatalf("acceptor HandleFrame(HANDSHAKE_FAIL) = %v, want ResultFailed", res)
	}
	if acceptor.State != Failed {
		t.Fatalf("acceptor state = %v, want Failed", acceptor.State)
	}
}

func TestDuplicateHandshakeRejected(t *testing.T) {
	acceptorConn := &fakeConn{}
	connectorConn := &fakeConn{}

	acceptor := NewAcceptor(acceptorConn, gmid.New(), "group-a", "tcp://10.0.0.1:4567")
	connector := NewConnector(connectorConn, gmid.New(), "group-a", "tcp://10.0.0.2:4567")

	if err := acceptor.SendHandshake(); err != nil {
		t.Fatalf("SendHandshake: %v", err)
	}
	connector.NotifyConnected()

	hsDg := acceptorConn.last()
	if res := connector.HandleFrame(hsDg); res != Unchanged {
		t.Fatalf("first HANDSHAKE: got %v, want Unchanged", res)
	}
	if res := connector.HandleFrame(hsDg); res != ResultFailed {
		t.Fatalf("duplicate HANDSHAKE: got %v, want ResultFailed", res)
	}
}

func TestTopologyChangeAfterEstablished(t *testing.T) {
	acceptorConn := &fakeConn{}
	connectorConn := &fakeConn{}

	acceptorUUID := gmid.New()
	acceptor := NewAcceptor(acceptorConn, acceptorUUID, "group-a", "tcp://10.0.0.1:4567")
	connector := NewConnector(connectorConn, gmid.New(), "group-a", "tcp://10.0.0.2:4567")

	if err := acceptor.SendHandshake(); err != nil {
		t.Fatalf("SendHandshake: %v", err)
	}
	connector.NotifyConnected()
	connector.HandleFrame(acceptorConn.last())
	acceptor.HandleFrame(connectorConn.last())
	connector.HandleFrame(acceptorConn.last())

	if connector.State != OK || acceptor.State != OK {
		t.Fatalf("expected both sides OK: acceptor=%v connector=%v", acceptor.State, connector.State)
	}

	thirdUUID := gmid.New()
	acceptor.LinkMap.Set(acceptorUUID, "tcp://10.0.0.1:4567")
	acceptor.LinkMap.Set(thirdUUID, "tcp://10.0.0.3:4567")

	if err := acceptor.SendTopologyChange(acceptor.LinkMap); err != nil {
		t.Fatalf("SendTopologyChange: %v", err)
	}
	res := connector.HandleFrame(acceptorConn.last())
	if res != TopologyChanged {
		t.Fatalf("connector HandleFrame(TOPOLOGY_CHANGE) = %v, want TopologyChanged", res)
	}
	if connector.LinkMap.Len() != 2 {
		t.Fatalf("connector LinkMap has %d entries, want 2", connector.LinkMap.Len())
	}
	if _, ok := connector.LinkMap.Get(thirdUUID); !ok {
		t.Fatal("connector LinkMap missing third node")
	}

	// A HANDSHAKE frame is no longer valid once OK.
	if res := connector.HandleFrame(acceptorConn.sent[0]); res != ResultFailed {
		t.Fatalf("stray HANDSHAKE in OK state: got %v, want ResultFailed", res)
	}
}
