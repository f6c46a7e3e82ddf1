// Package peerproto implements the per-connection GMCast handshake and
// topology state machine: one PeerProto per transport.Conn, advanced by
// HandleFrame and the transport-level connect notification.
package peerproto

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/sthibaul/galera/internal/gmid"
	"github.com/sthibaul/galera/internal/linkmap"
	"github.com/sthibaul/galera/internal/transport"
	"github.com/sthibaul/galera/internal/wire"
)

// State is one stage of the handshake/topology state machine.
type State int

const (
	Init State = iota
	HandshakeSent
	HandshakeWait
	OK
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case HandshakeSent:
		return "handshake-sent"
	case HandshakeWait:
		return "handshake-wait"
	case OK:
		return "ok"
	case Failed:
		return "failed"
	default:
		return "invalid"
	}
}

// Result is what HandleFrame returns instead of a hidden "changed" flag,
// per the spec's own recommendation (see SPEC_FULL.md §9).
type Result int

const (
	Unchanged Result = iota
	Established
	TopologyChanged
	ResultFailed
)

// Role determines which side of the handshake a PeerProto plays.
type Role int

const (
	RoleConnector Role = iota
	RoleAcceptor
)

// PeerProto is one active connection's handshake/topology state.
type PeerProto struct {
	Conn  transport.Conn
	Role  Role
	State State

	// HandshakeUUID identifies this particular connection for duplicate
	// tie-break purposes. It is generated by the acceptor side and adopted
	// by the connector side from the acceptor's HANDSHAKE frame, so both
	// ends agree on the same value for the same TCP connection and the
	// duplicate tie-break keeps the same connection on both sides.
	HandshakeUUID gmid.UUID

	RemoteUUID gmid.UUID
	RemoteAddr string
	GroupName  string
	LinkMap    *linkmap.LinkMap

	myUUID       gmid.UUID
	myGroupName  string
	myListenAddr string

	seq uint32

	receivedHandshake bool
}

// NewAcceptor creates a PeerProto for a freshly-accepted Conn. Per the role
// asymmetry, the caller must call SendHandshake immediately after this.
func NewAcceptor(conn transport.Conn, myUUID gmid.UUID, groupName, listenAddr string) *PeerProto {
	return &PeerProto{
		Conn:          conn,
		Role:          RoleAcceptor,
		State:         Init,
		HandshakeUUID: gmid.New(),
		GroupName:     groupName,
		LinkMap:       linkmap.New(),
		myUUID:        myUUID,
		myGroupName:   groupName,
		myListenAddr:  listenAddr,
	}
}

// NewConnector creates a PeerProto for a Conn this node dialed out. Its
// HandshakeUUID is not yet known; it is filled in from the acceptor's
// HANDSHAKE once that arrives.
func NewConnector(conn transport.Conn, myUUID gmid.UUID, groupName, listenAddr string) *PeerProto {
	return &PeerProto{
		Conn:         conn,
		Role:         RoleConnector,
		State:        Init,
		GroupName:    groupName,
		LinkMap:      linkmap.New(),
		myUUID:       myUUID,
		myGroupName:  groupName,
		myListenAddr: listenAddr,
	}
}

func (p *PeerProto) log() *log.Entry {
	return log.WithFields(log.Fields{
		"fd":    p.Conn.FD(),
		"state": p.State,
		"peer":  p.RemoteAddr,
	})
}

// SendHandshake emits the acceptor's initial HANDSHAKE. Valid only for an
// acceptor-role PeerProto still in Init.
func (p *PeerProto) SendHandshake() error {
	if p.Role != RoleAcceptor || p.State != Init {
		return fmt.Errorf("peerproto: SendHandshake invalid in role=%v state=%v", p.Role, p.State)
	}
	if err := p.send(wire.NewHandshake(false, wire.HandshakeBody{
		SourceUUID:    p.myUUID,
		HandshakeUUID: p.HandshakeUUID,
		GroupName:     p.myGroupName,
		ListenAddr:    p.myListenAddr,
	})); err != nil {
		p.State = Failed
		return err
	}
	p.State = HandshakeSent
	p.log().Debug("peerproto: sent HANDSHAKE")
	return nil
}

// NotifyConnected advances a connector-role PeerProto once the transport
// reports the connection is up (see transport.Conn's zero-length-datagram
// "connected" notification, dispatched here by the mesh controller).
func (p *PeerProto) NotifyConnected() {
	if p.Role == RoleConnector && p.State == Init {
		p.State = HandshakeWait
		p.log().Debug("peerproto: transport connected, awaiting HANDSHAKE")
	}
}

func (p *PeerProto) send(body wire.Body) error {
	p.seq++
	dg, err := wire.Encode(p.myUUID, p.seq, body)
	if err != nil {
		return err
	}
	return p.Conn.Send(dg)
}

func (p *PeerProto) fail(reason string) Result {
	p.log().WithField("reason", reason).Warn("peerproto: protocol violation")
	p.State = Failed
	return ResultFailed
}

// MarkFailed forces a transition to Failed for a reason outside the frame
// protocol itself (a dead transport), as opposed to a protocol violation
// observed by HandleFrame.
func (p *PeerProto) MarkFailed(reason string) Result {
	return p.fail(reason)
}

// HandleFrame decodes and advances the state machine for one inbound
// datagram. Callers must not pass USER-class datagrams (type >= TUserBase);
// those bypass the state machine entirely and are the mesh controller's own
// responsibility.
func (p *PeerProto) HandleFrame(dg []byte) Result {
	hdr, rest, err := wire.DecodeHeader(dg)
	if err != nil {
		return p.fail(err.Error())
	}
	if hdr.Type >= wire.TUserBase {
		return p.fail("user-class frame reached the state machine")
	}

	body, err := wire.DecodeBody(hdr.Type, rest)
	if err != nil {
		return p.fail(err.Error())
	}

	if hdr.Type == wire.HandshakeFail {
		reason := body.(*wire.HandshakeFailBody).Reason
		p.log().WithField("reason", reason).Info("peerproto: handshake rejected by peer")
		p.State = Failed
		return ResultFailed
	}

	switch p.State {
	case HandshakeWait:
		return p.handleInHandshakeWait(hdr, body)
	case HandshakeSent:
		return p.handleInHandshakeSent(hdr, body)
	case OK:
		return p.handleInOK(hdr, body)
	default:
		return p.fail(fmt.Sprintf("%s frame received in state %s", hdr.Type, p.State))
	}
}

func (p *PeerProto) handleInHandshakeWait(hdr wire.Header, body wire.Body) Result {
	switch hdr.Type {
	case wire.Handshake:
		if p.receivedHandshake {
			return p.fail("duplicate HANDSHAKE")
		}
		hf := body.(*wire.HandshakeFrame)
		if hf.GroupName != p.myGroupName {
			_ = p.send(&wire.HandshakeFailBody{Reason: "wrong group"})
			p.State = Failed
			return ResultFailed
		}

		p.RemoteUUID = hf.SourceUUID
		p.RemoteAddr = hf.ListenAddr
		p.HandshakeUUID = hf.HandshakeUUID
		p.receivedHandshake = true

		if err := p.send(wire.NewHandshake(true, wire.HandshakeBody{
			SourceUUID:    p.myUUID,
			HandshakeUUID: p.HandshakeUUID,
			GroupName:     p.myGroupName,
			ListenAddr:    p.myListenAddr,
		})); err != nil {
			p.State = Failed
			return ResultFailed
		}
		// Still waiting, now for HANDSHAKE_OK.
		p.State = HandshakeWait
		return Unchanged

	case wire.HandshakeOK:
		if !p.receivedHandshake {
			return p.fail("HANDSHAKE_OK received before HANDSHAKE")
		}
		p.State = OK
		p.log().Info("peerproto: established (connector)")
		return Established

	default:
		return p.fail(fmt.Sprintf("%s frame received in state %s", hdr.Type, p.State))
	}
}

func (p *PeerProto) handleInHandshakeSent(hdr wire.Header, body wire.Body) Result {
	if hdr.Type != wire.HandshakeResponse {
		return p.fail(fmt.Sprintf("%s frame received in state %s", hdr.Type, p.State))
	}
	hf := body.(*wire.HandshakeFrame)
	if hf.GroupName != p.myGroupName {
		_ = p.send(&wire.HandshakeFailBody{Reason: "wrong group"})
		p.State = Failed
		return ResultFailed
	}

	p.RemoteUUID = hf.SourceUUID
	p.RemoteAddr = hf.ListenAddr
	// p.HandshakeUUID was already set at construction (we are the
	// acceptor); the connector is expected to echo it back unchanged.

	if err := p.send(new(wire.HandshakeOKBody)); err != nil {
		p.State = Failed
		return ResultFailed
	}
	p.State = OK
	p.log().Info("peerproto: established (acceptor)")
	return Established
}

func (p *PeerProto) handleInOK(hdr wire.Header, body wire.Body) Result {
	if hdr.Type != wire.TopologyChange {
		return p.fail(fmt.Sprintf("%s frame received in state %s", hdr.Type, p.State))
	}
	tc := body.(*wire.TopologyChangeBody)
	p.LinkMap = linkmap.FromFrame(tc)
	return TopologyChanged
}

// SendTopologyChange broadcasts lm to this peer. Valid only once OK.
func (p *PeerProto) SendTopologyChange(lm *linkmap.LinkMap) error {
	return p.send(lm.ToFrame(p.myUUID))
}

// Close tears down the owned transport.
func (p *PeerProto) Close() error {
	return p.Conn.Close()
}
