// Package wire implements the GMCast message framing and (de)serialization
// described by the construction protocol: a fixed header followed by a
// type-specific body. Each call to Encode/Decode operates on one complete
// datagram, as handed to or received from a transport.Conn -- GMCast relies
// on the transport façade to deliver whole datagrams, the way the teacher's
// cla.Convergence implementations deliver whole Bundles rather than a raw
// byte stream.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sthibaul/galera/internal/gmid"
)

// FrameType tags the body that follows the fixed header.
type FrameType uint8

const (
	Handshake FrameType = iota
	HandshakeResponse
	HandshakeOK
	HandshakeFail
	TopologyChange

	// TUserBase is the first type code treated as user payload. Any type
	// code numerically at or above this bypasses the PeerProto state
	// machine entirely and is forwarded up verbatim.
	TUserBase FrameType = 128
)

func (t FrameType) String() string {
	switch t {
	case Handshake:
		return "HANDSHAKE"
	case HandshakeResponse:
		return "HANDSHAKE_RESPONSE"
	case HandshakeOK:
		return "HANDSHAKE_OK"
	case HandshakeFail:
		return "HANDSHAKE_FAIL"
	case TopologyChange:
		return "TOPOLOGY_CHANGE"
	default:
		if t >= TUserBase {
			return "USER"
		}
		return "UNKNOWN"
	}
}

const wireVersion uint8 = 1

// Header is the fixed 24-byte prefix of every frame.
type Header struct {
	Version    uint8
	Type       FrameType
	Flags      uint8
	Reserved   uint8
	SourceUUID gmid.UUID
	Seq        uint32
}

const headerSize = 1 + 1 + 1 + 1 + 16 + 4

// Body is implemented by every type-specific frame payload.
type Body interface {
	frameType() FrameType
	marshal(w io.Writer) error
	unmarshal(r io.Reader) error
}

// HandshakeBody is the shared payload of HANDSHAKE and HANDSHAKE_RESPONSE.
type HandshakeBody struct {
	SourceUUID    gmid.UUID
	HandshakeUUID gmid.UUID
	GroupName     string
	ListenAddr    string
}

// HandshakeFrame wraps a HandshakeBody with the bit that distinguishes
// HANDSHAKE from HANDSHAKE_RESPONSE on the wire -- both share a layout, only
// their type tag differs.
type HandshakeFrame struct {
	HandshakeBody
	Respond bool
}

func (f *HandshakeFrame) frameType() FrameType {
	if f.Respond {
		return HandshakeResponse
	}
	return Handshake
}

func (f *HandshakeFrame) marshal(w io.Writer) error {
	if _, err := w.Write(f.SourceUUID[:]); err != nil {
		return err
	}
	if _, err := w.Write(f.HandshakeUUID[:]); err != nil {
		return err
	}
	if err := writeLPString(w, f.GroupName); err != nil {
		return err
	}
	return writeLPString(w, f.ListenAddr)
}

func (f *HandshakeFrame) unmarshal(r io.Reader) (err error) {
	if f.SourceUUID, err = readUUID(r); err != nil {
		return err
	}
	if f.HandshakeUUID, err = readUUID(r); err != nil {
		return err
	}
	if f.GroupName, err = readLPString(r); err != nil {
		return err
	}
	f.ListenAddr, err = readLPString(r)
	return err
}

// HandshakeOKBody carries no fields.
type HandshakeOKBody struct{}

func (HandshakeOKBody) frameType() FrameType      { return HandshakeOK }
func (HandshakeOKBody) marshal(io.Writer) error    { return nil }
func (*HandshakeOKBody) unmarshal(io.Reader) error { return nil }

// HandshakeFailBody carries the rejection reason.
type HandshakeFailBody struct {
	Reason string
}

func (HandshakeFailBody) frameType() FrameType { return HandshakeFail }

func (b HandshakeFailBody) marshal(w io.Writer) error {
	return writeLPString(w, b.Reason)
}

func (b *HandshakeFailBody) unmarshal(r io.Reader) (err error) {
	b.Reason, err = readLPString(r)
	return err
}

// LinkEntry is one (uuid, addr) pair of a TopologyChangeBody.
type LinkEntry struct {
	UUID gmid.UUID
	Addr string
}

// TopologyChangeBody carries a node's current LinkMap.
type TopologyChangeBody struct {
	SourceUUID gmid.UUID
	Links      []LinkEntry
}

func (TopologyChangeBody) frameType() FrameType { return TopologyChange }

func (b TopologyChangeBody) marshal(w io.Writer) error {
	if _, err := w.Write(b.SourceUUID[:]); err != nil {
		return err
	}
	if len(b.Links) > 0xffff {
		return fmt.Errorf("wire: too many links to encode (%d)", len(b.Links))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(b.Links))); err != nil {
		return err
	}
	for _, l := range b.Links {
		if _, err := w.Write(l.UUID[:]); err != nil {
			return err
		}
		if err := writeLPString(w, l.Addr); err != nil {
			return err
		}
	}
	return nil
}

func (b *TopologyChangeBody) unmarshal(r io.Reader) error {
	src, err := readUUID(r)
	if err != nil {
		return err
	}
	b.SourceUUID = src

	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return err
	}
	b.Links = make([]LinkEntry, 0, n)
	for i := 0; i < int(n); i++ {
		u, err := readUUID(r)
		if err != nil {
			return err
		}
		addr, err := readLPString(r)
		if err != nil {
			return err
		}
		b.Links = append(b.Links, LinkEntry{UUID: u, Addr: addr})
	}
	return nil
}

// Encode writes a complete frame -- header and body -- to a single byte
// slice suitable for transport.Conn.Send.
func Encode(source gmid.UUID, seq uint32, body Body) ([]byte, error) {
	var buf bytes.Buffer
	hdr := Header{
		Version:    wireVersion,
		Type:       body.frameType(),
		SourceUUID: source,
		Seq:        seq,
	}
	if err := writeHeader(&buf, hdr); err != nil {
		return nil, err
	}
	if err := body.marshal(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NewHandshake builds a HANDSHAKE (or, if respond is true, a
// HANDSHAKE_RESPONSE) body.
func NewHandshake(respond bool, b HandshakeBody) *HandshakeFrame {
	return &HandshakeFrame{HandshakeBody: b, Respond: respond}
}

func writeHeader(w io.Writer, h Header) error {
	var hb [headerSize]byte
	hb[0] = h.Version
	hb[1] = uint8(h.Type)
	hb[2] = h.Flags
	hb[3] = h.Reserved
	copy(hb[4:20], h.SourceUUID[:])
	binary.BigEndian.PutUint32(hb[20:24], h.Seq)
	_, err := w.Write(hb[:])
	return err
}

// DecodeHeader parses only the fixed header, returning the remaining bytes
// for body decoding.
func DecodeHeader(dg []byte) (Header, []byte, error) {
	if len(dg) < headerSize {
		return Header{}, nil, fmt.Errorf("wire: datagram too short for header (%d bytes)", len(dg))
	}
	var h Header
	h.Version = dg[0]
	h.Type = FrameType(dg[1])
	h.Flags = dg[2]
	h.Reserved = dg[3]
	copy(h.SourceUUID[:], dg[4:20])
	h.Seq = binary.BigEndian.Uint32(dg[20:24])
	return h, dg[headerSize:], nil
}

// DecodeBody dispatches on the header's Type to the matching Body and
// unmarshals it from the remaining bytes. Callers must not call this for
// USER-class frames (Type >= TUserBase); those are handled as raw payload.
func DecodeBody(t FrameType, rest []byte) (Body, error) {
	r := bytes.NewReader(rest)

	var body interface {
		unmarshal(io.Reader) error
	}
	var result Body

	switch t {
	case Handshake, HandshakeResponse:
		f := &HandshakeFrame{Respond: t == HandshakeResponse}
		body, result = f, f
	case HandshakeOK:
		f := new(HandshakeOKBody)
		body, result = f, f
	case HandshakeFail:
		f := new(HandshakeFailBody)
		body, result = f, f
	case TopologyChange:
		f := new(TopologyChangeBody)
		body, result = f, f
	default:
		return nil, fmt.Errorf("wire: unknown frame type %d", t)
	}

	if err := body.unmarshal(r); err != nil {
		return nil, fmt.Errorf("wire: decoding %s body: %w", t, err)
	}
	return result, nil
}

func writeLPString(w io.Writer, s string) error {
	if len(s) > 0xffff {
		return fmt.Errorf("wire: string too long to encode (%d bytes)", len(s))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readLPString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readUUID(r io.Reader) (gmid.UUID, error) {
	var u gmid.UUID
	_, err := io.ReadFull(r, u[:])
	return u, err
}

// EncodeUser prepends a USER header to a payload. The frame is the bare
// header followed by the payload; it carries no TTL field. GMCast does not
// relay user datagrams beyond direct peers.
func EncodeUser(source gmid.UUID, seq uint32, payload []byte) []byte {
	var buf bytes.Buffer
	hdr := Header{Version: wireVersion, Type: TUserBase, SourceUUID: source, Seq: seq}
	_ = writeHeader(&buf, hdr)
	buf.Write(payload)
	return buf.Bytes()
}
