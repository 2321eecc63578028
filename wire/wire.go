// Package wire is the reference implementation of the message-codec
// external contract from spec.md §6: it decodes and encodes the twelve
// typed payloads of the hidden-service protocol, each prefixed with the
// private-namespace marker, opcode, and a global-time-distribution field,
// following the fixed-header / binary.BigEndian framing style the teacher
// package uses for its own cell format.
package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Prefix precedes every packet on this private namespace (spec.md §6).
var Prefix = [4]byte{0xff, 0xff, 0xff, 0xff}

// Opcodes, bit-exact per spec.md §6.
const (
	OpEstablishIntro         uint8 = 11
	OpIntroEstablished       uint8 = 12
	OpKeyRequest             uint8 = 13
	OpKeyResponse            uint8 = 14
	OpEstablishRendezvous    uint8 = 15
	OpRendezvousEstablished  uint8 = 16
	OpCreateE2E              uint8 = 17
	OpCreatedE2E             uint8 = 18
	OpLinkE2E                uint8 = 19
	OpLinkedE2E              uint8 = 20
	OpDHTRequest             uint8 = 21
	OpDHTResponse            uint8 = 22
)

const headerLen = 4 + 1 + 8 // prefix + opcode + global time

// Packet is a fully framed wire message: prefix ‖ opcode ‖
// GlobalTimeDistribution ‖ payload.
type Packet struct {
	Opcode     uint8
	GlobalTime uint64
	Payload    []byte
}

// Marshal serializes a Packet to its wire form.
func (p Packet) Marshal() []byte {
	out := make([]byte, headerLen+len(p.Payload))
	copy(out[0:4], Prefix[:])
	out[4] = p.Opcode
	binary.BigEndian.PutUint64(out[5:13], p.GlobalTime)
	copy(out[13:], p.Payload)
	return out
}

// Unmarshal parses a Packet from its wire form, validating the prefix.
func Unmarshal(data []byte) (Packet, error) {
	var p Packet
	if len(data) < headerLen {
		return p, fmt.Errorf("wire: packet too short: %d bytes", len(data))
	}
	var prefix [4]byte
	copy(prefix[:], data[0:4])
	if prefix != Prefix {
		return p, fmt.Errorf("wire: bad prefix %x", prefix)
	}
	p.Opcode = data[4]
	p.GlobalTime = binary.BigEndian.Uint64(data[5:13])
	p.Payload = data[13:]
	return p, nil
}

// SockAddr is the wire encoding of an IPv4 endpoint: 4-byte address + 2-byte port.
type SockAddr struct {
	IP   [4]byte
	Port uint16
}

func (s SockAddr) String() string {
	return fmt.Sprintf("%s:%d", net.IP(s.IP[:]).String(), s.Port)
}

func encodeSockAddr(buf []byte, s SockAddr) {
	copy(buf[0:4], s.IP[:])
	binary.BigEndian.PutUint16(buf[4:6], s.Port)
}

func decodeSockAddr(buf []byte) SockAddr {
	var s SockAddr
	copy(s.IP[:], buf[0:4])
	s.Port = binary.BigEndian.Uint16(buf[4:6])
	return s
}

const sockAddrLen = 6

// PexPeer is a peer-exchange entry: a socket address plus the curve25519
// public key a peer presented for this service.
type PexPeer struct {
	Addr SockAddr
	Key  [32]byte
}

const pexPeerLen = sockAddrLen + 32

func encodePexPeers(peers []PexPeer) []byte {
	out := make([]byte, 2+pexPeerLen*len(peers))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(peers)))
	off := 2
	for _, p := range peers {
		encodeSockAddr(out[off:], p.Addr)
		copy(out[off+sockAddrLen:], p.Key[:])
		off += pexPeerLen
	}
	return out
}

func decodePexPeers(buf []byte) ([]PexPeer, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("wire: pex peers truncated")
	}
	n := int(binary.BigEndian.Uint16(buf[0:2]))
	want := 2 + n*pexPeerLen
	if len(buf) < want {
		return nil, fmt.Errorf("wire: pex peers truncated: want %d bytes, got %d", want, len(buf))
	}
	peers := make([]PexPeer, n)
	off := 2
	for i := 0; i < n; i++ {
		peers[i].Addr = decodeSockAddr(buf[off:])
		copy(peers[i].Key[:], buf[off+sockAddrLen:off+pexPeerLen])
		off += pexPeerLen
	}
	return peers, nil
}

// EstablishIntro (opcode 11).
type EstablishIntro struct {
	CircuitID  uint32
	Identifier uint32
	InfoHash   [20]byte
}

func (m EstablishIntro) Marshal() []byte {
	b := make([]byte, 4+4+20)
	binary.BigEndian.PutUint32(b[0:4], m.CircuitID)
	binary.BigEndian.PutUint32(b[4:8], m.Identifier)
	copy(b[8:28], m.InfoHash[:])
	return b
}

func DecodeEstablishIntro(b []byte) (EstablishIntro, error) {
	var m EstablishIntro
	if len(b) < 28 {
		return m, fmt.Errorf("wire: establish-intro truncated")
	}
	m.CircuitID = binary.BigEndian.Uint32(b[0:4])
	m.Identifier = binary.BigEndian.Uint32(b[4:8])
	copy(m.InfoHash[:], b[8:28])
	return m, nil
}

// IntroEstablished (opcode 12).
type IntroEstablished struct {
	CircuitID  uint32
	Identifier uint32
}

func (m IntroEstablished) Marshal() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], m.CircuitID)
	binary.BigEndian.PutUint32(b[4:8], m.Identifier)
	return b
}

func DecodeIntroEstablished(b []byte) (IntroEstablished, error) {
	var m IntroEstablished
	if len(b) < 8 {
		return m, fmt.Errorf("wire: intro-established truncated")
	}
	m.CircuitID = binary.BigEndian.Uint32(b[0:4])
	m.Identifier = binary.BigEndian.Uint32(b[4:8])
	return m, nil
}

// KeyRequest (opcode 13).
type KeyRequest struct {
	Identifier uint32
	InfoHash   [20]byte
}

func (m KeyRequest) Marshal() []byte {
	b := make([]byte, 4+20)
	binary.BigEndian.PutUint32(b[0:4], m.Identifier)
	copy(b[4:24], m.InfoHash[:])
	return b
}

func DecodeKeyRequest(b []byte) (KeyRequest, error) {
	var m KeyRequest
	if len(b) < 24 {
		return m, fmt.Errorf("wire: key-request truncated")
	}
	m.Identifier = binary.BigEndian.Uint32(b[0:4])
	copy(m.InfoHash[:], b[4:24])
	return m, nil
}

// KeyResponse (opcode 14).
type KeyResponse struct {
	Identifier uint32
	PublicKey  [32]byte
	PexPeers   []PexPeer
}

func (m KeyResponse) Marshal() []byte {
	pex := encodePexPeers(m.PexPeers)
	b := make([]byte, 4+32+len(pex))
	binary.BigEndian.PutUint32(b[0:4], m.Identifier)
	copy(b[4:36], m.PublicKey[:])
	copy(b[36:], pex)
	return b
}

func DecodeKeyResponse(b []byte) (KeyResponse, error) {
	var m KeyResponse
	if len(b) < 36 {
		return m, fmt.Errorf("wire: key-response truncated")
	}
	m.Identifier = binary.BigEndian.Uint32(b[0:4])
	copy(m.PublicKey[:], b[4:36])
	peers, err := decodePexPeers(b[36:])
	if err != nil {
		return m, err
	}
	m.PexPeers = peers
	return m, nil
}

// EstablishRendezvous (opcode 15).
type EstablishRendezvous struct {
	CircuitID  uint32
	Identifier uint32
	Cookie     [20]byte
}

func (m EstablishRendezvous) Marshal() []byte {
	b := make([]byte, 4+4+20)
	binary.BigEndian.PutUint32(b[0:4], m.CircuitID)
	binary.BigEndian.PutUint32(b[4:8], m.Identifier)
	copy(b[8:28], m.Cookie[:])
	return b
}

func DecodeEstablishRendezvous(b []byte) (EstablishRendezvous, error) {
	var m EstablishRendezvous
	if len(b) < 28 {
		return m, fmt.Errorf("wire: establish-rendezvous truncated")
	}
	m.CircuitID = binary.BigEndian.Uint32(b[0:4])
	m.Identifier = binary.BigEndian.Uint32(b[4:8])
	copy(m.Cookie[:], b[8:28])
	return m, nil
}

// RendezvousEstablished (opcode 16).
type RendezvousEstablished struct {
	CircuitID  uint32
	Identifier uint32
	RPAddr     SockAddr
}

func (m RendezvousEstablished) Marshal() []byte {
	b := make([]byte, 4+4+sockAddrLen)
	binary.BigEndian.PutUint32(b[0:4], m.CircuitID)
	binary.BigEndian.PutUint32(b[4:8], m.Identifier)
	encodeSockAddr(b[8:], m.RPAddr)
	return b
}

func DecodeRendezvousEstablished(b []byte) (RendezvousEstablished, error) {
	var m RendezvousEstablished
	if len(b) < 8+sockAddrLen {
		return m, fmt.Errorf("wire: rendezvous-established truncated")
	}
	m.CircuitID = binary.BigEndian.Uint32(b[0:4])
	m.Identifier = binary.BigEndian.Uint32(b[4:8])
	m.RPAddr = decodeSockAddr(b[8:])
	return m, nil
}

// CreateE2E (opcode 17).
type CreateE2E struct {
	Identifier  uint32
	InfoHash    [20]byte
	NodeID      [20]byte
	NodePub     [32]byte
	DHFirstPart [32]byte
}

func (m CreateE2E) Marshal() []byte {
	b := make([]byte, 4+20+20+32+32)
	off := 0
	binary.BigEndian.PutUint32(b[off:], m.Identifier)
	off += 4
	copy(b[off:], m.InfoHash[:])
	off += 20
	copy(b[off:], m.NodeID[:])
	off += 20
	copy(b[off:], m.NodePub[:])
	off += 32
	copy(b[off:], m.DHFirstPart[:])
	return b
}

func DecodeCreateE2E(b []byte) (CreateE2E, error) {
	var m CreateE2E
	if len(b) < 4+20+20+32+32 {
		return m, fmt.Errorf("wire: create-e2e truncated")
	}
	off := 0
	m.Identifier = binary.BigEndian.Uint32(b[off:])
	off += 4
	copy(m.InfoHash[:], b[off:off+20])
	off += 20
	copy(m.NodeID[:], b[off:off+20])
	off += 20
	copy(m.NodePub[:], b[off:off+32])
	off += 32
	copy(m.DHFirstPart[:], b[off:off+32])
	return m, nil
}

// CreatedE2E (opcode 18).
type CreatedE2E struct {
	Identifier  uint32
	Y           [32]byte
	AUTH        [32]byte
	RPInfoEnc   []byte
}

func (m CreatedE2E) Marshal() []byte {
	b := make([]byte, 4+32+32+len(m.RPInfoEnc))
	off := 0
	binary.BigEndian.PutUint32(b[off:], m.Identifier)
	off += 4
	copy(b[off:], m.Y[:])
	off += 32
	copy(b[off:], m.AUTH[:])
	off += 32
	copy(b[off:], m.RPInfoEnc)
	return b
}

func DecodeCreatedE2E(b []byte) (CreatedE2E, error) {
	var m CreatedE2E
	if len(b) < 4+32+32 {
		return m, fmt.Errorf("wire: created-e2e truncated")
	}
	off := 0
	m.Identifier = binary.BigEndian.Uint32(b[off:])
	off += 4
	copy(m.Y[:], b[off:off+32])
	off += 32
	copy(m.AUTH[:], b[off:off+32])
	off += 32
	m.RPInfoEnc = append([]byte(nil), b[off:]...)
	return m, nil
}

// LinkE2E (opcode 19).
type LinkE2E struct {
	CircuitID  uint32
	Identifier uint32
	Cookie     [20]byte
}

func (m LinkE2E) Marshal() []byte {
	b := make([]byte, 4+4+20)
	binary.BigEndian.PutUint32(b[0:4], m.CircuitID)
	binary.BigEndian.PutUint32(b[4:8], m.Identifier)
	copy(b[8:28], m.Cookie[:])
	return b
}

func DecodeLinkE2E(b []byte) (LinkE2E, error) {
	var m LinkE2E
	if len(b) < 28 {
		return m, fmt.Errorf("wire: link-e2e truncated")
	}
	m.CircuitID = binary.BigEndian.Uint32(b[0:4])
	m.Identifier = binary.BigEndian.Uint32(b[4:8])
	copy(m.Cookie[:], b[8:28])
	return m, nil
}

// LinkedE2E (opcode 20).
type LinkedE2E struct {
	CircuitID  uint32
	Identifier uint32
}

func (m LinkedE2E) Marshal() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], m.CircuitID)
	binary.BigEndian.PutUint32(b[4:8], m.Identifier)
	return b
}

func DecodeLinkedE2E(b []byte) (LinkedE2E, error) {
	var m LinkedE2E
	if len(b) < 8 {
		return m, fmt.Errorf("wire: linked-e2e truncated")
	}
	m.CircuitID = binary.BigEndian.Uint32(b[0:4])
	m.Identifier = binary.BigEndian.Uint32(b[4:8])
	return m, nil
}

// DHTRequest (opcode 21).
type DHTRequest struct {
	CircuitID  uint32
	Identifier uint32
	InfoHash   [20]byte
}

func (m DHTRequest) Marshal() []byte {
	b := make([]byte, 4+4+20)
	binary.BigEndian.PutUint32(b[0:4], m.CircuitID)
	binary.BigEndian.PutUint32(b[4:8], m.Identifier)
	copy(b[8:28], m.InfoHash[:])
	return b
}

func DecodeDHTRequest(b []byte) (DHTRequest, error) {
	var m DHTRequest
	if len(b) < 28 {
		return m, fmt.Errorf("wire: dht-request truncated")
	}
	m.CircuitID = binary.BigEndian.Uint32(b[0:4])
	m.Identifier = binary.BigEndian.Uint32(b[4:8])
	copy(m.InfoHash[:], b[8:28])
	return m, nil
}

// DHTResponse (opcode 22). Peers is a flat list of SockAddr entries.
type DHTResponse struct {
	CircuitID  uint32
	Identifier uint32
	InfoHash   [20]byte
	Peers      []SockAddr
}

func (m DHTResponse) Marshal() []byte {
	b := make([]byte, 4+4+20+2+sockAddrLen*len(m.Peers))
	off := 0
	binary.BigEndian.PutUint32(b[off:], m.CircuitID)
	off += 4
	binary.BigEndian.PutUint32(b[off:], m.Identifier)
	off += 4
	copy(b[off:], m.InfoHash[:])
	off += 20
	binary.BigEndian.PutUint16(b[off:], uint16(len(m.Peers)))
	off += 2
	for _, p := range m.Peers {
		encodeSockAddr(b[off:], p)
		off += sockAddrLen
	}
	return b
}

func DecodeDHTResponse(b []byte) (DHTResponse, error) {
	var m DHTResponse
	if len(b) < 30 {
		return m, fmt.Errorf("wire: dht-response truncated")
	}
	off := 0
	m.CircuitID = binary.BigEndian.Uint32(b[off:])
	off += 4
	m.Identifier = binary.BigEndian.Uint32(b[off:])
	off += 4
	copy(m.InfoHash[:], b[off:off+20])
	off += 20
	n := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	want := off + n*sockAddrLen
	if len(b) < want {
		return m, fmt.Errorf("wire: dht-response peers truncated")
	}
	m.Peers = make([]SockAddr, n)
	for i := 0; i < n; i++ {
		m.Peers[i] = decodeSockAddr(b[off:])
		off += sockAddrLen
	}
	return m, nil
}
