package wire

import (
	"bytes"
	"testing"
)

func mustInfoHash(b byte) [20]byte {
	var h [20]byte
	for i := range h {
		h[i] = b
	}
	return h
}

func TestPacketRoundTrip(t *testing.T) {
	inner := EstablishIntro{CircuitID: 7, Identifier: 42, InfoHash: mustInfoHash(0x41)}
	pkt := Packet{Opcode: OpEstablishIntro, GlobalTime: 99, Payload: inner.Marshal()}

	data := pkt.Marshal()
	if !bytes.Equal(data[0:4], Prefix[:]) {
		t.Fatalf("prefix not present: %x", data[0:4])
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Opcode != OpEstablishIntro || got.GlobalTime != 99 {
		t.Fatalf("unexpected packet: %+v", got)
	}

	decoded, err := DecodeEstablishIntro(got.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != inner {
		t.Fatalf("decoded = %+v, want %+v", decoded, inner)
	}
}

func TestUnmarshalRejectsBadPrefix(t *testing.T) {
	data := append([]byte{0, 0, 0, 0}, make([]byte, 9)...)
	if _, err := Unmarshal(data); err == nil {
		t.Fatal("expected error for bad prefix")
	}
}

func TestUnmarshalRejectsShortPacket(t *testing.T) {
	if _, err := Unmarshal([]byte{0xff, 0xff}); err == nil {
		t.Fatal("expected error for short packet")
	}
}

func TestKeyResponsePexPeersRoundTrip(t *testing.T) {
	peers := []PexPeer{
		{Addr: SockAddr{IP: [4]byte{1, 2, 3, 4}, Port: 1234}, Key: [32]byte{1}},
		{Addr: SockAddr{IP: [4]byte{5, 6, 7, 8}, Port: 5678}, Key: [32]byte{2}},
	}
	m := KeyResponse{Identifier: 1, PublicKey: [32]byte{9}, PexPeers: peers}

	decoded, err := DecodeKeyResponse(m.Marshal())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.PexPeers) != 2 {
		t.Fatalf("got %d pex peers, want 2", len(decoded.PexPeers))
	}
	for i, p := range decoded.PexPeers {
		if p != peers[i] {
			t.Fatalf("pex peer %d = %+v, want %+v", i, p, peers[i])
		}
	}
}

func TestDHTResponseRoundTrip(t *testing.T) {
	m := DHTResponse{
		CircuitID:  1,
		Identifier: 2,
		InfoHash:   mustInfoHash(0x42),
		Peers: []SockAddr{
			{IP: [4]byte{10, 0, 0, 1}, Port: 9000},
		},
	}
	decoded, err := DecodeDHTResponse(m.Marshal())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Peers) != 1 || decoded.Peers[0] != m.Peers[0] {
		t.Fatalf("decoded peers = %+v", decoded.Peers)
	}
}

func TestCreatedE2ERoundTripWithEncBlob(t *testing.T) {
	m := CreatedE2E{Identifier: 5, Y: [32]byte{1}, AUTH: [32]byte{2}, RPInfoEnc: []byte("encrypted-rp-info-and-cookie")}
	decoded, err := DecodeCreatedE2E(m.Marshal())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded.RPInfoEnc, m.RPInfoEnc) {
		t.Fatalf("RPInfoEnc mismatch: %q vs %q", decoded.RPInfoEnc, m.RPInfoEnc)
	}
}

func TestDecodeTruncatedPayloadsError(t *testing.T) {
	cases := []func([]byte) error{
		func(b []byte) error { _, err := DecodeEstablishIntro(b); return err },
		func(b []byte) error { _, err := DecodeIntroEstablished(b); return err },
		func(b []byte) error { _, err := DecodeKeyRequest(b); return err },
		func(b []byte) error { _, err := DecodeKeyResponse(b); return err },
		func(b []byte) error { _, err := DecodeEstablishRendezvous(b); return err },
		func(b []byte) error { _, err := DecodeRendezvousEstablished(b); return err },
		func(b []byte) error { _, err := DecodeCreateE2E(b); return err },
		func(b []byte) error { _, err := DecodeCreatedE2E(b); return err },
		func(b []byte) error { _, err := DecodeLinkE2E(b); return err },
		func(b []byte) error { _, err := DecodeLinkedE2E(b); return err },
		func(b []byte) error { _, err := DecodeDHTRequest(b); return err },
		func(b []byte) error { _, err := DecodeDHTResponse(b); return err },
	}
	for i, fn := range cases {
		if err := fn(nil); err == nil {
			t.Fatalf("case %d: expected error decoding nil payload", i)
		}
	}
}
