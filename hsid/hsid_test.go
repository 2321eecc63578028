package hsid

import (
	"crypto/ed25519"
	"crypto/sha1"
	"encoding/hex"
	"testing"
)

func TestLookupMatchesReferenceDigest(t *testing.T) {
	var service ServiceId
	for i := range service {
		service[i] = 0x41
	}

	got := Lookup(service)

	h := sha1.New()
	h.Write([]byte("tribler anonymous download"))
	h.Write([]byte(hex.EncodeToString(service[:])))
	var want LookupId
	copy(want[:], h.Sum(nil))

	if got != want {
		t.Fatalf("Lookup(0x41*20) = %x, want %x", got, want)
	}
}

func TestCircuitIDToIPRoundTrip(t *testing.T) {
	for _, id := range []uint32{0, 1, 0xdeadbeef, 0xffffffff} {
		ip := CircuitIDToIP(id)
		back, err := IPToCircuitID(ip)
		if err != nil {
			t.Fatalf("IPToCircuitID(%q): %v", ip, err)
		}
		if back != id {
			t.Fatalf("round trip %d -> %q -> %d", id, ip, back)
		}
	}
}

func TestIPToCircuitIDRejectsGarbage(t *testing.T) {
	if _, err := IPToCircuitID("not-an-ip"); err == nil {
		t.Fatal("expected error for invalid address")
	}
	if _, err := IPToCircuitID("::1"); err == nil {
		t.Fatal("expected error for IPv6 address")
	}
}

func TestDeriveServiceIDDeterministic(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	id1, err := DeriveServiceID(pub)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	id2, err := DeriveServiceID(pub)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if id1 != id2 {
		t.Fatal("DeriveServiceID is not deterministic")
	}
}

func TestDeriveServiceIDRejectsWrongLength(t *testing.T) {
	if _, err := DeriveServiceID(make([]byte, 16)); err == nil {
		t.Fatal("expected error for short key")
	}
}
