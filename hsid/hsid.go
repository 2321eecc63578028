// Package hsid defines the opaque service identifiers used throughout the
// hidden-service overlay: the caller-facing ServiceId and the on-wire
// LookupId derived from it, plus the circuit-id/IPv4 address encoding used
// to hand a spliced circuit to upper layers as if it were a socket.
package hsid

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"

	"filippo.io/edwards25519"
)

// ServiceId is the opaque 20-byte identifier a seeder registers under.
type ServiceId [20]byte

// LookupId is the value placed on the wire and in the DHT: it never reveals
// ServiceId directly.
type LookupId [20]byte

const lookupPrefix = "tribler anonymous download"

// Lookup derives the LookupId for a ServiceId: SHA1(prefix || hex(service)).
//
// The hex encoding of the raw bytes (not the raw bytes themselves) is hashed,
// matching the original implementation bit-for-bit: get_lookup_info_hash
// hashes `service.encode('hex')`, not `service`.
func Lookup(service ServiceId) LookupId {
	h := sha1.New()
	h.Write([]byte(lookupPrefix))
	h.Write([]byte(hex.EncodeToString(service[:])))
	var out LookupId
	copy(out[:], h.Sum(nil))
	return out
}

func (l LookupId) String() string {
	return hex.EncodeToString(l[:])
}

func (s ServiceId) String() string {
	return hex.EncodeToString(s[:])
}

// CircuitIDToIP maps a 32-bit circuit id onto a dotted-quad so upstream
// service callbacks can address a spliced circuit as a synthetic endpoint
// (circuit_id_to_ip(cid), CIRCUIT_ID_PORT).
func CircuitIDToIP(circuitID uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], circuitID)
	return net.IP(b[:]).String()
}

// IPToCircuitID is the inverse of CircuitIDToIP.
func IPToCircuitID(ip string) (uint32, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0, fmt.Errorf("ip_to_circuit_id: invalid address %q", ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0, fmt.Errorf("ip_to_circuit_id: %q is not an IPv4 address", ip)
	}
	return binary.BigEndian.Uint32(v4), nil
}

// CircuitIDPort is the fixed sentinel port used alongside CircuitIDToIP.
const CircuitIDPort = 1337

// DeriveServiceID derives a self-certifying ServiceId from an Ed25519 public
// key: SHA1("tribler anonymous download self-cert" || pub). Services that
// want a Sybil-resistant identifier (rather than an arbitrary caller-chosen
// one) can use this; ServiceId itself remains an opaque 20-byte value either
// way, so the wire protocol and DHT never need to know which scheme was
// used to pick it.
func DeriveServiceID(pub []byte) (ServiceId, error) {
	var id ServiceId
	if len(pub) != 32 {
		return id, fmt.Errorf("derive service id: public key must be 32 bytes, got %d", len(pub))
	}
	var a [32]byte
	copy(a[:], pub)
	if _, err := new(edwards25519.Point).SetBytes(a[:]); err != nil {
		return id, fmt.Errorf("derive service id: invalid ed25519 point: %w", err)
	}

	h := sha1.New()
	h.Write([]byte("tribler anonymous download self-cert"))
	h.Write(pub)
	copy(id[:], h.Sum(nil))
	return id, nil
}
