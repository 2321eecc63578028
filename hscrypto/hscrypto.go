// Package hscrypto implements the cryptographic primitives the hidden
// service engine is built on: curve25519 key generation, the two-sided
// Diffie-Hellman exchange used for end-to-end key agreement (create-e2e /
// created-e2e), derivation of the per-circuit session-key quad, and the
// symmetric encrypt/decrypt used to protect the rendezvous-point info
// carried inside created-e2e.
//
// The DH handshake mirrors the ntor protocol's structure (HMAC-SHA256
// transcript binding plus an HKDF-SHA256 key schedule) but is generalized
// to the engine's two named parties (initiator and responder) instead of
// ntor's fixed client/relay roles, since either a downloader or a seeder
// may play either part of a DH exchange in this protocol.
package hscrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	protoID = "hsoverlay-e2e-curve25519-sha256-1"
	tKey    = protoID + ":key_extract"
	tMac    = protoID + ":mac"
	mExpand = protoID + ":key_expand"
)

// PublicKey is a curve25519 public key together with a stable node id used
// in the handshake transcript (so an impersonation of X doesn't collide
// across distinct logical endpoints).
type PublicKey struct {
	NodeID [20]byte
	Key    [32]byte
}

// KeyBin returns the 32-byte wire encoding of a public key.
func (p PublicKey) KeyBin() [32]byte { return p.Key }

// PrivateKey is a generated curve25519 keypair.
type PrivateKey struct {
	NodeID  [20]byte
	private [32]byte
	Public  PublicKey
}

// GenerateKey creates a fresh curve25519 keypair. The "curve" parameter
// exists to mirror the external crypto contract's generate_key(curve)
// signature (spec §6); this engine only ever asks for curve25519.
func GenerateKey(curve string) (*PrivateKey, error) {
	if curve != "curve25519" {
		return nil, fmt.Errorf("generate key: unsupported curve %q", curve)
	}
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("generate key: derive public: %w", err)
	}
	var nodeID [20]byte
	if _, err := rand.Read(nodeID[:]); err != nil {
		return nil, fmt.Errorf("generate key: node id: %w", err)
	}
	var pk PrivateKey
	pk.NodeID = nodeID
	pk.private = priv
	pk.Public.NodeID = nodeID
	copy(pk.Public.Key[:], pub)
	return &pk, nil
}

// Bytes serializes a private key as node_id || private_scalar, for
// persistence (see package store).
func (p *PrivateKey) Bytes() []byte {
	out := make([]byte, 0, 52)
	out = append(out, p.NodeID[:]...)
	out = append(out, p.private[:]...)
	return out
}

// PrivateKeyFromBytes reverses Bytes, recomputing the public key.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 52 {
		return nil, fmt.Errorf("private key from bytes: want 52 bytes, got %d", len(b))
	}
	var pk PrivateKey
	copy(pk.NodeID[:], b[:20])
	copy(pk.private[:], b[20:52])
	pub, err := curve25519.X25519(pk.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("private key from bytes: derive public: %w", err)
	}
	pk.Public.NodeID = pk.NodeID
	copy(pk.Public.Key[:], pub)
	return &pk, nil
}

// KeyFromPublicBin reconstructs a PublicKey from its wire bytes.
func KeyFromPublicBin(nodeID [20]byte, bin []byte) (PublicKey, error) {
	var pub PublicKey
	if len(bin) != 32 {
		return pub, fmt.Errorf("key from public bin: want 32 bytes, got %d", len(bin))
	}
	pub.NodeID = nodeID
	copy(pub.Key[:], bin)
	return pub, nil
}

// DiffieHop holds one side's ephemeral state during an in-flight DH
// exchange (create-e2e awaiting created-e2e). It is the hscrypto analog of
// Hop in spec.md §3: transient, discarded once the exchange completes.
type DiffieHop struct {
	secret    [32]byte
	FirstPart [32]byte // the ephemeral public share sent on the wire
}

// GenerateDiffieSecret creates the initiator's ephemeral keypair for
// create-e2e: (secret, first_part).
func GenerateDiffieSecret() (*DiffieHop, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("generate diffie secret: %w", err)
	}
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("generate diffie secret: %w", err)
	}
	hop := &DiffieHop{secret: secret}
	copy(hop.FirstPart[:], pub)
	return hop, nil
}

// GenerateDiffieSharedSecret is the responder's half of the exchange (run
// by the seeder on create-e2e): given the initiator's first_part and the
// responder's own long-lived service key, it generates a fresh ephemeral
// keypair Y, computes the shared secret, and returns an AUTH tag binding
// the transcript — the (shared, Y, AUTH) triple of spec.md §4.2 Phase D.
func GenerateDiffieSharedSecret(firstPart [32]byte, serviceKey *PrivateKey) (shared [32]byte, Y [32]byte, auth [32]byte, err error) {
	var y [32]byte
	if _, err = rand.Read(y[:]); err != nil {
		err = fmt.Errorf("generate diffie shared secret: %w", err)
		return
	}
	YBytes, err2 := curve25519.X25519(y[:], curve25519.Basepoint)
	if err2 != nil {
		err = fmt.Errorf("generate diffie shared secret: derive Y: %w", err2)
		return
	}
	copy(Y[:], YBytes)

	exp, err2 := curve25519.X25519(y[:], firstPart[:])
	if err2 != nil {
		err = fmt.Errorf("generate diffie shared secret: DH: %w", err2)
		return
	}
	if isZero(exp) {
		err = fmt.Errorf("generate diffie shared secret: all-zero DH output")
		return
	}
	copy(shared[:], exp)

	transcript := buildTranscript(exp, firstPart[:], serviceKey.Public.Key[:], YBytes)
	copy(auth[:], ntorHMAC(transcript, tMac))
	return shared, Y, auth, nil
}

// VerifyAndGenerateSharedSecret is the initiator's half: given its own
// ephemeral secret, the responder's Y and AUTH, and the responder's known
// static public key, it recomputes the shared secret and verifies AUTH
// matches before returning the secret. A mismatch is
// CryptoVerificationFailed (spec.md §7): the caller must treat a non-nil
// error as fatal for this handshake attempt and not reuse any of its
// outputs.
func VerifyAndGenerateSharedSecret(hop *DiffieHop, Y [32]byte, auth [32]byte, servicePub [32]byte) ([32]byte, error) {
	var shared [32]byte
	exp, err := curve25519.X25519(hop.secret[:], Y[:])
	if err != nil {
		return shared, fmt.Errorf("verify and generate shared secret: %w", err)
	}
	if isZero(exp) {
		return shared, fmt.Errorf("verify and generate shared secret: all-zero DH output")
	}

	transcript := buildTranscript(exp, hop.FirstPart[:], servicePub[:], Y[:])
	expectedAuth := ntorHMAC(transcript, tMac)
	if !hmac.Equal(expectedAuth, auth[:]) {
		return shared, fmt.Errorf("verify and generate shared secret: AUTH verification failed")
	}

	copy(shared[:], exp)
	return shared, nil
}

func buildTranscript(dh, firstPart, staticPub, Y []byte) []byte {
	t := make([]byte, 0, len(dh)+len(firstPart)+len(staticPub)+len(Y)+len(protoID))
	t = append(t, dh...)
	t = append(t, firstPart...)
	t = append(t, staticPub...)
	t = append(t, Y...)
	t = append(t, []byte(protoID)...)
	return t
}

func ntorHMAC(msg []byte, key string) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(msg)
	return h.Sum(nil)
}

func isZero(b [32]byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// Session-key quad roles, mirroring EXIT_NODE / EXIT_NODE_SALT from the
// original tunnel community: each party to a spliced e2e circuit gets an
// independent encrypt key and salt.
const (
	Originator = iota
	OriginatorSalt
	ExitNode
	ExitNodeSalt
	sessionKeyCount
)

// SessionKeys is the per-circuit quad derived from an e2e shared secret.
type SessionKeys [sessionKeyCount][32]byte

// GenerateSessionKeys derives the four session keys from a DH shared
// secret via HKDF-SHA256.
func GenerateSessionKeys(shared [32]byte) (SessionKeys, error) {
	var keys SessionKeys
	kdf := hkdf.New(sha256.New, shared[:], nil, []byte(mExpand))
	buf := make([]byte, 32*sessionKeyCount)
	if _, err := io.ReadFull(kdf, buf); err != nil {
		return keys, fmt.Errorf("generate session keys: %w", err)
	}
	for i := 0; i < sessionKeyCount; i++ {
		copy(keys[i][:], buf[i*32:(i+1)*32])
	}
	return keys, nil
}

// EncryptStr encrypts data with AES-256-CTR under key, using salt's first
// 16 bytes as the IV (the salt is never reused across messages since each
// circuit derives its own quad).
func EncryptStr(data []byte, key [32]byte, salt [32]byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	stream := cipher.NewCTR(block, salt[:aes.BlockSize])
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}

// DecryptStr reverses EncryptStr (AES-CTR is its own inverse).
func DecryptStr(data []byte, key [32]byte, salt [32]byte) ([]byte, error) {
	return EncryptStr(data, key, salt)
}
