package hscrypto

import "testing"

func TestDHRoundTrip(t *testing.T) {
	serviceKey, err := GenerateKey("curve25519")
	if err != nil {
		t.Fatalf("generate service key: %v", err)
	}

	hop, err := GenerateDiffieSecret()
	if err != nil {
		t.Fatalf("generate diffie secret: %v", err)
	}

	sharedResponder, Y, auth, err := GenerateDiffieSharedSecret(hop.FirstPart, serviceKey)
	if err != nil {
		t.Fatalf("generate diffie shared secret: %v", err)
	}

	sharedInitiator, err := VerifyAndGenerateSharedSecret(hop, Y, auth, serviceKey.Public.Key)
	if err != nil {
		t.Fatalf("verify and generate shared secret: %v", err)
	}

	if sharedResponder != sharedInitiator {
		t.Fatal("shared secrets disagree between initiator and responder")
	}
}

func TestVerifyRejectsTamperedAuth(t *testing.T) {
	serviceKey, _ := GenerateKey("curve25519")
	hop, _ := GenerateDiffieSecret()
	_, Y, auth, _ := GenerateDiffieSharedSecret(hop.FirstPart, serviceKey)

	auth[0] ^= 0xff
	if _, err := VerifyAndGenerateSharedSecret(hop, Y, auth, serviceKey.Public.Key); err == nil {
		t.Fatal("expected AUTH verification failure")
	}
}

func TestVerifyRejectsWrongServiceKey(t *testing.T) {
	serviceKey, _ := GenerateKey("curve25519")
	otherKey, _ := GenerateKey("curve25519")
	hop, _ := GenerateDiffieSecret()
	_, Y, auth, _ := GenerateDiffieSharedSecret(hop.FirstPart, serviceKey)

	if _, err := VerifyAndGenerateSharedSecret(hop, Y, auth, otherKey.Public.Key); err == nil {
		t.Fatal("expected AUTH verification failure against wrong service key")
	}
}

func TestSessionKeysAreIndependent(t *testing.T) {
	var shared [32]byte
	for i := range shared {
		shared[i] = byte(i)
	}
	keys, err := GenerateSessionKeys(shared)
	if err != nil {
		t.Fatalf("generate session keys: %v", err)
	}
	seen := map[[32]byte]bool{}
	for _, k := range keys {
		if seen[k] {
			t.Fatal("session keys are not independent")
		}
		seen[k] = true
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	var shared [32]byte
	for i := range shared {
		shared[i] = byte(i * 3)
	}
	keys, err := GenerateSessionKeys(shared)
	if err != nil {
		t.Fatalf("generate session keys: %v", err)
	}

	plaintext := []byte("rendezvous point info + cookie, encoded")
	ct, err := EncryptStr(plaintext, keys[ExitNode], keys[ExitNodeSalt])
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if string(ct) == string(plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	pt, err := DecryptStr(ct, keys[ExitNode], keys[ExitNodeSalt])
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(pt) != string(plaintext) {
		t.Fatalf("decrypt(encrypt(x)) = %q, want %q", pt, plaintext)
	}
}

func TestGenerateKeyRejectsUnsupportedCurve(t *testing.T) {
	if _, err := GenerateKey("secp256k1"); err == nil {
		t.Fatal("expected error for unsupported curve")
	}
}

func TestPrivateKeyBytesRoundTrip(t *testing.T) {
	pk, err := GenerateKey("curve25519")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	restored, err := PrivateKeyFromBytes(pk.Bytes())
	if err != nil {
		t.Fatalf("private key from bytes: %v", err)
	}
	if restored.NodeID != pk.NodeID || restored.Public.Key != pk.Public.Key {
		t.Fatal("restored key does not match original")
	}
}

func TestPrivateKeyFromBytesRejectsWrongLength(t *testing.T) {
	if _, err := PrivateKeyFromBytes([]byte("too short")); err == nil {
		t.Fatal("expected an error for a malformed key blob")
	}
}
