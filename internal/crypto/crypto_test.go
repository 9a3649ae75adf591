package crypto

import (
	"bytes"
	"testing"
)

func TestKDFDeterminismAndContext(t *testing.T) {
	ikm := []byte("ikm")

	a1 := KDF("pairlink:test:a", ikm)
	a2 := KDF("pairlink:test:a", ikm)
	if !bytes.Equal(a1, a2) {
		t.Fatalf("KDF not deterministic")
	}
	b := KDF("pairlink:test:b", ikm)
	if bytes.Equal(a1, b) {
		t.Fatalf("expected different keys for different labels")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := KDF("pairlink:test:key", []byte("seed"))
	aad := BuildAAD("userdata.exchange", "alice", "bob", "ev1")
	plaintext := []byte("hello")

	nonce, ct, err := XSeal(key, plaintext, aad)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	got, err := XOpen(key, nonce, ct, aad)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch")
	}

	ct[0] ^= 1
	if _, err := XOpen(key, nonce, ct, aad); err == nil {
		t.Fatalf("expected open failure on tampered ciphertext")
	}
	ct[0] ^= 1

	otherAAD := BuildAAD("userdata.exchange", "alice", "carol", "ev1")
	if _, err := XOpen(key, nonce, ct, otherAAD); err == nil {
		t.Fatalf("expected open failure under different aad")
	}
}

func TestPairKeySymmetry(t *testing.T) {
	pubA, privA, err := GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair failed: %v", err)
	}
	pubB, privB, err := GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair failed: %v", err)
	}

	kAB, err := PairKey(privA, pubB)
	if err != nil {
		t.Fatalf("pair key failed: %v", err)
	}
	kBA, err := PairKey(privB, pubA)
	if err != nil {
		t.Fatalf("pair key failed: %v", err)
	}
	if !bytes.Equal(kAB, kBA) {
		t.Fatalf("pair keys diverge")
	}
	if len(kAB) != XKeySize {
		t.Fatalf("bad pair key size: %d", len(kAB))
	}
}

func TestKeypairSaveLoad(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair failed: %v", err)
	}
	if err := SaveKeypair(dir, pub, priv); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	gotPub, gotPriv, err := LoadKeypair(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !bytes.Equal(gotPub, pub) || !bytes.Equal(gotPriv, priv) {
		t.Fatalf("keypair round trip mismatch")
	}
}
