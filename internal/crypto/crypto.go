// internal/crypto/crypto.go
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// Fixed suite: X25519 static DH + XChaCha20-Poly1305 + SHA3-256.
// Keys are long-lived per identity until explicit rotation; there is
// no ratcheting here.

const (
	XKeySize   = chacha20poly1305.KeySize    // 32
	XNonceSize = chacha20poly1305.NonceSizeX // 24
)

const labelPairKey = "pairlink:pairkey:v1"

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// XSeal seals plaintext under a fresh random 24-byte nonce.
func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	ct := aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ct, nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

func GenKeypair() ([]byte, []byte, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return priv.PublicKey().Bytes(), priv.Bytes(), nil
}

func DeriveShared(privKey, peerPub []byte) ([]byte, error) {
	if len(privKey) == 0 || len(peerPub) == 0 {
		return nil, errors.New("empty key material")
	}
	priv, err := ecdh.X25519().NewPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return priv.ECDH(pub)
}

// PairKey derives the symmetric envelope key for a peer pair. Both
// sides arrive at the same key because the DH shared secret is
// symmetric in the two keypairs.
func PairKey(privKey, peerPub []byte) ([]byte, error) {
	shared, err := DeriveShared(privKey, peerPub)
	if err != nil {
		return nil, err
	}
	return KDF(labelPairKey, shared), nil
}

func SaveKeypair(dir string, pub, priv []byte) error {
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir string) ([]byte, []byte, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, nil, err
	}

	pub, err := hex.DecodeString(string(pubHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad pub.hex")
	}
	priv, err := hex.DecodeString(string(privHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad priv.hex")
	}
	return pub, priv, nil
}
