// Package identity supplies the local party's identity, display name
// and long-lived keypair. The coordinator and codec only see the
// Provider interface; key generation and storage stay here.
package identity

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"pairlink/internal/crypto"
)

const identityLabel = "pairlink:identity:v1"

type Provider interface {
	LocalIdentity() string
	DisplayName() string
	PublicKey() []byte
	KeyVersion() int
}

// FileProvider loads or generates an X25519 keypair under a home
// directory and derives the identity from the public key.
type FileProvider struct {
	id      string
	name    string
	pub     []byte
	priv    []byte
	version int
}

func Load(home, displayName string) (*FileProvider, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	pub, priv, err := crypto.LoadKeypair(home)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		pub, priv, err = crypto.GenKeypair()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveKeypair(home, pub, priv); err != nil {
			return nil, err
		}
	}
	version, err := loadKeyVersion(home)
	if err != nil {
		return nil, err
	}
	return &FileProvider{
		id:      Derive(pub),
		name:    displayName,
		pub:     pub,
		priv:    priv,
		version: version,
	}, nil
}

func (p *FileProvider) LocalIdentity() string { return p.id }
func (p *FileProvider) DisplayName() string   { return p.name }
func (p *FileProvider) KeyVersion() int       { return p.version }

func (p *FileProvider) PublicKey() []byte {
	out := make([]byte, len(p.pub))
	copy(out, p.pub)
	return out
}

// PrivateKey is handed to the envelope codec only.
func (p *FileProvider) PrivateKey() []byte {
	out := make([]byte, len(p.priv))
	copy(out, p.priv)
	return out
}

// Derive maps a public key to its identity string.
func Derive(pub []byte) string {
	buf := make([]byte, 0, len(identityLabel)+len(pub))
	buf = append(buf, []byte(identityLabel)...)
	buf = append(buf, pub...)
	return hex.EncodeToString(crypto.SHA3_256(buf))
}

// Validate reports whether s has the shape of a derived identity.
func Validate(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func loadKeyVersion(home string) (int, error) {
	path := filepath.Join(home, "keyversion")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return 0, err
		}
		if err := os.WriteFile(path, []byte("1"), 0600); err != nil {
			return 0, err
		}
		return 1, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || v < 1 {
		return 0, fmt.Errorf("bad keyversion file")
	}
	return v, nil
}
