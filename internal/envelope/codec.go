package envelope

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pairlink/internal/crypto"
)

var (
	ErrNoPeerKey        = errors.New("no public key for peer")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrCryptoFailure    = errors.New("cipher failure")
	ErrMalformedPayload = errors.New("malformed payload")
)

// KeyStore resolves peer public keys. The codec only reads; learning
// and storing keys is the coordinator's job.
type KeyStore interface {
	PeerPublicKey(peerID string) ([]byte, bool)
}

// Codec seals and opens envelopes for one local identity. It keeps no
// per-peer state beyond the key lookup.
type Codec struct {
	localID string
	priv    []byte
	keys    KeyStore
}

func NewCodec(localID string, priv []byte, keys KeyStore) *Codec {
	return &Codec{localID: localID, priv: priv, keys: keys}
}

func checksumHex(plaintext []byte) string {
	return hex.EncodeToString(crypto.SHA3_256(plaintext))
}

// SealPlain builds an unencrypted envelope with a checksum over the
// body. Used for the handshake legs where no shared key exists yet.
func (c *Codec) SealPlain(peerID, eventName string, body any) (Envelope, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return Envelope{
		Type:     eventName,
		From:     c.localID,
		To:       peerID,
		EventID:  uuid.NewString(),
		TS:       time.Now().Unix(),
		Body:     data,
		Checksum: checksumHex(data),
	}, nil
}

// VerifyPlain checks the body checksum before the body may be
// trusted and returns the raw body bytes.
func VerifyPlain(env Envelope) ([]byte, error) {
	if len(env.Body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}
	if env.Checksum == "" || env.Checksum != checksumHex(env.Body) {
		return nil, ErrChecksumMismatch
	}
	return env.Body, nil
}

// Seal encrypts body for peerID under the pair key. The checksum is
// computed over the plaintext and verified again after decryption on
// the receiving side.
func (c *Codec) Seal(peerID, eventName string, body any) (Envelope, error) {
	peerPub, ok := c.keys.PeerPublicKey(peerID)
	if !ok {
		return Envelope{}, ErrNoPeerKey
	}
	plaintext, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	key, err := crypto.PairKey(c.priv, peerPub)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	eventID := uuid.NewString()
	aad := crypto.BuildAAD(eventName, c.localID, peerID, eventID)
	nonce, ct, err := crypto.XSeal(key, plaintext, aad)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return Envelope{
		Type:     eventName,
		From:     c.localID,
		To:       peerID,
		EventID:  eventID,
		TS:       time.Now().Unix(),
		Nonce:    hex.EncodeToString(nonce),
		Sealed:   base64.StdEncoding.EncodeToString(ct),
		Checksum: checksumHex(plaintext),
	}, nil
}

// Open decrypts a sealed envelope from env.From. The AEAD tag rejects
// any ciphertext tampering; the transmitted checksum is then verified
// against the plaintext as an independent check against key-confusion
// bugs.
func (c *Codec) Open(env Envelope) ([]byte, error) {
	peerPub, ok := c.keys.PeerPublicKey(env.From)
	if !ok {
		return nil, ErrNoPeerKey
	}
	if env.Sealed == "" || env.Nonce == "" {
		return nil, fmt.Errorf("%w: missing sealed payload", ErrMalformedPayload)
	}
	nonce, err := hex.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce", ErrMalformedPayload)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: bad sealed payload", ErrMalformedPayload)
	}
	key, err := crypto.PairKey(c.priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	aad := crypto.BuildAAD(env.Type, env.From, c.localID, env.EventID)
	plaintext, err := crypto.XOpen(key, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	if env.Checksum == "" || env.Checksum != checksumHex(plaintext) {
		return nil, ErrChecksumMismatch
	}
	return plaintext, nil
}
