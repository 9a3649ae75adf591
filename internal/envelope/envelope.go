// Package envelope defines the checksum-protected wire unit exchanged
// between paired parties and the codec that seals and opens it.
package envelope

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"pairlink/internal/crypto"
)

// Logical event names carried on the wire. Handshake request/response
// and revoke envelopes travel in the clear (no shared key exists yet);
// userdata envelopes are sealed.
const (
	EventHandshakeRequest  = "handshake.request"
	EventHandshakeResponse = "handshake.response"
	EventHandshakeRevoked  = "handshake.revoked"
	EventUserData          = "userdata.exchange"

	// Transport control frames. Never dispatched to upper layers.
	EventRegister    = "register"
	EventRegisterAck = "register.ack"
	EventPing        = "ping"
	EventPong        = "pong"
)

const (
	MaxRequestSize  = 8 << 10
	MaxResponseSize = 8 << 10
	MaxRevokeSize   = 4 << 10
	MaxUserDataSize = 32 << 10
	MaxControlSize  = 1 << 10
)

type Envelope struct {
	Type     string          `json:"type"`
	From     string          `json:"from"`
	To       string          `json:"to,omitempty"`
	EventID  string          `json:"event_id,omitempty"`
	TS       int64           `json:"ts"`
	Body     json.RawMessage `json:"body,omitempty"`
	Nonce    string          `json:"nonce,omitempty"`
	Sealed   string          `json:"sealed,omitempty"`
	Checksum string          `json:"checksum,omitempty"`
}

func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("missing envelope type")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if max := TypeMax(env.Type); max > 0 && len(data) > max {
		return nil, fmt.Errorf("envelope too large for type %s", env.Type)
	}
	return data, nil
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("missing envelope type")
	}
	if max := TypeMax(env.Type); max > 0 && len(data) > max {
		return Envelope{}, fmt.Errorf("envelope too large for type %s", env.Type)
	}
	return env, nil
}

// TypeMax returns the size cap for an event name, 0 when unknown.
func TypeMax(eventName string) int {
	switch eventName {
	case EventHandshakeRequest:
		return MaxRequestSize
	case EventHandshakeResponse:
		return MaxResponseSize
	case EventHandshakeRevoked:
		return MaxRevokeSize
	case EventUserData:
		return MaxUserDataSize
	case EventRegister, EventRegisterAck, EventPing, EventPong:
		return MaxControlSize
	default:
		return 0
	}
}

// Fingerprint identifies a logical event for dedup across the live
// channel and the push fallback path. The event id is preferred; the
// timestamp stands in for envelopes that lack one.
func Fingerprint(env Envelope) [32]byte {
	id := env.EventID
	if id == "" {
		id = strconv.FormatInt(env.TS, 10)
	}
	buf := make([]byte, 0, len(env.Type)+len(env.From)+len(id)+2)
	buf = append(buf, env.Type...)
	buf = append(buf, '|')
	buf = append(buf, env.From...)
	buf = append(buf, '|')
	buf = append(buf, id...)
	var fp [32]byte
	copy(fp[:], crypto.SHA3_256(buf))
	return fp
}

func FingerprintHex(env Envelope) string {
	fp := Fingerprint(env)
	return hex.EncodeToString(fp[:])
}
