package handshake

import (
	"encoding/json"
	"time"

	"pairlink/internal/ledger"
)

// State tags a peer handshake explicitly rather than inferring it
// from which fields happen to be set.
type State string

const (
	StateNone             State = "none"
	StateRequestSent      State = "request_sent"
	StateRequestReceived  State = "request_received"
	StateResponseReceived State = "response_received"
	StateDataExchanged    State = "data_exchanged"
	StateEstablished      State = "established"
	StateDeclined         State = "declined"
	StateRevoked          State = "revoked"
)

// Terminal states end the lifecycle of their request id. A fresh
// request after a terminal state mints a new request id.
func (s State) Terminal() bool {
	return s == StateEstablished || s == StateDeclined || s == StateRevoked
}

// Record is the per-peer handshake state, persisted so a handshake
// survives restart and reconnection.
type Record struct {
	PeerID         string `json:"peer_id"`
	State          State  `json:"state"`
	RequestID      string `json:"request_id"`
	Initiator      bool   `json:"initiator"`
	Accepted       bool   `json:"accepted,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	PeerKeyVersion int    `json:"peer_key_version,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Store persists records through the handshake bucket, owning their
// serialized form.
type Store struct {
	hs *ledger.Handshakes
}

func NewStore(hs *ledger.Handshakes) *Store {
	return &Store{hs: hs}
}

func (s *Store) Save(rec Record) error {
	rec.UpdatedAt = time.Now().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = rec.UpdatedAt
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.hs.Save(rec.PeerID, data)
}

func (s *Store) Load(peerID string) (Record, bool, error) {
	data, found, err := s.hs.Load(peerID)
	if err != nil || !found {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) Delete(peerID string) error {
	return s.hs.Delete(peerID)
}

func (s *Store) ForEach(fn func(rec Record) error) error {
	return s.hs.ForEach(func(peerID string, data []byte) error {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			// Unreadable records are skipped, not fatal.
			return nil
		}
		return fn(rec)
	})
}
