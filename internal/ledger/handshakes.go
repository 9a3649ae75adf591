package ledger

import (
	bolt "go.etcd.io/bbolt"
)

// Handshakes persists per-peer handshake records as opaque serialized
// state so a handshake survives restart and reconnection. The record
// format belongs to the coordinator.
type Handshakes struct {
	db *bolt.DB
}

func (d *DB) Handshakes() *Handshakes {
	return &Handshakes{db: d.db}
}

func (h *Handshakes) Save(peerID string, data []byte) error {
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHandshakes).Put([]byte(peerID), data)
	})
}

func (h *Handshakes) Load(peerID string) ([]byte, bool, error) {
	var out []byte
	err := h.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHandshakes).Get([]byte(peerID))
		if v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	return out, out != nil, err
}

func (h *Handshakes) Delete(peerID string) error {
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHandshakes).Delete([]byte(peerID))
	})
}

func (h *Handshakes) ForEach(fn func(peerID string, data []byte) error) error {
	return h.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHandshakes).ForEach(func(k, v []byte) error {
			data := make([]byte, len(v))
			copy(data, v)
			return fn(string(k), data)
		})
	})
}
