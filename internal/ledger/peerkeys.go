package ledger

import (
	bolt "go.etcd.io/bbolt"
)

// PeerKeys stores learned peer public keys. Satisfies the key store
// interfaces of both the envelope codec and the coordinator.
type PeerKeys struct {
	db *bolt.DB
}

func (d *DB) PeerKeys() *PeerKeys {
	return &PeerKeys{db: d.db}
}

func (p *PeerKeys) PeerPublicKey(peerID string) ([]byte, bool) {
	var out []byte
	_ = p.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPeerKeys).Get([]byte(peerID))
		if v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	return out, out != nil
}

func (p *PeerKeys) StorePeerPublicKey(peerID string, key []byte) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeerKeys).Put([]byte(peerID), key)
	})
}
