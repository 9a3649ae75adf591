package ledger

import (
	bolt "go.etcd.io/bbolt"
)

// Pending is the durable set of peers with an outstanding handshake
// request. Add and Remove are idempotent; each call is one atomic
// transaction.
type Pending struct {
	db *bolt.DB
}

func (d *DB) Pending() *Pending {
	return &Pending{db: d.db}
}

func (p *Pending) Add(peerID, requestID string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Put([]byte(peerID), []byte(requestID))
	})
}

func (p *Pending) Get(peerID string) (string, bool, error) {
	var requestID string
	var found bool
	err := p.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPending).Get([]byte(peerID))
		if v != nil {
			requestID = string(v)
			found = true
		}
		return nil
	})
	return requestID, found, err
}

func (p *Pending) Remove(peerID string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete([]byte(peerID))
	})
}

func (p *Pending) List() (map[string]string, error) {
	out := make(map[string]string)
	err := p.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
