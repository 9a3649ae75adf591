// Package ledger holds the durable per-identity state: outstanding
// handshake requests, processed event fingerprints, handshake records
// and learned peer public keys. Everything lives in one bbolt file so
// a node's state moves as a single artifact.
package ledger

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketPending    = []byte("pending")
	bucketProcessed  = []byte("processed")
	bucketHandshakes = []byte("handshakes")
	bucketPeerKeys   = []byte("peerkeys")
)

type DB struct {
	db *bolt.DB
}

func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPending, bucketProcessed, bucketHandshakes, bucketPeerKeys} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}
