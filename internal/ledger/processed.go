package ledger

import (
	"encoding/binary"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"
)

const defaultProcessedCacheSize = 8192

// Processed makes at-least-once delivery look exactly-once: a
// fingerprint is admitted the first time and rejected afterwards.
// An LRU front cache answers repeats without a disk transaction; the
// bbolt bucket is authoritative and survives restart. Retention is
// bounded, not cryptographic: PruneBefore drops old fingerprints and
// the cache caps memory.
type Processed struct {
	db    *bolt.DB
	cache *lru.Cache[[32]byte, struct{}]
}

func (d *DB) Processed() (*Processed, error) {
	return d.ProcessedWithCap(defaultProcessedCacheSize)
}

func (d *DB) ProcessedWithCap(cacheSize int) (*Processed, error) {
	cache, err := lru.New[[32]byte, struct{}](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Processed{db: d.db, cache: cache}, nil
}

// MarkIfNew reports whether the fingerprint was unseen and records
// it. The check-and-insert happens inside one bbolt transaction so
// two concurrent deliveries of the same fingerprint cannot both pass.
func (p *Processed) MarkIfNew(fp [32]byte) (bool, error) {
	if p.cache.Contains(fp) {
		return false, nil
	}
	fresh := false
	err := p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcessed)
		if b.Get(fp[:]) != nil {
			return nil
		}
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(time.Now().Unix()))
		if err := b.Put(fp[:], ts[:]); err != nil {
			return err
		}
		fresh = true
		return nil
	})
	if err != nil {
		return false, err
	}
	p.cache.Add(fp, struct{}{})
	return fresh, nil
}

// PruneBefore removes fingerprints recorded before the cutoff.
func (p *Processed) PruneBefore(cutoff time.Time) (int, error) {
	limit := uint64(cutoff.Unix())
	removed := 0
	err := p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcessed)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) == 8 && binary.BigEndian.Uint64(v) < limit {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
