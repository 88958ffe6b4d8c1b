package storage

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// bucketName is the single bucket BoltBackend stores all records under.
var bucketName = []byte("ucfp_index")

// BoltBackend is an embedded, ACID, MVCC key-value Backend on top of
// bbolt: reads are snapshotted via db.View, writes are single-writer
// transactions that commit durably before returning.
type BoltBackend struct {
	db *bbolt.DB
}

// OpenBoltBackend opens (creating if necessary) a bbolt-backed Backend at
// path.
func OpenBoltBackend(path string) (*BoltBackend, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open bbolt backend: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ensure bucket: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Put(key string, value []byte) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	return nil
}

func (b *BoltBackend) Get(key string) ([]byte, bool, error) {
	var val []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("storage: get %q: %w", key, err)
	}
	return val, val != nil, nil
}

func (b *BoltBackend) Delete(key string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return nil
}

func (b *BoltBackend) BatchPut(entries map[string][]byte) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		for k, v := range entries {
			if err := bkt.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: batch put: %w", err)
	}
	return nil
}

func (b *BoltBackend) Scan(visit func(key string, value []byte) error) error {
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			return visit(string(k), v)
		})
	})
	if err != nil {
		return fmt.Errorf("storage: scan: %w", err)
	}
	return nil
}

// Flush is a no-op: bbolt's db.Update already commits durably before
// returning.
func (b *BoltBackend) Flush() error {
	return nil
}

// Close releases the underlying bbolt file handle.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
