package store

import (
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltKV implements KV using BoltDB, one bucket per namespace.
type BoltKV struct {
	db *bolt.DB
}

// NewBoltKV opens or creates a BoltDB database.
func NewBoltKV(path string) (*BoltKV, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	return &BoltKV{db: db}, nil
}

func (s *BoltKV) GetString(ns, key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", ns, key, ErrNotFound)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", ns, key, ErrNotFound)
		}
		value = string(data)
		return nil
	})
	return value, err
}

func (s *BoltKV) PutString(ns, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(ns))
		if err != nil {
			return fmt.Errorf("create bucket %q: %w", ns, err)
		}
		return b.Put([]byte(key), []byte(value))
	})
}

func (s *BoltKV) GetUint(ns, key string) (uint64, error) {
	raw, err := s.GetString(ns, key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s/%s: %w", ns, key, err)
	}
	return v, nil
}

func (s *BoltKV) PutUint(ns, key string, v uint64) error {
	return s.PutString(ns, key, strconv.FormatUint(v, 10))
}

func (s *BoltKV) Delete(ns, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltKV) Replace(ns string, entries map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(ns)) != nil {
			if err := tx.DeleteBucket([]byte(ns)); err != nil {
				return fmt.Errorf("drop bucket %q: %w", ns, err)
			}
		}
		b, err := tx.CreateBucket([]byte(ns))
		if err != nil {
			return fmt.Errorf("create bucket %q: %w", ns, err)
		}
		for k, v := range entries {
			if err := b.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltKV) Clear(ns string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(ns)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(ns))
	})
}

func (s *BoltKV) Close() error {
	return s.db.Close()
}
