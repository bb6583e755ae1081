// Package dedupdb persists rail notification keys in BoltDB so callback retries
// are forwarded once across restarts.
package dedupdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketKeys = []byte("notification_keys")

// Store implements settlement.Deduper.
type Store struct {
	db    *bolt.DB
	nowFn func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the timestamp recorded with each key.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// Open opens (or creates) the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("dedupdb: path required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("dedupdb: open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKeys)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("dedupdb: init: %w", err)
	}
	s := &Store{db: db, nowFn: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Reserve returns true the first time key is seen.
func (s *Store) Reserve(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if key == "" {
		return false, fmt.Errorf("dedupdb: key required")
	}
	first := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketKeys)
		if bucket.Get([]byte(key)) != nil {
			return nil
		}
		first = true
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(s.nowFn().Unix()))
		return bucket.Put([]byte(key), buf)
	})
	if err != nil {
		return false, fmt.Errorf("dedupdb: reserve: %w", err)
	}
	return first, nil
}

// Release deletes key. Releasing an unknown key is a no-op.
func (s *Store) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("dedupdb: key required")
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Delete([]byte(key))
	}); err != nil {
		return fmt.Errorf("dedupdb: release: %w", err)
	}
	return nil
}

// Prune deletes keys recorded before cutoff and returns how many were removed.
func (s *Store) Prune(cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketKeys)
		var stale [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			if time.Unix(int64(binary.BigEndian.Uint64(v)), 0).Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("dedupdb: prune: %w", err)
	}
	return removed, nil
}

// Len returns the number of stored keys.
func (s *Store) Len() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketKeys).Stats().KeyN
		return nil
	})
	return n, err
}
