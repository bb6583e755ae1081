package auth

import (
	"container/list"
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"btcescrow/storage"
)

// NonceStore records nonces so each is accepted once per key.
type NonceStore interface {
	// Reserve reports true the first time (keyID, nonce) is seen.
	Reserve(ctx context.Context, keyID, nonce string, at time.Time) (bool, error)
	// Prune forgets nonces observed before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

const defaultNonceCapacity = 16384

// MemoryNonces is a bounded in-process NonceStore. When full it forgets the
// oldest nonce.
type MemoryNonces struct {
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	at  time.Time
}

// NewMemoryNonces returns a cache holding at most capacity nonces.
func NewMemoryNonces(capacity int) *MemoryNonces {
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	return &MemoryNonces{capacity: capacity, entries: make(map[string]*list.Element), order: list.New()}
}

func (m *MemoryNonces) Reserve(_ context.Context, keyID, nonce string, at time.Time) (bool, error) {
	key := keyID + "|" + nonce
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return false, nil
	}
	for m.order.Len() >= m.capacity {
		m.removeLocked(m.order.Front())
	}
	m.entries[key] = m.order.PushBack(nonceEntry{key: key, at: at})
	return true, nil
}

func (m *MemoryNonces) Prune(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for front := m.order.Front(); front != nil; front = m.order.Front() {
		if !front.Value.(nonceEntry).at.Before(cutoff) {
			break
		}
		m.removeLocked(front)
		removed++
	}
	return removed, nil
}

func (m *MemoryNonces) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *MemoryNonces) removeLocked(elem *list.Element) {
	m.order.Remove(elem)
	delete(m.entries, elem.Value.(nonceEntry).key)
}

const (
	nonceKeyPrefix = "nonce:"
	seenKeyPrefix  = "seen:"
)

// KVNonces persists nonces in a storage.Database so a restart does not reopen
// the replay window. Keys are "nonce:<key>|<nonce>" holding the observation
// time, plus a "seen:<nanos>:<key>|<nonce>" index ordered by time for pruning.
type KVNonces struct {
	mu sync.Mutex
	db storage.Database
}

// NewKVNonces wraps db.
func NewKVNonces(db storage.Database) *KVNonces {
	return &KVNonces{db: db}
}

func (k *KVNonces) Reserve(ctx context.Context, keyID, nonce string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	composite := keyID + "|" + nonce
	if strings.TrimSpace(keyID) == "" || strings.TrimSpace(nonce) == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	exists, err := k.db.Has([]byte(nonceKeyPrefix + composite))
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	nanos := at.UTC().UnixNano()
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	batch := new(storage.Batch)
	batch.Put([]byte(nonceKeyPrefix+composite), buf)
	batch.Put(seenKey(nanos, composite), nil)
	if err := k.db.Write(batch); err != nil {
		return false, err
	}
	return true, nil
}

func (k *KVNonces) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	limit := seenKey(cutoff.UTC().UnixNano(), "")
	k.mu.Lock()
	defer k.mu.Unlock()
	batch := new(storage.Batch)
	removed := 0
	var scanErr error
	err := k.db.Scan([]byte(seenKeyPrefix), nil, func(key, _ []byte) bool {
		if scanErr = ctx.Err(); scanErr != nil {
			return false
		}
		if string(key) >= string(limit) {
			return false
		}
		parts := strings.SplitN(string(key), ":", 3)
		if len(parts) != 3 {
			return true
		}
		batch.Delete(key)
		batch.Delete([]byte(nonceKeyPrefix + parts[2]))
		removed++
		return true
	})
	if err == nil {
		err = scanErr
	}
	if err != nil {
		return 0, err
	}
	if err := k.db.Write(batch); err != nil {
		return 0, err
	}
	return removed, nil
}

// ObservedAt returns when (keyID, nonce) was first accepted.
func (k *KVNonces) ObservedAt(keyID, nonce string) (time.Time, error) {
	raw, err := k.db.Get([]byte(nonceKeyPrefix + keyID + "|" + nonce))
	if err != nil {
		return time.Time{}, err
	}
	if len(raw) != 8 {
		return time.Time{}, fmt.Errorf("nonce record corrupt")
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(raw))).UTC(), nil
}

func seenKey(nanos int64, composite string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", seenKeyPrefix, nanos, composite))
}
