package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

var lockBucket = []byte("locks")

var ErrLockNotHeld = errors.New("lock not held")

// LockMetadata describes the current holder of an election-phase lock.
// It is returned to callers that lose the acquisition race so the API
// can report who holds the election and for what.
type LockMetadata struct {
	Holder        string    `json:"holder"`
	OperationType string    `json:"operationType"`
	AcquiredAt    time.Time `json:"acquiredAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (m *LockMetadata) Expired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// LockManager provides per-election mutual exclusion backed by Bolt.
// Acquisition is a single read-modify-write inside one Update transaction,
// so two concurrent requests for the same key cannot both win. Locks carry
// a TTL lease; an expired lock is reclaimed by the next acquirer.
type LockManager struct {
	db  *bolt.DB
	ttl time.Duration
}

// NewLockManager opens the lock database at path with the given lease TTL.
func NewLockManager(path string, ttl time.Duration) (*LockManager, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open lock database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(lockBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create lock bucket: %w", err)
	}

	return &LockManager{db: db, ttl: ttl}, nil
}

// TallyLockKey names the tally lock of an election.
func TallyLockKey(electionID string) string {
	return "lock:tally:" + electionID
}

// DecryptionLockKey names the decryption lock of one guardian's chain.
func DecryptionLockKey(electionID, guardianID string) string {
	return "lock:decryption:" + electionID + ":" + guardianID
}

// CombineLockKey names the combine lock of an election.
func CombineLockKey(electionID string) string {
	return "lock:combine:" + electionID
}

// TryAcquire attempts to take the lock. It returns (true, nil, nil) on
// success and (false, holder, nil) when another live lease holds it.
func (lm *LockManager) TryAcquire(key, holder, operationType string) (bool, *LockMetadata, error) {
	var acquired bool
	var current *LockMetadata

	err := lm.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(lockBucket)
		now := time.Now()

		if raw := b.Get([]byte(key)); raw != nil {
			var meta LockMetadata
			if err := json.Unmarshal(raw, &meta); err != nil {
				return fmt.Errorf("corrupt lock record %q: %w", key, err)
			}
			if !meta.Expired(now) {
				current = &meta
				return nil
			}
			// Lapsed lease, fall through and reclaim.
		}

		meta := LockMetadata{
			Holder:        holder,
			OperationType: operationType,
			AcquiredAt:    now,
			ExpiresAt:     now.Add(lm.ttl),
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(key), raw); err != nil {
			return fmt.Errorf("failed to write lock record: %w", err)
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return acquired, current, nil
}

// Release removes the lock if the caller still holds it.
func (lm *LockManager) Release(key, holder string) error {
	return lm.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(lockBucket)

		raw := b.Get([]byte(key))
		if raw == nil {
			return ErrLockNotHeld
		}
		var meta LockMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("corrupt lock record %q: %w", key, err)
		}
		if meta.Holder != holder {
			return ErrLockNotHeld
		}
		return b.Delete([]byte(key))
	})
}

// GetMetadata returns the current lease for a key, or nil if unheld.
// Expired leases read as unheld.
func (lm *LockManager) GetMetadata(key string) (*LockMetadata, error) {
	var meta *LockMetadata

	err := lm.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(lockBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var m LockMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("corrupt lock record %q: %w", key, err)
		}
		if !m.Expired(time.Now()) {
			meta = &m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// ReleaseAllHeldBy removes every lock held by a given holder. Called on
// graceful shutdown so a restarted process does not wait out its own leases.
func (lm *LockManager) ReleaseAllHeldBy(holder string) (int, error) {
	released := 0
	err := lm.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(lockBucket)

		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var meta LockMetadata
			if err := json.Unmarshal(v, &meta); err != nil {
				return nil
			}
			if meta.Holder == holder {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	return released, err
}

// Close closes the lock database.
func (lm *LockManager) Close() error {
	return lm.db.Close()
}
