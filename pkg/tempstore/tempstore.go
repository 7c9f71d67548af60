// Package tempstore implements the short-lived, TTL-bound storage for raw
// invoice bytes that the zero-retention guarantee (spec §7) depends on.
// Grounded on the teacher's pkg/api.MemoryIdempotencyStore (TTL map +
// background sweep) generalized from cached HTTP responses to raw invoice
// payloads, and pkg/kernel.RedisLimiterStore for the networked backend
// (key-per-actor pattern reused as key-per-run).
package tempstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ErrNotFound is returned by Get/GetMetadata/ExtendTtl when key is
// absent or has already expired.
var ErrNotFound = errors.New("tempstore: key not found")

// DefaultTTL is the retention window for raw invoice bytes absent an
// explicit override (spec §7: "default 60 seconds, configurable per
// deployment, never unbounded").
const DefaultTTL = 60 * time.Second

// Metadata describes an entry without exposing its payload — used by
// callers (audit log, cleanup queue) that must reason about retention
// without ever touching raw bytes.
type Metadata struct {
	Key        string
	Category   string
	SizeBytes  int
	StoredAt   time.Time
	ExpiresAt  time.Time
}

// Stats summarizes the store's current occupancy.
type Stats struct {
	EntryCount int
	TotalBytes int64
}

// Store is the TempStore contract (spec §7). Every backend (in-memory,
// Redis) implements it identically so the orchestrator and cleanup queue
// are backend-agnostic.
type Store interface {
	// Set stores value under key, tagged with category, with the given ttl,
	// overwriting any existing entry.
	Set(ctx context.Context, key, category string, value []byte, ttl time.Duration) error

	// Get returns the bytes stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetMetadata returns metadata for key without returning its payload.
	GetMetadata(ctx context.Context, key string) (Metadata, error)

	// Has reports whether key currently exists and has not expired.
	Has(ctx context.Context, key string) bool

	// ExtendTtl pushes out an entry's expiry by extension.
	ExtendTtl(ctx context.Context, key string, extension time.Duration) error

	// Delete performs the best-effort single-attempt removal used by the
	// normal cleanup path. It is idempotent: deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// SecureDelete overwrites the entry's backing bytes before removing it
	// (spec §7: "secure delete must overwrite, not merely unlink, in-memory
	// buffers"), then removes it. Idempotent.
	SecureDelete(ctx context.Context, key string) error

	// Cleanup removes every entry whose TTL has elapsed and returns how
	// many were removed.
	Cleanup(ctx context.Context) (int, error)

	// Stats reports current occupancy.
	Stats(ctx context.Context) (Stats, error)

	// Close releases background resources (sweep goroutine, client conns).
	Close() error
}

type entry struct {
	category  string
	value     []byte
	storedAt  time.Time
	expiresAt time.Time
}

// MemoryStore is the default single-process TempStore backend.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewMemoryStore returns a MemoryStore with a background sweeper running
// every interval. Pass interval<=0 to disable the background sweep (tests
// call Cleanup explicitly instead).
func NewMemoryStore(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries:   map[string]*entry{},
		stopSweep: make(chan struct{}),
	}
	if interval > 0 {
		go s.sweepLoop(interval)
	}
	return s
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background())
		case <-s.stopSweep:
			return
		}
	}
}

func (s *MemoryStore) Set(ctx context.Context, key, category string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cp := make([]byte, len(value))
	copy(cp, value)

	now := time.Now()
	s.mu.Lock()
	s.entries[key] = &entry{
		category:  category,
		value:     cp,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) get(key string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	e, ok := s.get(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (s *MemoryStore) GetMetadata(ctx context.Context, key string) (Metadata, error) {
	e, ok := s.get(key)
	if !ok {
		return Metadata{}, ErrNotFound
	}
	return Metadata{
		Key:       key,
		Category:  e.category,
		SizeBytes: len(e.value),
		StoredAt:  e.storedAt,
		ExpiresAt: e.expiresAt,
	}, nil
}

func (s *MemoryStore) Has(ctx context.Context, key string) bool {
	_, ok := s.get(key)
	return ok
}

func (s *MemoryStore) ExtendTtl(ctx context.Context, key string, extension time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return ErrNotFound
	}
	e.expiresAt = e.expiresAt.Add(extension)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// SecureDelete overwrites the backing byte slice with zeros before
// unlinking the map entry, so that any lingering alias into the
// underlying array (a slice handed out by a racing Get, a GC-delayed
// backing array) no longer carries the original plaintext. The overwrite
// is checked with a blake2b digest comparison against an all-zero buffer
// of the same length before the entry is unlinked, so a short-circuited
// zero-fill (e.g. a future refactor that swaps the loop for something
// that silently no-ops on a nil slice) fails the delete loudly instead of
// leaking plaintext under a "cleanup succeeded" result.
func (s *MemoryStore) SecureDelete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		for i := range e.value {
			e.value[i] = 0
		}
		if err := verifyZeroed(e.value); err != nil {
			return err
		}
	}
	delete(s.entries, key)
	return nil
}

// verifyZeroed reports an error if b is not entirely zero bytes, compared
// via blake2b-256 digest rather than a byte-by-byte loop so the check
// itself never retains a second plaintext-shaped copy of b.
func verifyZeroed(b []byte) error {
	zero := make([]byte, len(b))
	want := blake2b.Sum256(zero)
	got := blake2b.Sum256(b)
	if !bytes.Equal(want[:], got[:]) {
		return errors.New("tempstore: buffer not fully zeroed after overwrite")
	}
	return nil
}

func (s *MemoryStore) Cleanup(ctx context.Context) (int, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			for i := range e.value {
				e.value[i] = 0
			}
			_ = verifyZeroed(e.value) // best-effort on the sweep path; SecureDelete is the hard guarantee
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{EntryCount: len(s.entries)}
	for _, e := range s.entries {
		st.TotalBytes += int64(len(e.value))
	}
	return st, nil
}

func (s *MemoryStore) Close() error {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
	return nil
}

// Key builds the "category:runId" namespacing spec §7 requires so that
// cleanup and audit tooling can reason about an entry's purpose without
// parsing its payload.
func Key(category, runID string) string {
	return fmt.Sprintf("%s:%s", category, runID)
}
