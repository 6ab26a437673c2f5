// Package memory is an in-memory FindingsStore with TTL eviction, suitable
// for single-process deployments and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/arbiter-dev/arbiterd/internal/domain"
)

type entry struct {
	payload   []byte
	expiresAt time.Time
}

// Store is an in-memory implementation of FindingsStore. Entries hold
// encoded snapshots, so callers never share a findings object: mutating a
// loaded value cannot affect the store or other loaders.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	done    chan struct{}
	once    sync.Once
}

// New creates an in-memory store. A background sweep evicts expired
// entries; expired entries are also dropped lazily on read.
func New() *Store {
	s := &Store{
		entries: make(map[string]entry),
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Load returns a fresh copy of the findings for a continuation id, or nil
// on a miss. Expired entries count as misses.
func (s *Store) Load(ctx context.Context, continuationID string) (*domain.ConsolidatedFindings, error) {
	s.mu.RLock()
	e, ok := s.entries[continuationID]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if time.Now().After(e.expiresAt) {
		s.mu.Lock()
		// Re-check under the write lock; a concurrent Save may have
		// refreshed the entry.
		if cur, ok := s.entries[continuationID]; ok && time.Now().After(cur.expiresAt) {
			delete(s.entries, continuationID)
		}
		s.mu.Unlock()
		return nil, nil
	}

	var findings domain.ConsolidatedFindings
	if err := json.Unmarshal(e.payload, &findings); err != nil {
		return nil, fmt.Errorf("failed to decode findings: %w", err)
	}
	return &findings, nil
}

// Save stores a snapshot of the findings under the continuation id with
// the given TTL. Later mutations of the passed object do not reach the
// store.
func (s *Store) Save(ctx context.Context, continuationID string, findings *domain.ConsolidatedFindings, ttl time.Duration) error {
	payload, err := json.Marshal(findings)
	if err != nil {
		return fmt.Errorf("failed to encode findings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[continuationID] = entry{
		payload:   payload,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (s *Store) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *Store) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for id, e := range s.entries {
				if now.After(e.expiresAt) {
					delete(s.entries, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
