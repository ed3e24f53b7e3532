package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps reservations in process memory. Checkout sessions are process-local, so
// replay protection for them is too.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Reserve claims key for fingerprint unless a live entry already exists.
func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (State, Entry, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || !now.Before(entry.ExpiresAt) {
		entry = Entry{Key: key, Fingerprint: fingerprint, ExpiresAt: now.Add(ttl)}
		s.entries[key] = entry
		return StateNew, entry, nil
	}
	if entry.Fingerprint != fingerprint {
		return 0, Entry{}, ErrFingerprintMismatch
	}
	if entry.Completed {
		return StateCompleted, entry, nil
	}
	return StatePending, entry, nil
}

// Complete stores the response for a reserved key.
func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok && entry.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	s.entries[key] = Entry{
		Key:         key,
		Fingerprint: fingerprint,
		Completed:   true,
		Response: Response{
			Status:  resp.Status,
			Headers: replayableHeaders(resp.Headers),
			Body:    append([]byte(nil), resp.Body...),
		},
		ExpiresAt: now.Add(ttl),
	}
	return nil
}

// Release forgets key so the request may be retried.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Sweep removes up to limit expired entries; limit <= 0 removes all of them.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if limit > 0 && removed >= limit {
			break
		}
		if now.Before(entry.ExpiresAt) {
			continue
		}
		delete(s.entries, key)
		removed++
	}
	return removed, nil
}

// Len reports the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RunSweeper sweeps store every interval until ctx is cancelled. onSwept receives each non-zero
// removal count or error.
func RunSweeper(ctx context.Context, store Store, interval time.Duration, batch int, onSwept func(removed int, err error)) {
	if store == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.Sweep(ctx, now.UTC(), batch)
			if onSwept != nil && (removed > 0 || err != nil) {
				onSwept(removed, err)
			}
		}
	}
}
