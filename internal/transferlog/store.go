// Package transferlog records operator-line transfers keyed by provider call id, so a later
// lookup (or webhook) can tell whether a call was bridged. Entries expire after a TTL.
package transferlog

import (
	"context"
	"sync"
	"time"
)

// Entry is the record kept for one provider call.
type Entry struct {
	CallID      string    `json:"call_id"`
	IncidentID  string    `json:"incident_id"`
	ToNumber    string    `json:"to_number"`
	Transferred bool      `json:"transferred"`
	// Escalated is set once a callback for this call already triggered the next attempt.
	Escalated bool      `json:"escalated,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is a bounded, expiring map from provider call id to Entry.
type Store interface {
	// Put records e under e.CallID, replacing any previous entry.
	Put(ctx context.Context, e Entry) error
	// Get returns the entry for callID. ok is false when missing or expired.
	Get(ctx context.Context, callID string) (e Entry, ok bool, err error)
	// Claim atomically marks callID as escalated. won is true only for the first caller;
	// an entry already stored with Escalated set counts as claimed.
	Claim(ctx context.Context, callID, incidentID string) (won bool, err error)
}

// DefaultTTL applies when a store is built with a non-positive TTL.
const DefaultTTL = time.Hour

type memEntry struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryStore is an in-process Store. When full, Put evicts expired entries first and then
// the entry closest to expiry.
type MemoryStore struct {
	mu         sync.Mutex
	m          map[string]memEntry
	ttl        time.Duration
	maxEntries int
	nowF       func() time.Time
}

// NewMemoryStore returns a store holding at most maxEntries (<= 0 means 10000) for ttl each.
func NewMemoryStore(ttl time.Duration, maxEntries int) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryStore{
		m:          make(map[string]memEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		nowF:       time.Now,
	}
}

func (s *MemoryStore) Put(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowF()
	if _, exists := s.m[e.CallID]; !exists && len(s.m) >= s.maxEntries {
		s.evictLocked(now)
	}
	s.m[e.CallID] = memEntry{entry: e, expiresAt: now.Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, callID string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	me, ok := s.m[callID]
	if !ok {
		return Entry{}, false, nil
	}
	if !me.expiresAt.After(s.nowF()) {
		delete(s.m, callID)
		return Entry{}, false, nil
	}
	return me.entry, true, nil
}

func (s *MemoryStore) Claim(ctx context.Context, callID, incidentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowF()
	me, ok := s.m[callID]
	if ok && me.expiresAt.After(now) {
		if me.entry.Escalated {
			return false, nil
		}
		me.entry.Escalated = true
		s.m[callID] = me
		return true, nil
	}
	if !ok && len(s.m) >= s.maxEntries {
		s.evictLocked(now)
	}
	s.m[callID] = memEntry{
		entry:     Entry{CallID: callID, IncidentID: incidentID, Escalated: true, Timestamp: now.UTC()},
		expiresAt: now.Add(s.ttl),
	}
	return true, nil
}

// Len returns the number of stored entries, expired ones included until swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Sweep drops expired entries and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.nowF())
}

func (s *MemoryStore) sweepLocked(now time.Time) int {
	n := 0
	for k, me := range s.m {
		if !me.expiresAt.After(now) {
			delete(s.m, k)
			n++
		}
	}
	return n
}

func (s *MemoryStore) evictLocked(now time.Time) {
	if s.sweepLocked(now) > 0 {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, me := range s.m {
		if oldestKey == "" || me.expiresAt.Before(oldest) {
			oldestKey, oldest = k, me.expiresAt
		}
	}
	delete(s.m, oldestKey)
}

// RunSweeper sweeps every interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}
