package collab

import (
	"sync"
	"time"

	"github.com/olivelliott/realtime-pm/internal/models"
)

// PresenceStore holds per-client presence records for one room. The owning
// Room performs all mutations from its message loop; the lock only covers
// read access from outside that loop (stats, tests).
type PresenceStore struct {
	mu      sync.RWMutex
	records map[string]*models.UserPresence
	now     func() time.Time
}

// NewPresenceStore creates an empty store.
func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		records: make(map[string]*models.UserPresence),
		now:     time.Now,
	}
}

// Upsert sets the record for a client. A record arriving without a timestamp
// is stamped with the current server time.
func (s *PresenceStore) Upsert(clientID string, p *models.UserPresence) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Timestamp == 0 {
		p.Timestamp = s.now().UnixMilli()
	}
	s.records[clientID] = p
}

// Touch refreshes the timestamp of an existing record without altering cursor
// or user fields. Touching an absent client is a no-op.
func (s *PresenceStore) Touch(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.records[clientID]; ok {
		p.Timestamp = s.now().UnixMilli()
	}
}

// Remove deletes the record. Idempotent.
func (s *PresenceStore) Remove(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, clientID)
}

// Get returns the record for a client, or nil.
func (s *PresenceStore) Get(clientID string) *models.UserPresence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[clientID]
}

// Entries enumerates all records. Order is unspecified.
func (s *PresenceStore) Entries() []models.PresenceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]models.PresenceEntry, 0, len(s.records))
	for id, p := range s.records {
		entries = append(entries, models.PresenceEntry{ClientID: id, Presence: p})
	}
	return entries
}

// Len returns the number of records.
func (s *PresenceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// PruneOlderThan removes and returns every client whose record is older than
// the TTL.
func (s *PresenceStore) PruneOlderThan(ttl time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UnixMilli() - ttl.Milliseconds()
	var evicted []string
	for id, p := range s.records {
		if p.Timestamp < cutoff {
			evicted = append(evicted, id)
			delete(s.records, id)
		}
	}
	return evicted
}
