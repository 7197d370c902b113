// Package watchlist retains the set of desired realtime subscriptions.
// The broker facade reads it to re-issue subscriptions after a reconnect;
// with a database attached the set also survives process restarts.
package watchlist

import (
	"log/slog"
	"sync"
	"time"

	"github.com/marketdesk/marketdesk/market"
)

// Entry is one desired subscription.
type Entry struct {
	Contract market.Contract
	AddedAt  time.Time
}

// Store is a thread-safe set of desired subscriptions, keyed by
// contract. Optionally backed by SQLite for persistence via SetDB.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry // contract key -> entry
	db      *DB              // optional: write-through persistence
	logger  *slog.Logger
}

// NewStore creates an empty store. A nil logger falls back to
// slog.Default().
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries: make(map[string]Entry),
		logger:  logger,
	}
}

// SetDB enables write-through persistence to the given database.
func (s *Store) SetDB(db *DB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db = db
}

// LoadFromDB populates the store from the database. No-op without a DB.
func (s *Store) LoadFromDB() error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil
	}

	entries, err := db.LoadEntries()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[e.Contract.Key()] = e
	}
	return nil
}

// Add records a desired subscription. Adding an already-present contract
// refreshes nothing and persists nothing.
func (s *Store) Add(contract market.Contract) {
	s.mu.Lock()
	key := contract.Key()
	if _, ok := s.entries[key]; ok {
		s.mu.Unlock()
		return
	}
	entry := Entry{Contract: contract, AddedAt: time.Now()}
	s.entries[key] = entry
	db := s.db
	s.mu.Unlock()

	if db != nil {
		if err := db.SaveEntry(entry); err != nil {
			s.logger.Error("Failed to persist watchlist entry", "key", key, "error", err)
		}
	}
}

// Remove deletes a desired subscription. Unknown contracts are a no-op.
func (s *Store) Remove(contract market.Contract) {
	s.mu.Lock()
	key := contract.Key()
	_, ok := s.entries[key]
	delete(s.entries, key)
	db := s.db
	s.mu.Unlock()

	if ok && db != nil {
		if err := db.DeleteEntry(key); err != nil {
			s.logger.Error("Failed to delete watchlist entry", "key", key, "error", err)
		}
	}
}

// Contains reports whether the contract is in the store.
func (s *Store) Contains(contract market.Contract) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[contract.Key()]
	return ok
}

// List returns all desired contracts.
func (s *Store) List() []market.Contract {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.Contract, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Contract)
	}
	return out
}

// Len returns the number of desired subscriptions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear removes every entry, including persisted ones.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]Entry)
	db := s.db
	s.mu.Unlock()

	if db != nil {
		if err := db.DeleteAll(); err != nil {
			s.logger.Error("Failed to clear persisted watchlist", "error", err)
		}
	}
}
