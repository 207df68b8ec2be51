package store

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/searcher/pkg/types"
)

// Store is the bounded, time-evicting collection of in-flight opportunities.
// The orchestrator is the single writer; readers (dashboards, status queries)
// only ever receive snapshot copies, so they never observe a half-applied
// update.
type Store struct {
	mu          sync.RWMutex
	byID        map[string]*types.Opportunity
	blacklisted map[string]struct{}
	maxSize     int
}

// New creates a store bounded to maxSize records. A maxSize of 0 means
// unbounded.
func New(maxSize int) *Store {
	return &Store{
		byID:        make(map[string]*types.Opportunity),
		blacklisted: make(map[string]struct{}),
		maxSize:     maxSize,
	}
}

// Upsert inserts or replaces an opportunity by id. Blacklisted ids are
// silently rejected. When the store is full the oldest record is evicted to
// make room.
func (s *Store) Upsert(op *types.Opportunity) bool {
	if op == nil || op.ID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, banned := s.blacklisted[op.ID]; banned {
		return false
	}

	if _, exists := s.byID[op.ID]; !exists && s.maxSize > 0 && len(s.byID) >= s.maxSize {
		s.evictOldestLocked()
	}

	s.byID[op.ID] = op
	return true
}

// Get returns a copy of the opportunity with the given id.
func (s *Store) Get(id string) (types.Opportunity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.byID[id]
	if !ok {
		return types.Opportunity{}, false
	}
	return *op, true
}

// GetBest returns up to limit non-blacklisted opportunities meeting the
// profit and confidence floors, ranked by ExpectedProfit × Confidence
// descending. The result is a point-in-time snapshot.
func (s *Store) GetBest(limit int, minProfit, minConfidence float64) []types.Opportunity {
	s.mu.RLock()
	candidates := make([]types.Opportunity, 0, len(s.byID))
	for id, op := range s.byID {
		if _, banned := s.blacklisted[id]; banned {
			continue
		}
		if op.ExpectedProfit < minProfit || op.Confidence < minConfidence {
			continue
		}
		candidates = append(candidates, *op)
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].PriorityScore() > candidates[j].PriorityScore()
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// EvictStale removes records whose discovery time is older than ttl relative
// to now, returning the number removed.
func (s *Store) EvictStale(now time.Time, ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, op := range s.byID {
		if now.Sub(op.DetectedAt) > ttl {
			delete(s.byID, id)
			evicted++
		}
	}
	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("Stale opportunities evicted")
	}
	return evicted
}

// Blacklist removes the id and excludes it from future upserts for the life
// of the store (or until Unblacklist).
func (s *Store) Blacklist(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blacklisted[id] = struct{}{}
	delete(s.byID, id)
}

// Unblacklist re-admits a previously blacklisted id.
func (s *Store) Unblacklist(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blacklisted, id)
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// BlacklistedCount returns the number of blacklisted ids.
func (s *Store) BlacklistedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blacklisted)
}

// evictOldestLocked drops the record with the earliest discovery time.
// Caller holds the write lock.
func (s *Store) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, op := range s.byID {
		if oldestID == "" || op.DetectedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = op.DetectedAt
		}
	}
	if oldestID != "" {
		delete(s.byID, oldestID)
	}
}
