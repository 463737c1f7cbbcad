package autonomy

import (
	"sync"
	"time"

	"github.com/mkosta/autopilot/internal/domain"
)

// suggestionTTL bounds how long a planned suggestion stays executable.
// Market data behind a plan goes stale; a day-old suggestion must be
// re-planned, not acted on.
const suggestionTTL = time.Hour

type suggestionEntry struct {
	suggestion *domain.RepairSuggestion
	plannedAt  time.Time
}

// SuggestionStore holds the most recent planning run per user so the
// executor and the pending-repairs endpoint act on exactly what was
// suggested, not on a re-derivation.
type SuggestionStore struct {
	mu      sync.RWMutex
	byUser  map[string]map[string]suggestionEntry // user -> repair id -> entry
	nowFunc func() time.Time
}

// NewSuggestionStore creates an empty in-memory suggestion store.
func NewSuggestionStore() *SuggestionStore {
	return &SuggestionStore{
		byUser:  make(map[string]map[string]suggestionEntry),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Replace swaps in the suggestions from a fresh planning run, dropping
// whatever the previous run produced for the user.
func (s *SuggestionStore) Replace(userID string, suggestions []*domain.RepairSuggestion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[string]suggestionEntry, len(suggestions))
	now := s.nowFunc()
	for _, sg := range suggestions {
		entries[sg.RepairID] = suggestionEntry{suggestion: sg, plannedAt: now}
	}
	s.byUser[userID] = entries
}

// Get returns one live suggestion, or nil when it is unknown or expired.
func (s *SuggestionStore) Get(userID, repairID string) *domain.RepairSuggestion {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.byUser[userID][repairID]
	if !ok || s.nowFunc().Sub(entry.plannedAt) > suggestionTTL {
		return nil
	}
	return entry.suggestion
}

// PendingFor returns every live suggestion for the user.
func (s *SuggestionStore) PendingFor(userID string) []*domain.RepairSuggestion {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.nowFunc()
	var out []*domain.RepairSuggestion
	for _, entry := range s.byUser[userID] {
		if now.Sub(entry.plannedAt) <= suggestionTTL {
			out = append(out, entry.suggestion)
		}
	}
	return out
}

// Remove drops one suggestion, typically after it is executed or reverted.
func (s *SuggestionStore) Remove(userID, repairID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byUser[userID], repairID)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
