package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store holds the authoritative childID -> Session mapping. At most one
// session exists per child. Implementations return copies; callers may
// mutate what they get back.
type Store interface {
	// UpsertStart replaces any session for childID with a fresh one seeded
	// from initial.
	UpsertStart(ctx context.Context, childID, activityID int64, gameType GameType, initial Data) (*Session, error)
	// MergeProgress merges partial into the child's snapshot, creating the
	// session if none exists.
	MergeProgress(ctx context.Context, childID, activityID int64, gameType GameType, partial Data) (*Session, error)
	// Remove deletes the child's session. Missing sessions are not an error.
	Remove(ctx context.Context, childID int64) error
	Get(ctx context.Context, childID int64) (*Session, bool, error)
	List(ctx context.Context) ([]*Session, error)
	// EvictIdle removes and returns sessions whose LastUpdate is before cutoff.
	EvictIdle(ctx context.Context, cutoff time.Time) ([]*Session, error)
}

// MemoryStore is the in-process Store. It is the default backend and the
// one the relay's ordering guarantees are written against.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[int64]*Session),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) UpsertStart(_ context.Context, childID, activityID int64, gameType GameType, initial Data) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := NewSession(childID, activityID, gameType, initial, s.now())
	s.sessions[childID] = st
	return st.Clone(), nil
}

func (s *MemoryStore) MergeProgress(_ context.Context, childID, activityID int64, gameType GameType, partial Data) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st, ok := s.sessions[childID]
	if !ok {
		st = NewSession(childID, activityID, gameType, partial, now)
		st.Synthesized = true
		s.sessions[childID] = st
		return st.Clone(), nil
	}

	if st.ActivityID == 0 {
		st.ActivityID = activityID
	}
	if st.GameType == "" {
		st.GameType = gameType
	}
	st.Snapshot.Merge(partial)
	st.LastUpdate = now
	return st.Clone(), nil
}

func (s *MemoryStore) Remove(_ context.Context, childID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, childID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, childID int64) (*Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[childID]
	if !ok {
		return nil, false, nil
	}
	return st.Clone(), true, nil
}

// List returns every live session ordered by child id.
func (s *MemoryStore) List(_ context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Session, 0, len(s.sessions))
	for _, st := range s.sessions {
		result = append(result, st.Clone())
	}
	SortByChild(result)
	return result, nil
}

func (s *MemoryStore) EvictIdle(_ context.Context, cutoff time.Time) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []*Session
	for id, st := range s.sessions {
		if st.LastUpdate.Before(cutoff) {
			evicted = append(evicted, st)
			delete(s.sessions, id)
		}
	}
	SortByChild(evicted)
	return evicted, nil
}

// Len returns the number of live sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// NewSession builds a session seeded from initial with both timestamps set
// to now. Exported for alternative Store implementations.
func NewSession(childID, activityID int64, gameType GameType, initial Data, now time.Time) *Session {
	snap := Data{}
	snap.Merge(initial)
	return &Session{
		ChildID:    childID,
		ActivityID: activityID,
		GameType:   gameType,
		Snapshot:   snap,
		StartedAt:  now,
		LastUpdate: now,
	}
}

// SortByChild orders sessions by ascending child id in place.
func SortByChild(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ChildID < sessions[j].ChildID
	})
}
