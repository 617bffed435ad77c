package trip

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/tripledger/internal/apperr"
)

// Store persists trips. Update is optimistic: it succeeds only when the
// stored Version equals t.Version, and returns the trip with Version+1.
type Store interface {
	Get(ctx context.Context, id string) (Trip, error)
	Create(ctx context.Context, t Trip) (Trip, error)
	Update(ctx context.Context, t Trip) (Trip, error)
	// ExistsLR matches lr case-insensitively against LR numbers and trip ids.
	ExistsLR(ctx context.Context, lr string) (bool, error)
	List(ctx context.Context, f Filter) ([]Trip, error)
}

// Filter selects trips. Zero fields match everything.
type Filter struct {
	AgentID string
	Status  Status
	Limit   int
}

func (f Filter) matches(t Trip) bool {
	if f.AgentID != "" && t.AgentID != f.AgentID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}

// MemoryStore keeps trips in process.
type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]Trip)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trips[id]
	if !ok {
		return Trip{}, apperr.NotFound("trip.get", "trip %s not found", id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, t Trip) (Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trips[t.ID]; ok {
		return Trip{}, apperr.Conflict("trip.create", "trip %s already exists", t.ID)
	}
	if s.existsLR(t.LRNumber) || s.existsLR(t.ID) {
		return Trip{}, apperr.Conflict("trip.create", "LR number %s already exists", t.LRNumber)
	}
	t.Version = 1
	s.trips[t.ID] = t.Clone()
	return t, nil
}

func (s *MemoryStore) Update(_ context.Context, t Trip) (Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.trips[t.ID]
	if !ok {
		return Trip{}, apperr.NotFound("trip.update", "trip %s not found", t.ID)
	}
	if cur.Version != t.Version {
		return Trip{}, apperr.Conflict("trip.update", "trip %s was modified concurrently (version %d, have %d)", t.ID, cur.Version, t.Version)
	}
	t.Version++
	s.trips[t.ID] = t.Clone()
	return t, nil
}

func (s *MemoryStore) ExistsLR(_ context.Context, lr string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.existsLR(lr), nil
}

func (s *MemoryStore) existsLR(lr string) bool {
	needle := strings.TrimSpace(lr)
	if needle == "" {
		return false
	}
	for _, t := range s.trips {
		if strings.EqualFold(t.LRNumber, needle) || strings.EqualFold(t.ID, needle) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Trip
	for _, t := range s.trips {
		if f.matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// closedAt is a helper for stores that scan nullable timestamps.
func closedAt(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
