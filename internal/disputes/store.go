package disputes

import (
	"context"
	"sort"
	"sync"

	"github.com/example/tripledger/internal/apperr"
)

// Store persists disputes. Create fails with ConflictError when the trip
// already has an Open dispute.
type Store interface {
	FindOpen(ctx context.Context, tripID string) (Dispute, bool, error)
	Get(ctx context.Context, id string) (Dispute, error)
	Create(ctx context.Context, d Dispute) (Dispute, error)
	Update(ctx context.Context, d Dispute) (Dispute, error)
	List(ctx context.Context, f Filter) ([]Dispute, error)
}

// MemoryStore keeps disputes in process.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]Dispute
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]Dispute)}
}

func (s *MemoryStore) FindOpen(_ context.Context, tripID string) (Dispute, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.findOpen(tripID)
	return d, ok, nil
}

func (s *MemoryStore) findOpen(tripID string) (Dispute, bool) {
	for _, d := range s.disputes {
		if d.TripID == tripID && d.Status == StatusOpen {
			return d, true
		}
	}
	return Dispute{}, false
}

func (s *MemoryStore) Get(_ context.Context, id string) (Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	if !ok {
		return Dispute{}, apperr.NotFound("dispute.get", "dispute %s not found", id)
	}
	return d, nil
}

func (s *MemoryStore) Create(_ context.Context, d Dispute) (Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disputes[d.ID]; ok {
		return Dispute{}, apperr.Conflict("dispute.create", "dispute %s already exists", d.ID)
	}
	if d.Status == StatusOpen {
		if _, open := s.findOpen(d.TripID); open {
			return Dispute{}, apperr.Conflict("dispute.create", "trip %s already has an open dispute", d.TripID)
		}
	}
	s.disputes[d.ID] = d
	return d, nil
}

func (s *MemoryStore) Update(_ context.Context, d Dispute) (Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disputes[d.ID]; !ok {
		return Dispute{}, apperr.NotFound("dispute.update", "dispute %s not found", d.ID)
	}
	s.disputes[d.ID] = d
	return d, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Dispute
	for _, d := range s.disputes {
		if f.matches(d) {
			out = append(out, d)
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
