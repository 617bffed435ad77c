package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/tripledger/internal/apperr"
	"github.com/example/tripledger/internal/money"
)

// MemoryStore keeps entries in process. A single mutex covers the entry map,
// the natural-key index and the materialized balances, so every write and its
// balance adjustment are observed together.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	order    []string
	byKey    map[NaturalKey]string
	balances map[string]money.Money
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]*Entry),
		byKey:    make(map[NaturalKey]string),
		balances: make(map[string]money.Money),
		now:      time.Now,
	}
}

func (s *MemoryStore) Append(ctx context.Context, e Entry) (Entry, error) {
	out, err := s.AppendBatch(ctx, []Entry{e})
	if err != nil {
		return Entry{}, err
	}
	return out[0], nil
}

func (s *MemoryStore) AppendBatch(_ context.Context, entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, apperr.Validation("ledger.append", "no entries")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[NaturalKey]bool)
	prepared := make([]Entry, len(entries))
	for i, e := range entries {
		if err := ValidateEntry(e); err != nil {
			return nil, err
		}
		if e.Key != nil {
			if _, dup := s.byKey[*e.Key]; dup || seen[*e.Key] {
				return nil, apperr.Conflict("ledger.append", "entry for key %v already exists", *e.Key)
			}
			seen[*e.Key] = true
		}
		prepared[i] = s.stamp(e)
	}
	for i := range prepared {
		s.insert(prepared[i])
	}
	return prepared, nil
}

func (s *MemoryStore) stamp(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	if e.Key != nil {
		k := *e.Key
		e.Key = &k
	}
	return e
}

func (s *MemoryStore) insert(e Entry) {
	stored := e
	s.entries[e.ID] = &stored
	s.order = append(s.order, e.ID)
	if e.Key != nil {
		s.byKey[*e.Key] = e.ID
	}
	s.balances[e.AgentID] = s.balances[e.AgentID].Add(e.Signed())
}

func (s *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, apperr.NotFound("ledger.get", "entry %s not found", id)
	}
	return *e, nil
}

func (s *MemoryStore) Find(_ context.Context, f Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, id := range s.order {
		e := s.entries[id]
		if !f.matches(*e) {
			continue
		}
		out = append(out, *e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, p Patch) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, apperr.NotFound("ledger.update", "entry %s not found", id)
	}
	if err := checkAmendable(*e, p); err != nil {
		return Entry{}, err
	}
	now := s.now().UTC()
	s.amend(e, p, now)
	if p.Amount != nil && e.PairID != "" {
		if twin := s.twinOf(e); twin != nil {
			s.amend(twin, Patch{Amount: p.Amount}, now)
		}
	}
	return *e, nil
}

func (s *MemoryStore) amend(e *Entry, p Patch, now time.Time) {
	before := e.Signed()
	if p.Amount != nil {
		e.Amount = *p.Amount
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	if p.Direction != nil {
		e.Direction = *p.Direction
	}
	e.UpdatedAt = now
	s.balances[e.AgentID] = s.balances[e.AgentID].Add(e.Signed().Sub(before))
}

func (s *MemoryStore) twinOf(e *Entry) *Entry {
	for _, id := range s.order {
		other := s.entries[id]
		if other.ID != e.ID && other.PairID == e.PairID {
			return other
		}
	}
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, e Entry) (Entry, bool, error) {
	if e.Key == nil {
		return Entry{}, false, apperr.Validation("ledger.upsert", "natural key is required")
	}
	if err := ValidateEntry(e); err != nil {
		return Entry{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[*e.Key]; ok {
		existing := s.entries[id]
		amount, desc, dir := e.Amount, e.Description, e.Direction
		s.amend(existing, Patch{Amount: &amount, Description: &desc, Direction: &dir}, s.now().UTC())
		return *existing, false, nil
	}
	stamped := s.stamp(e)
	s.insert(stamped)
	return stamped, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, apperr.NotFound("ledger.delete", "entry %s not found", id)
	}
	if err := checkDeletable(*e); err != nil {
		return nil, err
	}
	victims := []*Entry{e}
	if e.PairID != "" {
		if twin := s.twinOf(e); twin != nil {
			victims = append(victims, twin)
		}
	}
	ids := make([]string, 0, len(victims))
	for _, v := range victims {
		s.balances[v.AgentID] = s.balances[v.AgentID].Sub(v.Signed())
		if v.Key != nil {
			delete(s.byKey, *v.Key)
		}
		delete(s.entries, v.ID)
		ids = append(ids, v.ID)
	}
	kept := s.order[:0]
	for _, oid := range s.order {
		if _, ok := s.entries[oid]; ok {
			kept = append(kept, oid)
		}
	}
	s.order = kept
	return ids, nil
}

func (s *MemoryStore) Balance(_ context.Context, agentID string) (money.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[agentID], nil
}

func (s *MemoryStore) Agents(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.balances))
	for id := range s.balances {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// corrupt overwrites a materialized balance; used by drift tests.
func (s *MemoryStore) corrupt(agentID string, m money.Money) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[agentID] = m
}
