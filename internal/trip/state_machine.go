package trip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/tripledger/internal/apperr"
)

// AllowedTransitions defines valid status transitions. InDispute → Completed
// additionally requires a force close.
func AllowedTransitions() map[Status][]Status {
	return map[Status][]Status{
		StatusActive:    {StatusInDispute, StatusCompleted},
		StatusInDispute: {StatusActive, StatusCompleted},
		StatusCompleted: {},
	}
}

// CheckTransition validates from → to.
func CheckTransition(tripID string, from, to Status, force bool) error {
	const op = "trip.transition"
	for _, allowed := range AllowedTransitions()[from] {
		if allowed != to {
			continue
		}
		if from == StatusInDispute && to == StatusCompleted && !force {
			return apperr.Conflict(op, "trip %s has an open dispute", tripID)
		}
		return nil
	}
	return apperr.InvalidState(op, "trip %s cannot move from %s to %s", tripID, from, to)
}

// Transition is one link of a trip's status history. Seq starts at 1 for
// each trip.
type Transition struct {
	ID       string    `json:"id"`
	TripID   string    `json:"trip_id"`
	Seq      int       `json:"seq"`
	From     Status    `json:"from"`
	To       Status    `json:"to"`
	Reason   string    `json:"reason"`
	Actor    string    `json:"actor"`
	At       time.Time `json:"at"`
	PrevHash string    `json:"prev_hash"`
	Hash     string    `json:"hash"`
}

// HistoryStore persists transitions. AppendTransition must fail with a
// conflict when the trip already has a link at tr.Seq.
type HistoryStore interface {
	AppendTransition(ctx context.Context, tr Transition) error
	Transitions(ctx context.Context, tripID string) ([]Transition, error)
}

// History keeps a hash-chained log of status transitions per trip.
// Callers record inside the trip lease, so links of one trip never race.
type History struct {
	store HistoryStore
}

// NewHistory returns a History kept in process memory.
func NewHistory() *History {
	return NewStoredHistory(NewMemoryHistory())
}

func NewStoredHistory(store HistoryStore) *History {
	return &History{store: store}
}

// Record appends a transition for tripID and returns it.
func (h *History) Record(ctx context.Context, tripID string, from, to Status, actor, reason string, at time.Time) (Transition, error) {
	links, err := h.store.Transitions(ctx, tripID)
	if err != nil {
		return Transition{}, err
	}
	var prev string
	if len(links) > 0 {
		prev = links[len(links)-1].Hash
	}
	tr := Transition{
		ID:       uuid.NewString(),
		TripID:   tripID,
		Seq:      len(links) + 1,
		From:     from,
		To:       to,
		Reason:   reason,
		Actor:    actor,
		At:       at.UTC().Truncate(time.Microsecond),
		PrevHash: prev,
	}
	tr.Hash = transitionHash(tr)
	if err := h.store.AppendTransition(ctx, tr); err != nil {
		return Transition{}, err
	}
	return tr, nil
}

// Transitions returns tripID's history in order.
func (h *History) Transitions(ctx context.Context, tripID string) ([]Transition, error) {
	return h.store.Transitions(ctx, tripID)
}

// VerifyChain checks hash continuity of a trip's history.
func (h *History) VerifyChain(ctx context.Context, tripID string) error {
	links, err := h.store.Transitions(ctx, tripID)
	if err != nil {
		return err
	}
	return VerifyTransitions(links)
}

// VerifyTransitions checks a sequence of transitions for gaps, broken links
// or altered content.
func VerifyTransitions(links []Transition) error {
	for i, tr := range links {
		if tr.Seq != i+1 {
			return fmt.Errorf("trip: transition %s has seq %d, want %d", tr.ID, tr.Seq, i+1)
		}
		if i > 0 && tr.PrevHash != links[i-1].Hash {
			return fmt.Errorf("trip: hash chain broken at transition %s", tr.ID)
		}
		if transitionHash(tr) != tr.Hash {
			return fmt.Errorf("trip: hash mismatch at transition %s", tr.ID)
		}
	}
	return nil
}

// MemoryHistory is an in-process HistoryStore.
type MemoryHistory struct {
	mu    sync.Mutex
	chain map[string][]Transition
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{chain: make(map[string][]Transition)}
}

func (m *MemoryHistory) AppendTransition(_ context.Context, tr Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr.Seq != len(m.chain[tr.TripID])+1 {
		return apperr.Conflict("trip.history", "trip %s already has a transition at seq %d", tr.TripID, tr.Seq)
	}
	m.chain[tr.TripID] = append(m.chain[tr.TripID], tr)
	return nil
}

func (m *MemoryHistory) Transitions(_ context.Context, tripID string) ([]Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.chain[tripID]...), nil
}

func transitionHash(tr Transition) string {
	hashInput := fmt.Sprintf("%s|%d|%s|%s|%s|%s|%s|%s",
		tr.TripID, tr.Seq, tr.From, tr.To, tr.Reason, tr.Actor, tr.At.Format(time.RFC3339Nano), tr.PrevHash)
	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}
