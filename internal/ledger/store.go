package ledger

import (
	"context"

	"github.com/example/tripledger/internal/money"
)

// Store is the append-oriented entry store. Implementations keep a
// materialized balance per agent that is updated in the same critical section
// (or database transaction) as every insert, amendment and deletion, so
// Balance(agent) always equals Fold over that agent's entries.
type Store interface {
	// Append inserts one entry and returns it with its id assigned.
	Append(ctx context.Context, e Entry) (Entry, error)
	// AppendBatch inserts all entries or none.
	AppendBatch(ctx context.Context, entries []Entry) ([]Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	Find(ctx context.Context, f Filter) ([]Entry, error)
	// Update amends an Amendable entry. Amount changes on a paired entry are
	// applied to its twin as well.
	Update(ctx context.Context, id string, p Patch) (Entry, error)
	// Upsert creates the entry for e.Key or sets the amount/description of the
	// existing one. created reports which happened.
	Upsert(ctx context.Context, e Entry) (out Entry, created bool, err error)
	// Delete removes a Correctable entry and its twin, returning removed ids.
	Delete(ctx context.Context, id string) ([]string, error)
	Balance(ctx context.Context, agentID string) (money.Money, error)
	// Agents lists every agent with at least one entry.
	Agents(ctx context.Context) ([]string, error)
}
