package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/example/tripledger/internal/apperr"
	"github.com/example/tripledger/internal/money"
)

// ValidateEntry checks the fields every store requires before insert.
func ValidateEntry(e Entry) error {
	const op = "ledger.validate"
	if strings.TrimSpace(e.AgentID) == "" {
		return apperr.Validation(op, "agent id is required")
	}
	if !e.Type.Valid() {
		return apperr.Validation(op, "unknown entry type %q", e.Type)
	}
	if !e.Direction.Valid() {
		return apperr.Validation(op, "invalid direction %q", e.Direction)
	}
	if e.Amount.IsNegative() {
		return apperr.Validation(op, "amount must be non-negative, got %s", e.Amount)
	}
	if e.Key != nil {
		if e.Key.TripID == "" || e.Key.AgentID == "" {
			return apperr.Validation(op, "natural key requires trip and agent")
		}
		if e.Key.Bucket != BucketAdditions && e.Key.Bucket != BucketBeta {
			return apperr.Validation(op, "unknown bucket %q", e.Key.Bucket)
		}
		if e.Key.AgentID != e.AgentID {
			return apperr.Validation(op, "natural key agent %s does not own entry", e.Key.AgentID)
		}
	}
	return nil
}

// checkDeletable enforces the correction allow-list. A top-up mirroring a
// Finance trip payment belongs to the trip and cannot be removed on its own.
func checkDeletable(e Entry) error {
	const op = "ledger.delete"
	if !e.Type.Correctable() {
		return apperr.Conflict(op, "entry %s of type %s cannot be deleted", e.ID, e.Type)
	}
	if e.Type == TypeTopUp && e.PaymentID != "" {
		return apperr.Conflict(op, "top-up %s mirrors trip payment %s", e.ID, e.PaymentID)
	}
	return nil
}

// checkAmendable applies the same pairing rule as checkDeletable: a mirror
// top-up only changes with its trip payment.
func checkAmendable(e Entry, p Patch) error {
	const op = "ledger.update"
	if !e.Type.Amendable() {
		return apperr.Conflict(op, "entry %s of type %s cannot be amended", e.ID, e.Type)
	}
	if e.Type == TypeTopUp && e.PaymentID != "" {
		return apperr.Conflict(op, "top-up %s mirrors trip payment %s", e.ID, e.PaymentID)
	}
	if p.Amount != nil && p.Amount.IsNegative() {
		return apperr.Validation(op, "amount must be non-negative, got %s", *p.Amount)
	}
	if p.Direction != nil {
		return apperr.Validation(op, "direction of entry %s cannot be amended", e.ID)
	}
	return nil
}

// ConsistencyResult compares the materialized balance of one agent with the
// fold of its entries.
type ConsistencyResult struct {
	AgentID      string      `json:"agent_id"`
	Materialized money.Money `json:"materialized"`
	Folded       money.Money `json:"folded"`
	Drift        money.Money `json:"drift"`
	IsConsistent bool        `json:"is_consistent"`
	CheckedAt    time.Time   `json:"checked_at"`
}

// CheckConsistency folds every agent's entries and compares the result with
// the store's materialized balance.
func CheckConsistency(ctx context.Context, store Store, now time.Time) ([]ConsistencyResult, error) {
	const op = "ledger.check_consistency"
	agents, err := store.Agents(ctx)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	results := make([]ConsistencyResult, 0, len(agents))
	for _, agentID := range agents {
		materialized, err := store.Balance(ctx, agentID)
		if err != nil {
			return nil, apperr.Internal(op, err)
		}
		entries, err := store.Find(ctx, Filter{AgentID: agentID})
		if err != nil {
			return nil, apperr.Internal(op, err)
		}
		folded := Fold(entries)
		results = append(results, ConsistencyResult{
			AgentID:      agentID,
			Materialized: materialized,
			Folded:       folded,
			Drift:        materialized.Sub(folded),
			IsConsistent: materialized == folded,
			CheckedAt:    now,
		})
	}
	return results, nil
}
