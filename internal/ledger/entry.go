package ledger

import (
	"time"

	"github.com/example/tripledger/internal/money"
)

// Direction is the accounting side of an entry from the agent's point of view.
type Direction string

const (
	Credit Direction = "Credit"
	Debit  Direction = "Debit"
)

func (d Direction) Valid() bool { return d == Credit || d == Debit }

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Credit {
		return Debit
	}
	return Credit
}

// Type is the closed enumeration of business reasons for an entry.
// Extend only by adding values.
type Type string

const (
	TypeTripCreated    Type = "TripCreated"
	TypeTopUp          Type = "TopUp"
	TypeVirtualTopUp   Type = "VirtualTopUp"
	TypeVirtualExpense Type = "VirtualExpense"
	TypeOnTripPayment  Type = "OnTripPayment"
	TypeAgentTransfer  Type = "AgentTransfer"
	TypeSettlement     Type = "Settlement"
	TypeTripClosed     Type = "TripClosed"
	TypeBetaCredit     Type = "BetaCredit"
	TypeTripDeduction  Type = "TripDeduction"

	TypeCorrectionFreight       Type = "DisputeCorrectionFreight"
	TypeCorrectionAdvance       Type = "DisputeCorrectionAdvance"
	TypeCorrectionCess          Type = "DisputeCorrectionCess"
	TypeCorrectionKata          Type = "DisputeCorrectionKata"
	TypeCorrectionExcessTonnage Type = "DisputeCorrectionExcessTonnage"
	TypeCorrectionHalting       Type = "DisputeCorrectionHalting"
	TypeCorrectionExpenses      Type = "DisputeCorrectionExpenses"
	TypeCorrectionBeta          Type = "DisputeCorrectionBeta"
	TypeCorrectionOthers        Type = "DisputeCorrectionOthers"
)

var knownTypes = map[Type]bool{
	TypeTripCreated: true, TypeTopUp: true, TypeVirtualTopUp: true, TypeVirtualExpense: true,
	TypeOnTripPayment: true, TypeAgentTransfer: true, TypeSettlement: true, TypeTripClosed: true,
	TypeBetaCredit: true, TypeTripDeduction: true,
	TypeCorrectionFreight: true, TypeCorrectionAdvance: true, TypeCorrectionCess: true,
	TypeCorrectionKata: true, TypeCorrectionExcessTonnage: true, TypeCorrectionHalting: true,
	TypeCorrectionExpenses: true, TypeCorrectionBeta: true, TypeCorrectionOthers: true,
}

func (t Type) Valid() bool { return knownTypes[t] }

// Correctable types may be deleted by an explicit correction. Deleting one twin
// of a pair deletes the other.
func (t Type) Correctable() bool {
	switch t {
	case TypeTopUp, TypeVirtualTopUp, TypeAgentTransfer:
		return true
	}
	return false
}

// Amendable types may have their amount or description changed in place.
func (t Type) Amendable() bool {
	switch t {
	case TypeTripDeduction, TypeTopUp, TypeVirtualTopUp, TypeVirtualExpense, TypeAgentTransfer:
		return true
	}
	return false
}

// CorrectionBucket reports the deduction bucket whose categories a dispute
// correction of type t adjusts.
func (t Type) CorrectionBucket() (Bucket, bool) {
	switch t {
	case TypeCorrectionCess, TypeCorrectionKata, TypeCorrectionExcessTonnage,
		TypeCorrectionHalting, TypeCorrectionExpenses, TypeCorrectionOthers:
		return BucketAdditions, true
	case TypeCorrectionBeta:
		return BucketBeta, true
	}
	return "", false
}

// Bucket groups deduction categories for the natural-key upsert.
type Bucket string

const (
	BucketAdditions Bucket = "additions"
	BucketBeta      Bucket = "beta"
)

// NaturalKey identifies the single upsertable entry for a trip, contributing
// agent and bucket.
type NaturalKey struct {
	TripID  string `json:"trip_id"`
	AgentID string `json:"agent_id"`
	Bucket  Bucket `json:"bucket"`
}

// Entry is one signed movement on exactly one agent's balance.
type Entry struct {
	ID               string       `json:"id"`
	AgentID          string       `json:"agent_id"`
	Type             Type         `json:"type"`
	Direction        Direction    `json:"direction"`
	Amount           money.Money  `json:"amount"`
	TripID           string       `json:"trip_id,omitempty"`
	LRNumber         string       `json:"lr_number,omitempty"`
	PaymentID        string       `json:"payment_id,omitempty"`
	PairID           string       `json:"pair_id,omitempty"`
	Key              *NaturalKey  `json:"key,omitempty"`
	Description      string       `json:"description,omitempty"`
	IsInformational  bool         `json:"is_informational"`
	ReferenceBalance *money.Money `json:"reference_balance,omitempty"`
	CreatedBy        string       `json:"created_by,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Signed is the entry's effect on the agent balance: +amount for a credit,
// -amount for a debit, zero for informational entries.
func (e Entry) Signed() money.Money {
	if e.IsInformational {
		return 0
	}
	if e.Direction == Credit {
		return e.Amount
	}
	return e.Amount.Neg()
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	AgentID   string
	TripID    string
	PaymentID string
	Types     []Type
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (f Filter) matches(e Entry) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.TripID != "" && e.TripID != f.TripID {
		return false
	}
	if f.PaymentID != "" && e.PaymentID != f.PaymentID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// Patch amends an entry in place. Nil fields are left unchanged. Direction
// is only honoured by natural-key upserts.
type Patch struct {
	Amount      *money.Money
	Description *string
	Direction   *Direction
}
