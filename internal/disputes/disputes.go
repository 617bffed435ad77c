// Package disputes places holds on trips and reconciles their financials when
// a dispute is resolved with corrected values.
package disputes

import (
	"time"

	"github.com/example/tripledger/internal/ledger"
	"github.com/example/tripledger/internal/money"
	"github.com/example/tripledger/internal/trip"
)

type Status string

const (
	StatusOpen     Status = "Open"
	StatusResolved Status = "Resolved"
)

// Dispute is a hold on a trip. At most one dispute per trip is Open.
type Dispute struct {
	ID         string      `json:"id"`
	TripID     string      `json:"trip_id"`
	LRNumber   string      `json:"lr_number"`
	AgentID    string      `json:"agent_id"`
	Type       Type        `json:"type"`
	Reason     string      `json:"reason,omitempty"`
	Amount     money.Money `json:"amount"`
	Status     Status      `json:"status"`
	CreatedBy  string      `json:"created_by"`
	CreatedAt  time.Time   `json:"created_at"`
	ResolvedBy string      `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
	Resolution string      `json:"resolution,omitempty"`
	// Corrections are the non-zero deltas applied when the dispute was resolved.
	Corrections []Delta `json:"corrections,omitempty"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	TripID  string
	AgentID string
	Status  Status
	Limit   int
}

func (f Filter) matches(d Dispute) bool {
	if f.TripID != "" && d.TripID != f.TripID {
		return false
	}
	if f.AgentID != "" && d.AgentID != f.AgentID {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	return true
}

// OpenInput describes a new dispute.
type OpenInput struct {
	Type   string      `json:"type"`
	Reason string      `json:"reason"`
	Amount money.Money `json:"amount"`
}

// ResolveInput carries the corrected trip values. Fields absent from
// Corrections keep their current value.
type ResolveInput struct {
	Corrections map[trip.Field]money.Money `json:"corrections"`
	Resolution  string                     `json:"resolution,omitempty"`
}

// Delta records one corrected field.
type Delta struct {
	Field trip.Field  `json:"field"`
	Old   money.Money `json:"old"`
	New   money.Money `json:"new"`
	Delta money.Money `json:"delta"`
}

// Resolution is the outcome of ResolveDispute. Entries are the correction
// entries as posted; it is empty when every delta was zero.
type Resolution struct {
	Dispute Dispute        `json:"dispute"`
	Trip    trip.Trip      `json:"trip"`
	Deltas  []Delta        `json:"deltas"`
	Entries []ledger.Entry `json:"entries"`
}
