// Package trip owns a freight trip's financial fields and the lifecycle
// operations that mutate them: creation, mid-trip payments, deductions and
// closing.
package trip

import (
	"time"

	"github.com/example/tripledger/internal/agents"
	"github.com/example/tripledger/internal/money"
)

type Status string

const (
	StatusActive    Status = "Active"
	StatusInDispute Status = "InDispute"
	StatusCompleted Status = "Completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInDispute, StatusCompleted:
		return true
	}
	return false
}

// Deductions is the per-trip deduction bundle. Cess, Kata, ExcessTonnage,
// Halting, Expenses and Others are additive; Beta is withheld until close.
type Deductions struct {
	Cess          money.Money `json:"cess"`
	Kata          money.Money `json:"kata"`
	ExcessTonnage money.Money `json:"excess_tonnage"`
	Halting       money.Money `json:"halting"`
	Expenses      money.Money `json:"expenses"`
	Beta          money.Money `json:"beta"`
	Others        money.Money `json:"others"`
	OthersReason  string      `json:"others_reason,omitempty"`
	AddedBy       string      `json:"added_by,omitempty"`
	AddedByRole   agents.Role `json:"added_by_role,omitempty"`
}

// Additions sums the additive categories.
func (d Deductions) Additions() money.Money {
	return money.Sum(d.Cess, d.Kata, d.ExcessTonnage, d.Halting, d.Expenses, d.Others)
}

// DeductionPatch carries the categories to overwrite. Nil fields are kept.
type DeductionPatch struct {
	Cess          *money.Money `json:"cess,omitempty"`
	Kata          *money.Money `json:"kata,omitempty"`
	ExcessTonnage *money.Money `json:"excess_tonnage,omitempty"`
	Halting       *money.Money `json:"halting,omitempty"`
	Expenses      *money.Money `json:"expenses,omitempty"`
	Beta          *money.Money `json:"beta,omitempty"`
	Others        *money.Money `json:"others,omitempty"`
	OthersReason  *string      `json:"others_reason,omitempty"`
}

// Payment is a mid-trip payment. PaidFor is the agent whose wallet was debited.
type Payment struct {
	ID          string      `json:"id"`
	Amount      money.Money `json:"amount"`
	Reason      string      `json:"reason,omitempty"`
	Mode        string      `json:"mode,omitempty"`
	AddedBy     string      `json:"added_by"`
	AddedByRole agents.Role `json:"added_by_role"`
	PaidFor     string      `json:"paid_for"`
	Timestamp   time.Time   `json:"timestamp"`
}

type Trip struct {
	ID           string       `json:"id"`
	LRNumber     string       `json:"lr_number"`
	Status       Status       `json:"status"`
	IsBulk       bool         `json:"is_bulk"`
	Freight      money.Money  `json:"freight"`
	Advance      money.Money  `json:"advance"`
	Deductions   Deductions   `json:"deductions"`
	Payments     []Payment    `json:"payments"`
	Attachments  []string     `json:"attachments,omitempty"`
	Balance      money.Money  `json:"balance"`
	FinalBalance *money.Money `json:"final_balance,omitempty"`
	AgentID      string       `json:"agent_id"`
	DriverPhone  string       `json:"driver_phone"`
	Origin       string       `json:"origin,omitempty"`
	Destination  string       `json:"destination,omitempty"`
	Version      int64        `json:"version"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	ClosedBy     string       `json:"closed_by,omitempty"`
	ClosedAt     *time.Time   `json:"closed_at,omitempty"`
}

// Clone returns a deep copy so stores never share slices with callers.
func (t Trip) Clone() Trip {
	out := t
	out.Payments = append([]Payment(nil), t.Payments...)
	out.Attachments = append([]string(nil), t.Attachments...)
	if t.FinalBalance != nil {
		fb := *t.FinalBalance
		out.FinalBalance = &fb
	}
	if t.ClosedAt != nil {
		ca := *t.ClosedAt
		out.ClosedAt = &ca
	}
	return out
}

// Field names a correctable financial field.
type Field string

const (
	FieldFreight       Field = "freight"
	FieldAdvance       Field = "advance"
	FieldCess          Field = "cess"
	FieldKata          Field = "kata"
	FieldExcessTonnage Field = "excess_tonnage"
	FieldHalting       Field = "halting"
	FieldExpenses      Field = "expenses"
	FieldBeta          Field = "beta"
	FieldOthers        Field = "others"
)

// Fields lists correctable fields in a stable order.
var Fields = []Field{
	FieldFreight, FieldAdvance, FieldCess, FieldKata, FieldExcessTonnage,
	FieldHalting, FieldExpenses, FieldBeta, FieldOthers,
}

func (t *Trip) fieldRef(f Field) *money.Money {
	switch f {
	case FieldFreight:
		return &t.Freight
	case FieldAdvance:
		return &t.Advance
	case FieldCess:
		return &t.Deductions.Cess
	case FieldKata:
		return &t.Deductions.Kata
	case FieldExcessTonnage:
		return &t.Deductions.ExcessTonnage
	case FieldHalting:
		return &t.Deductions.Halting
	case FieldExpenses:
		return &t.Deductions.Expenses
	case FieldBeta:
		return &t.Deductions.Beta
	case FieldOthers:
		return &t.Deductions.Others
	}
	return nil
}

// Value returns a correctable field's value; ok is false for unknown fields.
func (t *Trip) Value(f Field) (money.Money, bool) {
	ref := t.fieldRef(f)
	if ref == nil {
		return 0, false
	}
	return *ref, true
}

// Set overwrites a correctable field; it reports false for unknown fields.
func (t *Trip) Set(f Field, v money.Money) bool {
	ref := t.fieldRef(f)
	if ref == nil {
		return false
	}
	*ref = v
	return true
}
