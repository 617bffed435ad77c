package trip

import (
	"github.com/example/tripledger/internal/agents"
	"github.com/example/tripledger/internal/money"
)

// CloseTolerance is the largest absolute final balance an Agent may close with.
const CloseTolerance = money.Money(1)

// ComputeTripBalance evaluates
//
//	(freight − advance) + additions − beta − Σpayments
//
// Bulk trips are always 0.
func ComputeTripBalance(t Trip) money.Money {
	if t.IsBulk {
		return 0
	}
	var paid money.Money
	for _, p := range t.Payments {
		paid = paid.Add(p.Amount)
	}
	return t.Freight.Sub(t.Advance).
		Add(t.Deductions.Additions()).
		Sub(t.Deductions.Beta).
		Sub(paid)
}

// ComputeFinalCloseBalance is the settlement frozen at close. Finance-funded
// payments were already mirrored into the paying agent's wallet as a top-up,
// so they are added back instead of deducted.
func ComputeFinalCloseBalance(t Trip) money.Money {
	if t.IsBulk {
		return 0
	}
	agentPaid, financePaid := SplitPayments(t)
	return t.Freight.Sub(t.Advance).
		Add(t.Deductions.Additions()).
		Sub(t.Deductions.Beta).
		Sub(agentPaid).
		Add(financePaid)
}

// SplitPayments totals payments by the role that added them.
func SplitPayments(t Trip) (agentPaid, financePaid money.Money) {
	for _, p := range t.Payments {
		if p.AddedByRole == agents.RoleFinance {
			financePaid = financePaid.Add(p.Amount)
		} else {
			agentPaid = agentPaid.Add(p.Amount)
		}
	}
	return agentPaid, financePaid
}

// WithinCloseTolerance reports whether an Agent may close with final.
func WithinCloseTolerance(final money.Money) bool {
	return final.Abs() <= CloseTolerance
}
