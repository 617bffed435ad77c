package trip

import (
	"strings"

	"github.com/example/tripledger/internal/agents"
	"github.com/example/tripledger/internal/apperr"
	"github.com/example/tripledger/internal/ledger"
	"github.com/example/tripledger/internal/money"
)

// Payer identifies who funds a mid-trip payment. The set of implementations is
// closed: AgentPayer and FinancePayer.
type Payer interface {
	// Actor is the user recorded as having added the payment.
	Actor() string
	Role() agents.Role
	isPayer()
}

// AgentPayer pays from the authenticated agent's own wallet.
type AgentPayer struct {
	AgentID string `json:"agent_id"`
}

func (p AgentPayer) Actor() string     { return p.AgentID }
func (p AgentPayer) Role() agents.Role { return agents.RoleAgent }
func (AgentPayer) isPayer()            {}

// FinancePayer funds a payment on behalf of a selected agent.
type FinancePayer struct {
	UserID          string `json:"user_id"`
	SelectedAgentID string `json:"selected_agent_id"`
}

func (p FinancePayer) Actor() string     { return p.UserID }
func (p FinancePayer) Role() agents.Role { return agents.RoleFinance }
func (FinancePayer) isPayer()            {}

// Route is the ledger consequence of a payment.
type Route struct {
	// DebitedAgent's wallet pays the trip.
	DebitedAgent string
	// MirrorCredit requires a top-up of the same amount on DebitedAgent,
	// posted before the debit.
	MirrorCredit bool
	// Informational requires a balance-neutral debit on the trip's creator
	// because someone else paid.
	Informational bool
	Role          agents.Role
}

// RoutePayment resolves which agent a payment debits.
func RoutePayment(t Trip, payer Payer) (Route, error) {
	const op = "trip.route_payment"
	if t.Status != StatusActive {
		return Route{}, apperr.InvalidState(op, "trip %s is %s; payments require Active", t.ID, t.Status)
	}

	var r Route
	switch p := payer.(type) {
	case FinancePayer:
		if strings.TrimSpace(p.SelectedAgentID) == "" {
			return Route{}, apperr.Validation(op, "finance payments require a selected agent")
		}
		r = Route{DebitedAgent: p.SelectedAgentID, MirrorCredit: true, Role: agents.RoleFinance}
	case AgentPayer:
		if strings.TrimSpace(p.AgentID) == "" {
			return Route{}, apperr.Validation(op, "agent payments require the paying agent")
		}
		r = Route{DebitedAgent: p.AgentID, Role: agents.RoleAgent}
	case nil:
		return Route{}, apperr.Validation(op, "payer is required")
	default:
		return Route{}, apperr.Validation(op, "unsupported payer %T", payer)
	}
	r.Informational = r.DebitedAgent != t.AgentID
	return r, nil
}

// Entries builds the entries that must be posted atomically for p. The
// informational creator entry is separate, see CreatorNotice.
func (r Route) Entries(t Trip, p Payment) []ledger.Entry {
	desc := paymentDescription(t, p)
	var out []ledger.Entry
	if r.MirrorCredit {
		out = append(out, ledger.Entry{
			AgentID:     r.DebitedAgent,
			Type:        ledger.TypeTopUp,
			Direction:   ledger.Credit,
			Amount:      p.Amount,
			TripID:      t.ID,
			LRNumber:    t.LRNumber,
			PaymentID:   p.ID,
			Description: "Finance top-up for " + desc,
			CreatedBy:   p.AddedBy,
		})
	}
	out = append(out, ledger.Entry{
		AgentID:     r.DebitedAgent,
		Type:        ledger.TypeOnTripPayment,
		Direction:   ledger.Debit,
		Amount:      p.Amount,
		TripID:      t.ID,
		LRNumber:    t.LRNumber,
		PaymentID:   p.ID,
		Description: desc,
		CreatedBy:   p.AddedBy,
	})
	return out
}

// CreatorNotice is the balance-neutral debit on the trip's creator carrying
// the creator's unaffected balance.
func (r Route) CreatorNotice(t Trip, p Payment, creatorBalance money.Money) ledger.Entry {
	ref := creatorBalance
	return ledger.Entry{
		AgentID:          t.AgentID,
		Type:             ledger.TypeOnTripPayment,
		Direction:        ledger.Debit,
		Amount:           p.Amount,
		TripID:           t.ID,
		LRNumber:         t.LRNumber,
		PaymentID:        p.ID,
		Description:      paymentDescription(t, p) + " paid by " + r.DebitedAgent,
		IsInformational:  true,
		ReferenceBalance: &ref,
		CreatedBy:        p.AddedBy,
	}
}

func paymentDescription(t Trip, p Payment) string {
	desc := "Trip payment LR " + t.LRNumber
	if p.Reason != "" {
		desc += ": " + p.Reason
	}
	return desc
}
