package trip

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tripledger/internal/agents"
	"github.com/example/tripledger/internal/apperr"
	"github.com/example/tripledger/internal/money"
)

func major(v int64) money.Money { return money.FromMajor(v) }

func TestComputeTripBalance(t *testing.T) {
	tr := Trip{
		Freight: major(10000),
		Advance: major(2000),
		Deductions: Deductions{
			Cess: major(200), Kata: major(50), ExcessTonnage: major(25),
			Halting: major(100), Expenses: major(75), Others: major(10),
			Beta: major(300),
		},
		Payments: []Payment{{Amount: major(1500)}, {Amount: major(500)}},
	}
	// 8000 + 460 - 300 - 2000
	assert.Equal(t, major(6160), ComputeTripBalance(tr))

	tr.IsBulk = true
	assert.True(t, ComputeTripBalance(tr).IsZero())
}

func TestComputeFinalCloseBalanceAddsBackFinancePayments(t *testing.T) {
	tr := Trip{
		Freight:    major(10000),
		Advance:    major(2000),
		Deductions: Deductions{Cess: major(200), Beta: major(300)},
		Payments: []Payment{
			{Amount: major(1500), AddedByRole: agents.RoleAgent},
			{Amount: major(1000), AddedByRole: agents.RoleFinance},
		},
	}
	// 8000 + 200 - 300 - 1500 + 1000
	assert.Equal(t, major(7400), ComputeFinalCloseBalance(tr))
	assert.Equal(t, major(5400), ComputeTripBalance(tr))

	agentPaid, financePaid := SplitPayments(tr)
	assert.Equal(t, major(1500), agentPaid)
	assert.Equal(t, major(1000), financePaid)
}

func TestWithinCloseTolerance(t *testing.T) {
	assert.True(t, WithinCloseTolerance(0))
	assert.True(t, WithinCloseTolerance(money.MustParse("0.01")))
	assert.True(t, WithinCloseTolerance(money.MustParse("-0.01")))
	assert.False(t, WithinCloseTolerance(money.MustParse("0.02")))
	assert.False(t, WithinCloseTolerance(major(-6400)))
}

func TestRoutePayment(t *testing.T) {
	active := Trip{ID: "t1", AgentID: "creator", Status: StatusActive}

	r, err := RoutePayment(active, AgentPayer{AgentID: "creator"})
	require.NoError(t, err)
	assert.Equal(t, Route{DebitedAgent: "creator", Role: agents.RoleAgent}, r)

	r, err = RoutePayment(active, AgentPayer{AgentID: "other"})
	require.NoError(t, err)
	assert.True(t, r.Informational)
	assert.False(t, r.MirrorCredit)

	r, err = RoutePayment(active, FinancePayer{UserID: "fin", SelectedAgentID: "creator"})
	require.NoError(t, err)
	assert.True(t, r.MirrorCredit)
	assert.False(t, r.Informational)
	assert.Equal(t, agents.RoleFinance, r.Role)

	_, err = RoutePayment(active, FinancePayer{UserID: "fin"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = RoutePayment(active, AgentPayer{})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = RoutePayment(active, nil)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	for _, st := range []Status{StatusInDispute, StatusCompleted} {
		_, err = RoutePayment(Trip{ID: "t1", Status: st}, AgentPayer{AgentID: "creator"})
		assert.True(t, errors.Is(err, apperr.ErrInvalidState), st)
	}
}

func TestRouteEntriesMirrorBeforeDebit(t *testing.T) {
	tr := Trip{ID: "t1", LRNumber: "LR-1", AgentID: "creator", Status: StatusActive}
	p := Payment{ID: "p1", Amount: major(700), AddedBy: "fin"}
	r, err := RoutePayment(tr, FinancePayer{UserID: "fin", SelectedAgentID: "creator"})
	require.NoError(t, err)

	entries := r.Entries(tr, p)
	require.Len(t, entries, 2)
	assert.Equal(t, "TopUp", string(entries[0].Type))
	assert.Equal(t, "Credit", string(entries[0].Direction))
	assert.Equal(t, "OnTripPayment", string(entries[1].Type))
	assert.Equal(t, "Debit", string(entries[1].Direction))
	for _, e := range entries {
		assert.Equal(t, "p1", e.PaymentID)
		assert.Equal(t, major(700), e.Amount)
	}

	notice := r.CreatorNotice(tr, p, major(42))
	assert.True(t, notice.IsInformational)
	require.NotNil(t, notice.ReferenceBalance)
	assert.Equal(t, major(42), *notice.ReferenceBalance)
}

func TestTripFieldAccess(t *testing.T) {
	var tr Trip
	for i, f := range Fields {
		require.True(t, tr.Set(f, major(int64(i+1))))
	}
	for i, f := range Fields {
		v, ok := tr.Value(f)
		require.True(t, ok)
		assert.Equal(t, major(int64(i+1)), v)
	}
	_, ok := tr.Value("mileage")
	assert.False(t, ok)
	assert.False(t, tr.Set("mileage", 1))
}
