package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tripledger/internal/apperr"
	"github.com/example/tripledger/internal/metrics"
	"github.com/example/tripledger/internal/money"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *MemoryStore, *metrics.Metrics) {
	t.Helper()
	store := NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry())
	return NewService(store, Options{Metrics: m}), store, m
}

func requireConsistent(t *testing.T, store Store) {
	t.Helper()
	results, err := CheckConsistency(context.Background(), store, testNow)
	require.NoError(t, err)
	for _, r := range results {
		assert.Truef(t, r.IsConsistent, "agent %s: materialized %s, folded %s", r.AgentID, r.Materialized, r.Folded)
	}
}

func TestFoldIgnoresInformational(t *testing.T) {
	entries := []Entry{
		{AgentID: "a", Direction: Credit, Amount: money.FromMajor(100)},
		{AgentID: "a", Direction: Debit, Amount: money.FromMajor(30)},
		{AgentID: "a", Direction: Debit, Amount: money.FromMajor(1000), IsInformational: true},
		{AgentID: "b", Direction: Credit, Amount: money.FromMajor(5)},
	}
	assert.Equal(t, money.FromMajor(75), Fold(entries))
	byAgent := FoldByAgent(entries)
	assert.Equal(t, money.FromMajor(70), byAgent["a"])
	assert.Equal(t, money.FromMajor(5), byAgent["b"])
}

func TestValidateEntry(t *testing.T) {
	ok := Entry{AgentID: "a", Type: TypeTopUp, Direction: Credit, Amount: 1}
	require.NoError(t, ValidateEntry(ok))

	cases := map[string]Entry{
		"missing agent":   {Type: TypeTopUp, Direction: Credit},
		"unknown type":    {AgentID: "a", Type: "Bonus", Direction: Credit},
		"bad direction":   {AgentID: "a", Type: TypeTopUp, Direction: "Sideways"},
		"negative amount": {AgentID: "a", Type: TypeTopUp, Direction: Credit, Amount: -1},
		"bad bucket": {AgentID: "a", Type: TypeTripDeduction, Direction: Debit,
			Key: &NaturalKey{TripID: "t", AgentID: "a", Bucket: "misc"}},
		"key agent mismatch": {AgentID: "a", Type: TypeTripDeduction, Direction: Debit,
			Key: &NaturalKey{TripID: "t", AgentID: "b", Bucket: BucketBeta}},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			assert.True(t, errors.Is(ValidateEntry(e), apperr.ErrValidation))
		})
	}
}

func TestTopUpAndBalance(t *testing.T) {
	ctx := context.Background()
	svc, store, m := newTestService(t)

	e, err := svc.TopUp(ctx, WalletInput{AgentID: "agent-1", Amount: money.FromMajor(500), Actor: "fin-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, TypeTopUp, e.Type)
	assert.Equal(t, Credit, e.Direction)

	bal, err := svc.Balance(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, money.FromMajor(500), bal)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EntriesPosted.WithLabelValues("TopUp", "Credit")))

	_, err = svc.TopUp(ctx, WalletInput{AgentID: "agent-1"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	requireConsistent(t, store)
}

func TestVirtualTopUpIsNetZero(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	pair, err := svc.VirtualTopUp(ctx, WalletInput{AgentID: "agent-1", Amount: money.MustParse("250.50")})
	require.NoError(t, err)
	require.Len(t, pair, 2)
	assert.Equal(t, pair[0].PairID, pair[1].PairID)
	assert.Equal(t, TypeVirtualTopUp, pair[0].Type)
	assert.Equal(t, TypeVirtualExpense, pair[1].Type)

	bal, _ := svc.Balance(ctx, "agent-1")
	assert.True(t, bal.IsZero())

	ids, err := svc.DeleteCorrectable(ctx, pair[1].ID)
	require.Error(t, err, "virtual expense twin is not itself correctable")
	assert.Nil(t, ids)

	ids, err = svc.DeleteCorrectable(ctx, pair[0].ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{pair[0].ID, pair[1].ID}, ids)
	requireConsistent(t, store)
}

func TestVirtualExpenseIsInformational(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	e, err := svc.VirtualExpense(ctx, WalletInput{AgentID: "agent-1", Amount: money.FromMajor(40)})
	require.NoError(t, err)
	assert.True(t, e.IsInformational)
	bal, _ := svc.Balance(ctx, "agent-1")
	assert.True(t, bal.IsZero())
}

func TestTransferPostsTwinsAndDeletesBoth(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	_, err := svc.TopUp(ctx, WalletInput{AgentID: "a", Amount: money.FromMajor(1000)})
	require.NoError(t, err)

	pair, err := svc.Transfer(ctx, TransferInput{FromAgentID: "a", ToAgentID: "b", Amount: money.FromMajor(400)})
	require.NoError(t, err)
	require.Len(t, pair, 2)
	assert.Equal(t, pair[0].Amount, pair[1].Amount)
	assert.Equal(t, pair[0].Direction.Opposite(), pair[1].Direction)
	assert.Equal(t, pair[0].PairID, pair[1].PairID)

	a, _ := svc.Balance(ctx, "a")
	b, _ := svc.Balance(ctx, "b")
	assert.Equal(t, money.FromMajor(600), a)
	assert.Equal(t, money.FromMajor(400), b)

	ids, err := svc.DeleteCorrectable(ctx, pair[1].ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{pair[0].ID, pair[1].ID}, ids)

	remaining, err := svc.Entries(ctx, Filter{Types: []Type{TypeAgentTransfer}})
	require.NoError(t, err)
	assert.Empty(t, remaining)

	a, _ = svc.Balance(ctx, "a")
	b, _ = svc.Balance(ctx, "b")
	assert.Equal(t, money.FromMajor(1000), a)
	assert.True(t, b.IsZero())
	requireConsistent(t, store)
}

func TestTransferValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.Transfer(ctx, TransferInput{FromAgentID: "a", ToAgentID: "a", Amount: 1})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = svc.Transfer(ctx, TransferInput{FromAgentID: "a", ToAgentID: "b", Amount: money.FromMajor(1)})
	assert.True(t, errors.Is(err, apperr.ErrInsufficientBalance))
}

func TestConcurrentTransfersNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	_, err := svc.TopUp(ctx, WalletInput{AgentID: "a", Amount: money.FromMajor(100)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Transfer(ctx, TransferInput{FromAgentID: "a", ToAgentID: "b", Amount: money.FromMajor(10)})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	a, _ := svc.Balance(ctx, "a")
	assert.True(t, a.IsZero())
	requireConsistent(t, store)
}

func TestDeleteOutsideAllowList(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	e, err := svc.Post(ctx, Entry{AgentID: "a", Type: TypeTripCreated, Direction: Debit, Amount: money.FromMajor(2000), TripID: "t1"})
	require.NoError(t, err)
	_, err = svc.DeleteCorrectable(ctx, e.ID)
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	mirror, err := svc.Post(ctx, Entry{AgentID: "a", Type: TypeTopUp, Direction: Credit, Amount: 1, TripID: "t1", PaymentID: "p1"})
	require.NoError(t, err)
	_, err = svc.DeleteCorrectable(ctx, mirror.ID)
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	_, err = svc.DeleteCorrectable(ctx, "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestMirrorTopUpCannotBeAmended(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	mirror, err := svc.Post(ctx, Entry{AgentID: "a", Type: TypeTopUp, Direction: Credit, Amount: money.FromMajor(500), TripID: "t1", PaymentID: "p1"})
	require.NoError(t, err)
	amount := money.FromMajor(900)
	_, err = svc.Amend(ctx, mirror.ID, Patch{Amount: &amount})
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	got, err := store.Get(ctx, mirror.ID)
	require.NoError(t, err)
	assert.Equal(t, money.FromMajor(500), got.Amount)

	plain, err := svc.TopUp(ctx, WalletInput{AgentID: "a", Amount: money.FromMajor(100)})
	require.NoError(t, err)
	amended, err := svc.Amend(ctx, plain.ID, Patch{Amount: &amount})
	require.NoError(t, err)
	assert.Equal(t, amount, amended.Amount)
	requireConsistent(t, store)
}

func TestUpsertIsIdempotentPerNaturalKey(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	key := &NaturalKey{TripID: "t1", AgentID: "a", Bucket: BucketAdditions}

	first, created, err := svc.Upsert(ctx, Entry{AgentID: "a", Type: TypeTripDeduction, Direction: Debit, Amount: money.FromMajor(200), TripID: "t1", Key: key})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := svc.Upsert(ctx, Entry{AgentID: "a", Type: TypeTripDeduction, Direction: Debit, Amount: money.FromMajor(200), TripID: "t1", Key: key})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	third, _, err := svc.Upsert(ctx, Entry{AgentID: "a", Type: TypeTripDeduction, Direction: Debit, Amount: money.FromMajor(350), TripID: "t1", Key: key})
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)

	entries, err := svc.Entries(ctx, Filter{TripID: "t1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, money.FromMajor(350), entries[0].Amount)

	bal, _ := svc.Balance(ctx, "a")
	assert.Equal(t, money.FromMajor(-350), bal)
	requireConsistent(t, store)

	_, err = store.Append(ctx, Entry{AgentID: "a", Type: TypeTripDeduction, Direction: Debit, Key: key})
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestAmendPairUpdatesTwin(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	_, err := svc.TopUp(ctx, WalletInput{AgentID: "a", Amount: money.FromMajor(1000)})
	require.NoError(t, err)
	pair, err := svc.Transfer(ctx, TransferInput{FromAgentID: "a", ToAgentID: "b", Amount: money.FromMajor(100)})
	require.NoError(t, err)

	amount := money.FromMajor(250)
	_, err = svc.Amend(ctx, pair[0].ID, Patch{Amount: &amount})
	require.NoError(t, err)

	twin, err := store.Get(ctx, pair[1].ID)
	require.NoError(t, err)
	assert.Equal(t, amount, twin.Amount)

	a, _ := svc.Balance(ctx, "a")
	b, _ := svc.Balance(ctx, "b")
	assert.Equal(t, money.FromMajor(750), a)
	assert.Equal(t, money.FromMajor(250), b)
	requireConsistent(t, store)

	settle, err := svc.Post(ctx, Entry{AgentID: "a", Type: TypeSettlement, Direction: Debit, IsInformational: true})
	require.NoError(t, err)
	_, err = svc.Amend(ctx, settle.ID, Patch{Amount: &amount})
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestAppendBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.PostBatch(ctx, []Entry{
		{AgentID: "a", Type: TypeTopUp, Direction: Credit, Amount: 10},
		{AgentID: "", Type: TypeOnTripPayment, Direction: Debit, Amount: 10},
	})
	require.Error(t, err)

	entries, err := svc.Entries(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCheckConsistencyReportsDrift(t *testing.T) {
	ctx := context.Background()
	svc, store, m := newTestService(t)
	_, err := svc.TopUp(ctx, WalletInput{AgentID: "a", Amount: money.FromMajor(10)})
	require.NoError(t, err)

	store.corrupt("a", money.FromMajor(11))
	results, err := svc.CheckConsistency(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].IsConsistent)
	assert.Equal(t, money.FromMajor(1), results[0].Drift)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DriftFindings.WithLabelValues("agent_balance")))
}

func TestFilter(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	for i := 0; i < 3; i++ {
		_, err := svc.TopUp(ctx, WalletInput{AgentID: "a", Amount: 1})
		require.NoError(t, err)
	}
	_, err := svc.Post(ctx, Entry{AgentID: "a", Type: TypeOnTripPayment, Direction: Debit, Amount: 1, TripID: "t", PaymentID: "p"})
	require.NoError(t, err)

	got, _ := svc.Entries(ctx, Filter{AgentID: "a", Limit: 2})
	assert.Len(t, got, 2)
	got, _ = svc.Entries(ctx, Filter{PaymentID: "p"})
	assert.Len(t, got, 1)
	got, _ = svc.Entries(ctx, Filter{Types: []Type{TypeTopUp}})
	assert.Len(t, got, 3)
	got, _ = svc.Entries(ctx, Filter{AgentID: "nobody"})
	assert.Empty(t, got)
}
