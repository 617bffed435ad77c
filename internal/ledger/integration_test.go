//go:build integration

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tripledger/internal/apperr"
	"github.com/example/tripledger/internal/money"
	"github.com/example/tripledger/internal/postgres/pgtest"
)

func TestPostgresStoreMaterializedBalance(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresStore(pgtest.Pool(t))
	svc := NewService(store, Options{})

	_, err := svc.TopUp(ctx, WalletInput{AgentID: "a", Amount: money.FromMajor(1000)})
	require.NoError(t, err)
	pair, err := svc.Transfer(ctx, TransferInput{FromAgentID: "a", ToAgentID: "b", Amount: money.FromMajor(300)})
	require.NoError(t, err)

	key := &NaturalKey{TripID: "t1", AgentID: "a", Bucket: BucketBeta}
	for _, amt := range []int64{100, 100, 250} {
		_, _, err := svc.Upsert(ctx, Entry{AgentID: "a", Type: TypeTripDeduction, Direction: Debit, Amount: money.FromMajor(amt), TripID: "t1", Key: key})
		require.NoError(t, err)
	}
	entries, err := store.Find(ctx, Filter{TripID: "t1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, money.FromMajor(250), entries[0].Amount)

	bal, err := svc.Balance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, money.FromMajor(450), bal)

	ids, err := svc.DeleteCorrectable(ctx, pair[0].ID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	results, err := svc.CheckConsistency(ctx)
	require.NoError(t, err)
	for _, r := range results {
		assert.Truef(t, r.IsConsistent, "agent %s drifted by %s", r.AgentID, r.Drift)
	}

	_, err = store.Get(ctx, pair[1].ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestPostgresStoreConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresStore(pgtest.Pool(t))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Append(ctx, Entry{AgentID: "a", Type: TypeTopUp, Direction: Credit, Amount: money.FromMajor(1)})
		}()
	}
	wg.Wait()

	entries, err := store.Find(ctx, Filter{AgentID: "a"})
	require.NoError(t, err)
	bal, err := store.Balance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, Fold(entries), bal)
}
