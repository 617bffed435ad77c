//go:build integration

package disputes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"

	"github.com/example/tripledger/internal/apperr"
	"github.com/example/tripledger/internal/ledger"
	"github.com/example/tripledger/internal/money"
	"github.com/example/tripledger/internal/postgres/pgtest"
	"github.com/example/tripledger/internal/trip"
)

// PostgresSuite runs the dispute workflow against a real database.
type PostgresSuite struct {
	suite.Suite
	pool       *pgxpool.Pool
	store      *PostgresStore
	trips      *trip.Service
	reconciler *Reconciler
}

func (s *PostgresSuite) SetupTest() {
	s.pool = pgtest.Pool(s.T())
	s.store = NewPostgresStore(s.pool)
	tripStore := trip.NewPostgresStore(s.pool)
	ls := ledger.NewService(ledger.NewPostgresStore(s.pool), ledger.Options{})
	history := trip.NewStoredHistory(trip.NewPostgresHistory(s.pool))
	s.trips = trip.NewService(tripStore, ls, trip.Options{History: history})
	s.reconciler = NewReconciler(s.store, tripStore, ls, Options{History: history})
	s.trips.SetDisputeGate(s.reconciler)
}

func (s *PostgresSuite) TestOneOpenDisputePerTrip() {
	ctx := context.Background()
	tr, err := s.trips.Create(ctx, trip.CreateInput{LRNumber: "PG-1", DriverPhone: "1", Freight: major(100)}, owner)
	s.Require().NoError(err)

	now := time.Now().UTC()
	_, err = s.store.Create(ctx, Dispute{ID: "d1", TripID: tr.ID, LRNumber: tr.LRNumber, AgentID: owner.ID, Type: TypeDelay, Status: StatusOpen, CreatedAt: now})
	s.Require().NoError(err)
	_, err = s.store.Create(ctx, Dispute{ID: "d2", TripID: tr.ID, LRNumber: tr.LRNumber, AgentID: owner.ID, Type: TypeDelay, Status: StatusOpen, CreatedAt: now})
	s.True(errors.Is(err, apperr.ErrConflict))

	found, open, err := s.store.FindOpen(ctx, tr.ID)
	s.Require().NoError(err)
	s.True(open)
	s.Equal("d1", found.ID)

	_, err = s.store.Update(ctx, Dispute{ID: "missing"})
	s.True(errors.Is(err, apperr.ErrNotFound))
}

func (s *PostgresSuite) TestOpenAndResolve() {
	ctx := context.Background()
	tr, err := s.trips.Create(ctx, trip.CreateInput{LRNumber: "PG-2", DriverPhone: "1", Freight: major(1000), Advance: major(100)}, owner)
	s.Require().NoError(err)

	d, err := s.reconciler.OpenDispute(ctx, tr.ID, OpenInput{Type: "damage", Amount: major(50)}, owner)
	s.Require().NoError(err)

	res, err := s.reconciler.ResolveDispute(ctx, d.ID, ResolveInput{
		Corrections: map[trip.Field]money.Money{trip.FieldFreight: major(950)},
	}, finance)
	s.Require().NoError(err)
	s.Equal(major(850), res.Trip.Balance)
	s.Require().Len(res.Entries, 1)
	s.Equal(ledger.Debit, res.Entries[0].Direction)

	stored, err := s.store.Get(ctx, d.ID)
	s.Require().NoError(err)
	s.Equal(StatusResolved, stored.Status)
	s.Equal(major(50), stored.Amount)
	s.Require().Len(stored.Corrections, 1)
	s.Equal(trip.FieldFreight, stored.Corrections[0].Field)
	s.Equal(major(-50), stored.Corrections[0].Delta)

	links, err := s.trips.Transitions(ctx, tr.ID)
	s.Require().NoError(err)
	s.Len(links, 3)
	s.NoError(trip.VerifyTransitions(links))

	list, err := s.store.List(ctx, Filter{AgentID: owner.ID})
	s.Require().NoError(err)
	s.Len(list, 1)
}

func TestPostgresSuite(t *testing.T) {
	suite.Run(t, new(PostgresSuite))
}
