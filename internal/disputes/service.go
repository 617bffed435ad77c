package disputes

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/tripledger/internal/agents"
	"github.com/example/tripledger/internal/apperr"
	"github.com/example/tripledger/internal/lease"
	"github.com/example/tripledger/internal/ledger"
	"github.com/example/tripledger/internal/metrics"
	"github.com/example/tripledger/internal/money"
	"github.com/example/tripledger/internal/trip"
	"github.com/example/tripledger/pkg/audit"
)

// Options wires a Reconciler. Locker and History must be the ones used by the
// trip service so dispute operations serialize with lifecycle operations.
type Options struct {
	Locker  lease.Locker
	History *trip.History
	Audit   audit.Sink
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Reconciler opens disputes against Active trips and resolves them by
// applying corrected values and posting one compensating entry per change.
type Reconciler struct {
	store   Store
	trips   trip.Store
	ledger  *ledger.Service
	locker  lease.Locker
	history *trip.History
	audit   audit.Sink
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewReconciler(store Store, trips trip.Store, ledgerSvc *ledger.Service, opts Options) *Reconciler {
	r := &Reconciler{
		store:   store,
		trips:   trips,
		ledger:  ledgerSvc,
		locker:  opts.Locker,
		history: opts.History,
		audit:   opts.Audit,
		log:     opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if r.locker == nil {
		r.locker = lease.NewLocal()
	}
	if r.history == nil {
		r.history = trip.NewHistory()
	}
	if r.audit == nil {
		r.audit = audit.Nop{}
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func (r *Reconciler) Get(ctx context.Context, id string) (Dispute, error) {
	d, err := r.store.Get(ctx, id)
	if err != nil {
		return Dispute{}, apperr.Internal("dispute.get", err)
	}
	return d, nil
}

func (r *Reconciler) List(ctx context.Context, f Filter) ([]Dispute, error) {
	out, err := r.store.List(ctx, f)
	if err != nil {
		return nil, apperr.Internal("dispute.list", err)
	}
	return out, nil
}

// OpenDispute places a hold on an Active trip and moves it to InDispute.
func (r *Reconciler) OpenDispute(ctx context.Context, tripID string, in OpenInput, actor agents.Agent) (Dispute, error) {
	const op = "dispute.open"
	info, err := validateOpen(in)
	if err == nil && strings.TrimSpace(actor.ID) == "" {
		err = apperr.Validation(op, "acting user is required")
	}
	if err != nil {
		r.metrics.Operation(op, err)
		return Dispute{}, err
	}

	var opened Dispute
	err = r.locker.WithLease(ctx, lease.TripKey(tripID), func(ctx context.Context) error {
		t, err := r.trips.Get(ctx, tripID)
		if err != nil {
			return apperr.Internal(op, err)
		}
		if _, open, err := r.store.FindOpen(ctx, t.ID); err != nil {
			return apperr.Internal(op, err)
		} else if open {
			return apperr.Conflict(op, "trip %s already has an open dispute", t.ID)
		}
		if t.Status != trip.StatusActive {
			return apperr.InvalidState(op, "trip %s is %s, disputes require an Active trip", t.ID, t.Status)
		}
		if err := trip.CheckTransition(t.ID, t.Status, trip.StatusInDispute, false); err != nil {
			return err
		}

		now := r.now().UTC()
		d := Dispute{
			ID:        uuid.NewString(),
			TripID:    t.ID,
			LRNumber:  t.LRNumber,
			AgentID:   t.AgentID,
			Type:      info.Type,
			Reason:    strings.TrimSpace(in.Reason),
			Amount:    in.Amount,
			Status:    StatusOpen,
			CreatedBy: actor.ID,
			CreatedAt: now,
		}
		if opened, err = r.store.Create(ctx, d); err != nil {
			return apperr.Internal(op, err)
		}

		t.Status = trip.StatusInDispute
		t.UpdatedAt = now
		if _, err := r.trips.Update(ctx, t); err != nil {
			r.abandon(ctx, opened, now)
			return apperr.Internal(op, err)
		}
		r.recordTransition(ctx, op, t.ID, trip.StatusActive, trip.StatusInDispute, actor.ID, "dispute opened: "+string(info.Type), now)
		return nil
	})
	r.metrics.Operation(op, err)
	if err != nil {
		return Dispute{}, err
	}

	r.record(ctx, actor.ID, op, opened.ID, map[string]any{
		"trip_id": opened.TripID,
		"type":    string(opened.Type),
		"amount":  opened.Amount.String(),
	})
	r.log.Info("dispute opened",
		zap.String("dispute_id", opened.ID),
		zap.String("trip_id", opened.TripID),
		zap.String("type", string(opened.Type)),
	)
	return opened, nil
}

// abandon resolves a dispute whose trip could not be moved to InDispute so
// it does not block the trip.
func (r *Reconciler) abandon(ctx context.Context, d Dispute, at time.Time) {
	d.Status = StatusResolved
	d.ResolvedBy = "system"
	d.ResolvedAt = &at
	d.Resolution = "abandoned: trip update failed"
	if _, err := r.store.Update(ctx, d); err != nil {
		r.metrics.PostingFailure("dispute.open")
		r.log.Error("could not abandon dispute", zap.String("dispute_id", d.ID), zap.Error(err))
	}
}

// ResolveDispute applies corrected values to the disputed trip, posts one
// correction entry per non-zero delta, recomputes the balance and returns
// the trip to Active.
//
// Direction per delta: freight increases credit the agent; increases of
// advance or any deduction, beta included, debit the agent.
func (r *Reconciler) ResolveDispute(ctx context.Context, disputeID string, in ResolveInput, actor agents.Agent) (Resolution, error) {
	const op = "dispute.resolve"
	err := validateCorrections(in.Corrections)
	if err == nil && strings.TrimSpace(actor.ID) == "" {
		err = apperr.Validation(op, "acting user is required")
	}
	if err != nil {
		r.metrics.Operation(op, err)
		return Resolution{}, err
	}

	d, err := r.store.Get(ctx, disputeID)
	if err != nil {
		err = apperr.Internal(op, err)
		r.metrics.Operation(op, err)
		return Resolution{}, err
	}

	var res Resolution
	err = r.locker.WithLease(ctx, lease.TripKey(d.TripID), func(ctx context.Context) error {
		d, err := r.store.Get(ctx, disputeID)
		if err != nil {
			return apperr.Internal(op, err)
		}
		if err := CheckTransition(d.ID, d.Status, StatusResolved); err != nil {
			return err
		}
		t, err := r.trips.Get(ctx, d.TripID)
		if err != nil {
			return apperr.Internal(op, err)
		}
		if err := trip.CheckTransition(t.ID, t.Status, trip.StatusActive, false); err != nil {
			return err
		}

		deltas := applyCorrections(&t, in.Corrections)
		if t.IsBulk && len(deltas) > 0 {
			return apperr.Validation(op, "bulk trip %s carries no financials to correct", t.ID)
		}
		now := r.now().UTC()
		t.Balance = trip.ComputeTripBalance(t)
		t.Status = trip.StatusActive
		t.UpdatedAt = now

		prev := d
		d.Status = StatusResolved
		d.ResolvedBy = actor.ID
		d.ResolvedAt = &now
		d.Resolution = strings.TrimSpace(in.Resolution)
		d.Corrections = deltas
		if d, err = r.store.Update(ctx, d); err != nil {
			return apperr.Internal(op, err)
		}
		updated, err := r.trips.Update(ctx, t)
		if err != nil {
			if _, rerr := r.store.Update(ctx, prev); rerr != nil {
				r.log.Error("could not reopen dispute after trip update failure",
					zap.String("dispute_id", d.ID), zap.Error(rerr))
			}
			return apperr.Internal(op, err)
		}
		r.recordTransition(ctx, op, updated.ID, trip.StatusInDispute, trip.StatusActive, actor.ID, "dispute resolved", now)

		res = Resolution{Dispute: d, Trip: updated, Deltas: deltas}
		res.Entries = r.postCorrections(ctx, op, updated, deltas, actor.ID)
		return nil
	})
	r.metrics.Operation(op, err)
	if err != nil {
		return Resolution{}, err
	}

	detail := map[string]any{"trip_id": res.Trip.ID, "balance": res.Trip.Balance.String()}
	for _, dl := range res.Deltas {
		detail[string(dl.Field)] = dl.Delta.String()
	}
	r.record(ctx, actor.ID, op, res.Dispute.ID, detail)
	r.log.Info("dispute resolved",
		zap.String("dispute_id", res.Dispute.ID),
		zap.String("trip_id", res.Trip.ID),
		zap.Int("corrections", len(res.Deltas)),
		zap.Stringer("balance", res.Trip.Balance),
	)
	return res, nil
}

func validateCorrections(c map[trip.Field]money.Money) error {
	var zero trip.Trip
	for f, v := range c {
		if _, ok := zero.Value(f); !ok {
			return apperr.Validation("dispute.resolve", "field %q cannot be corrected", f)
		}
		if v.IsNegative() {
			return apperr.Validation("dispute.resolve", "corrected %s must be non-negative", f)
		}
	}
	return nil
}

// applyCorrections overwrites the supplied fields and returns the non-zero
// deltas in trip.Fields order.
func applyCorrections(t *trip.Trip, c map[trip.Field]money.Money) []Delta {
	var deltas []Delta
	for _, f := range trip.Fields {
		v, ok := c[f]
		if !ok {
			continue
		}
		old, _ := t.Value(f)
		if v == old {
			continue
		}
		t.Set(f, v)
		deltas = append(deltas, Delta{Field: f, Old: old, New: v, Delta: v.Sub(old)})
	}
	return deltas
}

var correctionTypes = map[trip.Field]ledger.Type{
	trip.FieldFreight:       ledger.TypeCorrectionFreight,
	trip.FieldAdvance:       ledger.TypeCorrectionAdvance,
	trip.FieldCess:          ledger.TypeCorrectionCess,
	trip.FieldKata:          ledger.TypeCorrectionKata,
	trip.FieldExcessTonnage: ledger.TypeCorrectionExcessTonnage,
	trip.FieldHalting:       ledger.TypeCorrectionHalting,
	trip.FieldExpenses:      ledger.TypeCorrectionExpenses,
	trip.FieldBeta:          ledger.TypeCorrectionBeta,
	trip.FieldOthers:        ledger.TypeCorrectionOthers,
}

// CorrectionType returns the ledger type posted for corrections of f.
func CorrectionType(f trip.Field) ledger.Type { return correctionTypes[f] }

// CorrectionDirection returns the ledger direction for a non-zero delta.
func CorrectionDirection(f trip.Field, delta money.Money) ledger.Direction {
	dir := ledger.Debit
	if delta.IsNegative() {
		dir = ledger.Credit
	}
	if f == trip.FieldFreight {
		return dir.Opposite()
	}
	return dir
}

func correctionEntries(t trip.Trip, deltas []Delta, actor string) []ledger.Entry {
	entries := make([]ledger.Entry, 0, len(deltas))
	for _, dl := range deltas {
		entries = append(entries, ledger.Entry{
			AgentID:     t.AgentID,
			Type:        correctionTypes[dl.Field],
			Direction:   CorrectionDirection(dl.Field, dl.Delta),
			Amount:      dl.Delta.Abs(),
			TripID:      t.ID,
			LRNumber:    t.LRNumber,
			Description: "Dispute correction " + string(dl.Field) + " " + dl.Old.String() + " -> " + dl.New.String() + " for LR " + t.LRNumber,
			CreatedBy:   actor,
		})
	}
	return entries
}

// postCorrections posts after the trip is persisted. A failure is logged and
// counted; the reconcile job reports the resulting drift.
func (r *Reconciler) postCorrections(ctx context.Context, op string, t trip.Trip, deltas []Delta, actor string) []ledger.Entry {
	if len(deltas) == 0 {
		return nil
	}
	posted, err := r.ledger.PostBatch(ctx, correctionEntries(t, deltas, actor))
	if err != nil {
		r.metrics.PostingFailure(op)
		r.log.Error("correction posting failed after trip update",
			zap.String("op", op),
			zap.String("trip_id", t.ID),
			zap.Error(err),
		)
		return nil
	}
	return posted
}

// HasOpen reports whether tripID has an Open dispute.
func (r *Reconciler) HasOpen(ctx context.Context, tripID string) (bool, error) {
	_, open, err := r.store.FindOpen(ctx, tripID)
	return open, err
}

// CloseOpen resolves tripID's Open dispute without corrections. The trip
// service calls it from inside its own trip lease during a forced close and
// calls undo when the trip itself could not be saved.
func (r *Reconciler) CloseOpen(ctx context.Context, tripID, actor string, at time.Time) (func(context.Context) error, error) {
	d, open, err := r.store.FindOpen(ctx, tripID)
	if err != nil || !open {
		return trip.NoUndo, err
	}
	prev := d
	d.Status = StatusResolved
	d.ResolvedBy = actor
	d.ResolvedAt = &at
	d.Resolution = "closed with trip"
	if _, err := r.store.Update(ctx, d); err != nil {
		return trip.NoUndo, err
	}
	r.record(ctx, actor, "dispute.close_with_trip", d.ID, map[string]any{"trip_id": tripID})

	undo := func(ctx context.Context) error {
		if _, err := r.store.Update(ctx, prev); err != nil {
			return err
		}
		r.record(ctx, actor, "dispute.reopen", prev.ID, map[string]any{"trip_id": tripID, "reason": "trip close failed"})
		return nil
	}
	return undo, nil
}

func (r *Reconciler) recordTransition(ctx context.Context, op, tripID string, from, to trip.Status, actor, reason string, at time.Time) {
	if _, err := r.history.Record(ctx, tripID, from, to, actor, reason, at); err != nil {
		r.metrics.PostingFailure("history")
		r.log.Error("status history append failed",
			zap.String("op", op),
			zap.String("trip_id", tripID),
			zap.Error(err),
		)
	}
}

func (r *Reconciler) record(ctx context.Context, actor, action, disputeID string, detail map[string]any) {
	if err := r.audit.Record(ctx, actor, action, "dispute", disputeID, detail); err != nil {
		r.metrics.PostingFailure("audit")
		r.log.Warn("audit record failed", zap.String("action", action), zap.String("dispute_id", disputeID), zap.Error(err))
	}
}

var _ trip.DisputeGate = (*Reconciler)(nil)
