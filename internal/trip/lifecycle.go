package trip

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
	"github.com/example/tripledger/pkg/audit"
)

// DisputeGate lets the lifecycle consult and close disputes without
// depending on the disputes package.
type DisputeGate interface {
	HasOpen(ctx context.Context, tripID string) (bool, error)
	// CloseOpen resolves the open dispute, if any, without corrections. The
	// returned undo puts the dispute back to Open and is never nil.
	CloseOpen(ctx context.Context, tripID, actor string, at time.Time) (undo func(context.Context) error, err error)
}

// NoUndo is the undo returned when there was nothing to change.
func NoUndo(context.Context) error { return nil }

type noDisputes struct{}

func (noDisputes) HasOpen(context.Context, string) (bool, error) { return false, nil }
func (noDisputes) CloseOpen(context.Context, string, string, time.Time) (func(context.Context) error, error) {
	return NoUndo, nil
}

// Options wires a Service's collaborators. Nil fields get no-op defaults.
type Options struct {
	Directory agents.Directory
	Disputes  DisputeGate
	Locker    lease.Locker
	History   *History
	Audit     audit.Sink
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Service runs the trip lifecycle. Every balance-affecting operation re-reads
// the trip inside an exclusive lease on its id.
type Service struct {
	store     Store
	ledger    *ledger.Service
	directory agents.Directory
	disputes  DisputeGate
	locker    lease.Locker
	history   *History
	audit     audit.Sink
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewService(store Store, ledgerSvc *ledger.Service, opts Options) *Service {
	s := &Service{
		store:     store,
		ledger:    ledgerSvc,
		directory: opts.Directory,
		disputes:  opts.Disputes,
		locker:    opts.Locker,
		history:   opts.History,
		audit:     opts.Audit,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	if s.disputes == nil {
		s.disputes = noDisputes{}
	}
	if s.locker == nil {
		s.locker = lease.NewLocal()
	}
	if s.history == nil {
		s.history = NewHistory()
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SetDisputeGate attaches the dispute collaborator after construction, since
// the dispute reconciler itself depends on the trip store.
func (s *Service) SetDisputeGate(g DisputeGate) {
	if g != nil {
		s.disputes = g
	}
}

func (s *Service) History() *History { return s.history }

// Transitions returns the status history of an existing trip.
func (s *Service) Transitions(ctx context.Context, tripID string) ([]Transition, error) {
	const op = "trip.history"
	if _, err := s.store.Get(ctx, tripID); err != nil {
		return nil, apperr.Internal(op, err)
	}
	links, err := s.history.Transitions(ctx, tripID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return links, nil
}

// CreateInput describes a new trip. AgentID defaults to the creating actor.
type CreateInput struct {
	ID          string      `json:"id,omitempty"`
	LRNumber    string      `json:"lr_number"`
	IsBulk      bool        `json:"is_bulk"`
	Freight     money.Money `json:"freight"`
	Advance     money.Money `json:"advance"`
	AgentID     string      `json:"agent_id,omitempty"`
	DriverPhone string      `json:"driver_phone"`
	Origin      string      `json:"origin,omitempty"`
	Destination string      `json:"destination,omitempty"`
	Attachments []string    `json:"attachments,omitempty"`
}

func (in CreateInput) validate() error {
	const op = "trip.create"
	if strings.TrimSpace(in.DriverPhone) == "" {
		return apperr.Validation(op, "driver phone is required")
	}
	if strings.TrimSpace(in.LRNumber) == "" {
		return apperr.Validation(op, "LR number is required")
	}
	if in.Freight.IsNegative() || in.Advance.IsNegative() {
		return apperr.Validation(op, "freight and advance must be non-negative")
	}
	if in.IsBulk && (!in.Freight.IsZero() || !in.Advance.IsZero()) {
		return apperr.Validation(op, "bulk trips carry no freight or advance")
	}
	return nil
}

// Create persists a new Active trip and debits the advance from the owning agent.
func (s *Service) Create(ctx context.Context, in CreateInput, actor agents.Agent) (Trip, error) {
	const op = "trip.create"
	if err := in.validate(); err != nil {
		s.metrics.Operation(op, err)
		return Trip{}, err
	}
	owner := in.AgentID
	if owner == "" {
		owner = actor.ID
	}
	if owner == "" {
		err := apperr.Validation(op, "owning agent is required")
		s.metrics.Operation(op, err)
		return Trip{}, err
	}
	if err := s.checkAgent(ctx, owner); err != nil {
		s.metrics.Operation(op, err)
		return Trip{}, err
	}

	var created Trip
	err := s.locker.WithLease(ctx, lease.LRKey(in.LRNumber), func(ctx context.Context) error {
		exists, err := s.store.ExistsLR(ctx, in.LRNumber)
		if err != nil {
			return apperr.Internal(op, err)
		}
		if exists {
			return apperr.Conflict(op, "LR number %s already exists", in.LRNumber)
		}
		id := in.ID
		if id == "" {
			id = uuid.NewString()
		} else if exists, err := s.store.ExistsLR(ctx, id); err != nil {
			return apperr.Internal(op, err)
		} else if exists {
			return apperr.Conflict(op, "trip id %s collides with an existing trip", id)
		}

		now := s.now().UTC()
		t := Trip{
			ID:          id,
			LRNumber:    strings.TrimSpace(in.LRNumber),
			Status:      StatusActive,
			IsBulk:      in.IsBulk,
			Freight:     in.Freight,
			Advance:     in.Advance,
			Attachments: in.Attachments,
			AgentID:     owner,
			DriverPhone: strings.TrimSpace(in.DriverPhone),
			Origin:      in.Origin,
			Destination: in.Destination,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		t.Balance = ComputeTripBalance(t)
		if created, err = s.store.Create(ctx, t); err != nil {
			return apperr.Internal(op, err)
		}
		s.recordTransition(ctx, op, created.ID, "", StatusActive, actor.ID, "created", created.CreatedAt)
		return nil
	})
	s.metrics.Operation(op, err)
	if err != nil {
		return Trip{}, err
	}

	if created.Advance.IsPositive() && !created.IsBulk {
		s.postSecondary(ctx, op, created.ID, ledger.Entry{
			AgentID:     created.AgentID,
			Type:        ledger.TypeTripCreated,
			Direction:   ledger.Debit,
			Amount:      created.Advance,
			TripID:      created.ID,
			LRNumber:    created.LRNumber,
			Description: "Advance for LR " + created.LRNumber,
			CreatedBy:   actor.ID,
		})
	}
	s.record(ctx, actor.ID, op, created.ID, map[string]any{
		"lr_number": created.LRNumber,
		"bulk":      created.IsBulk,
		"freight":   created.Freight.String(),
		"advance":   created.Advance.String(),
	})
	s.log.Info("trip created",
		zap.String("trip_id", created.ID),
		zap.String("agent_id", created.AgentID),
		zap.String("lr_number", created.LRNumber),
	)
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (Trip, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return Trip{}, apperr.Internal("trip.get", err)
	}
	return t, nil
}

func (s *Service) List(ctx context.Context, f Filter) ([]Trip, error) {
	out, err := s.store.List(ctx, f)
	if err != nil {
		return nil, apperr.Internal("trip.list", err)
	}
	return out, nil
}

// PaymentInput is a mid-trip payment request.
type PaymentInput struct {
	Amount money.Money
	Reason string
	Mode   string
	Payer  Payer
}

// AddPayment appends a payment to an Active trip and posts the routed entries.
func (s *Service) AddPayment(ctx context.Context, tripID string, in PaymentInput) (Trip, error) {
	const op = "trip.add_payment"
	if !in.Amount.IsPositive() {
		err := apperr.Validation(op, "payment amount must be positive")
		s.metrics.Operation(op, err)
		return Trip{}, err
	}

	var (
		updated Trip
		route   Route
		payment Payment
	)
	err := s.locker.WithLease(ctx, lease.TripKey(tripID), func(ctx context.Context) error {
		t, err := s.store.Get(ctx, tripID)
		if err != nil {
			return apperr.Internal(op, err)
		}
		route, err = RoutePayment(t, in.Payer)
		if err != nil {
			return err
		}
		if err := s.checkAgent(ctx, route.DebitedAgent); err != nil {
			return err
		}
		now := s.now().UTC()
		payment = Payment{
			ID:          uuid.NewString(),
			Amount:      in.Amount,
			Reason:      in.Reason,
			Mode:        in.Mode,
			AddedBy:     in.Payer.Actor(),
			AddedByRole: route.Role,
			PaidFor:     route.DebitedAgent,
			Timestamp:   now,
		}
		t.Payments = append(t.Payments, payment)
		t.Balance = ComputeTripBalance(t)
		t.UpdatedAt = now
		updated, err = s.store.Update(ctx, t)
		if err != nil {
			return apperr.Internal(op, err)
		}

		s.postSecondary(ctx, op, t.ID, route.Entries(updated, payment)...)
		if route.Informational {
			s.postCreatorNotice(ctx, op, updated, route, payment)
		}
		return nil
	})
	s.metrics.Operation(op, err)
	if err != nil {
		return Trip{}, err
	}

	s.record(ctx, payment.AddedBy, op, updated.ID, map[string]any{
		"payment_id": payment.ID,
		"amount":     payment.Amount.String(),
		"paid_for":   payment.PaidFor,
		"role":       string(payment.AddedByRole),
	})
	return updated, nil
}

func (s *Service) postCreatorNotice(ctx context.Context, op string, t Trip, route Route, p Payment) {
	bal, err := s.ledger.Balance(ctx, t.AgentID)
	if err != nil {
		s.secondaryFailed(op, t.ID, err)
		return
	}
	s.postSecondary(ctx, op, t.ID, route.CreatorNotice(t, p, bal))
}

// UpdateDeductions merges patch into a non-Completed trip's deductions and
// upserts one ledger entry per bucket for the editing agent.
func (s *Service) UpdateDeductions(ctx context.Context, tripID string, patch DeductionPatch, actor agents.Agent) (Trip, error) {
	const op = "trip.update_deductions"
	if err := validatePatch(patch); err != nil {
		s.metrics.Operation(op, err)
		return Trip{}, err
	}
	if strings.TrimSpace(actor.ID) == "" {
		err := apperr.Validation(op, "editing agent is required")
		s.metrics.Operation(op, err)
		return Trip{}, err
	}

	var updated Trip
	err := s.locker.WithLease(ctx, lease.TripKey(tripID), func(ctx context.Context) error {
		t, err := s.store.Get(ctx, tripID)
		if err != nil {
			return apperr.Internal(op, err)
		}
		if t.Status == StatusCompleted {
			return apperr.InvalidState(op, "trip %s is Completed", t.ID)
		}
		if t.IsBulk {
			return apperr.Validation(op, "bulk trip %s does not track deductions", t.ID)
		}

		applyPatch(&t.Deductions, patch)
		t.Deductions.AddedBy = actor.ID
		t.Deductions.AddedByRole = actor.Role
		t.Balance = ComputeTripBalance(t)
		t.UpdatedAt = s.now().UTC()
		updated, err = s.store.Update(ctx, t)
		if err != nil {
			return apperr.Internal(op, err)
		}
		s.syncDeductionEntries(ctx, op, updated, actor.ID)
		return nil
	})
	s.metrics.Operation(op, err)
	if err != nil {
		return Trip{}, err
	}
	s.record(ctx, actor.ID, op, updated.ID, map[string]any{
		"additions": updated.Deductions.Additions().String(),
		"beta":      updated.Deductions.Beta.String(),
	})
	return updated, nil
}

func validatePatch(p DeductionPatch) error {
	for _, v := range []*money.Money{p.Cess, p.Kata, p.ExcessTonnage, p.Halting, p.Expenses, p.Beta, p.Others} {
		if v != nil && v.IsNegative() {
			return apperr.Validation("trip.update_deductions", "deductions must be non-negative")
		}
	}
	return nil
}

func applyPatch(d *Deductions, p DeductionPatch) {
	set := func(dst *money.Money, v *money.Money) {
		if v != nil {
			*dst = *v
		}
	}
	set(&d.Cess, p.Cess)
	set(&d.Kata, p.Kata)
	set(&d.ExcessTonnage, p.ExcessTonnage)
	set(&d.Halting, p.Halting)
	set(&d.Expenses, p.Expenses)
	set(&d.Beta, p.Beta)
	set(&d.Others, p.Others)
	if p.OthersReason != nil {
		d.OthersReason = *p.OthersReason
	}
}

// syncDeductionEntries makes the editor's bucket entries carry the trip's
// bucket totals net of dispute corrections already posted for the bucket's
// categories. Entries left by earlier editors are zeroed so each bucket is
// counted once per trip.
func (s *Service) syncDeductionEntries(ctx context.Context, op string, t Trip, editor string) {
	existing, err := s.ledger.Entries(ctx, ledger.Filter{TripID: t.ID})
	if err != nil {
		s.secondaryFailed(op, t.ID, err)
		return
	}
	targets := map[ledger.Bucket]money.Money{
		ledger.BucketAdditions: t.Deductions.Additions(),
		ledger.BucketBeta:      t.Deductions.Beta,
	}
	for _, e := range existing {
		if b, ok := e.Type.CorrectionBucket(); ok {
			// an increase is posted as a debit, so its signed value is negative
			targets[b] = targets[b].Add(e.Signed())
		}
	}
	for _, bucket := range []ledger.Bucket{ledger.BucketAdditions, ledger.BucketBeta} {
		key := ledger.NaturalKey{TripID: t.ID, AgentID: editor, Bucket: bucket}
		hasEntry := false
		for _, e := range existing {
			if e.Type != ledger.TypeTripDeduction || e.Key == nil || e.Key.Bucket != bucket {
				continue
			}
			if *e.Key == key {
				hasEntry = true
				continue
			}
			if !e.Amount.IsZero() {
				s.upsertBucket(ctx, op, t, *e.Key, 0)
			}
		}
		if targets[bucket].IsZero() && !hasEntry {
			continue
		}
		s.upsertBucket(ctx, op, t, key, targets[bucket])
	}
}

// upsertBucket sets the bucket entry to debit amount. A negative amount, left
// when corrections overshoot a later total, becomes a credit.
func (s *Service) upsertBucket(ctx context.Context, op string, t Trip, key ledger.NaturalKey, amount money.Money) {
	label := "Deductions"
	if key.Bucket == ledger.BucketBeta {
		label = "Beta"
	}
	dir := ledger.Debit
	if amount.IsNegative() {
		dir = ledger.Credit
	}
	k := key
	_, _, err := s.ledger.Upsert(ctx, ledger.Entry{
		AgentID:     key.AgentID,
		Type:        ledger.TypeTripDeduction,
		Direction:   dir,
		Amount:      amount.Abs(),
		TripID:      t.ID,
		LRNumber:    t.LRNumber,
		Key:         &k,
		Description: label + " for LR " + t.LRNumber,
		CreatedBy:   key.AgentID,
	})
	if err != nil {
		s.secondaryFailed(op, t.ID, err)
	}
}

// Close completes a trip. An open dispute blocks the close unless force is
// set, and only Finance or Admin may force. Agents may only close a trip
// whose final balance is within CloseTolerance of zero.
func (s *Service) Close(ctx context.Context, tripID string, actor agents.Agent, force bool) (Trip, error) {
	const op = "trip.close"
	if strings.TrimSpace(actor.ID) == "" {
		err := apperr.Validation(op, "closing actor is required")
		s.metrics.Operation(op, err)
		return Trip{}, err
	}
	if force && !actor.Role.CanForceClose() {
		err := apperr.Validation(op, "force close requires Finance or Admin, actor is %s", actor.Role)
		s.metrics.Operation(op, err)
		return Trip{}, err
	}

	var (
		closed Trip
		final  money.Money
	)
	err := s.locker.WithLease(ctx, lease.TripKey(tripID), func(ctx context.Context) error {
		t, err := s.store.Get(ctx, tripID)
		if err != nil {
			return apperr.Internal(op, err)
		}
		if t.Status == StatusCompleted {
			return apperr.InvalidState(op, "trip %s is already Completed", t.ID)
		}
		open, err := s.disputes.HasOpen(ctx, t.ID)
		if err != nil {
			return apperr.Internal(op, err)
		}
		if open && !force {
			return apperr.Conflict(op, "trip %s has an open dispute", t.ID)
		}
		if err := CheckTransition(t.ID, t.Status, StatusCompleted, force); err != nil {
			return err
		}

		final = ComputeFinalCloseBalance(t)
		if !t.IsBulk && actor.Role == agents.RoleAgent && !WithinCloseTolerance(final) {
			return apperr.InsufficientBalance(op, "trip %s final balance %s must be settled before an agent can close", t.ID, final)
		}

		now := s.now().UTC()
		undo := NoUndo
		if open {
			if undo, err = s.disputes.CloseOpen(ctx, t.ID, actor.ID, now); err != nil {
				return apperr.Internal(op, err)
			}
		}
		from := t.Status
		t.Status = StatusCompleted
		fb := final
		if t.IsBulk {
			fb = t.Balance
		}
		t.FinalBalance = &fb
		t.ClosedBy = actor.ID
		t.ClosedAt = &now
		t.UpdatedAt = now
		if closed, err = s.store.Update(ctx, t); err != nil {
			if uerr := undo(ctx); uerr != nil {
				s.log.Error("could not reopen dispute after trip update failure",
					zap.String("trip_id", t.ID), zap.Error(uerr))
			}
			return apperr.Internal(op, err)
		}
		s.recordTransition(ctx, op, closed.ID, from, StatusCompleted, actor.ID, closeReason(force), now)
		return nil
	})
	s.metrics.Operation(op, err)
	if err != nil {
		return Trip{}, err
	}

	s.postCloseEntries(ctx, op, closed, actor, final)
	s.record(ctx, actor.ID, op, closed.ID, map[string]any{
		"final_balance": closed.FinalBalance.String(),
		"force":         force,
		"bulk":          closed.IsBulk,
	})
	s.log.Info("trip closed",
		zap.String("trip_id", closed.ID),
		zap.String("closed_by", actor.ID),
		zap.Stringer("final_balance", *closed.FinalBalance),
		zap.Bool("force", force),
	)
	return closed, nil
}

func closeReason(force bool) string {
	if force {
		return "force closed"
	}
	return "closed"
}

func (s *Service) postCloseEntries(ctx context.Context, op string, t Trip, actor agents.Agent, final money.Money) {
	if t.IsBulk {
		s.postSecondary(ctx, op, t.ID, ledger.Entry{
			AgentID:         actor.ID,
			Type:            ledger.TypeTripClosed,
			Direction:       ledger.Debit,
			TripID:          t.ID,
			LRNumber:        t.LRNumber,
			Description:     "Bulk trip closed LR " + t.LRNumber,
			IsInformational: true,
			CreatedBy:       actor.ID,
		})
		return
	}

	dir := ledger.Credit
	if final.IsNegative() {
		dir = ledger.Debit
	}
	ref := final
	s.postSecondary(ctx, op, t.ID, ledger.Entry{
		AgentID:          actor.ID,
		Type:             ledger.TypeSettlement,
		Direction:        dir,
		Amount:           final.Abs(),
		TripID:           t.ID,
		LRNumber:         t.LRNumber,
		Description:      "Settlement for LR " + t.LRNumber,
		IsInformational:  true,
		ReferenceBalance: &ref,
		CreatedBy:        actor.ID,
	})
	if t.Deductions.Beta.IsPositive() {
		s.postSecondary(ctx, op, t.ID, ledger.Entry{
			AgentID:     t.AgentID,
			Type:        ledger.TypeBetaCredit,
			Direction:   ledger.Credit,
			Amount:      t.Deductions.Beta,
			TripID:      t.ID,
			LRNumber:    t.LRNumber,
			Description: "Beta refund for LR " + t.LRNumber,
			CreatedBy:   actor.ID,
		})
	}
}

// postSecondary posts entries after the trip mutation has been persisted.
// Failures are logged and counted, never returned.
func (s *Service) postSecondary(ctx context.Context, op, tripID string, entries ...ledger.Entry) {
	if len(entries) == 0 {
		return
	}
	if _, err := s.ledger.PostBatch(ctx, entries); err != nil {
		s.secondaryFailed(op, tripID, err)
	}
}

func (s *Service) secondaryFailed(op, tripID string, err error) {
	s.metrics.PostingFailure(op)
	s.log.Error("ledger posting failed after trip update",
		zap.String("op", op),
		zap.String("trip_id", tripID),
		zap.Error(err),
	)
}

func (s *Service) recordTransition(ctx context.Context, op, tripID string, from, to Status, actor, reason string, at time.Time) {
	if _, err := s.history.Record(ctx, tripID, from, to, actor, reason, at); err != nil {
		s.metrics.PostingFailure("history")
		s.log.Error("status history append failed",
			zap.String("op", op),
			zap.String("trip_id", tripID),
			zap.Error(err),
		)
	}
}

func (s *Service) record(ctx context.Context, actor, action, tripID string, detail map[string]any) {
	if err := s.audit.Record(ctx, actor, action, "trip", tripID, detail); err != nil {
		s.metrics.PostingFailure("audit")
		s.log.Warn("audit record failed", zap.String("action", action), zap.String("trip_id", tripID), zap.Error(err))
	}
}

func (s *Service) checkAgent(ctx context.Context, id string) error {
	if s.directory == nil {
		return nil
	}
	_, err := s.directory.FindAgent(ctx, id)
	return err
}
