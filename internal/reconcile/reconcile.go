// Package reconcile finds drift between trips, the ledger mirror of their
// money movements and the materialized agent balances.
package reconcile

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/example/tripledger/internal/agents"
	"github.com/example/tripledger/internal/apperr"
	"github.com/example/tripledger/internal/disputes"
	"github.com/example/tripledger/internal/ledger"
	"github.com/example/tripledger/internal/metrics"
	"github.com/example/tripledger/internal/money"
	"github.com/example/tripledger/internal/trip"
)

type Kind string

const (
	// KindTripBalance: stored trip balance differs from the balance formula.
	KindTripBalance Kind = "trip_balance"
	// KindAdvanceEntry: advance debits on the ledger do not add up to the trip's advance.
	KindAdvanceEntry Kind = "advance_entry"
	// KindPaymentEntry: a payment lacks exactly one matching OnTripPayment debit.
	KindPaymentEntry Kind = "payment_entry"
	// KindMirrorEntry: a Finance payment lacks its TopUp mirror credit.
	KindMirrorEntry Kind = "mirror_entry"
	// KindDeductionEntry: bucket entries plus bucket corrections do not add up
	// to the trip's bucket total.
	KindDeductionEntry Kind = "deduction_entry"
	// KindCorrectionEntry: correction entries for a field do not match the
	// deltas recorded on the trip's resolved disputes.
	KindCorrectionEntry Kind = "correction_entry"
	// KindHistoryChain: the status history is tampered or disagrees with the trip.
	KindHistoryChain Kind = "history_chain"
	// KindAgentBalance: materialized agent balance differs from the fold.
	KindAgentBalance Kind = "agent_balance"
)

// DisputeLister reads disputes. *disputes.Reconciler satisfies it.
type DisputeLister interface {
	List(ctx context.Context, f disputes.Filter) ([]disputes.Dispute, error)
}

// Finding is one inconsistency.
type Finding struct {
	Kind      Kind        `json:"kind"`
	TripID    string      `json:"trip_id,omitempty"`
	AgentID   string      `json:"agent_id,omitempty"`
	PaymentID string      `json:"payment_id,omitempty"`
	Expected  money.Money `json:"expected"`
	Actual    money.Money `json:"actual"`
	Bucket    string      `json:"bucket,omitempty"`
	Field     string      `json:"field,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// Report summarizes one pass.
type Report struct {
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	TripsChecked  int       `json:"trips_checked"`
	AgentsChecked int       `json:"agents_checked"`
	Findings      []Finding `json:"findings"`
}

// Clean reports whether the pass found nothing.
func (r Report) Clean() bool { return len(r.Findings) == 0 }

type Options struct {
	Interval time.Duration
	// Disputes and History enable the correction and history checks.
	Disputes DisputeLister
	History  *trip.History
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
	// OnReport is called after every pass of Run.
	OnReport func(Report)
}

// Job runs reconciliation passes. It only reads; repairs are manual.
type Job struct {
	trips    trip.Store
	ledger   *ledger.Service
	disputes DisputeLister
	history  *trip.History
	interval time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	onReport func(Report)
}

func New(trips trip.Store, ledgerSvc *ledger.Service, opts Options) *Job {
	j := &Job{
		trips:    trips,
		ledger:   ledgerSvc,
		disputes: opts.Disputes,
		history:  opts.History,
		interval: opts.Interval,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
		onReport: opts.OnReport,
	}
	if j.interval <= 0 {
		j.interval = 5 * time.Minute
	}
	if j.log == nil {
		j.log = zap.NewNop()
	}
	if j.now == nil {
		j.now = time.Now
	}
	return j
}

// Run performs a pass every interval until ctx is cancelled. Failed passes
// are logged and retried on the next tick.
func (j *Job) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		j.pass(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (j *Job) pass(ctx context.Context) {
	report, err := j.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			j.log.Error("reconcile pass failed", zap.Error(err))
		}
		return
	}
	if j.onReport != nil {
		j.onReport(report)
	}
}

// RunOnce checks every trip and every agent once.
func (j *Job) RunOnce(ctx context.Context) (Report, error) {
	const op = "reconcile.run"
	report := Report{StartedAt: j.now().UTC()}

	trips, err := j.trips.List(ctx, trip.Filter{})
	if err != nil {
		return Report{}, apperr.Internal(op, err)
	}
	for _, t := range trips {
		entries, err := j.ledger.Entries(ctx, ledger.Filter{TripID: t.ID})
		if err != nil {
			return Report{}, err
		}
		report.Findings = append(report.Findings, CheckTrip(t, entries)...)
		if j.disputes != nil {
			resolved, err := j.disputes.List(ctx, disputes.Filter{TripID: t.ID, Status: disputes.StatusResolved})
			if err != nil {
				return Report{}, err
			}
			report.Findings = append(report.Findings, CheckCorrections(t, resolved, entries)...)
		}
		if j.history != nil {
			links, err := j.history.Transitions(ctx, t.ID)
			if err != nil {
				return Report{}, apperr.Internal(op, err)
			}
			report.Findings = append(report.Findings, CheckHistory(t, links)...)
		}
		report.TripsChecked++
	}
	for _, f := range report.Findings {
		j.metrics.Drift(string(f.Kind))
	}

	results, err := j.ledger.CheckConsistency(ctx)
	if err != nil {
		return Report{}, err
	}
	for _, r := range results {
		report.AgentsChecked++
		if r.IsConsistent {
			continue
		}
		report.Findings = append(report.Findings, Finding{
			Kind:     KindAgentBalance,
			AgentID:  r.AgentID,
			Expected: r.Folded,
			Actual:   r.Materialized,
		})
	}

	report.FinishedAt = j.now().UTC()
	fields := []zap.Field{
		zap.Int("trips", report.TripsChecked),
		zap.Int("agents", report.AgentsChecked),
		zap.Int("findings", len(report.Findings)),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)),
	}
	if report.Clean() {
		j.log.Info("reconcile pass clean", fields...)
	} else {
		j.log.Warn("reconcile pass found drift", fields...)
	}
	return report, nil
}

// CheckTrip compares a trip with the ledger entries carrying its id.
func CheckTrip(t trip.Trip, entries []ledger.Entry) []Finding {
	var out []Finding
	if want := trip.ComputeTripBalance(t); want != t.Balance {
		out = append(out, Finding{Kind: KindTripBalance, TripID: t.ID, AgentID: t.AgentID, Expected: want, Actual: t.Balance})
	}
	if t.IsBulk {
		return out
	}

	// advance debits: the creation entry plus any dispute corrections
	var advance money.Money
	for _, e := range entries {
		if e.IsInformational {
			continue
		}
		if e.Type == ledger.TypeTripCreated || e.Type == ledger.TypeCorrectionAdvance {
			advance = advance.Sub(e.Signed())
		}
	}
	if advance != t.Advance {
		out = append(out, Finding{Kind: KindAdvanceEntry, TripID: t.ID, AgentID: t.AgentID, Expected: t.Advance, Actual: advance})
	}

	out = append(out, checkBuckets(t, entries)...)

	byPayment := make(map[string][]ledger.Entry)
	for _, e := range entries {
		if e.PaymentID != "" && !e.IsInformational {
			byPayment[e.PaymentID] = append(byPayment[e.PaymentID], e)
		}
	}
	for _, p := range t.Payments {
		var debits, mirrors int
		for _, e := range byPayment[p.ID] {
			switch {
			case e.Type == ledger.TypeOnTripPayment && e.Direction == ledger.Debit && e.Amount == p.Amount && e.AgentID == p.PaidFor:
				debits++
			case e.Type == ledger.TypeTopUp && e.Direction == ledger.Credit && e.Amount == p.Amount:
				mirrors++
			}
		}
		if debits != 1 {
			out = append(out, Finding{
				Kind: KindPaymentEntry, TripID: t.ID, AgentID: p.PaidFor, PaymentID: p.ID,
				Expected: p.Amount, Detail: "matching OnTripPayment debits: " + strconv.Itoa(debits),
			})
		}
		if p.AddedByRole == agents.RoleFinance && mirrors != 1 {
			out = append(out, Finding{
				Kind: KindMirrorEntry, TripID: t.ID, AgentID: p.PaidFor, PaymentID: p.ID,
				Expected: p.Amount, Detail: "matching TopUp credits: " + strconv.Itoa(mirrors),
			})
		}
	}
	return out
}

// checkBuckets compares each deduction bucket total with the debits carried
// by its TripDeduction entries and the dispute corrections of its categories.
func checkBuckets(t trip.Trip, entries []ledger.Entry) []Finding {
	posted := map[ledger.Bucket]money.Money{}
	for _, e := range entries {
		switch {
		case e.Type == ledger.TypeTripDeduction && e.Key != nil:
			posted[e.Key.Bucket] = posted[e.Key.Bucket].Sub(e.Signed())
		case e.Type != ledger.TypeTripDeduction:
			if b, ok := e.Type.CorrectionBucket(); ok {
				posted[b] = posted[b].Sub(e.Signed())
			}
		}
	}
	var out []Finding
	for _, b := range []struct {
		bucket ledger.Bucket
		total  money.Money
	}{
		{ledger.BucketAdditions, t.Deductions.Additions()},
		{ledger.BucketBeta, t.Deductions.Beta},
	} {
		if posted[b.bucket] != b.total {
			out = append(out, Finding{
				Kind: KindDeductionEntry, TripID: t.ID, AgentID: t.AgentID, Bucket: string(b.bucket),
				Expected: b.total, Actual: posted[b.bucket],
			})
		}
	}
	return out
}

// CheckCorrections compares the net signed correction entries per field with
// the deltas recorded on the trip's resolved disputes.
func CheckCorrections(t trip.Trip, resolved []disputes.Dispute, entries []ledger.Entry) []Finding {
	want := map[trip.Field]money.Money{}
	for _, d := range resolved {
		for _, dl := range d.Corrections {
			e := ledger.Entry{Direction: disputes.CorrectionDirection(dl.Field, dl.Delta), Amount: dl.Delta.Abs()}
			want[dl.Field] = want[dl.Field].Add(e.Signed())
		}
	}
	var out []Finding
	for _, f := range trip.Fields {
		typ := disputes.CorrectionType(f)
		var got money.Money
		for _, e := range entries {
			if e.Type == typ {
				got = got.Add(e.Signed())
			}
		}
		if got != want[f] {
			out = append(out, Finding{
				Kind: KindCorrectionEntry, TripID: t.ID, AgentID: t.AgentID, Field: string(f),
				Expected: want[f], Actual: got, Detail: "net signed correction entries",
			})
		}
	}
	return out
}

// CheckHistory verifies a trip's status chain and that it ends at the trip's
// current status. Trips without recorded history are skipped.
func CheckHistory(t trip.Trip, links []trip.Transition) []Finding {
	if len(links) == 0 {
		return nil
	}
	if err := trip.VerifyTransitions(links); err != nil {
		return []Finding{{Kind: KindHistoryChain, TripID: t.ID, AgentID: t.AgentID, Detail: err.Error()}}
	}
	if last := links[len(links)-1]; last.To != t.Status {
		return []Finding{{
			Kind: KindHistoryChain, TripID: t.ID, AgentID: t.AgentID,
			Detail: "history ends at " + string(last.To) + ", trip is " + string(t.Status),
		}}
	}
	return nil
}
