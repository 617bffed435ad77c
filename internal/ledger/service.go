package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/tripledger/internal/apperr"
	"github.com/example/tripledger/internal/lease"
	"github.com/example/tripledger/internal/metrics"
	"github.com/example/tripledger/internal/money"
)

// Options configures a Service. Zero values fall back to no-op collaborators.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Locker  lease.Locker
	Now     func() time.Time
}

// Service is the high-level ledger API used by trip lifecycle and dispute
// handling, plus the agent wallet operations.
type Service struct {
	store   Store
	log     *zap.Logger
	metrics *metrics.Metrics
	locker  lease.Locker
	now     func() time.Time
}

func NewService(store Store, opts Options) *Service {
	s := &Service{
		store:   store,
		log:     opts.Logger,
		metrics: opts.Metrics,
		locker:  opts.Locker,
		now:     opts.Now,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.locker == nil {
		s.locker = lease.NewLocal()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Store exposes the underlying store for reconciliation.
func (s *Service) Store() Store { return s.store }

// Post appends a single entry.
func (s *Service) Post(ctx context.Context, e Entry) (Entry, error) {
	out, err := s.PostBatch(ctx, []Entry{e})
	if err != nil {
		return Entry{}, err
	}
	return out[0], nil
}

// PostBatch appends entries atomically.
func (s *Service) PostBatch(ctx context.Context, entries []Entry) ([]Entry, error) {
	const op = "ledger.post"
	now := s.now().UTC()
	for i := range entries {
		if entries[i].CreatedAt.IsZero() {
			entries[i].CreatedAt = now
		}
		if err := ValidateEntry(entries[i]); err != nil {
			return nil, err
		}
	}
	out, err := s.store.AppendBatch(ctx, entries)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	for _, e := range out {
		s.metrics.EntryPosted(string(e.Type), string(e.Direction))
		s.log.Debug("ledger entry posted",
			zap.String("entry_id", e.ID),
			zap.String("agent_id", e.AgentID),
			zap.String("type", string(e.Type)),
			zap.String("direction", string(e.Direction)),
			zap.Stringer("amount", e.Amount),
		)
	}
	return out, nil
}

// Upsert creates or amends the entry identified by e.Key.
func (s *Service) Upsert(ctx context.Context, e Entry) (Entry, bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	out, created, err := s.store.Upsert(ctx, e)
	if err != nil {
		return Entry{}, false, apperr.Internal("ledger.upsert", err)
	}
	if created {
		s.metrics.EntryPosted(string(out.Type), string(out.Direction))
	}
	return out, created, nil
}

// WalletInput describes a top-up or expense on one agent's wallet.
type WalletInput struct {
	AgentID     string      `json:"agent_id"`
	Amount      money.Money `json:"amount"`
	Description string      `json:"description"`
	Actor       string      `json:"actor"`
}

func (in WalletInput) validate(op string) error {
	if strings.TrimSpace(in.AgentID) == "" {
		return apperr.Validation(op, "agent id is required")
	}
	if !in.Amount.IsPositive() {
		return apperr.Validation(op, "amount must be positive")
	}
	return nil
}

// TopUp credits an agent's wallet.
func (s *Service) TopUp(ctx context.Context, in WalletInput) (Entry, error) {
	const op = "ledger.top_up"
	if err := in.validate(op); err != nil {
		return Entry{}, err
	}
	return s.Post(ctx, Entry{
		AgentID:     in.AgentID,
		Type:        TypeTopUp,
		Direction:   Credit,
		Amount:      in.Amount,
		Description: orDefault(in.Description, "Wallet top-up"),
		CreatedBy:   in.Actor,
	})
}

// VirtualTopUp records an expense paid directly by the agent: a credit and a
// debit of the same amount, linked as twins, net zero.
func (s *Service) VirtualTopUp(ctx context.Context, in WalletInput) ([]Entry, error) {
	const op = "ledger.virtual_top_up"
	if err := in.validate(op); err != nil {
		return nil, err
	}
	pair := uuid.NewString()
	desc := orDefault(in.Description, "Virtual top-up")
	return s.PostBatch(ctx, []Entry{
		{AgentID: in.AgentID, Type: TypeVirtualTopUp, Direction: Credit, Amount: in.Amount, PairID: pair, Description: desc, CreatedBy: in.Actor},
		{AgentID: in.AgentID, Type: TypeVirtualExpense, Direction: Debit, Amount: in.Amount, PairID: pair, Description: desc, CreatedBy: in.Actor},
	})
}

// VirtualExpense records a balance-neutral expense note on an agent's ledger.
func (s *Service) VirtualExpense(ctx context.Context, in WalletInput) (Entry, error) {
	const op = "ledger.virtual_expense"
	if err := in.validate(op); err != nil {
		return Entry{}, err
	}
	return s.Post(ctx, Entry{
		AgentID:         in.AgentID,
		Type:            TypeVirtualExpense,
		Direction:       Debit,
		Amount:          in.Amount,
		Description:     orDefault(in.Description, "Virtual expense"),
		IsInformational: true,
		CreatedBy:       in.Actor,
	})
}

// TransferInput moves wallet money from one agent to another.
type TransferInput struct {
	FromAgentID string      `json:"from_agent_id"`
	ToAgentID   string      `json:"to_agent_id"`
	Amount      money.Money `json:"amount"`
	Description string      `json:"description"`
	Actor       string      `json:"actor"`
}

// Transfer posts a debit on the sender and a credit on the receiver as one
// atomic pair. The sender's balance is checked under the sender's lease.
func (s *Service) Transfer(ctx context.Context, in TransferInput) ([]Entry, error) {
	const op = "ledger.transfer"
	if strings.TrimSpace(in.FromAgentID) == "" || strings.TrimSpace(in.ToAgentID) == "" {
		return nil, apperr.Validation(op, "sender and receiver are required")
	}
	if in.FromAgentID == in.ToAgentID {
		return nil, apperr.Validation(op, "cannot transfer to the same agent")
	}
	if !in.Amount.IsPositive() {
		return nil, apperr.Validation(op, "amount must be positive")
	}

	var out []Entry
	err := s.locker.WithLease(ctx, lease.AgentKey(in.FromAgentID), func(ctx context.Context) error {
		bal, err := s.store.Balance(ctx, in.FromAgentID)
		if err != nil {
			return apperr.Internal(op, err)
		}
		if bal < in.Amount {
			return apperr.InsufficientBalance(op, "agent %s balance %s is below %s", in.FromAgentID, bal, in.Amount)
		}
		pair := uuid.NewString()
		desc := orDefault(in.Description, "Agent transfer")
		out, err = s.PostBatch(ctx, []Entry{
			{AgentID: in.FromAgentID, Type: TypeAgentTransfer, Direction: Debit, Amount: in.Amount, PairID: pair, Description: desc, CreatedBy: in.Actor},
			{AgentID: in.ToAgentID, Type: TypeAgentTransfer, Direction: Credit, Amount: in.Amount, PairID: pair, Description: desc, CreatedBy: in.Actor},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("agent transfer posted",
		zap.String("from_agent_id", in.FromAgentID),
		zap.String("to_agent_id", in.ToAgentID),
		zap.Stringer("amount", in.Amount),
	)
	return out, nil
}

// Amend changes the amount or description of an amendable entry.
func (s *Service) Amend(ctx context.Context, id string, p Patch) (Entry, error) {
	out, err := s.store.Update(ctx, id, p)
	if err != nil {
		return Entry{}, apperr.Internal("ledger.amend", err)
	}
	return out, nil
}

// DeleteCorrectable removes an allow-listed entry and its twin.
func (s *Service) DeleteCorrectable(ctx context.Context, id string) ([]string, error) {
	ids, err := s.store.Delete(ctx, id)
	if err != nil {
		return nil, apperr.Internal("ledger.delete", err)
	}
	s.log.Info("ledger entries deleted", zap.Strings("entry_ids", ids))
	return ids, nil
}

// Balance returns the materialized balance. It never takes a trip lease.
func (s *Service) Balance(ctx context.Context, agentID string) (money.Money, error) {
	if strings.TrimSpace(agentID) == "" {
		return 0, apperr.Validation("ledger.balance", "agent id is required")
	}
	bal, err := s.store.Balance(ctx, agentID)
	if err != nil {
		return 0, apperr.Internal("ledger.balance", err)
	}
	return bal, nil
}

func (s *Service) Entries(ctx context.Context, f Filter) ([]Entry, error) {
	out, err := s.store.Find(ctx, f)
	if err != nil {
		return nil, apperr.Internal("ledger.entries", err)
	}
	return out, nil
}

// CheckConsistency compares materialized balances with folded entries.
func (s *Service) CheckConsistency(ctx context.Context) ([]ConsistencyResult, error) {
	results, err := CheckConsistency(ctx, s.store, s.now().UTC())
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if !r.IsConsistent {
			s.metrics.Drift("agent_balance")
			s.log.Warn("materialized balance drift",
				zap.String("agent_id", r.AgentID),
				zap.Stringer("materialized", r.Materialized),
				zap.Stringer("folded", r.Folded),
			)
		}
	}
	return results, nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
