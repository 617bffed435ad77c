// Package api exposes the trip ledger engine over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/tripledger/internal/agents"
	"github.com/example/tripledger/internal/disputes"
	"github.com/example/tripledger/internal/ledger"
	"github.com/example/tripledger/internal/money"
	"github.com/example/tripledger/internal/security"
	"github.com/example/tripledger/internal/trip"
	"github.com/example/tripledger/pkg/audit"
)

type TripService interface {
	Create(ctx context.Context, in trip.CreateInput, actor agents.Agent) (trip.Trip, error)
	Get(ctx context.Context, id string) (trip.Trip, error)
	List(ctx context.Context, f trip.Filter) ([]trip.Trip, error)
	AddPayment(ctx context.Context, tripID string, in trip.PaymentInput) (trip.Trip, error)
	UpdateDeductions(ctx context.Context, tripID string, patch trip.DeductionPatch, actor agents.Agent) (trip.Trip, error)
	Close(ctx context.Context, tripID string, actor agents.Agent, force bool) (trip.Trip, error)
	Transitions(ctx context.Context, tripID string) ([]trip.Transition, error)
}

type DisputeService interface {
	Get(ctx context.Context, id string) (disputes.Dispute, error)
	OpenDispute(ctx context.Context, tripID string, in disputes.OpenInput, actor agents.Agent) (disputes.Dispute, error)
	ResolveDispute(ctx context.Context, disputeID string, in disputes.ResolveInput, actor agents.Agent) (disputes.Resolution, error)
}

type LedgerService interface {
	Balance(ctx context.Context, agentID string) (money.Money, error)
	Entries(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error)
	TopUp(ctx context.Context, in ledger.WalletInput) (ledger.Entry, error)
	VirtualTopUp(ctx context.Context, in ledger.WalletInput) ([]ledger.Entry, error)
	VirtualExpense(ctx context.Context, in ledger.WalletInput) (ledger.Entry, error)
	Amend(ctx context.Context, id string, p ledger.Patch) (ledger.Entry, error)
	Transfer(ctx context.Context, in ledger.TransferInput) ([]ledger.Entry, error)
	DeleteCorrectable(ctx context.Context, id string) ([]string, error)
}

type Dependencies struct {
	Logger    *zap.Logger
	Directory agents.Directory
	Trips     TripService
	Disputes  DisputeService
	Ledger    LedgerService

	// Audit receives one record per mutating request.
	Audit        audit.Sink
	RateLimiter  *security.RedisTokenBucket
	Metrics      http.Handler
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MaxBodyBytes == 0 {
		deps.MaxBodyBytes = 1 << 20
	}

	v, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, rateLimitKey))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(ActorMiddleware(deps.Directory))
		if deps.Audit != nil {
			r.Use(AuditMiddleware(deps.Audit, deps.Logger))
		}

		r.Route("/trips", func(r chi.Router) {
			r.Get("/", handleListTrips(deps))
			r.With(v.createTrip.Middleware).Post("/", handleCreateTrip(deps))
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handleGetTrip(deps))
				r.Get("/history", handleTripHistory(deps))
				r.With(v.payment.Middleware).Post("/payments", handleAddPayment(deps))
				r.With(v.deductions.Middleware).Patch("/deductions", handleUpdateDeductions(deps))
				r.Post("/close", handleCloseTrip(deps))
				r.With(v.openDispute.Middleware).Post("/disputes", handleOpenDispute(deps))
			})
		})

		r.Route("/disputes/{id}", func(r chi.Router) {
			r.Get("/", handleGetDispute(deps))
			r.With(RequireRole(agents.RoleFinance, agents.RoleAdmin), v.resolveDispute.Middleware).Post("/resolve", handleResolveDispute(deps))
		})

		r.Route("/agents/{id}", func(r chi.Router) {
			r.Get("/balance", handleBalance(deps))
			r.Get("/entries", handleEntries(deps))
		})

		r.Route("/ledger", func(r chi.Router) {
			finance := r.With(RequireRole(agents.RoleFinance, agents.RoleAdmin))
			finance.With(v.wallet.Middleware).Post("/topups", handleTopUp(deps))
			finance.With(v.amendEntry.Middleware).Patch("/entries/{id}", handleAmendEntry(deps))
			finance.Delete("/entries/{id}", handleDeleteEntry(deps))
			r.With(v.wallet.Middleware).Post("/virtual-topups", handleVirtualTopUp(deps))
			r.With(v.wallet.Middleware).Post("/virtual-expenses", handleVirtualExpense(deps))
			r.With(v.transfer.Middleware).Post("/transfers", handleTransfer(deps))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found", "")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "")
	})

	return r, nil
}

// rateLimitKey buckets by actor when one is named, else by address.
func rateLimitKey(r *http.Request) string {
	if id := r.Header.Get(ActorHeader); id != "" {
		return "actor:" + id
	}
	return security.KeyByIP(r)
}
