package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/tripledger/internal/agents"
	"github.com/example/tripledger/internal/apperr"
	"github.com/example/tripledger/internal/disputes"
	"github.com/example/tripledger/internal/ledger"
	"github.com/example/tripledger/internal/money"
	"github.com/example/tripledger/internal/security"
	"github.com/example/tripledger/internal/trip"
)

type tripResponse struct {
	CorrelationID string    `json:"correlation_id"`
	Trip          trip.Trip `json:"trip"`
}

type tripsResponse struct {
	CorrelationID string      `json:"correlation_id"`
	Trips         []trip.Trip `json:"trips"`
}

type historyResponse struct {
	CorrelationID string            `json:"correlation_id"`
	TripID        string            `json:"trip_id"`
	Transitions   []trip.Transition `json:"transitions"`
	ChainValid    bool              `json:"chain_valid"`
	ChainError    string            `json:"chain_error,omitempty"`
}

type amendRequest struct {
	Amount      *money.Money `json:"amount"`
	Description *string      `json:"description"`
}

type paymentRequest struct {
	Amount          money.Money `json:"amount"`
	Reason          string      `json:"reason"`
	Mode            string      `json:"mode"`
	SelectedAgentID string      `json:"selected_agent_id"`
}

type disputeResponse struct {
	CorrelationID string           `json:"correlation_id"`
	Dispute       disputes.Dispute `json:"dispute"`
}

type resolutionResponse struct {
	CorrelationID string `json:"correlation_id"`
	disputes.Resolution
}

type balanceResponse struct {
	CorrelationID string      `json:"correlation_id"`
	AgentID       string      `json:"agent_id"`
	Balance       money.Money `json:"balance"`
}

type entriesResponse struct {
	CorrelationID string         `json:"correlation_id"`
	Entries       []ledger.Entry `json:"entries"`
}

type deletedResponse struct {
	CorrelationID string   `json:"correlation_id"`
	Deleted       []string `json:"deleted"`
}

func cid(r *http.Request) string { return security.CorrelationIDFromContext(r.Context()) }

func actorOf(r *http.Request) agents.Agent {
	a, _ := ActorFromContext(r.Context())
	return a
}

func handleCreateTrip(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in trip.CreateInput
		if err := decodeBody(r, &in); err != nil {
			security.WriteError(w, r, err)
			return
		}
		t, err := deps.Trips.Create(r.Context(), in, actorOf(r))
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, tripResponse{CorrelationID: cid(r), Trip: t})
	}
}

func handleGetTrip(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Trips.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, tripResponse{CorrelationID: cid(r), Trip: t})
	}
}

// handleTripHistory returns the status chain and whether it still verifies.
func handleTripHistory(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		links, err := deps.Trips.Transitions(r.Context(), id)
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		resp := historyResponse{CorrelationID: cid(r), TripID: id, Transitions: links, ChainValid: true}
		if resp.Transitions == nil {
			resp.Transitions = []trip.Transition{}
		}
		if err := trip.VerifyTransitions(links); err != nil {
			resp.ChainValid = false
			resp.ChainError = err.Error()
		}
		writeJSON(w, r, http.StatusOK, resp)
	}
}

func handleListTrips(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := trip.Filter{AgentID: q.Get("agent_id"), Status: trip.Status(q.Get("status"))}
		if f.Status != "" && !f.Status.Valid() {
			security.WriteError(w, r, apperr.Validation("api.list_trips", "unknown status %q", f.Status))
			return
		}
		if v := q.Get("limit"); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				f.Limit = i
			}
		}
		trips, err := deps.Trips.List(r.Context(), f)
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, tripsResponse{CorrelationID: cid(r), Trips: trips})
	}
}

// payerFor builds the payment's payer from the actor. Finance and Admin pay
// on behalf of a selected agent; agents always pay from their own wallet.
func payerFor(actor agents.Agent, selected string) (trip.Payer, error) {
	if actor.Role == agents.RoleAgent {
		if selected != "" && selected != actor.ID {
			return nil, apperr.Validation("api.add_payment", "agents pay from their own wallet")
		}
		return trip.AgentPayer{AgentID: actor.ID}, nil
	}
	return trip.FinancePayer{UserID: actor.ID, SelectedAgentID: selected}, nil
}

func handleAddPayment(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req paymentRequest
		if err := decodeBody(r, &req); err != nil {
			security.WriteError(w, r, err)
			return
		}
		payer, err := payerFor(actorOf(r), req.SelectedAgentID)
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		t, err := deps.Trips.AddPayment(r.Context(), chi.URLParam(r, "id"), trip.PaymentInput{
			Amount: req.Amount,
			Reason: req.Reason,
			Mode:   req.Mode,
			Payer:  payer,
		})
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, tripResponse{CorrelationID: cid(r), Trip: t})
	}
}

func handleUpdateDeductions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch trip.DeductionPatch
		if err := decodeBody(r, &patch); err != nil {
			security.WriteError(w, r, err)
			return
		}
		t, err := deps.Trips.UpdateDeductions(r.Context(), chi.URLParam(r, "id"), patch, actorOf(r))
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, tripResponse{CorrelationID: cid(r), Trip: t})
	}
}

func handleCloseTrip(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		force := false
		if v := r.URL.Query().Get("force"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				security.WriteError(w, r, apperr.Validation("api.close_trip", "force must be a boolean"))
				return
			}
			force = b
		}
		t, err := deps.Trips.Close(r.Context(), chi.URLParam(r, "id"), actorOf(r), force)
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, tripResponse{CorrelationID: cid(r), Trip: t})
	}
}

func handleOpenDispute(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in disputes.OpenInput
		if err := decodeBody(r, &in); err != nil {
			security.WriteError(w, r, err)
			return
		}
		d, err := deps.Disputes.OpenDispute(r.Context(), chi.URLParam(r, "id"), in, actorOf(r))
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, disputeResponse{CorrelationID: cid(r), Dispute: d})
	}
}

func handleGetDispute(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Disputes.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, disputeResponse{CorrelationID: cid(r), Dispute: d})
	}
}

func handleResolveDispute(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in disputes.ResolveInput
		if err := decodeBody(r, &in); err != nil {
			security.WriteError(w, r, err)
			return
		}
		res, err := deps.Disputes.ResolveDispute(r.Context(), chi.URLParam(r, "id"), in, actorOf(r))
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, resolutionResponse{CorrelationID: cid(r), Resolution: res})
	}
}

func handleBalance(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := chi.URLParam(r, "id")
		bal, err := deps.Ledger.Balance(r.Context(), agentID)
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, balanceResponse{CorrelationID: cid(r), AgentID: agentID, Balance: bal})
	}
}

func handleEntries(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "api.entries"
		q := r.URL.Query()
		f := ledger.Filter{AgentID: chi.URLParam(r, "id"), TripID: q.Get("trip_id")}
		for _, t := range q["type"] {
			if !ledger.Type(t).Valid() {
				security.WriteError(w, r, apperr.Validation(op, "unknown entry type %q", t))
				return
			}
			f.Types = append(f.Types, ledger.Type(t))
		}
		for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
			if v := q.Get(name); v != "" {
				ts, err := time.Parse(time.RFC3339, v)
				if err != nil {
					security.WriteError(w, r, apperr.Validation(op, "%s must be RFC 3339", name))
					return
				}
				*dst = ts
			}
		}
		if v := q.Get("limit"); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				f.Limit = i
			}
		}

		entries, err := deps.Ledger.Entries(r.Context(), f)
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, entriesResponse{CorrelationID: cid(r), Entries: entries})
	}
}

func handleTopUp(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in ledger.WalletInput
		if err := decodeBody(r, &in); err != nil {
			security.WriteError(w, r, err)
			return
		}
		if _, err := deps.Directory.FindAgent(r.Context(), in.AgentID); err != nil {
			security.WriteError(w, r, err)
			return
		}
		in.Actor = actorOf(r).ID
		e, err := deps.Ledger.TopUp(r.Context(), in)
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, entriesResponse{CorrelationID: cid(r), Entries: []ledger.Entry{e}})
	}
}

// decodeOwnWallet reads a wallet request defaulting to the actor's wallet.
// Agents may only record against their own.
func decodeOwnWallet(w http.ResponseWriter, r *http.Request) (ledger.WalletInput, bool) {
	var in ledger.WalletInput
	if err := decodeBody(r, &in); err != nil {
		security.WriteError(w, r, err)
		return in, false
	}
	actor := actorOf(r)
	if in.AgentID == "" {
		in.AgentID = actor.ID
	}
	if actor.Role == agents.RoleAgent && in.AgentID != actor.ID {
		security.WriteJSONError(w, r, http.StatusForbidden, "forbidden", "agents may only record their own expenses")
		return in, false
	}
	in.Actor = actor.ID
	return in, true
}

// handleVirtualTopUp records an expense an agent paid directly.
func handleVirtualTopUp(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, ok := decodeOwnWallet(w, r)
		if !ok {
			return
		}
		entries, err := deps.Ledger.VirtualTopUp(r.Context(), in)
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, entriesResponse{CorrelationID: cid(r), Entries: entries})
	}
}

// handleVirtualExpense records a balance-neutral expense note.
func handleVirtualExpense(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, ok := decodeOwnWallet(w, r)
		if !ok {
			return
		}
		e, err := deps.Ledger.VirtualExpense(r.Context(), in)
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, entriesResponse{CorrelationID: cid(r), Entries: []ledger.Entry{e}})
	}
}

// handleTransfer moves money out of the actor's wallet. Finance and Admin may
// name another sender.
func handleTransfer(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in ledger.TransferInput
		if err := decodeBody(r, &in); err != nil {
			security.WriteError(w, r, err)
			return
		}
		actor := actorOf(r)
		if in.FromAgentID == "" {
			in.FromAgentID = actor.ID
		}
		if actor.Role == agents.RoleAgent && in.FromAgentID != actor.ID {
			security.WriteJSONError(w, r, http.StatusForbidden, "forbidden", "agents may only transfer from their own wallet")
			return
		}
		if _, err := deps.Directory.FindAgent(r.Context(), in.ToAgentID); err != nil {
			security.WriteError(w, r, err)
			return
		}
		in.Actor = actor.ID
		entries, err := deps.Ledger.Transfer(r.Context(), in)
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, entriesResponse{CorrelationID: cid(r), Entries: entries})
	}
}

func handleAmendEntry(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req amendRequest
		if err := decodeBody(r, &req); err != nil {
			security.WriteError(w, r, err)
			return
		}
		e, err := deps.Ledger.Amend(r.Context(), chi.URLParam(r, "id"), ledger.Patch{Amount: req.Amount, Description: req.Description})
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, entriesResponse{CorrelationID: cid(r), Entries: []ledger.Entry{e}})
	}
}

func handleDeleteEntry(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := deps.Ledger.DeleteCorrectable(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, deletedResponse{CorrelationID: cid(r), Deleted: ids})
	}
}
