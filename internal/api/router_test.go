package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tripledger/internal/agents"
	"github.com/example/tripledger/internal/disputes"
	"github.com/example/tripledger/internal/ledger"
	"github.com/example/tripledger/internal/metrics"
	"github.com/example/tripledger/internal/money"
	"github.com/example/tripledger/internal/security"
	"github.com/example/tripledger/internal/trip"
	"github.com/example/tripledger/pkg/audit"
)

var (
	agent1  = agents.Agent{ID: "agent-1", Name: "Ravi", Role: agents.RoleAgent}
	agent2  = agents.Agent{ID: "agent-2", Name: "Meena", Role: agents.RoleAgent}
	finance = agents.Agent{ID: "fin-1", Name: "Accounts", Role: agents.RoleFinance}
)

func major(v int64) money.Money { return money.FromMajor(v) }

type testServer struct {
	handler http.Handler
	ledger  *ledger.Service
	audit   *audit.MemorySink
}

func newTestServer(t *testing.T, mutate ...func(*Dependencies)) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	dir := agents.NewMemoryDirectory(agent1, agent2, finance)
	trips := trip.NewMemoryStore()
	ls := ledger.NewService(ledger.NewMemoryStore(), ledger.Options{Metrics: m})
	svc := trip.NewService(trips, ls, trip.Options{Directory: dir, Metrics: m})
	rec := disputes.NewReconciler(disputes.NewMemoryStore(), trips, ls, disputes.Options{History: svc.History(), Metrics: m})
	svc.SetDisputeGate(rec)

	sink := audit.NewMemorySink()
	deps := Dependencies{
		Directory: dir,
		Trips:     svc,
		Disputes:  rec,
		Ledger:    ls,
		Audit:     sink,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	h, err := NewRouter(deps)
	require.NoError(t, err)
	return &testServer{handler: h, ledger: ls, audit: sink}
}

func (s *testServer) do(t *testing.T, method, path string, actor agents.Agent, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor.ID != "" {
		req.Header.Set(ActorHeader, actor.ID)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	return decode[security.ErrorResponse](t, rec).Error
}

func (s *testServer) createTrip(t *testing.T, lr string, freight, advance int64) trip.Trip {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/trips", agent1, map[string]any{
		"lr_number": lr, "driver_phone": "9800000000", "freight": freight, "advance": advance,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[tripResponse](t, rec).Trip
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", agents.Agent{}, nil).Code)

	s.createTrip(t, "LR-1", 100, 10)
	rec := s.do(t, http.MethodGet, "/metrics", agents.Agent{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tripledger_ledger_entries_posted_total")
}

func TestActorIsRequired(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/v1/trips", agents.Agent{}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "actor_required", errorCode(t, rec))

	rec = s.do(t, http.MethodGet, "/v1/trips", agents.Agent{ID: "ghost"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unknown_actor", errorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get(security.CorrelationIDHeader))
}

func TestTripWorkedExampleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	tr := s.createTrip(t, "LR-1001", 10000, 2000)
	assert.Equal(t, major(8000), tr.Balance)

	rec := s.do(t, http.MethodPost, "/v1/trips/"+tr.ID+"/payments", agent1, map[string]any{"amount": "1500", "mode": "cash"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, major(6500), decode[tripResponse](t, rec).Trip.Balance)

	rec = s.do(t, http.MethodPatch, "/v1/trips/"+tr.ID+"/deductions", agent1, map[string]any{"cess": 200, "beta": 300})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, major(6400), decode[tripResponse](t, rec).Trip.Balance)

	rec = s.do(t, http.MethodPost, "/v1/trips/"+tr.ID+"/close", agent1, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "insufficient_balance", errorCode(t, rec))

	rec = s.do(t, http.MethodGet, "/v1/trips/"+tr.ID, agent1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[tripResponse](t, rec).Trip
	assert.Equal(t, trip.StatusActive, got.Status)
	require.Len(t, got.Payments, 1)
	assert.Equal(t, agent1.ID, got.Payments[0].PaidFor)

	rec = s.do(t, http.MethodGet, "/v1/agents/agent-1/balance", agent1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, major(-4000), decode[balanceResponse](t, rec).Balance)

	rec = s.do(t, http.MethodGet, "/v1/agents/agent-1/entries?type=TripDeduction", agent1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[entriesResponse](t, rec).Entries, 2)

	rec = s.do(t, http.MethodPost, "/v1/trips/"+tr.ID+"/close?force=true", finance, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := decode[tripResponse](t, rec).Trip
	assert.Equal(t, trip.StatusCompleted, closed.Status)
	require.NotNil(t, closed.FinalBalance)
	assert.Equal(t, major(6400), *closed.FinalBalance)
}

func TestFinancePaymentNeedsSelectedAgent(t *testing.T) {
	s := newTestServer(t)
	tr := s.createTrip(t, "LR-2", 5000, 0)

	rec := s.do(t, http.MethodPost, "/v1/trips/"+tr.ID+"/payments", finance, map[string]any{"amount": 500})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", errorCode(t, rec))

	rec = s.do(t, http.MethodPost, "/v1/trips/"+tr.ID+"/payments", finance, map[string]any{"amount": 500, "selected_agent_id": agent2.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[tripResponse](t, rec).Trip.Payments[0]
	assert.Equal(t, agents.RoleFinance, p.AddedByRole)
	assert.Equal(t, agent2.ID, p.PaidFor)

	rec = s.do(t, http.MethodGet, "/v1/agents/agent-2/balance", finance, nil)
	assert.True(t, decode[balanceResponse](t, rec).Balance.IsZero(), "mirror top-up offsets the debit")

	rec = s.do(t, http.MethodPost, "/v1/trips/"+tr.ID+"/payments", agent1, map[string]any{"amount": 1, "selected_agent_id": agent2.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/trips", agent1, map[string]any{"lr_number": "LR-3"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errorCode(t, rec))

	rec = s.do(t, http.MethodPost, "/v1/trips", agent1, map[string]any{"lr_number": "LR-3", "driver_phone": "1", "freight": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/trips", agent1, `{"lr_number": `)
	assert.Equal(t, "invalid_json", errorCode(t, rec))

	rec = s.do(t, http.MethodPost, "/v1/trips", agent1, map[string]any{"lr_number": "LR-3", "driver_phone": "1", "freight": "12.345"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "sub-paisa amounts are rejected")

	tr := s.createTrip(t, "LR-3", 100, 0)
	rec = s.do(t, http.MethodPatch, "/v1/trips/"+tr.ID+"/deductions", agent1, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/trips/"+tr.ID+"/close?force=maybe", finance, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/trips?status=Lost", agent1, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/agents/agent-1/entries?since=yesterday", agent1, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDuplicateLRAndMissingTrip(t *testing.T) {
	s := newTestServer(t)
	s.createTrip(t, "LR-9", 100, 0)

	rec := s.do(t, http.MethodPost, "/v1/trips", agent1, map[string]any{"lr_number": "lr-9", "driver_phone": "1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/trips/nope", agent1, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))

	rec = s.do(t, http.MethodGet, "/v1/trips?agent_id=agent-1", agent1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[tripsResponse](t, rec).Trips, 1)
}

func TestDisputeFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	tr := s.createTrip(t, "LR-D", 10000, 2000)

	rec := s.do(t, http.MethodPost, "/v1/trips/"+tr.ID+"/disputes", agent1, map[string]any{"type": "Rate Difference"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "rate difference needs an amount")

	rec = s.do(t, http.MethodPost, "/v1/trips/"+tr.ID+"/disputes", agent1, map[string]any{"type": "rate-difference", "amount": 1000, "reason": "agreed 11000"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := decode[disputeResponse](t, rec).Dispute
	assert.Equal(t, disputes.StatusOpen, d.Status)

	rec = s.do(t, http.MethodPost, "/v1/trips/"+tr.ID+"/disputes", agent1, map[string]any{"type": "delay"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/trips/"+tr.ID+"/payments", agent1, map[string]any{"amount": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/disputes/"+d.ID+"/resolve", agent1, map[string]any{"corrections": map[string]any{"freight": 11000}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/disputes/"+d.ID+"/resolve", finance, map[string]any{"corrections": map[string]any{"tolls": 5}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/disputes/"+d.ID+"/resolve", finance, map[string]any{
		"corrections": map[string]any{"freight": 11000}, "resolution": "rate confirmed",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[resolutionResponse](t, rec)
	assert.Equal(t, trip.StatusActive, res.Trip.Status)
	assert.Equal(t, major(9000), res.Trip.Balance)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, ledger.TypeCorrectionFreight, res.Entries[0].Type)

	rec = s.do(t, http.MethodGet, "/v1/disputes/"+d.ID, agent1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, disputes.StatusResolved, decode[disputeResponse](t, rec).Dispute.Status)

	rec = s.do(t, http.MethodPost, "/v1/disputes/"+d.ID+"/resolve", finance, map[string]any{"corrections": map[string]any{}})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWalletRoutes(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/ledger/topups", agent1, map[string]any{"agent_id": agent1.ID, "amount": 5000})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/ledger/topups", finance, map[string]any{"agent_id": "ghost", "amount": 5000})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/ledger/topups", finance, map[string]any{"agent_id": agent1.ID, "amount": 5000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	topUp := decode[entriesResponse](t, rec).Entries[0]
	assert.Equal(t, finance.ID, topUp.CreatedBy)

	rec = s.do(t, http.MethodPost, "/v1/ledger/transfers", agent1, map[string]any{"to_agent_id": agent2.ID, "amount": 9000})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/ledger/transfers", agent1, map[string]any{"from_agent_id": agent2.ID, "to_agent_id": agent1.ID, "amount": 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/ledger/transfers", agent1, map[string]any{"to_agent_id": agent2.ID, "amount": 1000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pair := decode[entriesResponse](t, rec).Entries
	require.Len(t, pair, 2)
	assert.Equal(t, pair[0].Amount, pair[1].Amount)
	assert.Equal(t, pair[0].Direction.Opposite(), pair[1].Direction)

	rec = s.do(t, http.MethodPost, "/v1/ledger/virtual-topups", agent1, map[string]any{"amount": 250, "description": "toll"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, decode[entriesResponse](t, rec).Entries, 2)

	rec = s.do(t, http.MethodPost, "/v1/ledger/virtual-topups", agent1, map[string]any{"agent_id": agent2.ID, "amount": 250})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/agents/agent-1/balance", agent1, nil)
	assert.Equal(t, major(4000), decode[balanceResponse](t, rec).Balance)

	rec = s.do(t, http.MethodDelete, "/v1/ledger/entries/"+pair[0].ID, agent1, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodDelete, "/v1/ledger/entries/"+pair[0].ID, finance, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.ElementsMatch(t, []string{pair[0].ID, pair[1].ID}, decode[deletedResponse](t, rec).Deleted)

	rec = s.do(t, http.MethodGet, "/v1/agents/agent-2/balance", agent2, nil)
	assert.True(t, decode[balanceResponse](t, rec).Balance.IsZero())
}

func TestTripHistoryOverHTTP(t *testing.T) {
	s := newTestServer(t)
	tr := s.createTrip(t, "LR-H", 10000, 0)

	rec := s.do(t, http.MethodPost, "/v1/trips/"+tr.ID+"/disputes", agent1, map[string]any{"type": "delay"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v1/trips/"+tr.ID+"/history", agent1, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[historyResponse](t, rec)
	assert.True(t, got.ChainValid, got.ChainError)
	require.Len(t, got.Transitions, 2)
	assert.Equal(t, trip.StatusActive, got.Transitions[0].To)
	assert.Equal(t, trip.StatusInDispute, got.Transitions[1].To)
	assert.Equal(t, got.Transitions[0].Hash, got.Transitions[1].PrevHash)
	assert.NoError(t, trip.VerifyTransitions(got.Transitions))

	rec = s.do(t, http.MethodGet, "/v1/trips/missing/history", agent1, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAmendEntryOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/ledger/topups", finance, map[string]any{"agent_id": agent1.ID, "amount": 5000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	topUp := decode[entriesResponse](t, rec).Entries[0]

	rec = s.do(t, http.MethodPatch, "/v1/ledger/entries/"+topUp.ID, agent1, map[string]any{"amount": 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPatch, "/v1/ledger/entries/"+topUp.ID, finance, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPatch, "/v1/ledger/entries/"+topUp.ID, finance, map[string]any{"direction": "Debit"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPatch, "/v1/ledger/entries/"+topUp.ID, finance, map[string]any{"amount": 4000, "description": "short by 1000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	amended := decode[entriesResponse](t, rec).Entries[0]
	assert.Equal(t, major(4000), amended.Amount)
	assert.Equal(t, "short by 1000", amended.Description)

	rec = s.do(t, http.MethodGet, "/v1/agents/agent-1/balance", agent1, nil)
	assert.Equal(t, major(4000), decode[balanceResponse](t, rec).Balance)

	tr := s.createTrip(t, "LR-M", 5000, 0)
	rec = s.do(t, http.MethodPost, "/v1/trips/"+tr.ID+"/payments", finance, map[string]any{"amount": 500, "selected_agent_id": agent2.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v1/agents/agent-2/entries?type=TopUp", finance, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mirrors := decode[entriesResponse](t, rec).Entries
	require.Len(t, mirrors, 1)
	require.NotEmpty(t, mirrors[0].PaymentID)

	rec = s.do(t, http.MethodPatch, "/v1/ledger/entries/"+mirrors[0].ID, finance, map[string]any{"amount": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/agents/agent-2/balance", finance, nil)
	assert.True(t, decode[balanceResponse](t, rec).Balance.IsZero())
}

func TestVirtualExpenseOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/ledger/virtual-expenses", agent1, map[string]any{"agent_id": agent2.ID, "amount": 120})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/ledger/virtual-expenses", agent1, map[string]any{"amount": 120, "description": "tyre puncture"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decode[entriesResponse](t, rec).Entries
	require.Len(t, got, 1)
	assert.Equal(t, ledger.TypeVirtualExpense, got[0].Type)
	assert.True(t, got[0].IsInformational)
	assert.Equal(t, agent1.ID, got[0].CreatedBy)

	rec = s.do(t, http.MethodGet, "/v1/agents/agent-1/balance", agent1, nil)
	assert.True(t, decode[balanceResponse](t, rec).Balance.IsZero(), "expense notes do not move the balance")
}

func TestMutatingRequestsAreAudited(t *testing.T) {
	s := newTestServer(t)
	tr := s.createTrip(t, "LR-A", 100, 0)
	s.do(t, http.MethodGet, "/v1/trips/"+tr.ID, agent1, nil)
	s.do(t, http.MethodPost, "/v1/trips/"+tr.ID+"/close", agent1, nil)

	entries := s.audit.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "http.POST", entries[0].Action)
	assert.True(t, strings.HasPrefix(entries[0].EntityID, "/v1/trips"), entries[0].EntityID)
	assert.Equal(t, "/v1/trips/{id}/close", entries[1].EntityID)
	assert.Equal(t, agent1.ID, entries[1].Actor)
	assert.True(t, audit.VerifyChain(entries))
}

func TestRateLimitByActor(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := newTestServer(t, func(d *Dependencies) {
		d.RateLimiter = security.NewPerMinute(client, 2)
	})
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/trips", agent1, nil).Code)
	}
	rec := s.do(t, http.MethodGet, "/v1/trips", agent1, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/trips", agent2, nil).Code)
}

func TestUnknownRoutes(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/v2/anything", agent1, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))

	rec = s.do(t, http.MethodPut, "/healthz", agent1, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
