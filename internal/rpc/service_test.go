package rpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/tripledger/internal/agents"
	"github.com/example/tripledger/internal/apperr"
	"github.com/example/tripledger/internal/ledger"
	"github.com/example/tripledger/internal/money"
	"github.com/example/tripledger/internal/trip"
)

var owner = agents.Agent{ID: "agent-1", Role: agents.RoleAgent}

type rig struct {
	client *BalanceClient
	conn   *grpc.ClientConn
	trips  *trip.Service
	ledger *ledger.Service
	logs   *observer.ObservedLogs
}

func newRig(t *testing.T) *rig {
	t.Helper()
	ls := ledger.NewService(ledger.NewMemoryStore(), ledger.Options{})
	ts := trip.NewService(trip.NewMemoryStore(), ls, trip.Options{})

	core, logs := observer.New(zap.InfoLevel)
	gs := NewGRPCServer(NewServer(ls, ts), zap.New(core))
	lis := bufconn.Listen(1 << 20)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &rig{client: NewBalanceClient(conn), conn: conn, trips: ts, ledger: ls, logs: logs}
}

func TestGetAgentBalance(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	_, err := r.ledger.TopUp(ctx, ledger.WalletInput{AgentID: owner.ID, Amount: money.MustParse("1250.50")})
	require.NoError(t, err)

	out, err := r.client.GetAgentBalance(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, "1250.50", out.Fields["balance"].GetStringValue())
	assert.Equal(t, 125050.0, out.Fields["balance_minor"].GetNumberValue())

	out, err = r.client.GetAgentBalance(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, "0.00", out.Fields["balance"].GetStringValue())

	_, err = r.client.GetAgentBalance(ctx, "  ")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	entries := r.logs.FilterMessage("grpc_request").All()
	require.Len(t, entries, 3)
	assert.Equal(t, "/tripledger.v1.BalanceService/GetAgentBalance", entries[0].ContextMap()["method"])
	assert.Equal(t, "InvalidArgument", entries[2].ContextMap()["code"])
}

func TestGetTripBalance(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	tr, err := r.trips.Create(ctx, trip.CreateInput{
		LRNumber: "LR-7", DriverPhone: "1", Freight: money.FromMajor(10000), Advance: money.FromMajor(2000),
	}, owner)
	require.NoError(t, err)

	out, err := r.client.GetTripBalance(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "LR-7", out.Fields["lr_number"].GetStringValue())
	assert.Equal(t, "Active", out.Fields["status"].GetStringValue())
	assert.Equal(t, "8000.00", out.Fields["balance"].GetStringValue())
	assert.Equal(t, "8000.00", out.Fields["projected_final_balance"].GetStringValue())
	assert.NotContains(t, out.Fields, "final_balance")

	_, err = r.client.GetTripBalance(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestHealthService(t *testing.T) {
	r := newRig(t)
	resp, err := healthpb.NewHealthClient(r.conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestToStatus(t *testing.T) {
	cases := map[codes.Code]error{
		codes.InvalidArgument:    apperr.Validation("t", "bad"),
		codes.NotFound:           apperr.NotFound("t", "gone"),
		codes.Aborted:            apperr.Conflict("t", "dup"),
		codes.FailedPrecondition: apperr.InsufficientBalance("t", "short"),
		codes.Internal:           assert.AnError,
	}
	for want, err := range cases {
		assert.Equal(t, want, status.Code(toStatus(err)), "%v", err)
	}
}
