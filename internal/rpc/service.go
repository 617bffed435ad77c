// Package rpc serves read-only balance queries over gRPC. Messages are
// google.protobuf.Struct values, so no generated code is needed.
package rpc

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/tripledger/internal/apperr"
	"github.com/example/tripledger/internal/money"
	"github.com/example/tripledger/internal/trip"
)

const ServiceName = "tripledger.v1.BalanceService"

// BalanceServer is the server side of tripledger.v1.BalanceService.
type BalanceServer interface {
	GetAgentBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetTripBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var BalanceServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BalanceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetAgentBalance", Handler: unaryHandler("GetAgentBalance", BalanceServer.GetAgentBalance)},
		{MethodName: "GetTripBalance", Handler: unaryHandler("GetTripBalance", BalanceServer.GetTripBalance)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tripledger/v1/balance.proto",
}

func unaryHandler(method string, call func(BalanceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BalanceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BalanceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type LedgerReader interface {
	Balance(ctx context.Context, agentID string) (money.Money, error)
}

type TripReader interface {
	Get(ctx context.Context, id string) (trip.Trip, error)
}

// Server implements BalanceServer over the engine's read paths.
type Server struct {
	ledger LedgerReader
	trips  TripReader
}

func NewServer(ledgerSvc LedgerReader, trips TripReader) *Server {
	return &Server{ledger: ledgerSvc, trips: trips}
}

var _ BalanceServer = (*Server)(nil)

func (s *Server) GetAgentBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	agentID, err := requiredString(in, "agent_id")
	if err != nil {
		return nil, err
	}
	bal, err := s.ledger.Balance(ctx, agentID)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{
		"agent_id":      agentID,
		"balance":       bal.String(),
		"balance_minor": bal.Minor(),
	})
}

func (s *Server) GetTripBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	tripID, err := requiredString(in, "trip_id")
	if err != nil {
		return nil, err
	}
	t, err := s.trips.Get(ctx, tripID)
	if err != nil {
		return nil, toStatus(err)
	}
	out := map[string]any{
		"trip_id":       t.ID,
		"lr_number":     t.LRNumber,
		"status":        string(t.Status),
		"is_bulk":       t.IsBulk,
		"balance":       t.Balance.String(),
		"balance_minor": t.Balance.Minor(),
	}
	if t.FinalBalance != nil {
		out["final_balance"] = t.FinalBalance.String()
	} else if !t.IsBulk {
		out["projected_final_balance"] = trip.ComputeFinalCloseBalance(t).String()
	}
	return newStruct(out)
}

func requiredString(in *structpb.Struct, key string) (string, error) {
	v := strings.TrimSpace(in.GetFields()[key].GetStringValue())
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// toStatus maps an engine error kind to a gRPC status.
func toStatus(err error) error {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case apperr.KindNotFound:
		return status.Error(codes.NotFound, err.Error())
	case apperr.KindConflict:
		return status.Error(codes.Aborted, err.Error())
	case apperr.KindInvalidState, apperr.KindInsufficientBalance:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
