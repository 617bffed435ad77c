package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// BalanceClient calls tripledger.v1.BalanceService.
type BalanceClient struct {
	cc grpc.ClientConnInterface
}

func NewBalanceClient(cc grpc.ClientConnInterface) *BalanceClient {
	return &BalanceClient{cc: cc}
}

func (c *BalanceClient) invoke(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BalanceClient) GetAgentBalance(ctx context.Context, agentID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetAgentBalance", map[string]any{"agent_id": agentID}, opts...)
}

func (c *BalanceClient) GetTripBalance(ctx context.Context, tripID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetTripBalance", map[string]any{"trip_id": tripID}, opts...)
}
