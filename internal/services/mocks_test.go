package services

import (
	"context"

	"github.com/sikaplan/backend/internal/gateway"
)

// MockGateway satisfies gateway.API with per-test behaviour.
type MockGateway struct {
	InitiateChargeFunc    func(ctx context.Context, req *gateway.ChargeRequest) (*gateway.ChargeResponse, error)
	PreapprovalChargeFunc func(ctx context.Context, req *gateway.ChargeRequest) (*gateway.ChargeResponse, error)
	QueryStatusFunc       func(ctx context.Context, reference string) (*gateway.StatusResponse, error)

	InitiateCalls    []*gateway.ChargeRequest
	PreapprovalCalls []*gateway.ChargeRequest
	StatusCalls      []string
}

func (m *MockGateway) InitiateCharge(ctx context.Context, req *gateway.ChargeRequest) (*gateway.ChargeResponse, error) {
	m.InitiateCalls = append(m.InitiateCalls, req)
	if m.InitiateChargeFunc != nil {
		return m.InitiateChargeFunc(ctx, req)
	}
	return &gateway.ChargeResponse{ResponseCode: "0001"}, nil
}

func (m *MockGateway) PreapprovalCharge(ctx context.Context, req *gateway.ChargeRequest) (*gateway.ChargeResponse, error) {
	m.PreapprovalCalls = append(m.PreapprovalCalls, req)
	if m.PreapprovalChargeFunc != nil {
		return m.PreapprovalChargeFunc(ctx, req)
	}
	return &gateway.ChargeResponse{ResponseCode: "0001"}, nil
}

func (m *MockGateway) QueryStatus(ctx context.Context, reference string) (*gateway.StatusResponse, error) {
	m.StatusCalls = append(m.StatusCalls, reference)
	if m.QueryStatusFunc != nil {
		return m.QueryStatusFunc(ctx, reference)
	}
	return &gateway.StatusResponse{ResponseCode: "0001"}, nil
}
