package gateway

import "context"

// API is the surface the payment flows depend on; satisfied by Client
// and by test doubles.
type API interface {
	InitiateCharge(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error)
	PreapprovalCharge(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error)
	QueryStatus(ctx context.Context, reference string) (*StatusResponse, error)
}
