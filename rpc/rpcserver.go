package rpc

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/spacemeshos/powsubnet/challenge"
	"github.com/spacemeshos/powsubnet/logging"
	"github.com/spacemeshos/powsubnet/rpc/api"
	"github.com/spacemeshos/powsubnet/shared"
	"github.com/spacemeshos/powsubnet/validator"
	"github.com/spacemeshos/powsubnet/verifier"
)

// Service is the validator behind the RPC front end.
type Service interface {
	RequestChallenge(ctx context.Context, minerID string) (shared.Challenge, error)
	SubmitSolution(ctx context.Context, s *shared.Solution) (*shared.Outcome, error)
	Miner(minerID string) (shared.MinerRecord, bool)
	MinerEligible(minerID string) (bool, string)
}

// rpcServer is a gRPC, RPC front end to the validator.
type rpcServer struct {
	api.UnimplementedPowServiceServer
	s Service
}

// A compile time check to ensure that rpcServer fully implements
// the PowService gRPC rpc.
var _ api.PowServiceServer = (*rpcServer)(nil)

// NewServer creates and returns a new instance of the rpcServer.
func NewServer(s Service) *rpcServer {
	return &rpcServer{s: s}
}

func (r *rpcServer) RequestChallenge(ctx context.Context, in *api.RequestChallengeRequest) (*api.Challenge, error) {
	c, err := r.s.RequestChallenge(ctx, in.MinerID)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return api.IntoChallenge(c), nil
}

// SubmitSolution implements api.SubmitSolution.
// Rejections are regular responses; only faults are returned as errors.
func (r *rpcServer) SubmitSolution(ctx context.Context, in *api.SubmitSolutionRequest) (*api.Outcome, error) {
	solution, err := api.FromSubmitSolutionRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	outcome, err := r.s.SubmitSolution(ctx, solution)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return api.IntoOutcome(outcome), nil
}

func (r *rpcServer) MinerStatus(ctx context.Context, in *api.MinerStatusRequest) (*api.MinerStatusResponse, error) {
	rec, ok := r.s.Miner(in.MinerID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "miner %q not found", in.MinerID)
	}
	eligible, reason := r.s.MinerEligible(in.MinerID)
	return &api.MinerStatusResponse{
		Miner:    api.IntoMinerRecord(rec),
		Eligible: eligible,
		Reason:   reason,
	}, nil
}

func (r *rpcServer) MinerEligible(ctx context.Context, in *api.MinerEligibleRequest) (*api.MinerEligibleResponse, error) {
	eligible, reason := r.s.MinerEligible(in.MinerID)
	return &api.MinerEligibleResponse{Eligible: eligible, Reason: reason}, nil
}

func toStatus(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, verifier.ErrMalformedSolution), errors.Is(err, challenge.ErrInvalidMinerID):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, challenge.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, validator.ErrMinerSuspended):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		logging.FromContext(ctx).Warn("internal error", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}
