package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	PowService_RequestChallenge_FullMethodName = "/powsubnet.v1.PowService/RequestChallenge"
	PowService_SubmitSolution_FullMethodName   = "/powsubnet.v1.PowService/SubmitSolution"
	PowService_MinerStatus_FullMethodName      = "/powsubnet.v1.PowService/MinerStatus"
	PowService_MinerEligible_FullMethodName    = "/powsubnet.v1.PowService/MinerEligible"
)

// PowServiceClient is the client API for PowService.
type PowServiceClient interface {
	RequestChallenge(ctx context.Context, in *RequestChallengeRequest, opts ...grpc.CallOption) (*Challenge, error)
	SubmitSolution(ctx context.Context, in *SubmitSolutionRequest, opts ...grpc.CallOption) (*Outcome, error)
	MinerStatus(ctx context.Context, in *MinerStatusRequest, opts ...grpc.CallOption) (*MinerStatusResponse, error)
	MinerEligible(ctx context.Context, in *MinerEligibleRequest, opts ...grpc.CallOption) (*MinerEligibleResponse, error)
}

type powServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewPowServiceClient returns a client speaking the JSON codec to the PowService on cc.
func NewPowServiceClient(cc grpc.ClientConnInterface) PowServiceClient {
	return &powServiceClient{cc}
}

func (c *powServiceClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *powServiceClient) RequestChallenge(
	ctx context.Context,
	in *RequestChallengeRequest,
	opts ...grpc.CallOption,
) (*Challenge, error) {
	out := new(Challenge)
	if err := c.invoke(ctx, PowService_RequestChallenge_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *powServiceClient) SubmitSolution(
	ctx context.Context,
	in *SubmitSolutionRequest,
	opts ...grpc.CallOption,
) (*Outcome, error) {
	out := new(Outcome)
	if err := c.invoke(ctx, PowService_SubmitSolution_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *powServiceClient) MinerStatus(
	ctx context.Context,
	in *MinerStatusRequest,
	opts ...grpc.CallOption,
) (*MinerStatusResponse, error) {
	out := new(MinerStatusResponse)
	if err := c.invoke(ctx, PowService_MinerStatus_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *powServiceClient) MinerEligible(
	ctx context.Context,
	in *MinerEligibleRequest,
	opts ...grpc.CallOption,
) (*MinerEligibleResponse, error) {
	out := new(MinerEligibleResponse)
	if err := c.invoke(ctx, PowService_MinerEligible_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// PowServiceServer is the server API for PowService.
// All implementations must embed UnimplementedPowServiceServer for forward compatibility.
type PowServiceServer interface {
	RequestChallenge(context.Context, *RequestChallengeRequest) (*Challenge, error)
	SubmitSolution(context.Context, *SubmitSolutionRequest) (*Outcome, error)
	MinerStatus(context.Context, *MinerStatusRequest) (*MinerStatusResponse, error)
	MinerEligible(context.Context, *MinerEligibleRequest) (*MinerEligibleResponse, error)
	mustEmbedUnimplementedPowServiceServer()
}

type UnimplementedPowServiceServer struct{}

func (UnimplementedPowServiceServer) RequestChallenge(context.Context, *RequestChallengeRequest) (*Challenge, error) {
	return nil, status.Errorf(codes.Unimplemented, "method RequestChallenge not implemented")
}

func (UnimplementedPowServiceServer) SubmitSolution(context.Context, *SubmitSolutionRequest) (*Outcome, error) {
	return nil, status.Errorf(codes.Unimplemented, "method SubmitSolution not implemented")
}

func (UnimplementedPowServiceServer) MinerStatus(context.Context, *MinerStatusRequest) (*MinerStatusResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method MinerStatus not implemented")
}

func (UnimplementedPowServiceServer) MinerEligible(
	context.Context,
	*MinerEligibleRequest,
) (*MinerEligibleResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method MinerEligible not implemented")
}
func (UnimplementedPowServiceServer) mustEmbedUnimplementedPowServiceServer() {}

func RegisterPowServiceServer(s grpc.ServiceRegistrar, srv PowServiceServer) {
	s.RegisterService(&PowService_ServiceDesc, srv)
}

func _PowService_RequestChallenge_Handler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(RequestChallengeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PowServiceServer).RequestChallenge(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PowService_RequestChallenge_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PowServiceServer).RequestChallenge(ctx, req.(*RequestChallengeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _PowService_SubmitSolution_Handler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(SubmitSolutionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PowServiceServer).SubmitSolution(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PowService_SubmitSolution_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PowServiceServer).SubmitSolution(ctx, req.(*SubmitSolutionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _PowService_MinerStatus_Handler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(MinerStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PowServiceServer).MinerStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PowService_MinerStatus_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PowServiceServer).MinerStatus(ctx, req.(*MinerStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _PowService_MinerEligible_Handler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(MinerEligibleRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PowServiceServer).MinerEligible(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PowService_MinerEligible_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PowServiceServer).MinerEligible(ctx, req.(*MinerEligibleRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// PowService_ServiceDesc is the grpc.ServiceDesc for PowService.
var PowService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "powsubnet.v1.PowService",
	HandlerType: (*PowServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestChallenge", Handler: _PowService_RequestChallenge_Handler},
		{MethodName: "SubmitSolution", Handler: _PowService_SubmitSolution_Handler},
		{MethodName: "MinerStatus", Handler: _PowService_MinerStatus_Handler},
		{MethodName: "MinerEligible", Handler: _PowService_MinerEligible_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rpc/api/service.go",
}
