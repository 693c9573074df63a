package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/yairfalse/vahti/types"
)

// Service names on the wire.
const (
	ServerServiceName = "vahti.v1.AgentServer"
	AgentServiceName  = "vahti.v1.Agent"
)

// ServerService is exposed by the management server to agents.
type ServerService interface {
	MergeInventoryReport(ctx context.Context, req *types.InventoryReport) (*types.MergeResponse, error)
	PostProcessNewlyCommittedResources(ctx context.Context, req *types.CommitRequest) (*types.ScheduleResponse, error)
	SendMeasurementReport(ctx context.Context, req *types.MeasurementReport) (*types.Ack, error)
	SendAvailabilityReport(ctx context.Context, req *types.AvailabilityReport) (*types.Ack, error)
	GetFailoverList(ctx context.Context, req *types.FailoverListRequest) (*types.FailoverListResponse, error)
}

// AgentService is exposed by the agent to the server.
type AgentService interface {
	ScheduleBundle(ctx context.Context, req *types.BundleScheduleRequest) (*types.BundleResponse, error)
	PurgeBundle(ctx context.Context, req *types.BundlePurgeRequest) (*types.BundleResponse, error)
	UpdateSchedules(ctx context.Context, req *types.ScheduleUpdateRequest) (*types.ScheduleUpdateResponse, error)
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// unary builds a method descriptor for a request/response call on S.
func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(service, method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serverServiceDesc = grpc.ServiceDesc{
	ServiceName: ServerServiceName,
	HandlerType: (*ServerService)(nil),
	Methods: []grpc.MethodDesc{
		unary(ServerServiceName, "MergeInventoryReport", ServerService.MergeInventoryReport),
		unary(ServerServiceName, "PostProcessNewlyCommittedResources", ServerService.PostProcessNewlyCommittedResources),
		unary(ServerServiceName, "SendMeasurementReport", ServerService.SendMeasurementReport),
		unary(ServerServiceName, "SendAvailabilityReport", ServerService.SendAvailabilityReport),
		unary(ServerServiceName, "GetFailoverList", ServerService.GetFailoverList),
	},
	Metadata: "vahti/v1/server.proto",
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: AgentServiceName,
	HandlerType: (*AgentService)(nil),
	Methods: []grpc.MethodDesc{
		unary(AgentServiceName, "ScheduleBundle", AgentService.ScheduleBundle),
		unary(AgentServiceName, "PurgeBundle", AgentService.PurgeBundle),
		unary(AgentServiceName, "UpdateSchedules", AgentService.UpdateSchedules),
	},
	Metadata: "vahti/v1/agent.proto",
}

// RegisterServerService registers a server implementation.
func RegisterServerService(s grpc.ServiceRegistrar, impl ServerService) {
	s.RegisterService(&serverServiceDesc, impl)
}

// RegisterAgentService registers the agent's bundle and schedule endpoints.
func RegisterAgentService(s grpc.ServiceRegistrar, impl AgentService) {
	s.RegisterService(&agentServiceDesc, impl)
}

// AgentClient calls an agent's AgentService.
type AgentClient struct {
	conn grpc.ClientConnInterface
}

// NewAgentClient wraps a connection to an agent.
func NewAgentClient(conn grpc.ClientConnInterface) *AgentClient {
	return &AgentClient{conn: conn}
}

func (c *AgentClient) ScheduleBundle(ctx context.Context, req *types.BundleScheduleRequest) (*types.BundleResponse, error) {
	out := new(types.BundleResponse)
	if err := c.conn.Invoke(ctx, fullMethod(AgentServiceName, "ScheduleBundle"), req, out, grpc.ForceCodec(jsonCodec{})); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AgentClient) PurgeBundle(ctx context.Context, req *types.BundlePurgeRequest) (*types.BundleResponse, error) {
	out := new(types.BundleResponse)
	if err := c.conn.Invoke(ctx, fullMethod(AgentServiceName, "PurgeBundle"), req, out, grpc.ForceCodec(jsonCodec{})); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AgentClient) UpdateSchedules(ctx context.Context, req *types.ScheduleUpdateRequest) (*types.ScheduleUpdateResponse, error) {
	out := new(types.ScheduleUpdateResponse)
	if err := c.conn.Invoke(ctx, fullMethod(AgentServiceName, "UpdateSchedules"), req, out, grpc.ForceCodec(jsonCodec{})); err != nil {
		return nil, err
	}
	return out, nil
}
