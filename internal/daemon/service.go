package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yairfalse/vahti/internal/facetlock"
	"github.com/yairfalse/vahti/internal/inventory"
	"github.com/yairfalse/vahti/internal/plugin"
	"github.com/yairfalse/vahti/types"
)

// agentService is the agent side of the server's bundle and schedule RPCs.
type agentService struct {
	d *Daemon
}

func (s *agentService) ScheduleBundle(ctx context.Context, req *types.BundleScheduleRequest) (*types.BundleResponse, error) {
	if err := req.Validate(); err != nil {
		s.d.metrics.RecordBundle(ctx, "schedule", "invalid")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := withFacet(ctx, s.d, req.ResourceID, plugin.FacetBundle, facetlock.Write,
		func(ctx context.Context, f plugin.BundleFacet) (types.BundleResponse, error) {
			return f.DeployBundle(ctx, *req)
		})
	return s.finish(ctx, "schedule", req.ResourceID, req.DeploymentID, resp, err)
}

func (s *agentService) PurgeBundle(ctx context.Context, req *types.BundlePurgeRequest) (*types.BundleResponse, error) {
	if err := req.Validate(); err != nil {
		s.d.metrics.RecordBundle(ctx, "purge", "invalid")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := withFacet(ctx, s.d, req.ResourceID, plugin.FacetBundle, facetlock.Write,
		func(ctx context.Context, f plugin.BundleFacet) (types.BundleResponse, error) {
			return f.PurgeBundle(ctx, *req)
		})
	return s.finish(ctx, "purge", req.ResourceID, req.DeploymentID, resp, err)
}

func (s *agentService) finish(ctx context.Context, request, resourceID, deploymentID string, resp types.BundleResponse, err error) (*types.BundleResponse, error) {
	if err != nil {
		s.d.metrics.RecordBundle(ctx, request, "error")
		log.Warn().Err(err).Str("resource", resourceID).Str("deployment", deploymentID).Msgf("Bundle %s failed", request)
		var inv *plugin.InvocationError
		if errors.As(err, &inv) {
			// Plugin failures are reported in the response, not as RPC errors.
			return &types.BundleResponse{
				ResourceID:   resourceID,
				DeploymentID: deploymentID,
				Message:      inv.Err.Error(),
			}, nil
		}
		return nil, rpcError(err)
	}
	outcome := "ok"
	if !resp.Success {
		outcome = "failed"
	}
	s.d.metrics.RecordBundle(ctx, request, outcome)
	if resp.ResourceID == "" {
		resp.ResourceID = resourceID
	}
	if resp.DeploymentID == "" {
		resp.DeploymentID = deploymentID
	}
	return &resp, nil
}

// UpdateSchedules applies changed measurement schedules resource by
// resource. A resource that cannot be updated is reported in the response
// and does not stop the others.
func (s *agentService) UpdateSchedules(ctx context.Context, req *types.ScheduleUpdateRequest) (*types.ScheduleUpdateResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp := &types.ScheduleUpdateResponse{Updated: []string{}}
	for _, rs := range req.Resources {
		if ctx.Err() != nil {
			return nil, rpcError(ctx.Err())
		}
		if _, err := s.d.driver.UpdateSchedules(rs); err != nil {
			log.Warn().Err(err).Str("resource_id", rs.ResourceID).Msg("Schedule update failed")
			if resp.Errors == nil {
				resp.Errors = make(map[string]string)
			}
			resp.Errors[rs.ResourceID] = err.Error()
			continue
		}
		resp.Updated = append(resp.Updated, rs.ResourceID)
	}
	return resp, nil
}

// rpcError maps runtime errors to gRPC status codes.
func rpcError(err error) error {
	switch {
	case errors.Is(err, inventory.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, inventory.ErrFacetUnsupported):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, inventory.ErrNotStarted):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, facetlock.ErrTimeout), errors.Is(err, facetlock.ErrCallTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// withFacet runs fn against the facet T of a started resource while holding
// its facet lock in mode. Errors raised by fn come back as *plugin.InvocationError.
func withFacet[T, R any](ctx context.Context, d *Daemon, resourceID string, facet plugin.Facet, mode facetlock.Mode, fn func(context.Context, T) (R, error)) (R, error) {
	var zero R
	c, err := d.tree.GetContainer(resourceID)
	if err != nil {
		return zero, err
	}
	f, err := inventory.Facet[T](c)
	if err != nil {
		return zero, fmt.Errorf("resource %s: %w", resourceID, err)
	}
	timeouts := facetlock.Timeouts{Lock: d.cfg.Scheduler.LockTimeout, Call: d.cfg.Scheduler.CallTimeout}
	return facetlock.Invoke(ctx, d.locks, resourceID, mode, timeouts, func(ctx context.Context) (R, error) {
		v, err := fn(ctx, f)
		if err != nil {
			return v, &plugin.InvocationError{ResourceID: resourceID, Facet: facet, Err: err}
		}
		return v, nil
	})
}

// InvokeOperation runs a named operation on a resource under its write lock.
func (d *Daemon) InvokeOperation(ctx context.Context, resourceID, name string, params map[string]string) (plugin.OperationResult, error) {
	res, err := withFacet(ctx, d, resourceID, plugin.FacetOperation, facetlock.Write,
		func(ctx context.Context, f plugin.OperationFacet) (plugin.OperationResult, error) {
			return f.InvokeOperation(ctx, name, params)
		})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	d.metrics.RecordOperation(ctx, name, outcome)
	return res, err
}
