package aws

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/yairfalse/vahti/internal/plugin"
	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/types"
)

// Operations of the ec2-instance type.
const (
	OpReboot = "reboot"
	OpStart  = "start"
	OpStop   = "stop"
)

var (
	// ErrUnknownOperation is returned for operations the instance type does not define.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrNoInstance is returned when EC2 no longer knows the instance.
	ErrNoInstance = errors.New("instance not found")
)

// regionClient is implemented by the parent aws-region component.
type regionClient interface {
	EC2() EC2API
	Region() string
}

func parentClient(parent plugin.ResourceComponent) (EC2API, string, error) {
	rc, ok := parent.(regionClient)
	if !ok {
		return nil, "", errors.New("parent is not an aws region")
	}
	client := rc.EC2()
	if client == nil {
		return nil, "", fmt.Errorf("parent region: %w", ErrNotStarted)
	}
	return client, rc.Region(), nil
}

type instanceDiscovery struct{}

// DiscoverResources lists the instances of the parent region. Terminated
// instances are left out.
func (instanceDiscovery) DiscoverResources(ctx context.Context, dc plugin.DiscoveryContext) ([]resource.Resource, error) {
	client, _, err := parentClient(dc.ParentComponent)
	if err != nil {
		return nil, err
	}
	instances, err := listInstances(ctx, client, nil)
	if err != nil {
		return nil, err
	}
	out := make([]resource.Resource, 0, len(instances))
	for _, inst := range instances {
		if instanceState(inst) == ec2types.InstanceStateNameTerminated {
			continue
		}
		out = append(out, convertEC2Instance(inst))
	}
	return out, nil
}

func convertEC2Instance(instance ec2types.Instance) resource.Resource {
	id := aws.ToString(instance.InstanceId)
	name := extractNameTag(instance.Tags)
	if name == "" {
		name = id
	}
	desc := string(instance.InstanceType)
	if instance.Placement != nil && instance.Placement.AvailabilityZone != nil {
		desc += " in " + aws.ToString(instance.Placement.AvailabilityZone)
	}
	return resource.Resource{
		Key:          id,
		Name:         name,
		Version:      string(instance.InstanceType),
		Description:  desc,
		PluginConfig: map[string]string{ConfigInstanceID: id},
	}
}

// extractNameTag extracts the Name tag from EC2 tags.
func extractNameTag(tags []ec2types.Tag) string {
	for _, tag := range tags {
		if aws.ToString(tag.Key) == "Name" {
			return aws.ToString(tag.Value)
		}
	}
	return ""
}

func instanceState(instance ec2types.Instance) ec2types.InstanceStateName {
	if instance.State == nil {
		return ""
	}
	return instance.State.Name
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound"
}

// instanceComponent manages one EC2 instance through its region's client.
type instanceComponent struct {
	mu     sync.Mutex
	client EC2API
	id     string
}

func (c *instanceComponent) Start(_ context.Context, rc plugin.ResourceContext) error {
	client, _, err := parentClient(rc.ParentComponent)
	if err != nil {
		return err
	}
	id := rc.Resource.PluginConfig[ConfigInstanceID]
	if id == "" {
		id = rc.Resource.Key
	}
	c.mu.Lock()
	c.client, c.id = client, id
	c.mu.Unlock()
	return nil
}

func (c *instanceComponent) Stop(context.Context) error {
	return nil
}

func (c *instanceComponent) target() (EC2API, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, "", ErrNotStarted
	}
	return c.client, c.id, nil
}

func (c *instanceComponent) describe(ctx context.Context) (ec2types.Instance, error) {
	client, id, err := c.target()
	if err != nil {
		return ec2types.Instance{}, err
	}
	instances, err := listInstances(ctx, client, []string{id})
	if isNotFound(err) {
		return ec2types.Instance{}, fmt.Errorf("%s: %w", id, ErrNoInstance)
	}
	if err != nil {
		return ec2types.Instance{}, err
	}
	if len(instances) == 0 {
		return ec2types.Instance{}, fmt.Errorf("%s: %w", id, ErrNoInstance)
	}
	return instances[0], nil
}

// GetAvailability maps the instance state: running is UP, every other
// state and a vanished instance are DOWN.
func (c *instanceComponent) GetAvailability(ctx context.Context) (resource.Availability, error) {
	inst, err := c.describe(ctx)
	if errors.Is(err, ErrNoInstance) {
		return resource.AvailabilityDown, nil
	}
	if err != nil {
		return resource.AvailabilityUnknown, err
	}
	if instanceState(inst) == ec2types.InstanceStateNameRunning {
		return resource.AvailabilityUp, nil
	}
	return resource.AvailabilityDown, nil
}

func (c *instanceComponent) GetValues(ctx context.Context, requests []plugin.MeasurementRequest) ([]types.DataPoint, error) {
	inst, err := c.describe(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	points := make([]types.DataPoint, 0, len(requests))
	for _, req := range requests {
		p := types.DataPoint{ScheduleID: req.ScheduleID, Metric: req.Metric, Timestamp: now}
		switch req.Metric {
		case "uptime":
			if instanceState(inst) == ec2types.InstanceStateNameRunning && inst.LaunchTime != nil {
				p.Value = now.Sub(*inst.LaunchTime).Seconds()
			}
		case "state":
			p.Trait = string(instanceState(inst))
		case "instance.type":
			p.Trait = string(inst.InstanceType)
		case "availability.zone":
			if inst.Placement != nil {
				p.Trait = aws.ToString(inst.Placement.AvailabilityZone)
			}
		case "private.ip":
			p.Trait = aws.ToString(inst.PrivateIpAddress)
		default:
			p.Error = "unknown metric"
		}
		points = append(points, p)
	}
	return points, nil
}

// InvokeOperation runs reboot, start or stop. The stop operation accepts
// force=true.
func (c *instanceComponent) InvokeOperation(ctx context.Context, name string, params map[string]string) (plugin.OperationResult, error) {
	client, id, err := c.target()
	if err != nil {
		return plugin.OperationResult{}, err
	}
	ids := []string{id}
	out := map[string]string{ConfigInstanceID: id}

	switch name {
	case OpReboot:
		if _, err := client.RebootInstances(ctx, &ec2.RebootInstancesInput{InstanceIds: ids}); err != nil {
			return plugin.OperationResult{}, fmt.Errorf("reboot %s: %w", id, err)
		}
	case OpStart:
		resp, err := client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids})
		if err != nil {
			return plugin.OperationResult{}, fmt.Errorf("start %s: %w", id, err)
		}
		stateChange(out, resp.StartingInstances)
	case OpStop:
		force, _ := strconv.ParseBool(params["force"])
		resp, err := client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids, Force: aws.Bool(force)})
		if err != nil {
			return plugin.OperationResult{}, fmt.Errorf("stop %s: %w", id, err)
		}
		stateChange(out, resp.StoppingInstances)
	default:
		return plugin.OperationResult{}, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	return plugin.OperationResult{Output: out}, nil
}

func stateChange(out map[string]string, changes []ec2types.InstanceStateChange) {
	if len(changes) == 0 {
		return
	}
	if s := changes[0].PreviousState; s != nil {
		out["previous_state"] = string(s.Name)
	}
	if s := changes[0].CurrentState; s != nil {
		out["current_state"] = string(s.Name)
	}
}
