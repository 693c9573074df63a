package aws

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/yairfalse/vahti/internal/plugin"
	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/types"
)

// ErrNoDatabase is returned when RDS no longer knows the DB instance.
var ErrNoDatabase = errors.New("db instance not found")

// Configuration keys of an rds-instance.
const (
	ConfigInstanceClass    = "instance_class"
	ConfigAllocatedStorage = "allocated_storage"
	ConfigBackupRetention  = "backup_retention_period"
	ConfigMultiAZ          = "multi_az"
)

// servingStatuses are the DB instance states in which the database accepts
// connections.
var servingStatuses = map[string]bool{
	"available":                       true,
	"backing-up":                      true,
	"modifying":                       true,
	"storage-optimization":            true,
	"maintenance":                     true,
	"configuring-enhanced-monitoring": true,
}

// databaseRegion is implemented by the parent aws-region component.
type databaseRegion interface {
	RDS(ctx context.Context) (RDSAPI, error)
}

func parentRDS(ctx context.Context, parent plugin.ResourceComponent) (RDSAPI, error) {
	r, ok := parent.(databaseRegion)
	if !ok {
		return nil, errors.New("parent is not an aws region")
	}
	client, err := r.RDS(ctx)
	if err != nil {
		return nil, fmt.Errorf("parent region: %w", err)
	}
	return client, nil
}

type databaseDiscovery struct{}

// DiscoverResources lists the DB instances of the parent region. Instances
// being deleted are left out.
func (databaseDiscovery) DiscoverResources(ctx context.Context, dc plugin.DiscoveryContext) ([]resource.Resource, error) {
	client, err := parentRDS(ctx, dc.ParentComponent)
	if err != nil {
		return nil, err
	}
	instances, err := listDBInstances(ctx, client, "")
	if err != nil {
		return nil, err
	}
	out := make([]resource.Resource, 0, len(instances))
	for _, inst := range instances {
		if aws.ToString(inst.DBInstanceStatus) == "deleting" {
			continue
		}
		out = append(out, convertDBInstance(inst))
	}
	return out, nil
}

func convertDBInstance(instance rdstypes.DBInstance) resource.Resource {
	id := aws.ToString(instance.DBInstanceIdentifier)
	engine := aws.ToString(instance.Engine)
	desc := engine + " on " + aws.ToString(instance.DBInstanceClass)
	if instance.AvailabilityZone != nil {
		desc += " in " + aws.ToString(instance.AvailabilityZone)
	}
	return resource.Resource{
		Key:          id,
		Name:         id,
		Version:      aws.ToString(instance.EngineVersion),
		Description:  desc,
		PluginConfig: map[string]string{ConfigDBInstance: id},
	}
}

// listDBInstances pages through DescribeDBInstances. An empty id lists
// every instance.
func listDBInstances(ctx context.Context, client RDSAPI, id string) ([]rdstypes.DBInstance, error) {
	input := &rds.DescribeDBInstancesInput{}
	if id != "" {
		input.DBInstanceIdentifier = aws.String(id)
	}
	paginator := rds.NewDescribeDBInstancesPaginator(client, input)

	var instances []rdstypes.DBInstance
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe db instances: %w", err)
		}
		instances = append(instances, output.DBInstances...)
	}
	return instances, nil
}

func isDBNotFound(err error) bool {
	var nf *rdstypes.DBInstanceNotFoundFault
	return errors.As(err, &nf)
}

// databaseComponent manages one RDS DB instance through its region's client.
type databaseComponent struct {
	mu     sync.Mutex
	client RDSAPI
	id     string
}

func (c *databaseComponent) Start(ctx context.Context, rc plugin.ResourceContext) error {
	client, err := parentRDS(ctx, rc.ParentComponent)
	if err != nil {
		return err
	}
	id := rc.Resource.PluginConfig[ConfigDBInstance]
	if id == "" {
		id = rc.Resource.Key
	}
	c.mu.Lock()
	c.client, c.id = client, id
	c.mu.Unlock()
	return nil
}

func (c *databaseComponent) Stop(context.Context) error {
	return nil
}

func (c *databaseComponent) target() (RDSAPI, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, "", ErrNotStarted
	}
	return c.client, c.id, nil
}

func (c *databaseComponent) describe(ctx context.Context) (rdstypes.DBInstance, error) {
	client, id, err := c.target()
	if err != nil {
		return rdstypes.DBInstance{}, err
	}
	instances, err := listDBInstances(ctx, client, id)
	if isDBNotFound(err) || (err == nil && len(instances) == 0) {
		return rdstypes.DBInstance{}, fmt.Errorf("%s: %w", id, ErrNoDatabase)
	}
	if err != nil {
		return rdstypes.DBInstance{}, err
	}
	return instances[0], nil
}

// GetAvailability is UP while the instance is in a serving state.
func (c *databaseComponent) GetAvailability(ctx context.Context) (resource.Availability, error) {
	inst, err := c.describe(ctx)
	if errors.Is(err, ErrNoDatabase) {
		return resource.AvailabilityDown, nil
	}
	if err != nil {
		return resource.AvailabilityUnknown, err
	}
	if servingStatuses[aws.ToString(inst.DBInstanceStatus)] {
		return resource.AvailabilityUp, nil
	}
	return resource.AvailabilityDown, nil
}

func (c *databaseComponent) GetValues(ctx context.Context, requests []plugin.MeasurementRequest) ([]types.DataPoint, error) {
	inst, err := c.describe(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	points := make([]types.DataPoint, 0, len(requests))
	for _, req := range requests {
		p := types.DataPoint{ScheduleID: req.ScheduleID, Metric: req.Metric, Timestamp: now}
		switch req.Metric {
		case "allocated.storage":
			p.Value = float64(aws.ToInt32(inst.AllocatedStorage))
		case "backup.retention":
			p.Value = float64(aws.ToInt32(inst.BackupRetentionPeriod))
		case "status":
			p.Trait = aws.ToString(inst.DBInstanceStatus)
		case "engine":
			p.Trait = aws.ToString(inst.Engine) + " " + aws.ToString(inst.EngineVersion)
		case "instance.class":
			p.Trait = aws.ToString(inst.DBInstanceClass)
		case "multi.az":
			p.Trait = strconv.FormatBool(aws.ToBool(inst.MultiAZ))
		case "endpoint":
			if inst.Endpoint != nil {
				p.Trait = fmt.Sprintf("%s:%d", aws.ToString(inst.Endpoint.Address), aws.ToInt32(inst.Endpoint.Port))
			}
		default:
			p.Error = "unknown metric"
		}
		points = append(points, p)
	}
	return points, nil
}

// InvokeOperation supports reboot. force_failover=true reboots a Multi-AZ
// instance through a failover.
func (c *databaseComponent) InvokeOperation(ctx context.Context, name string, params map[string]string) (plugin.OperationResult, error) {
	client, id, err := c.target()
	if err != nil {
		return plugin.OperationResult{}, err
	}
	if name != OpReboot {
		return plugin.OperationResult{}, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}

	input := &rds.RebootDBInstanceInput{DBInstanceIdentifier: aws.String(id)}
	if force, _ := strconv.ParseBool(params["force_failover"]); force {
		input.ForceFailover = aws.Bool(true)
	}
	resp, err := client.RebootDBInstance(ctx, input)
	if err != nil {
		return plugin.OperationResult{}, fmt.Errorf("reboot %s: %w", id, err)
	}
	out := map[string]string{ConfigDBInstance: id}
	if resp.DBInstance != nil {
		out["current_state"] = aws.ToString(resp.DBInstance.DBInstanceStatus)
	}
	return plugin.OperationResult{Output: out}, nil
}

// LoadConfiguration returns the modifiable settings of the instance.
func (c *databaseComponent) LoadConfiguration(ctx context.Context) (plugin.Configuration, error) {
	inst, err := c.describe(ctx)
	if err != nil {
		return nil, err
	}
	return plugin.Configuration{
		ConfigInstanceClass:    aws.ToString(inst.DBInstanceClass),
		ConfigAllocatedStorage: strconv.Itoa(int(aws.ToInt32(inst.AllocatedStorage))),
		ConfigBackupRetention:  strconv.Itoa(int(aws.ToInt32(inst.BackupRetentionPeriod))),
		ConfigMultiAZ:          strconv.FormatBool(aws.ToBool(inst.MultiAZ)),
	}, nil
}

// UpdateConfiguration applies the given settings immediately. Keys that are
// absent keep their current value.
func (c *databaseComponent) UpdateConfiguration(ctx context.Context, cfg plugin.Configuration) error {
	client, id, err := c.target()
	if err != nil {
		return err
	}
	input, err := modifyInput(id, cfg)
	if err != nil {
		return err
	}
	if _, err := client.ModifyDBInstance(ctx, input); err != nil {
		if isDBNotFound(err) {
			return fmt.Errorf("%s: %w", id, ErrNoDatabase)
		}
		return fmt.Errorf("modify %s: %w", id, err)
	}
	return nil
}

func modifyInput(id string, cfg plugin.Configuration) (*rds.ModifyDBInstanceInput, error) {
	input := &rds.ModifyDBInstanceInput{
		DBInstanceIdentifier: aws.String(id),
		ApplyImmediately:     aws.Bool(true),
	}
	for key, value := range cfg {
		switch key {
		case ConfigInstanceClass:
			input.DBInstanceClass = aws.String(value)
		case ConfigAllocatedStorage, ConfigBackupRetention:
			n, err := strconv.ParseInt(value, 10, 32)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%s must be a non-negative integer, got %q", key, value)
			}
			if key == ConfigAllocatedStorage {
				input.AllocatedStorage = aws.Int32(int32(n))
			} else {
				input.BackupRetentionPeriod = aws.Int32(int32(n))
			}
		case ConfigMultiAZ:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("%s must be a boolean, got %q", key, value)
			}
			input.MultiAZ = aws.Bool(b)
		default:
			return nil, fmt.Errorf("unknown configuration key %q", key)
		}
	}
	return input, nil
}
