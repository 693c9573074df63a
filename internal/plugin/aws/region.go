package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/vahti/internal/plugin"
	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/types"
)

// Plugin configuration keys.
const (
	ConfigRegions    = "regions"
	ConfigRegion     = "region"
	ConfigInstanceID = "instance_id"
	ConfigDBInstance = "db_instance_id"
)

var (
	// ErrNoRegion is returned when a region resource has no region configured.
	ErrNoRegion = errors.New("region is required")
	// ErrNotStarted is returned by facets called before Start.
	ErrNotStarted = errors.New("component not started")
)

type regionDiscovery struct {
	plugin *Plugin
}

func regions(cfg map[string]string) []string {
	var out []string
	for r := range strings.SplitSeq(cfg[ConfigRegions], ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func regionResource(region string) resource.Resource {
	return resource.Resource{
		Key:          region,
		Name:         region,
		Description:  "AWS region " + region,
		PluginConfig: map[string]string{ConfigRegion: region},
	}
}

// DiscoverResources returns one resource per configured region.
func (d regionDiscovery) DiscoverResources(_ context.Context, dc plugin.DiscoveryContext) ([]resource.Resource, error) {
	var out []resource.Resource
	for _, r := range regions(dc.PluginConfig) {
		out = append(out, regionResource(r))
	}
	return out, nil
}

// DiscoverResource adds a single region, checking that a client can be built for it.
func (d regionDiscovery) DiscoverResource(ctx context.Context, _ plugin.DiscoveryContext, cfg map[string]string) (resource.Resource, error) {
	region := strings.TrimSpace(cfg[ConfigRegion])
	if region == "" {
		return resource.Resource{}, ErrNoRegion
	}
	if _, err := d.plugin.client(ctx, region); err != nil {
		return resource.Resource{}, fmt.Errorf("region %s: %w", region, err)
	}
	return regionResource(region), nil
}

// regionComponent holds the EC2 client its instances share.
type regionComponent struct {
	plugin *Plugin

	mu        sync.Mutex
	region    string
	client    EC2API
	accountID string
}

func (c *regionComponent) Start(ctx context.Context, rc plugin.ResourceContext) error {
	region := rc.Resource.PluginConfig[ConfigRegion]
	if region == "" {
		region = rc.Resource.Key
	}
	if region == "" {
		return ErrNoRegion
	}
	client, err := c.plugin.client(ctx, region)
	if err != nil {
		return fmt.Errorf("region %s: %w", region, err)
	}
	c.mu.Lock()
	c.region, c.client = region, client
	c.mu.Unlock()
	return nil
}

func (c *regionComponent) Stop(context.Context) error {
	return nil
}

// EC2 returns the region's client; nil before Start.
func (c *regionComponent) EC2() EC2API {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// RDS returns the region's RDS client, creating it on first use.
func (c *regionComponent) RDS(ctx context.Context) (RDSAPI, error) {
	region := c.Region()
	if region == "" {
		return nil, ErrNotStarted
	}
	return c.plugin.rdsClient(ctx, region)
}

func (c *regionComponent) Region() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.region
}

// GetAvailability reports UP while the EC2 API answers with the agent's credentials.
func (c *regionComponent) GetAvailability(ctx context.Context) (resource.Availability, error) {
	client := c.EC2()
	if client == nil {
		return resource.AvailabilityUnknown, ErrNotStarted
	}
	id, err := getAccountID(ctx, client)
	if err != nil {
		if ctx.Err() != nil {
			return resource.AvailabilityUnknown, ctx.Err()
		}
		return resource.AvailabilityDown, nil
	}
	c.mu.Lock()
	c.accountID = id
	c.mu.Unlock()
	return resource.AvailabilityUp, nil
}

func (c *regionComponent) GetValues(ctx context.Context, requests []plugin.MeasurementRequest) ([]types.DataPoint, error) {
	client := c.EC2()
	if client == nil {
		return nil, ErrNotStarted
	}

	var (
		instances []ec2types.Instance
		listErr   error
		listed    bool
	)
	now := time.Now()
	points := make([]types.DataPoint, 0, len(requests))
	for _, req := range requests {
		p := types.DataPoint{ScheduleID: req.ScheduleID, Metric: req.Metric, Timestamp: now}
		switch req.Metric {
		case "instances.total", "instances.running":
			if !listed {
				instances, listErr = listInstances(ctx, client, nil)
				listed = true
			}
			if listErr != nil {
				p.Error = listErr.Error()
				break
			}
			if req.Metric == "instances.total" {
				p.Value = float64(len(instances))
			} else {
				p.Value = float64(countRunning(instances))
			}
		case "account.id":
			id, err := c.account(ctx, client)
			if err != nil {
				p.Error = err.Error()
				break
			}
			p.Trait = id
		default:
			p.Error = "unknown metric"
		}
		points = append(points, p)
	}
	return points, nil
}

func (c *regionComponent) account(ctx context.Context, client EC2API) (string, error) {
	c.mu.Lock()
	id := c.accountID
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}
	id, err := getAccountID(ctx, client)
	if err != nil {
		return "", fmt.Errorf("get account id: %w", err)
	}
	c.mu.Lock()
	c.accountID = id
	c.mu.Unlock()
	return id, nil
}

func countRunning(instances []ec2types.Instance) int {
	n := 0
	for _, inst := range instances {
		if instanceState(inst) == ec2types.InstanceStateNameRunning {
			n++
		}
	}
	return n
}

// listInstances pages through DescribeInstances. Empty ids lists every instance.
func listInstances(ctx context.Context, client EC2API, ids []string) ([]ec2types.Instance, error) {
	var instances []ec2types.Instance
	var nextToken *string

	for {
		output, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids, NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}

		for _, reservation := range output.Reservations {
			instances = append(instances, reservation.Instances...)
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return instances, nil
}
