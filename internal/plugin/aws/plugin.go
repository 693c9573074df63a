// Package aws is the built-in plugin for AWS regions and the EC2 and RDS
// instances running in them.
package aws

import (
	"context"
	_ "embed"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/vahti/internal/plugin"
)

const (
	// PluginName is the plugin identifier.
	PluginName = "aws"

	TypeRegion   = "aws-region"
	TypeInstance = "ec2-instance"
	TypeDatabase = "rds-instance"
)

//go:embed descriptor.yaml
var descriptorYAML []byte

// Plugin serves the aws-region, ec2-instance and rds-instance resource types.
type Plugin struct {
	newClient  ClientFactory
	newRDS     RDSClientFactory
	descriptor *plugin.Descriptor

	mu         sync.Mutex
	clients    map[string]EC2API
	rdsClients map[string]RDSAPI
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithRDSClient sets the factory for RDS clients.
func WithRDSClient(f RDSClientFactory) Option {
	return func(p *Plugin) { p.newRDS = f }
}

// New creates the AWS plugin. A nil factory builds clients from the
// default credential chain.
func New(newClient ClientFactory, opts ...Option) *Plugin {
	if newClient == nil {
		newClient = DefaultClient
	}
	p := &Plugin{
		newClient:  newClient,
		newRDS:     DefaultRDSClient,
		descriptor: plugin.MustParseDescriptor(descriptorYAML),
		clients:    make(map[string]EC2API),
		rdsClients: make(map[string]RDSAPI),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DefaultClient loads the default AWS configuration for region.
func DefaultClient(ctx context.Context, region string) (EC2API, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return ec2.NewFromConfig(awsCfg), nil
}

// DefaultRDSClient loads the default AWS configuration for region.
func DefaultRDSClient(ctx context.Context, region string) (RDSAPI, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return rds.NewFromConfig(awsCfg), nil
}

// client returns the cached client for region, creating it on first use.
func (p *Plugin) client(ctx context.Context, region string) (EC2API, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[region]; ok {
		return c, nil
	}
	c, err := p.newClient(ctx, region)
	if err != nil {
		return nil, err
	}
	p.clients[region] = c
	log.Debug().Str("region", region).Msg("Created EC2 client")
	return c, nil
}

// rdsClient returns the cached RDS client for region, creating it on first use.
func (p *Plugin) rdsClient(ctx context.Context, region string) (RDSAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.rdsClients[region]; ok {
		return c, nil
	}
	c, err := p.newRDS(ctx, region)
	if err != nil {
		return nil, err
	}
	p.rdsClients[region] = c
	log.Debug().Str("region", region).Msg("Created RDS client")
	return c, nil
}

func (p *Plugin) Name() string {
	return PluginName
}

func (p *Plugin) Descriptor() *plugin.Descriptor {
	return p.descriptor
}

func (p *Plugin) NewComponent(resourceType string) (plugin.ResourceComponent, error) {
	switch resourceType {
	case TypeRegion:
		return &regionComponent{plugin: p}, nil
	case TypeInstance:
		return &instanceComponent{}, nil
	case TypeDatabase:
		return &databaseComponent{}, nil
	}
	return nil, fmt.Errorf("%w: %s", plugin.ErrUnknownType, resourceType)
}

func (p *Plugin) Discovery(resourceType string) (plugin.DiscoveryComponent, bool) {
	switch resourceType {
	case TypeRegion:
		return regionDiscovery{plugin: p}, true
	case TypeInstance:
		return instanceDiscovery{}, true
	case TypeDatabase:
		return databaseDiscovery{}, true
	}
	return nil, false
}

func getAccountID(ctx context.Context, client EC2API) (string, error) {
	output, err := client.DescribeAccountAttributes(ctx, &ec2.DescribeAccountAttributesInput{})
	if err != nil {
		return "", err
	}

	for _, attr := range output.AccountAttributes {
		if aws.ToString(attr.AttributeName) == "account-id" && len(attr.AttributeValues) > 0 {
			return aws.ToString(attr.AttributeValues[0].AttributeValue), nil
		}
	}

	return "unknown", nil
}
