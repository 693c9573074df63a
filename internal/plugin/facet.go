package plugin

import (
	"context"
	"fmt"
	"io"

	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/types"
)

// Facet names an optional capability of a resource component.
type Facet string

const (
	FacetMeasurement   Facet = "measurement"
	FacetAvailability  Facet = "availability"
	FacetOperation     Facet = "operation"
	FacetConfiguration Facet = "configuration"
	FacetContent       Facet = "content"
	FacetBundle        Facet = "bundle"
	FacetSupport       Facet = "support"
	// FacetLifecycle labels errors from Start and Stop.
	FacetLifecycle Facet = "lifecycle"
)

// ResourceContext is what a component receives when it is started.
type ResourceContext struct {
	Resource resource.Resource
	// ParentComponent is the started component of the parent resource, nil for roots.
	ParentComponent ResourceComponent
	// DataDir is a directory the component may use for its own state.
	DataDir string
}

// ResourceComponent is the plugin-side object managing one resource.
type ResourceComponent interface {
	Start(ctx context.Context, rc ResourceContext) error
	Stop(ctx context.Context) error
}

// MeasurementRequest asks for the current value of one scheduled metric.
type MeasurementRequest struct {
	ScheduleID int64
	Metric     string
	DataType   types.DataType
}

// MeasurementFacet collects metric values. One call carries every schedule
// of the resource that came due together.
type MeasurementFacet interface {
	GetValues(ctx context.Context, requests []MeasurementRequest) ([]types.DataPoint, error)
}

// AvailabilityFacet reports whether the resource is up.
type AvailabilityFacet interface {
	GetAvailability(ctx context.Context) (resource.Availability, error)
}

// OperationResult is the outcome of an operation.
type OperationResult struct {
	Output map[string]string `json:"output,omitempty"`
}

// OperationFacet invokes named operations on the resource.
type OperationFacet interface {
	InvokeOperation(ctx context.Context, name string, params map[string]string) (OperationResult, error)
}

// Configuration is a flat resource configuration.
type Configuration map[string]string

// ConfigurationFacet reads and writes resource configuration.
type ConfigurationFacet interface {
	LoadConfiguration(ctx context.Context) (Configuration, error)
	UpdateConfiguration(ctx context.Context, cfg Configuration) error
}

// Package is a piece of content installed on a resource.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Type    string `json:"type"`
	Size    int64  `json:"size,omitempty"`
}

// ContentFacet lists content installed on the resource.
type ContentFacet interface {
	DiscoverPackages(ctx context.Context, packageType string) ([]Package, error)
}

// BundleFacet deploys and purges bundles on the resource.
type BundleFacet interface {
	DeployBundle(ctx context.Context, req types.BundleScheduleRequest) (types.BundleResponse, error)
	PurgeBundle(ctx context.Context, req types.BundlePurgeRequest) (types.BundleResponse, error)
}

// SupportFacet writes a diagnostic snapshot of the resource.
type SupportFacet interface {
	Snapshot(ctx context.Context, w io.Writer) error
}

// DiscoveryContext is handed to a discovery component for one parent.
type DiscoveryContext struct {
	ResourceType ResourceType
	// Parent is the resource under which children are searched; zero for root types.
	Parent          resource.Resource
	ParentComponent ResourceComponent
	// PluginConfig holds descriptor defaults merged with agent configuration.
	PluginConfig map[string]string
}

// DiscoveryComponent finds resources of one type under a parent. Returned
// resources need Key and Name; the runtime fills in ids and parentage.
type DiscoveryComponent interface {
	DiscoverResources(ctx context.Context, dc DiscoveryContext) ([]resource.Resource, error)
}

// ManualAddComponent builds a single resource from user supplied plugin configuration.
type ManualAddComponent interface {
	DiscoverResource(ctx context.Context, dc DiscoveryContext, pluginConfig map[string]string) (resource.Resource, error)
}

// Capabilities lists the facets c implements.
func Capabilities(c ResourceComponent) []Facet {
	var facets []Facet
	if _, ok := c.(MeasurementFacet); ok {
		facets = append(facets, FacetMeasurement)
	}
	if _, ok := c.(AvailabilityFacet); ok {
		facets = append(facets, FacetAvailability)
	}
	if _, ok := c.(OperationFacet); ok {
		facets = append(facets, FacetOperation)
	}
	if _, ok := c.(ConfigurationFacet); ok {
		facets = append(facets, FacetConfiguration)
	}
	if _, ok := c.(ContentFacet); ok {
		facets = append(facets, FacetContent)
	}
	if _, ok := c.(BundleFacet); ok {
		facets = append(facets, FacetBundle)
	}
	if _, ok := c.(SupportFacet); ok {
		facets = append(facets, FacetSupport)
	}
	return facets
}

// InvocationError wraps a failure raised by plugin code.
type InvocationError struct {
	ResourceID string
	Facet      Facet
	Err        error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("plugin %s facet on resource %s: %v", e.Facet, e.ResourceID, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}
