package daemon

import (
	"bytes"
	"context"

	"github.com/yairfalse/vahti/internal/facetlock"
	"github.com/yairfalse/vahti/internal/plugin"
)

// LoadConfiguration reads a resource's configuration under its READ lock.
func (d *Daemon) LoadConfiguration(ctx context.Context, resourceID string) (plugin.Configuration, error) {
	return withFacet(ctx, d, resourceID, plugin.FacetConfiguration, facetlock.Read,
		func(ctx context.Context, f plugin.ConfigurationFacet) (plugin.Configuration, error) {
			return f.LoadConfiguration(ctx)
		})
}

// UpdateConfiguration applies cfg to a resource under its WRITE lock.
func (d *Daemon) UpdateConfiguration(ctx context.Context, resourceID string, cfg plugin.Configuration) error {
	_, err := withFacet(ctx, d, resourceID, plugin.FacetConfiguration, facetlock.Write,
		func(ctx context.Context, f plugin.ConfigurationFacet) (struct{}, error) {
			return struct{}{}, f.UpdateConfiguration(ctx, cfg)
		})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	d.metrics.RecordOperation(ctx, "update_configuration", outcome)
	return err
}

// DiscoverPackages lists the content of one package type installed on a
// resource, under its READ lock.
func (d *Daemon) DiscoverPackages(ctx context.Context, resourceID, packageType string) ([]plugin.Package, error) {
	return withFacet(ctx, d, resourceID, plugin.FacetContent, facetlock.Read,
		func(ctx context.Context, f plugin.ContentFacet) ([]plugin.Package, error) {
			return f.DiscoverPackages(ctx, packageType)
		})
}

// Snapshot collects a resource's diagnostic snapshot under its READ lock.
// The snapshot is buffered so a call that overruns its timeout never writes
// to the caller.
func (d *Daemon) Snapshot(ctx context.Context, resourceID string) ([]byte, error) {
	return withFacet(ctx, d, resourceID, plugin.FacetSupport, facetlock.Read,
		func(ctx context.Context, f plugin.SupportFacet) ([]byte, error) {
			var buf bytes.Buffer
			if err := f.Snapshot(ctx, &buf); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		})
}
