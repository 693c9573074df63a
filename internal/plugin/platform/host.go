package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/yairfalse/vahti/internal/plugin"
	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/types"
)

type hostDiscovery struct {
	collector Collector
}

func (d hostDiscovery) DiscoverResources(ctx context.Context, _ plugin.DiscoveryContext) ([]resource.Resource, error) {
	info, err := d.collector.HostInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("read host info: %w", err)
	}
	key := info.HostID
	if key == "" {
		key = info.Hostname
	}
	return []resource.Resource{{
		Key:         key,
		Name:        info.Hostname,
		Version:     info.PlatformVersion,
		Description: fmt.Sprintf("%s %s (%s)", info.Platform, info.KernelVersion, info.KernelArch),
	}}, nil
}

// hostComponent measures the local host. The host is UP while the agent runs.
type hostComponent struct {
	collector Collector

	mu  sync.Mutex
	res resource.Resource
}

func (c *hostComponent) Start(_ context.Context, rc plugin.ResourceContext) error {
	c.mu.Lock()
	c.res = rc.Resource
	c.mu.Unlock()
	return nil
}

func (c *hostComponent) Stop(context.Context) error {
	return nil
}

func (c *hostComponent) GetAvailability(context.Context) (resource.Availability, error) {
	return resource.AvailabilityUp, nil
}

func (c *hostComponent) GetValues(ctx context.Context, requests []plugin.MeasurementRequest) ([]types.DataPoint, error) {
	var (
		stats    *HostStats
		info     *HostInfo
		statsErr error
		infoErr  error
	)
	loadStats := func() (*HostStats, error) {
		if stats == nil && statsErr == nil {
			s, err := c.collector.HostStats(ctx)
			stats, statsErr = &s, err
		}
		return stats, statsErr
	}
	loadInfo := func() (*HostInfo, error) {
		if info == nil && infoErr == nil {
			i, err := c.collector.HostInfo(ctx)
			info, infoErr = &i, err
		}
		return info, infoErr
	}

	now := time.Now()
	points := make([]types.DataPoint, 0, len(requests))
	for _, req := range requests {
		p := types.DataPoint{ScheduleID: req.ScheduleID, Metric: req.Metric, Timestamp: now}
		switch req.Metric {
		case "cpu.usage", "memory.used", "memory.available", "swap.used", "load.1", "load.5", "load.15":
			s, err := loadStats()
			if err != nil {
				p.Error = err.Error()
				break
			}
			p.Value = hostValue(s, req.Metric)
		case "uptime", "os.platform", "os.kernel":
			i, err := loadInfo()
			if err != nil {
				p.Error = err.Error()
				break
			}
			switch req.Metric {
			case "uptime":
				p.Value = float64(i.Uptime)
			case "os.platform":
				p.Trait = i.Platform + " " + i.PlatformVersion
			case "os.kernel":
				p.Trait = i.KernelVersion
			}
		default:
			p.Error = "unknown metric"
		}
		points = append(points, p)
	}
	return points, nil
}

func hostValue(s *HostStats, metric string) float64 {
	switch metric {
	case "cpu.usage":
		return s.CPUPercent
	case "memory.used":
		return float64(s.MemUsed)
	case "memory.available":
		return float64(s.MemAvailable)
	case "swap.used":
		return float64(s.SwapUsed)
	case "load.1":
		return s.Load1
	case "load.5":
		return s.Load5
	case "load.15":
		return s.Load15
	}
	return 0
}

// Snapshot writes host info and a stats sample as JSON.
func (c *hostComponent) Snapshot(ctx context.Context, w io.Writer) error {
	info, err := c.collector.HostInfo(ctx)
	if err != nil {
		return err
	}
	stats, err := c.collector.HostStats(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	id := c.res.ID
	c.mu.Unlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		ResourceID string    `json:"resource_id"`
		TakenAt    time.Time `json:"taken_at"`
		Info       HostInfo  `json:"info"`
		Stats      HostStats `json:"stats"`
	}{id, time.Now(), info, stats})
}
