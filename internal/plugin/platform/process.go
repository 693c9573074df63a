package platform

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yairfalse/vahti/internal/plugin"
	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/types"
)

// Plugin configuration keys of the process type.
const (
	ConfigPatterns = "patterns"
	ConfigPID      = "pid"
	ConfigName     = "name"
)

type processDiscovery struct {
	collector Collector
}

// patterns splits a comma separated list of process name globs.
func patterns(cfg map[string]string) []string {
	var out []string
	for p := range strings.SplitSeq(cfg[ConfigPatterns], ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func matchesAny(name string, globs []string) bool {
	for _, g := range globs {
		if ok, err := path.Match(g, name); err == nil && ok {
			return true
		}
	}
	return false
}

func processResource(p ProcessInfo) resource.Resource {
	return resource.Resource{
		Key:         p.Name,
		Name:        p.Name,
		Description: p.Cmdline,
		PluginConfig: map[string]string{
			ConfigPID:  strconv.Itoa(int(p.PID)),
			ConfigName: p.Name,
		},
	}
}

// DiscoverResources returns one resource per process name matching the
// configured patterns. Nothing is discovered without patterns.
func (d processDiscovery) DiscoverResources(ctx context.Context, dc plugin.DiscoveryContext) ([]resource.Resource, error) {
	globs := patterns(dc.PluginConfig)
	if len(globs) == 0 {
		return nil, nil
	}
	procs, err := d.collector.Processes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var out []resource.Resource
	for _, p := range procs {
		if matchesAny(p.Name, globs) {
			out = append(out, processResource(p))
		}
	}
	return out, nil
}

// DiscoverResource adds the process with the given pid.
func (d processDiscovery) DiscoverResource(ctx context.Context, _ plugin.DiscoveryContext, cfg map[string]string) (resource.Resource, error) {
	pid, err := parsePID(cfg[ConfigPID])
	if err != nil {
		return resource.Resource{}, err
	}
	procs, err := d.collector.Processes(ctx)
	if err != nil {
		return resource.Resource{}, fmt.Errorf("list processes: %w", err)
	}
	for _, p := range procs {
		if p.PID == pid {
			return processResource(p), nil
		}
	}
	return resource.Resource{}, fmt.Errorf("pid %d: %w", pid, ErrNoProcess)
}

func parsePID(s string) (int32, error) {
	if s == "" {
		return 0, errors.New("plugin config pid is required")
	}
	pid, err := strconv.ParseInt(s, 10, 32)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q", s)
	}
	return int32(pid), nil
}

// processComponent watches one process. When the pid it was discovered
// with is gone it looks the process up again by name.
type processComponent struct {
	collector Collector

	mu   sync.Mutex
	pid  int32
	name string
}

func (c *processComponent) Start(_ context.Context, rc plugin.ResourceContext) error {
	pid, err := parsePID(rc.Resource.PluginConfig[ConfigPID])
	if err != nil {
		return err
	}
	name := rc.Resource.PluginConfig[ConfigName]
	if name == "" {
		name = rc.Resource.Key
	}
	c.mu.Lock()
	c.pid, c.name = pid, name
	c.mu.Unlock()
	return nil
}

func (c *processComponent) Stop(context.Context) error {
	return nil
}

// sample returns stats of the watched process, following a restart.
func (c *processComponent) sample(ctx context.Context) (ProcessStats, error) {
	c.mu.Lock()
	pid, name := c.pid, c.name
	c.mu.Unlock()

	s, err := c.collector.Process(ctx, pid)
	if err == nil && s.Running && (s.Name == "" || s.Name == name) {
		return s, nil
	}
	if err != nil && !errors.Is(err, ErrNoProcess) {
		return ProcessStats{}, err
	}

	procs, err := c.collector.Processes(ctx)
	if err != nil {
		return ProcessStats{}, fmt.Errorf("list processes: %w", err)
	}
	for _, p := range procs {
		if p.Name != name {
			continue
		}
		s, err := c.collector.Process(ctx, p.PID)
		if err != nil || !s.Running {
			continue
		}
		c.mu.Lock()
		c.pid = p.PID
		c.mu.Unlock()
		return s, nil
	}
	return ProcessStats{}, fmt.Errorf("%s: %w", name, ErrNoProcess)
}

func (c *processComponent) GetAvailability(ctx context.Context) (resource.Availability, error) {
	_, err := c.sample(ctx)
	if errors.Is(err, ErrNoProcess) {
		return resource.AvailabilityDown, nil
	}
	if err != nil {
		return resource.AvailabilityUnknown, err
	}
	return resource.AvailabilityUp, nil
}

func (c *processComponent) GetValues(ctx context.Context, requests []plugin.MeasurementRequest) ([]types.DataPoint, error) {
	s, err := c.sample(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	pid := c.pid
	c.mu.Unlock()

	now := time.Now()
	points := make([]types.DataPoint, 0, len(requests))
	for _, req := range requests {
		p := types.DataPoint{ScheduleID: req.ScheduleID, Metric: req.Metric, Timestamp: now}
		switch req.Metric {
		case "cpu.percent":
			p.Value = s.CPUPercent
		case "memory.rss":
			p.Value = float64(s.RSS)
		case "threads":
			p.Value = float64(s.Threads)
		case "fds":
			p.Value = float64(s.FDs)
		case "pid":
			p.Trait = strconv.Itoa(int(pid))
		default:
			p.Error = "unknown metric"
		}
		points = append(points, p)
	}
	return points, nil
}
