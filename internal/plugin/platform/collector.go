package platform

import (
	"context"
	"errors"
	"sort"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrNoProcess is returned for a pid that does not exist.
var ErrNoProcess = errors.New("no such process")

// HostInfo describes the host.
type HostInfo struct {
	Hostname        string
	HostID          string
	Platform        string
	PlatformVersion string
	KernelVersion   string
	KernelArch      string
	Uptime          uint64
}

// HostStats is one sample of host counters.
type HostStats struct {
	CPUPercent   float64
	MemUsed      uint64
	MemAvailable uint64
	SwapUsed     uint64
	Load1        float64
	Load5        float64
	Load15       float64
}

// ProcessInfo identifies a running process.
type ProcessInfo struct {
	PID     int32
	Name    string
	Cmdline string
}

// ProcessStats is one sample of process counters.
type ProcessStats struct {
	Name       string
	Running    bool
	CPUPercent float64
	RSS        uint64
	Threads    int32
	FDs        int32
}

// Collector reads host and process state.
type Collector interface {
	HostInfo(ctx context.Context) (HostInfo, error)
	HostStats(ctx context.Context) (HostStats, error)
	Processes(ctx context.Context) ([]ProcessInfo, error)
	Process(ctx context.Context, pid int32) (ProcessStats, error)
}

// SystemCollector reads the local system through gopsutil.
type SystemCollector struct{}

func (SystemCollector) HostInfo(ctx context.Context) (HostInfo, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return HostInfo{}, err
	}
	return HostInfo{
		Hostname:        info.Hostname,
		HostID:          info.HostID,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		KernelArch:      info.KernelArch,
		Uptime:          info.Uptime,
	}, nil
}

// HostStats collects what it can; only a CPU failure is an error.
func (SystemCollector) HostStats(ctx context.Context) (HostStats, error) {
	var s HostStats

	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return s, err
	}
	if len(cpuPercent) > 0 {
		s.CPUPercent = cpuPercent[0]
	}
	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil && memInfo != nil {
		s.MemUsed = memInfo.Used
		s.MemAvailable = memInfo.Available
	}
	if swapInfo, err := mem.SwapMemoryWithContext(ctx); err == nil && swapInfo != nil {
		s.SwapUsed = swapInfo.Used
	}
	// Load average (Unix systems)
	if loadAvg, err := load.AvgWithContext(ctx); err == nil && loadAvg != nil {
		s.Load1 = loadAvg.Load1
		s.Load5 = loadAvg.Load5
		s.Load15 = loadAvg.Load15
	}
	return s, nil
}

// Processes lists running processes ordered by pid. Processes that exit
// while being listed are skipped.
func (SystemCollector) Processes(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		out = append(out, ProcessInfo{PID: p.Pid, Name: name, Cmdline: cmdline})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

func (SystemCollector) Process(ctx context.Context, pid int32) (ProcessStats, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ProcessStats{}, ErrNoProcess
	}
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return ProcessStats{}, nil
	}

	s := ProcessStats{Running: true}
	s.Name, _ = p.NameWithContext(ctx)
	s.CPUPercent, _ = p.CPUPercentWithContext(ctx)
	s.Threads, _ = p.NumThreadsWithContext(ctx)
	if memInfo, err := p.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
		s.RSS = memInfo.RSS
	}
	// File descriptors (Unix only, ignore error on Windows)
	if numFDs, err := p.NumFDsWithContext(ctx); err == nil {
		s.FDs = numFDs
	}
	return s, nil
}
