package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

const (
	// Minimum resources required before a job is submitted.
	MinMemoryAvailableGB = 0.5
	MinDiskFreeBytes     = 500 * 1024 * 1024
)

// MemoryInfo holds container memory statistics in gigabytes. Fields that
// could not be determined are zero with the matching Known flag unset.
type MemoryInfo struct {
	TotalGB        float64
	AvailableGB    float64
	AvailableKnown bool
	FreeGB         float64
	UsedGB         float64
	LimitGB        float64
}

// CPUInfo holds the container CPU quota in cores.
type CPUInfo struct {
	LimitCores float64
	UsageUsec  int64
}

// DiskInfo holds filesystem usage for the container root, in bytes.
type DiskInfo struct {
	TotalBytes uint64
	FreeBytes  uint64
	UsedBytes  uint64
}

// Probe reads container resource limits from cgroups, falling back to host
// values. Roots are configurable so tests can point at fixture trees.
type Probe struct {
	ProcRoot   string
	CgroupRoot string
	DiskPath   string
	Log        zerolog.Logger
}

// NewProbe returns a Probe against the live system.
func NewProbe(log zerolog.Logger) *Probe {
	return &Probe{ProcRoot: "/proc", CgroupRoot: "/sys/fs/cgroup", DiskPath: "/", Log: log}
}

// MemoryInfo gathers memory statistics from /proc/meminfo plus cgroup v2 or
// v1 limits when present.
func (p *Probe) MemoryInfo() MemoryInfo {
	var info MemoryInfo

	raw, err := os.ReadFile(filepath.Join(p.ProcRoot, "meminfo"))
	if err != nil {
		p.Log.Warn().Err(err).Msg("failed to read host memory info")
	} else {
		for _, line := range strings.Split(string(raw), "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			kb, convErr := strconv.ParseFloat(fields[1], 64)
			if convErr != nil {
				continue
			}
			gb := kb / (1024 * 1024)
			switch {
			case strings.HasPrefix(line, "MemTotal:"):
				info.TotalGB = gb
			case strings.HasPrefix(line, "MemAvailable:"):
				info.AvailableGB = gb
				info.AvailableKnown = true
			case strings.HasPrefix(line, "MemFree:"):
				info.FreeGB = gb
			}
		}
		if info.TotalGB > 0 && info.FreeGB > 0 {
			info.UsedGB = info.TotalGB - info.FreeGB
		}
	}

	// cgroup v2 first, then v1 paths for older runtimes.
	if raw, err := os.ReadFile(filepath.Join(p.CgroupRoot, "memory.max")); err == nil {
		if value := strings.TrimSpace(string(raw)); value != "max" {
			if limit, convErr := strconv.ParseFloat(value, 64); convErr == nil {
				info.LimitGB = limit / (1024 * 1024 * 1024)
			}
		}
		if raw, err := os.ReadFile(filepath.Join(p.CgroupRoot, "memory.current")); err == nil {
			if used, convErr := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64); convErr == nil {
				info.UsedGB = used / (1024 * 1024 * 1024)
			}
		}
	} else if raw, err := os.ReadFile(filepath.Join(p.CgroupRoot, "memory", "memory.limit_in_bytes")); err == nil {
		if limit, convErr := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64); convErr == nil && limit < float64(uint64(1)<<62) {
			info.LimitGB = limit / (1024 * 1024 * 1024)
		}
		if raw, err := os.ReadFile(filepath.Join(p.CgroupRoot, "memory", "memory.usage_in_bytes")); err == nil {
			if used, convErr := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64); convErr == nil {
				info.UsedGB = used / (1024 * 1024 * 1024)
			}
		}
	}

	return info
}

// CPUInfo gathers the CPU quota from cgroup v2 or v1, defaulting to the
// host core count when unlimited.
func (p *Probe) CPUInfo() CPUInfo {
	info := CPUInfo{LimitCores: float64(runtime.NumCPU())}

	if raw, err := os.ReadFile(filepath.Join(p.CgroupRoot, "cpu.max")); err == nil {
		fields := strings.Fields(strings.TrimSpace(string(raw)))
		if len(fields) == 2 && fields[0] != "max" {
			quota, qErr := strconv.ParseFloat(fields[0], 64)
			period, pErr := strconv.ParseFloat(fields[1], 64)
			if qErr == nil && pErr == nil && period > 0 {
				info.LimitCores = quota / period
			}
		}
		if raw, err := os.ReadFile(filepath.Join(p.CgroupRoot, "cpu.stat")); err == nil {
			for _, line := range strings.Split(string(raw), "\n") {
				if strings.HasPrefix(line, "usage_usec ") {
					if usage, convErr := strconv.ParseInt(strings.Fields(line)[1], 10, 64); convErr == nil {
						info.UsageUsec = usage
					}
					break
				}
			}
		}
		return info
	}

	if raw, err := os.ReadFile(filepath.Join(p.CgroupRoot, "cpu", "cpu.cfs_quota_us")); err == nil {
		quota, qErr := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
		if qErr == nil && quota > 0 {
			if raw, err := os.ReadFile(filepath.Join(p.CgroupRoot, "cpu", "cpu.cfs_period_us")); err == nil {
				if period, pErr := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64); pErr == nil && period > 0 {
					info.LimitCores = quota / period
				}
			}
		}
	}
	return info
}

// DiskInfo reports usage of the filesystem holding DiskPath.
func (p *Probe) DiskInfo() (DiskInfo, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(p.DiskPath, &stat); err != nil {
		return DiskInfo{}, fmt.Errorf("statfs %s: %w", p.DiskPath, err)
	}
	total := stat.Frsize * int64(stat.Blocks)
	free := stat.Frsize * int64(stat.Bavail)
	return DiskInfo{
		TotalBytes: uint64(total),
		FreeBytes:  uint64(free),
		UsedBytes:  uint64(total - free),
	}, nil
}

// CheckResources is the go/no-go gate evaluated before every submission.
// Unknown values pass; only a measured shortfall refuses the job.
func (p *Probe) CheckResources() error {
	mem := p.MemoryInfo()
	if mem.AvailableKnown && mem.AvailableGB < MinMemoryAvailableGB {
		return fmt.Errorf(
			"insufficient available container memory: %.2f GB available (minimum %.1f GB required)",
			mem.AvailableGB, MinMemoryAvailableGB,
		)
	}

	disk, err := p.DiskInfo()
	if err != nil {
		p.Log.Warn().Err(err).Msg("failed to read disk info")
		return nil
	}
	if disk.FreeBytes < MinDiskFreeBytes {
		return fmt.Errorf(
			"insufficient free container disk space: %.2f GB available (minimum 0.5 GB required)",
			float64(disk.FreeBytes)/(1024*1024*1024),
		)
	}
	return nil
}
