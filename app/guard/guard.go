// Package guard gates heavy operations on host metrics. Uploads are refused
// while the host is overloaded or the spool disk runs out of room, and the
// same metrics feed the system panel in the settings modal.
package guard

import (
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Checker holds the thresholds, zero value disables a check
type Checker struct {
	MaxLoad   float64 // refuse when 1-minute load average reaches this
	MinFreeMB uint64  // refuse when free disk at SpoolPath drops below this
	SpoolPath string  // defaults to /
}

// Info is a host metrics snapshot for the settings modal
type Info struct {
	NumCPU      int     `json:"num_cpu"`
	Load1       float64 `json:"load1"`
	MemUsedPct  float64 `json:"mem_used_pct"`
	DiskFreeMB  uint64  `json:"disk_free_mb"`
	DiskUsedPct float64 `json:"disk_used_pct"`
}

// Allow verifies the host can take an upload right now.
// Returns true when all enabled checks pass, false with the reason otherwise.
func (c Checker) Allow() (bool, string) {
	if c.MaxLoad > 0 {
		if ok, reason := c.checkLoad(); !ok {
			return false, reason
		}
	}
	if c.MinFreeMB > 0 {
		if ok, reason := c.checkDiskFree(); !ok {
			return false, reason
		}
	}
	return true, ""
}

// checkLoad checks if load average is below threshold
func (c Checker) checkLoad() (bool, string) {
	loads, err := load.Avg()
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if loads.Load1 >= c.MaxLoad {
		return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, c.MaxLoad)
	}
	return true, ""
}

// checkDiskFree checks if free space at the spool path is above threshold
func (c Checker) checkDiskFree() (bool, string) {
	path := c.SpoolPath
	if path == "" {
		path = "/"
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
	}
	freeMB := usage.Free / 1024 / 1024
	if freeMB < c.MinFreeMB {
		return false, fmt.Sprintf("disk free at %dMB, need %dMB on %s", freeMB, c.MinFreeMB, path)
	}
	return true, ""
}

// Collect gathers the host metrics snapshot. Failures of individual probes
// leave the corresponding fields at zero rather than failing the snapshot.
func (c Checker) Collect() Info {
	res := Info{NumCPU: runtime.NumCPU()}

	if loads, err := load.Avg(); err == nil {
		res.Load1 = loads.Load1
	}
	if v, err := mem.VirtualMemory(); err == nil {
		res.MemUsedPct = v.UsedPercent
	}

	path := c.SpoolPath
	if path == "" {
		path = "/"
	}
	if usage, err := disk.Usage(path); err == nil {
		res.DiskFreeMB = usage.Free / 1024 / 1024
		res.DiskUsedPct = usage.UsedPercent
	}
	return res
}

// BusyCPU measures CPU usage over the sample window, used by the settings
// panel only since the measurement blocks for the whole window.
func BusyCPU(sample time.Duration) (float64, error) {
	pcts, err := cpu.Percent(sample, false)
	if err != nil {
		return 0, fmt.Errorf("failed to get CPU: %w", err)
	}
	if len(pcts) == 0 {
		return 0, fmt.Errorf("no CPU data available")
	}
	return pcts[0], nil
}
